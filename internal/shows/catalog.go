package shows

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Profile holds the voice and prompt configuration for one show.
type Profile struct {
	Name    string
	VoiceID string
	Prompt  string
}

// Catalog maps show labels to profiles. Lookups are case-insensitive and
// restricted to labels carrying the configured suffix.
type Catalog struct {
	suffix   string
	profiles map[string]Profile
}

// NewCatalog builds a catalog from parsed profiles keyed by lowercase name.
func NewCatalog(suffix string, profiles map[string]Profile) *Catalog {
	if profiles == nil {
		profiles = map[string]Profile{}
	}
	return &Catalog{suffix: strings.ToLower(suffix), profiles: profiles}
}

// Lookup finds the profile registered under a label name.
func (c *Catalog) Lookup(label string) (Profile, bool) {
	profile, ok := c.profiles[strings.ToLower(strings.TrimSpace(label))]
	return profile, ok
}

// Match scans a card's label names for one that carries the show suffix and
// is registered in the catalog. The first registered match wins.
func (c *Catalog) Match(labelNames []string) (Profile, bool) {
	for _, name := range labelNames {
		normalized := strings.ToLower(strings.TrimSpace(name))
		if !strings.HasSuffix(normalized, c.suffix) {
			continue
		}
		if profile, ok := c.profiles[normalized]; ok {
			return profile, true
		}
	}
	return Profile{}, false
}

// Labels returns the sorted show label names known to the catalog.
func (c *Catalog) Labels() []string {
	labels := make([]string, 0, len(c.profiles))
	for _, profile := range c.profiles {
		labels = append(labels, profile.Name)
	}
	sort.Strings(labels)
	return labels
}

// Len reports how many shows the catalog carries.
func (c *Catalog) Len() int {
	return len(c.profiles)
}

// ParseCatalog reads the published-CSV sheet body. The first column holds the
// show name (its header may be empty); a "Voices ID" column and an optional
// "Prompt" column are located by header. Rows with an empty name continue the
// previous show's prompt. Only rows whose name ends with the suffix are kept.
func ParseCatalog(r io.Reader, suffix string) (*Catalog, error) {
	suffix = strings.ToLower(strings.TrimSpace(suffix))
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read sheet header: %w", err)
	}

	const nameIdx = 0
	voiceIdx := -1
	promptIdx := -1
	for i, column := range header {
		switch strings.ToLower(strings.TrimSpace(column)) {
		case "voices id", "voice id":
			voiceIdx = i
		case "prompt":
			promptIdx = i
		}
	}
	if voiceIdx < 0 {
		return nil, fmt.Errorf("sheet has no voice ID column, headers: %v", header)
	}

	profiles := map[string]Profile{}
	lastKey := ""
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read sheet row: %w", err)
		}
		if len(row) <= voiceIdx {
			continue
		}

		name := strings.TrimSpace(row[nameIdx])
		voiceID := strings.TrimSpace(row[voiceIdx])
		promptLine := ""
		if promptIdx >= 0 && len(row) > promptIdx {
			promptLine = strings.TrimSpace(row[promptIdx])
		}

		if name == "" {
			// Continuation row extends the previous show's prompt.
			if lastKey != "" && promptLine != "" {
				profile := profiles[lastKey]
				profile.Prompt += "\n" + promptLine
				profiles[lastKey] = profile
			}
			continue
		}

		key := strings.ToLower(name)
		if !strings.HasSuffix(key, suffix) {
			lastKey = ""
			continue
		}

		lastKey = key
		profiles[key] = Profile{
			Name:    name,
			VoiceID: voiceID,
			Prompt:  promptLine,
		}
	}

	return NewCatalog(suffix, profiles), nil
}
