package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
	Bind    string `toml:"bind"`
	// WebURL is the externally reachable base URL for script edit links
	// embedded in card comments. Optional.
	WebURL string `toml:"web_url"`
}

// Board contains configuration for the remote board API (a Trello-compatible
// REST surface) that drives the pipeline.
type Board struct {
	APIKey        string `toml:"api_key"`
	Token         string `toml:"token"`
	BoardID       string `toml:"board_id"`
	WebhookSecret string `toml:"webhook_secret"`
	BaseURL       string `toml:"base_url"`
}

// Scribe contains configuration for the content-generation service that
// writes and revises scripts.
type Scribe struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	RevisionModel  string `toml:"revision_model"`
	MaxTokens      int    `toml:"max_tokens"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Speech contains configuration for the speech-synthesis service.
type Speech struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	ModelID        string `toml:"model_id"`
	OutputFormat   string `toml:"output_format"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Shows contains configuration for the published-sheet show catalog that maps
// board labels to voice/prompt profiles.
type Shows struct {
	SheetID         string `toml:"sheet_id"`
	LabelSuffix     string `toml:"label_suffix"`
	CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
	FetchTimeout    int    `toml:"fetch_timeout"`
}

// Labels names the board labels and lists the pipeline reads and writes.
type Labels struct {
	Trigger   string `toml:"trigger"`
	Writing   string `toml:"writing"`
	Review    string `toml:"review"`
	Approved  string `toml:"approved"`
	Voicing   string `toml:"voicing"`
	Done      string `toml:"done"`
	Error     string `toml:"error"`
	ReadyList string `toml:"ready_list"`
}

// Workflow contains worker and queue timing configuration.
type Workflow struct {
	Workers             int    `toml:"workers"`
	QueuePollInterval   int    `toml:"queue_poll_interval"`
	ErrorRetryInterval  int    `toml:"error_retry_interval"`
	LeaseSeconds        int    `toml:"lease_seconds"`
	RevisionRetryDelay  int    `toml:"revision_retry_delay"`
	MaintenanceSchedule string `toml:"maintenance_schedule"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	ScriptReady    bool   `toml:"script_ready"`
	Delivered      bool   `toml:"delivered"`
	Errors         bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Soundbite.
//
// Configuration sections by subsystem:
//   - Paths: data/log directories, HTTP bind address, public web URL
//   - Board: remote board API credentials and webhook secret
//   - Scribe: content-generation service (script writing and revision)
//   - Speech: speech-synthesis service
//   - Shows: label-to-show-profile catalog sourced from a published sheet
//   - Labels: board label and list names the pipeline mutates
//   - Workflow: worker counts, queue timing, maintenance schedule
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Board         Board         `toml:"board"`
	Scribe        Scribe        `toml:"scribe"`
	Speech        Speech        `toml:"speech"`
	Shows         Shows         `toml:"shows"`
	Labels        Labels        `toml:"labels"`
	Workflow      Workflow      `toml:"workflow"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/soundbite/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("soundbite.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "soundbite.db")
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
