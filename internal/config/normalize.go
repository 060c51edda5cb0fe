package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeBoard()
	c.normalizeScribe()
	c.normalizeSpeech()
	c.normalizeShows()
	c.normalizeLabels()
	c.normalizeWorkflow()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.Bind = strings.TrimSpace(c.Paths.Bind)
	if c.Paths.Bind == "" {
		c.Paths.Bind = defaultBind
	}
	c.Paths.WebURL = strings.TrimRight(strings.TrimSpace(c.Paths.WebURL), "/")
	return nil
}

func (c *Config) normalizeBoard() {
	if c.Board.APIKey == "" {
		if value, ok := os.LookupEnv("BOARD_API_KEY"); ok {
			c.Board.APIKey = strings.TrimSpace(value)
		}
	}
	if c.Board.Token == "" {
		if value, ok := os.LookupEnv("BOARD_TOKEN"); ok {
			c.Board.Token = strings.TrimSpace(value)
		}
	}
	if c.Board.WebhookSecret == "" {
		if value, ok := os.LookupEnv("BOARD_WEBHOOK_SECRET"); ok {
			c.Board.WebhookSecret = strings.TrimSpace(value)
		}
	}
	c.Board.BaseURL = strings.TrimRight(strings.TrimSpace(c.Board.BaseURL), "/")
	if c.Board.BaseURL == "" {
		c.Board.BaseURL = defaultBoardBaseURL
	}
}

func (c *Config) normalizeScribe() {
	if c.Scribe.APIKey == "" {
		if value, ok := os.LookupEnv("SCRIBE_API_KEY"); ok {
			c.Scribe.APIKey = strings.TrimSpace(value)
		}
	}
	c.Scribe.BaseURL = strings.TrimSpace(c.Scribe.BaseURL)
	if c.Scribe.BaseURL == "" {
		c.Scribe.BaseURL = defaultScribeBaseURL
	}
	if c.Scribe.Model == "" {
		c.Scribe.Model = defaultScribeModel
	}
	if c.Scribe.RevisionModel == "" {
		c.Scribe.RevisionModel = defaultScribeRevisionModel
	}
	if c.Scribe.MaxTokens <= 0 {
		c.Scribe.MaxTokens = defaultScribeMaxTokens
	}
	if c.Scribe.TimeoutSeconds <= 0 {
		c.Scribe.TimeoutSeconds = defaultScribeTimeoutSeconds
	}
}

func (c *Config) normalizeSpeech() {
	if c.Speech.APIKey == "" {
		if value, ok := os.LookupEnv("SPEECH_API_KEY"); ok {
			c.Speech.APIKey = strings.TrimSpace(value)
		}
	}
	c.Speech.BaseURL = strings.TrimRight(strings.TrimSpace(c.Speech.BaseURL), "/")
	if c.Speech.BaseURL == "" {
		c.Speech.BaseURL = defaultSpeechBaseURL
	}
	if c.Speech.ModelID == "" {
		c.Speech.ModelID = defaultSpeechModelID
	}
	if c.Speech.OutputFormat == "" {
		c.Speech.OutputFormat = defaultSpeechOutputFormat
	}
	if c.Speech.TimeoutSeconds <= 0 {
		c.Speech.TimeoutSeconds = defaultSpeechTimeoutSeconds
	}
}

func (c *Config) normalizeShows() {
	c.Shows.SheetID = strings.TrimSpace(c.Shows.SheetID)
	c.Shows.LabelSuffix = strings.ToLower(strings.TrimSpace(c.Shows.LabelSuffix))
	if c.Shows.LabelSuffix == "" {
		c.Shows.LabelSuffix = defaultShowsLabelSuffix
	}
	if c.Shows.CacheTTLSeconds <= 0 {
		c.Shows.CacheTTLSeconds = defaultShowsCacheTTLSeconds
	}
	if c.Shows.FetchTimeout <= 0 {
		c.Shows.FetchTimeout = defaultShowsFetchTimeout
	}
}

func (c *Config) normalizeLabels() {
	trim := func(value, fallback string) string {
		value = strings.TrimSpace(value)
		if value == "" {
			return fallback
		}
		return value
	}
	c.Labels.Trigger = trim(c.Labels.Trigger, defaultTriggerLabel)
	c.Labels.Writing = trim(c.Labels.Writing, defaultWritingLabel)
	c.Labels.Review = trim(c.Labels.Review, defaultReviewLabel)
	c.Labels.Approved = trim(c.Labels.Approved, defaultApprovedLabel)
	c.Labels.Voicing = trim(c.Labels.Voicing, defaultVoicingLabel)
	c.Labels.Done = trim(c.Labels.Done, defaultDoneLabel)
	c.Labels.Error = trim(c.Labels.Error, defaultErrorLabel)
	c.Labels.ReadyList = trim(c.Labels.ReadyList, defaultReadyList)
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.Workers <= 0 {
		c.Workflow.Workers = defaultWorkers
	}
	if c.Workflow.QueuePollInterval <= 0 {
		c.Workflow.QueuePollInterval = defaultQueuePollInterval
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaultErrorRetryInterval
	}
	if c.Workflow.LeaseSeconds <= 0 {
		c.Workflow.LeaseSeconds = defaultLeaseSeconds
	}
	if c.Workflow.RevisionRetryDelay <= 0 {
		c.Workflow.RevisionRetryDelay = defaultRevisionRetryDelay
	}
	if strings.TrimSpace(c.Workflow.MaintenanceSchedule) == "" {
		c.Workflow.MaintenanceSchedule = defaultMaintenanceSchedule
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
