package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateBoard(); err != nil {
		return err
	}
	if err := c.validateScribe(); err != nil {
		return err
	}
	if err := c.validateSpeech(); err != nil {
		return err
	}
	if err := c.validateShows(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if c.Paths.LogDir == "" {
		return errors.New("paths.log_dir must be set")
	}
	if c.Paths.WebURL != "" {
		parsed, err := url.Parse(c.Paths.WebURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return errors.New("paths.web_url must be an absolute URL")
		}
	}
	return nil
}

func (c *Config) validateBoard() error {
	if c.Board.APIKey == "" {
		return requiredKeyError("board.api_key", "BOARD_API_KEY")
	}
	if c.Board.Token == "" {
		return requiredKeyError("board.token", "BOARD_TOKEN")
	}
	if strings.TrimSpace(c.Board.BoardID) == "" {
		return errors.New("board.board_id must be set")
	}
	if c.Board.WebhookSecret == "" {
		return requiredKeyError("board.webhook_secret", "BOARD_WEBHOOK_SECRET")
	}
	return nil
}

func (c *Config) validateScribe() error {
	if c.Scribe.APIKey == "" {
		return requiredKeyError("scribe.api_key", "SCRIBE_API_KEY")
	}
	return nil
}

func (c *Config) validateSpeech() error {
	if c.Speech.APIKey == "" {
		return requiredKeyError("speech.api_key", "SPEECH_API_KEY")
	}
	return nil
}

func (c *Config) validateShows() error {
	if strings.TrimSpace(c.Shows.SheetID) == "" {
		return errors.New("shows.sheet_id must be set")
	}
	return ensurePositiveMap(map[string]int{
		"shows.cache_ttl_seconds": c.Shows.CacheTTLSeconds,
		"shows.fetch_timeout":     c.Shows.FetchTimeout,
	})
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.workers":              c.Workflow.Workers,
		"workflow.queue_poll_interval":  c.Workflow.QueuePollInterval,
		"workflow.error_retry_interval": c.Workflow.ErrorRetryInterval,
		"workflow.lease_seconds":        c.Workflow.LeaseSeconds,
		"workflow.revision_retry_delay": c.Workflow.RevisionRetryDelay,
		"scribe.timeout_seconds":        c.Scribe.TimeoutSeconds,
		"speech.timeout_seconds":        c.Speech.TimeoutSeconds,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.Workflow.LeaseSeconds <= c.Workflow.QueuePollInterval {
		return errors.New("workflow.lease_seconds must be greater than workflow.queue_poll_interval")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}

func requiredKeyError(field, envVar string) error {
	defaultPath, err := DefaultConfigPath()
	if err != nil {
		defaultPath = "~/.config/soundbite/config.toml"
	}
	return fmt.Errorf("%s is required. Set %s env var or edit %s (create with 'soundbite config init')", field, envVar, defaultPath)
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
