package testsupport

import (
	"path/filepath"
	"testing"

	"soundbite/internal/config"
)

// ConfigOption mutates a test configuration before it is returned.
type ConfigOption func(*config.Config)

// NewConfig returns a validated configuration rooted in a per-test temp
// directory, with placeholder credentials for every external service.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.Bind = "127.0.0.1:0"
	cfg.Board.APIKey = "test-board-key"
	cfg.Board.Token = "test-board-token"
	cfg.Board.BoardID = "test-board"
	cfg.Board.WebhookSecret = "test-webhook-secret"
	cfg.Scribe.APIKey = "test-scribe-key"
	cfg.Speech.APIKey = "test-speech-key"
	cfg.Shows.SheetID = "test-sheet"

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return &cfg
}

// WithWebURL sets the public web URL on the test config.
func WithWebURL(url string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Paths.WebURL = url
	}
}

// WithNtfyTopic enables ntfy notifications on the test config.
func WithNtfyTopic(topic string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Notifications.NtfyTopic = topic
	}
}
