package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"soundbite/internal/services"
)

const defaultTimeout = 300 * time.Second

// Config captures the runtime settings for the voice synthesis service.
type Config struct {
	APIKey         string
	BaseURL        string
	ModelID        string
	OutputFormat   string
	TimeoutSeconds int
}

// Synthesis is the audio produced for a script.
type Synthesis struct {
	Audio     []byte
	DurationS float64
}

// Service defines the synthesis operation used by the voice stage.
type Service interface {
	Generate(ctx context.Context, text, voiceID string) (*Synthesis, error)
}

// Client calls a text-to-speech API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

var _ Service = (*Client)(nil)

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a speech client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("speech api key required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("speech base url required")
	}
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type generateRequest struct {
	Text         string `json:"text"`
	ModelID      string `json:"model_id"`
	OutputFormat string `json:"output_format"`
}

// Generate converts script text to audio with the given voice. Long scripts
// can take minutes; the HTTP timeout is sized accordingly.
func (c *Client) Generate(ctx context.Context, text, voiceID string) (*Synthesis, error) {
	if strings.TrimSpace(text) == "" {
		return nil, services.Wrap(services.ErrValidation, "voice", "generate", "empty script text", nil)
	}
	if strings.TrimSpace(voiceID) == "" {
		return nil, services.Wrap(services.ErrValidation, "voice", "generate", "missing voice id", nil)
	}

	body, err := json.Marshal(generateRequest{
		Text:         text,
		ModelID:      c.cfg.ModelID,
		OutputFormat: c.cfg.OutputFormat,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrExternal, "voice", "generate", "encode request", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/text-to-speech/" + voiceID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, services.Wrap(services.ErrExternal, "voice", "generate", "build request", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return nil, services.Wrap(services.ErrTimeout, "voice", "generate", "synthesis timed out", err)
		}
		return nil, services.Wrap(services.ErrExternal, "voice", "generate", "send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		marker := services.ErrExternal
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			marker = services.ErrTransient
		}
		return nil, services.Wrap(marker, "voice", "generate",
			fmt.Sprintf("synthesis returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))), nil)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrExternal, "voice", "generate", "read audio", err)
	}
	if len(audio) == 0 {
		return nil, services.Wrap(services.ErrExternal, "voice", "generate", "empty audio response", nil)
	}
	elapsed := c.now().Sub(start)

	return &Synthesis{
		Audio:     audio,
		DurationS: float64(int(elapsed.Seconds()*10+0.5)) / 10,
	}, nil
}

func isClientTimeout(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}
