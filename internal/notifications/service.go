package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"soundbite/internal/config"
)

const userAgent = "Soundbite-Go/0.1.0"

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	NotifyScriptReady(ctx context.Context, cardName, cardURL string) error
	NotifyRevisionApplied(ctx context.Context, cardName string, revision int) error
	NotifyDelivered(ctx context.Context, cardName string, audioBytes int) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:    topic,
		client:      &http.Client{Timeout: timeout},
		scriptReady: cfg.Notifications.ScriptReady,
		delivered:   cfg.Notifications.Delivered,
		errors:      cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint    string
	client      *http.Client
	scriptReady bool
	delivered   bool
	errors      bool
}

func (n *ntfyService) NotifyScriptReady(ctx context.Context, cardName, cardURL string) error {
	if !n.scriptReady {
		return nil
	}
	cardName = strings.TrimSpace(cardName)
	message := fmt.Sprintf("Script ready for review: %s", cardName)
	if cardURL = strings.TrimSpace(cardURL); cardURL != "" {
		message = fmt.Sprintf("%s\n%s", message, cardURL)
	}
	data := payload{
		title:   "Soundbite - Script Ready",
		message: message,
		tags:    []string{"soundbite", "script", "review"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRevisionApplied(ctx context.Context, cardName string, revision int) error {
	if !n.scriptReady {
		return nil
	}
	cardName = strings.TrimSpace(cardName)
	data := payload{
		title:   "Soundbite - Script Revised",
		message: fmt.Sprintf("Revision %d ready for review: %s", revision, cardName),
		tags:    []string{"soundbite", "script", "revised"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDelivered(ctx context.Context, cardName string, audioBytes int) error {
	if !n.delivered {
		return nil
	}
	cardName = strings.TrimSpace(cardName)
	sizeMB := float64(audioBytes) / (1024 * 1024)
	data := payload{
		title:    "Soundbite - Delivered",
		message:  fmt.Sprintf("Audio delivered: %s (%.1f MB)", cardName, sizeMB),
		tags:     []string{"soundbite", "delivery", "completed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "Soundbite - Error",
		message:  builder.String(),
		tags:     []string{"soundbite", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Soundbite - Test",
		message:  "Notification system test",
		tags:     []string{"soundbite", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyScriptReady(context.Context, string, string) error  { return nil }
func (noopService) NotifyRevisionApplied(context.Context, string, int) error { return nil }
func (noopService) NotifyDelivered(context.Context, string, int) error       { return nil }
func (noopService) NotifyError(context.Context, error, string) error         { return nil }
func (noopService) TestNotification(context.Context) error                   { return nil }
