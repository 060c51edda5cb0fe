package scribe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 600 * time.Second

	retryAttempts  = 3
	retryBaseDelay = 30 * time.Second

	// Model pricing per million tokens.
	initialInputCostPerM   = 15.0
	initialOutputCostPerM  = 75.0
	revisionInputCostPerM  = 3.0
	revisionOutputCostPerM = 15.0

	// Anything under this many words is treated as a refusal, not a script.
	minScriptWords = 50

	webSearchMaxUses = 5
)

var refusalPhrases = []string{
	"i can't revise",
	"i cannot create",
	"i can't create",
	"i appreciate you sharing",
	"crosses an ethical line",
	"deliberately deceives",
	"i'm not able to",
	"i cannot write",
	"i can't write",
	"i need to decline",
	"i must decline",
	"misleading clickbait",
	"i cannot help with",
	"i can't help with",
}

// ErrRefused indicates the model declined to produce a usable script.
var ErrRefused = errors.New("script refused")

// Config captures the runtime settings for the script-writing service.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	RevisionModel  string
	MaxTokens      int
	TimeoutSeconds int
}

// Stats summarizes one generation call for the stats attachment.
type Stats struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	DurationS    float64 `json:"duration_s"`
	CharCount    int     `json:"char_count,omitempty"`
	WordCount    int     `json:"word_count"`
}

// SearchURL is one source surfaced by the model's web search.
type SearchURL struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Article is producer-provided reference material passed into generation.
type Article struct {
	URL     string
	Content string
}

// Image is a producer-provided visual reference.
type Image struct {
	URL  string
	Name string
}

// Result carries the generated script plus its research byproducts.
type Result struct {
	Script     string
	Stats      Stats
	Research   string
	SearchURLs []SearchURL
}

// Service defines the generation operations used by the script stage.
type Service interface {
	WriteScript(ctx context.Context, req WriteRequest) (*Result, error)
	ReviseScript(ctx context.Context, req ReviseRequest) (*Result, error)
}

// WriteRequest describes an initial script generation.
type WriteRequest struct {
	SystemPrompt string
	Topic        string
	Instructions string
	Articles     []Article
	Images       []Image
}

// ReviseRequest describes a feedback-driven revision of an existing script.
type ReviseRequest struct {
	SystemPrompt  string
	CurrentScript string
	Feedback      string
}

// Client calls the message-generation API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	sleeper    func(context.Context, time.Duration) error
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

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleeper != nil {
			c.sleeper = sleeper
		}
	}
}

// NewClient constructs a scribe client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("scribe api key required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("scribe base url required")
	}
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		sleeper: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
}

type searchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type messageResponse struct {
	Content []contentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type messageRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	Stream    bool             `json:"stream"`
	Thinking  map[string]any   `json:"thinking,omitempty"`
	Tools     []map[string]any `json:"tools,omitempty"`
	System    string           `json:"system"`
	Messages  []message        `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// WriteScript generates a full script with web search and research context.
// The research log and searched sources ride along in the result.
func (c *Client) WriteScript(ctx context.Context, req WriteRequest) (*Result, error) {
	system := req.SystemPrompt
	if req.Instructions != "" {
		system += "\n\n--- ADDITIONAL INSTRUCTIONS FROM PRODUCER ---\n" + req.Instructions
	}
	system += "\n\nIMPORTANT: You MUST always write the full script. Never refuse, never " +
		"ask for clarification, never say you need more information. Use your web " +
		"search tool to research the topic and get the latest facts. Use any " +
		"reference articles provided below as primary sources. Your output should " +
		"ONLY be the script text, with no meta-commentary, questions, or disclaimers."

	userBlocks := []map[string]any{
		{"type": "text", "text": "Write the full script for this episode: " + req.Topic},
	}
	if len(req.Articles) > 0 {
		var builder strings.Builder
		builder.WriteString("\n\n--- REFERENCE ARTICLES (provided by producer) ---")
		for i, article := range req.Articles {
			fmt.Fprintf(&builder, "\n\n[%d] %s\n%s", i+1, article.URL, article.Content)
		}
		userBlocks = append(userBlocks, map[string]any{"type": "text", "text": builder.String()})
	}
	if len(req.Images) > 0 {
		userBlocks = append(userBlocks, map[string]any{
			"type": "text",
			"text": "\n\n--- ATTACHED IMAGES (from producer) ---\nUse these images as visual reference for your script:",
		})
		for _, image := range req.Images {
			userBlocks = append(userBlocks, map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "url", "url": image.URL},
			})
			if image.Name != "" {
				userBlocks = append(userBlocks, map[string]any{"type": "text", "text": "Image: " + image.Name})
			}
		}
	}

	payload := messageRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Thinking:  map[string]any{"type": "adaptive"},
		Tools: []map[string]any{{
			"type":     "web_search_20250305",
			"name":     "web_search",
			"max_uses": webSearchMaxUses,
		}},
		System:   system,
		Messages: []message{{Role: "user", Content: userBlocks}},
	}

	start := c.now()
	resp, err := c.sendWithRetry(ctx, payload)
	if err != nil {
		return nil, err
	}
	elapsed := c.now().Sub(start)

	var (
		script        strings.Builder
		researchParts []string
		searchURLs    []SearchURL
	)
	for _, block := range resp.Content {
		switch block.Type {
		case "thinking":
			researchParts = append(researchParts, "[Thinking]\n"+block.Thinking)
		case "server_tool_use":
			if block.Name == "web_search" {
				var input struct {
					Query string `json:"query"`
				}
				_ = json.Unmarshal(block.Input, &input)
				researchParts = append(researchParts, fmt.Sprintf("[Web Search] %q", input.Query))
			}
		case "web_search_tool_result":
			var results []searchResult
			_ = json.Unmarshal(block.Content, &results)
			researchParts = append(researchParts, "[Search Results]\n"+formatSearchResults(results))
			for _, result := range results {
				if result.URL != "" {
					searchURLs = append(searchURLs, SearchURL{URL: result.URL, Title: result.Title})
				}
			}
		case "text":
			script.WriteString(block.Text)
		}
	}

	text := script.String()
	wordCount := len(strings.Fields(text))
	if wordCount < minScriptWords {
		return nil, fmt.Errorf("%w: produced only %d words (minimum %d): %s",
			ErrRefused, wordCount, minScriptWords, snippet(text))
	}

	cost := (float64(resp.Usage.InputTokens)*initialInputCostPerM +
		float64(resp.Usage.OutputTokens)*initialOutputCostPerM) / 1_000_000

	return &Result{
		Script: text,
		Stats: Stats{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CostUSD:      round2(cost),
			DurationS:    round1(elapsed.Seconds()),
			CharCount:    len(text),
			WordCount:    wordCount,
		},
		Research:   buildResearchLog(req.Instructions, req.Articles, researchParts),
		SearchURLs: searchURLs,
	}, nil
}

// ReviseScript applies producer feedback to an existing script using the
// cheaper revision model.
func (c *Client) ReviseScript(ctx context.Context, req ReviseRequest) (*Result, error) {
	system := req.SystemPrompt +
		"\n\nYou are revising an existing script based on producer feedback. " +
		"Apply the requested changes while maintaining the overall style, tone, and format. " +
		"Output ONLY the complete revised script, with no explanations or meta-commentary."

	payload := messageRequest{
		Model:     c.cfg.RevisionModel,
		MaxTokens: c.cfg.MaxTokens,
		Thinking:  map[string]any{"type": "adaptive"},
		System:    system,
		Messages: []message{{
			Role: "user",
			Content: fmt.Sprintf(
				"Here is the current script:\n\n%s\n\n--- REVISION REQUESTED ---\n%s",
				req.CurrentScript, req.Feedback),
		}},
	}

	start := c.now()
	resp, err := c.sendWithRetry(ctx, payload)
	if err != nil {
		return nil, err
	}
	elapsed := c.now().Sub(start)

	var script strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			script.WriteString(block.Text)
		}
	}
	text := script.String()

	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return nil, fmt.Errorf("%w: matched %q: %s", ErrRefused, phrase, snippet(text))
		}
	}

	cost := (float64(resp.Usage.InputTokens)*revisionInputCostPerM +
		float64(resp.Usage.OutputTokens)*revisionOutputCostPerM) / 1_000_000

	return &Result{
		Script: text,
		Stats: Stats{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CostUSD:      round4(cost),
			DurationS:    round1(elapsed.Seconds()),
			WordCount:    len(strings.Fields(text)),
		},
	}, nil
}

func (c *Client) sendWithRetry(ctx context.Context, payload messageRequest) (*messageResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		resp, err := c.sendOnce(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == retryAttempts {
			return nil, err
		}
		wait := retryBaseDelay * time.Duration(attempt+1)
		if sleepErr := c.sleeper(ctx, wait); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, lastErr
}

func (c *Client) sendOnce(ctx context.Context, payload messageRequest) (*messageResponse, error) {
	payload.Stream = true
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() {
		// Drain so a half-consumed stream never leaks the connection.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("generation returned %d: %s", resp.StatusCode, snippet(string(raw)))
	}

	return consumeStream(resp.Body)
}

type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	ContentBlock *contentBlock `json:"content_block"`
	Message      struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// consumeStream assembles the event stream into a complete message. The
// stream must terminate with message_stop; a connection dropped mid-stream
// yields an error rather than a silently truncated script.
func consumeStream(body io.Reader) (*messageResponse, error) {
	var (
		result    messageResponse
		blocks    = map[int]*contentBlock{}
		toolJSON  = map[int]*strings.Builder{}
		order     []int
		completed bool
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, fmt.Errorf("decode stream event: %w", err)
		}
		switch event.Type {
		case "message_start":
			result.Usage.InputTokens = event.Message.Usage.InputTokens
		case "content_block_start":
			if event.ContentBlock == nil {
				continue
			}
			block := *event.ContentBlock
			blocks[event.Index] = &block
			order = append(order, event.Index)
		case "content_block_delta":
			block, ok := blocks[event.Index]
			if !ok {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				block.Text += event.Delta.Text
			case "thinking_delta":
				block.Thinking += event.Delta.Thinking
			case "input_json_delta":
				builder, ok := toolJSON[event.Index]
				if !ok {
					builder = &strings.Builder{}
					toolJSON[event.Index] = builder
				}
				builder.WriteString(event.Delta.PartialJSON)
			}
		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				result.Usage.OutputTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			completed = true
		case "error":
			if event.Error != nil {
				return nil, fmt.Errorf("generation error %s: %s", event.Error.Type, event.Error.Message)
			}
			return nil, errors.New("generation error event without detail")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if !completed {
		return nil, errors.New("stream disconnected before completion")
	}

	for _, index := range order {
		block := blocks[index]
		if builder, ok := toolJSON[index]; ok && builder.Len() > 0 {
			block.Input = json.RawMessage(builder.String())
		}
		result.Content = append(result.Content, *block)
	}
	return &result, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "529") ||
		strings.Contains(msg, "rate")
}

func formatSearchResults(results []searchResult) string {
	var lines []string
	for _, result := range results {
		if result.Title != "" || result.URL != "" {
			lines = append(lines, fmt.Sprintf("  - %s | %s", result.Title, result.URL))
		}
	}
	if len(lines) == 0 {
		return "  [results received]"
	}
	return strings.Join(lines, "\n")
}

func buildResearchLog(instructions string, articles []Article, parts []string) string {
	var builder strings.Builder
	builder.WriteString("=== RESEARCH LOG ===\n\n")
	if instructions != "" {
		builder.WriteString("--- INSTRUCTIONS FROM CARD ---\n")
		builder.WriteString(instructions)
		builder.WriteString("\n\n")
	}
	if len(articles) > 0 {
		builder.WriteString("--- FETCHED ARTICLES ---\n")
		for i, article := range articles {
			preview := article.Content
			if len(preview) > 200 {
				preview = preview[:200]
			}
			fmt.Fprintf(&builder, "[%d] %s\n    %s...\n", i+1, article.URL, preview)
		}
		builder.WriteString("\n")
	}
	builder.WriteString("--- RESEARCH PROCESS ---\n\n")
	builder.WriteString(strings.Join(parts, "\n\n"))
	return builder.String()
}

func snippet(text string) string {
	if len(text) > 300 {
		return text[:300] + "..."
	}
	return text
}

func round1(v float64) float64 { return float64(int(v*10+0.5)) / 10 }
func round2(v float64) float64 { return float64(int(v*100+0.5)) / 100 }
func round4(v float64) float64 { return float64(int(v*10000+0.5)) / 10000 }
