package board

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// Card represents the board card fields the pipeline reads.
type Card struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Desc     string  `json:"desc"`
	IDList   string  `json:"idList"`
	ShortURL string  `json:"shortUrl"`
	Labels   []Label `json:"labels"`
}

// LabelNames returns the card's label names.
func (c Card) LabelNames() []string {
	names := make([]string, 0, len(c.Labels))
	for _, label := range c.Labels {
		names = append(names, label.Name)
	}
	return names
}

// HasLabel reports whether the card carries a label, case-insensitively.
func (c Card) HasLabel(name string) bool {
	for _, label := range c.Labels {
		if strings.EqualFold(label.Name, name) {
			return true
		}
	}
	return false
}

// Label is a board label.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Attachment is a file attached to a card.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
}

// List is a board list.
type List struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Service defines the board operations used by the stage handlers.
type Service interface {
	GetCard(ctx context.Context, cardID string) (*Card, error)
	CardAttachments(ctx context.Context, cardID string) ([]Attachment, error)
	AddLabel(ctx context.Context, cardID, labelName string) error
	RemoveLabel(ctx context.Context, cardID, labelName string) error
	AddComment(ctx context.Context, cardID, text string) error
	AttachText(ctx context.Context, cardID, filename, content string) error
	AttachFile(ctx context.Context, cardID, filename string, data []byte, mimeType string) error
	MoveToList(ctx context.Context, cardID, listName string) error
}

// Client talks to the board's REST API.
type Client struct {
	apiKey     string
	token      string
	boardID    string
	baseURL    string
	httpClient *http.Client
}

var _ Service = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// New creates a board client.
func New(apiKey, token, boardID, baseURL string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("board api key required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("board token required")
	}
	boardID = strings.TrimSpace(boardID)
	if boardID == "" {
		return nil, errors.New("board id required")
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("board base url required")
	}
	client := &Client{
		apiKey:     apiKey,
		token:      token,
		boardID:    boardID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

func (c *Client) authValues(extra url.Values) url.Values {
	values := url.Values{}
	values.Set("key", c.apiKey)
	values.Set("token", c.token)
	for key, list := range extra {
		for _, value := range list {
			values.Add(key, value)
		}
	}
	return values
}

func (c *Client) endpoint(path string, extra url.Values) string {
	return c.baseURL + path + "?" + c.authValues(extra).Encode()
}

func (c *Client) doJSON(ctx context.Context, method, path string, extra url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, extra), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// GetCard fetches a card with its labels.
func (c *Client) GetCard(ctx context.Context, cardID string) (*Card, error) {
	var card Card
	if err := c.doJSON(ctx, http.MethodGet, "/cards/"+cardID, nil, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// CardAttachments lists a card's attachments.
func (c *Client) CardAttachments(ctx context.Context, cardID string) ([]Attachment, error) {
	var attachments []Attachment
	if err := c.doJSON(ctx, http.MethodGet, "/cards/"+cardID+"/attachments", nil, &attachments); err != nil {
		return nil, err
	}
	return attachments, nil
}

// AddLabel puts a label on a card, creating the board label first when it
// does not exist yet. A 409 from the card means the label is already there.
func (c *Client) AddLabel(ctx context.Context, cardID, labelName string) error {
	var labels []Label
	if err := c.doJSON(ctx, http.MethodGet, "/boards/"+c.boardID+"/labels", nil, &labels); err != nil {
		return err
	}

	labelID := ""
	for _, label := range labels {
		if strings.EqualFold(label.Name, labelName) {
			labelID = label.ID
			break
		}
	}
	if labelID == "" {
		var created Label
		extra := url.Values{}
		extra.Set("name", labelName)
		extra.Set("color", "sky")
		if err := c.doJSON(ctx, http.MethodPost, "/boards/"+c.boardID+"/labels", extra, &created); err != nil {
			return err
		}
		labelID = created.ID
	}

	body, err := json.Marshal(map[string]string{"value": labelID})
	if err != nil {
		return fmt.Errorf("encode label body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint("/cards/"+cardID+"/idLabels", nil), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build label request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("add label: %w", err)
	}
	defer resp.Body.Close()

	// 409 means the card already carries the label.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("add label returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

// RemoveLabel takes a label off a card by name. Missing labels are a no-op.
func (c *Client) RemoveLabel(ctx context.Context, cardID, labelName string) error {
	card, err := c.GetCard(ctx, cardID)
	if err != nil {
		return err
	}
	for _, label := range card.Labels {
		if strings.EqualFold(label.Name, labelName) {
			return c.doJSON(ctx, http.MethodDelete, "/cards/"+cardID+"/idLabels/"+label.ID, nil, nil)
		}
	}
	return nil
}

// AddComment posts a comment on a card.
func (c *Client) AddComment(ctx context.Context, cardID, text string) error {
	extra := url.Values{}
	extra.Set("text", text)
	return c.doJSON(ctx, http.MethodPost, "/cards/"+cardID+"/actions/comments", extra, nil)
}

// AttachText attaches a plain-text file to a card.
func (c *Client) AttachText(ctx context.Context, cardID, filename, content string) error {
	return c.AttachFile(ctx, cardID, filename, []byte(content), "text/plain")
}

// AttachFile uploads a file to a card as a multipart attachment.
func (c *Client) AttachFile(ctx context.Context, cardID, filename string, data []byte, mimeType string) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write multipart: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint("/cards/"+cardID+"/attachments", nil), &buf)
	if err != nil {
		return fmt.Errorf("build attach request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("attach file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("attach file returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

// MoveToList moves a card to a named list on the board.
func (c *Client) MoveToList(ctx context.Context, cardID, listName string) error {
	var lists []List
	if err := c.doJSON(ctx, http.MethodGet, "/boards/"+c.boardID+"/lists", nil, &lists); err != nil {
		return err
	}

	targetID := ""
	for _, list := range lists {
		if strings.EqualFold(list.Name, listName) {
			targetID = list.ID
			break
		}
	}
	if targetID == "" {
		return fmt.Errorf("list %q not found on board", listName)
	}

	extra := url.Values{}
	extra.Set("idList", targetID)
	return c.doJSON(ctx, http.MethodPut, "/cards/"+cardID, extra, nil)
}
