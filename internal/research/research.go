package research

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"soundbite/internal/logging"
)

const (
	maxArticleChars = 5000
	maxURLs         = 15
	fetchTimeout    = 10 * time.Second

	oembedEndpoint = "https://publish.twitter.com/oembed"
	userAgent      = "Mozilla/5.0 (compatible; research-bot/1.0)"
)

var (
	urlPattern       = regexp.MustCompile(`https?://[^\s<>")\]]+`)
	blockTagPattern  = regexp.MustCompile(`(?is)<(script|style|nav|footer|header|aside)[^>]*>.*?</(script|style|nav|footer|header|aside)>`)
	tagPattern       = regexp.MustCompile(`<[^>]+>`)
	spacePattern     = regexp.MustCompile(`[ \t]+`)
	blankLinePattern = regexp.MustCompile(`\n[ \t]*\n`)
	newlinesPattern  = regexp.MustCompile(`\n{3,}`)
)

// Article pairs a fetched URL with its extracted text content.
type Article struct {
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Context holds the prepared research material for script generation:
// the human-written instructions and the fetched article bodies.
type Context struct {
	Instructions string    `json:"instructions"`
	Articles     []Article `json:"articles"`
}

// ExtractURLs finds all URLs in text, in order of appearance.
func ExtractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// ExtractInstructions returns the description with URLs stripped out,
// leaving the human-written notes.
func ExtractInstructions(text string) string {
	cleaned := urlPattern.ReplaceAllString(text, "")
	cleaned = newlinesPattern.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

// StripHTML performs a basic HTML-to-text conversion: scripts, navigation,
// and chrome removed, tags stripped, entities decoded, whitespace collapsed.
func StripHTML(html string) string {
	text := blockTagPattern.ReplaceAllString(html, "")
	text = tagPattern.ReplaceAllString(text, " ")
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	text = replacer.Replace(text)
	text = spacePattern.ReplaceAllString(text, " ")
	text = blankLinePattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Fetcher retrieves article content for a card's linked URLs.
type Fetcher struct {
	httpClient *http.Client
	oembedURL  string
	logger     *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.httpClient = client
		}
	}
}

// WithOEmbedURL overrides the tweet oEmbed endpoint, primarily for tests.
func WithOEmbedURL(endpoint string) Option {
	return func(f *Fetcher) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			f.oembedURL = trimmed
		}
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(logger *slog.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	fetcher := &Fetcher{
		httpClient: &http.Client{Timeout: fetchTimeout},
		oembedURL:  oembedEndpoint,
		logger:     logging.NewComponentLogger(logger, "research"),
	}
	for _, opt := range opts {
		opt(fetcher)
	}
	return fetcher
}

// PrepareContext parses a card description into instructions plus fetched
// article content. Unreachable or non-text URLs are skipped, never fatal.
func (f *Fetcher) PrepareContext(ctx context.Context, description string) (*Context, error) {
	if strings.TrimSpace(description) == "" {
		return &Context{}, nil
	}

	prepared := &Context{
		Instructions: ExtractInstructions(description),
	}
	urls := ExtractURLs(description)
	if len(urls) > maxURLs {
		urls = urls[:maxURLs]
	}
	for _, link := range urls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := f.FetchURL(ctx, link)
		if err != nil {
			f.logger.Warn("skipping url", logging.String("url", link), logging.Error(err))
			continue
		}
		if content == "" {
			f.logger.Info("no content from url", logging.String("url", link))
			continue
		}
		prepared.Articles = append(prepared.Articles, Article{URL: link, Content: content})
		f.logger.Info("fetched url",
			logging.String("url", link),
			logging.Int("chars", len(content)))
	}
	return prepared, nil
}

// FetchURL retrieves one URL's text content. Tweets go through the public
// oEmbed API; everything else is fetched and stripped. Returns an empty
// string for non-text content.
func (f *Fetcher) FetchURL(ctx context.Context, link string) (string, error) {
	if isTweetURL(link) {
		return f.fetchTweet(ctx, link)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch returned %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/plain"):
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxArticleChars))
		if err != nil {
			return "", fmt.Errorf("read body: %w", err)
		}
		return string(body), nil
	case strings.Contains(contentType, "text/html"):
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", fmt.Errorf("read body: %w", err)
		}
		text := StripHTML(string(body))
		if len(text) > maxArticleChars {
			text = text[:maxArticleChars]
		}
		return text, nil
	default:
		return "", nil
	}
}

func (f *Fetcher) fetchTweet(ctx context.Context, link string) (string, error) {
	endpoint := f.oembedURL + "?" + url.Values{
		"url":         {link},
		"omit_script": {"true"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build oembed request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch oembed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oembed returned %d", resp.StatusCode)
	}

	var payload struct {
		HTML       string `json:"html"`
		AuthorName string `json:"author_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode oembed: %w", err)
	}

	text := StripHTML(payload.HTML)
	if text == "" {
		return "", nil
	}
	if payload.AuthorName != "" {
		return fmt.Sprintf("Tweet by %s: %s", payload.AuthorName, text), nil
	}
	return text, nil
}

func isTweetURL(link string) bool {
	parsed, err := url.Parse(link)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	return host == "twitter.com" || host == "x.com" ||
		strings.HasSuffix(host, ".twitter.com") || strings.HasSuffix(host, ".x.com")
}
