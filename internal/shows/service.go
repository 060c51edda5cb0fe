package shows

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"soundbite/internal/config"
	"soundbite/internal/logging"
	"soundbite/internal/services"
)

const catalogKey = "catalog"

// Service fetches and caches the show catalog published as CSV. A stale copy
// is served when a refresh fails, so a sheet outage never stalls the
// pipeline.
type Service struct {
	sheetID      string
	suffix       string
	baseURL      string
	fetchTimeout time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
	cache        *ttlcache.Cache[string, *Catalog]

	mu       sync.Mutex
	lastGood *Catalog
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithBaseURL overrides the sheet host, primarily for tests.
func WithBaseURL(baseURL string) Option {
	return func(s *Service) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			s.baseURL = trimmed
		}
	}
}

// NewService creates the catalog service from configuration.
func NewService(cfg *config.Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	svc := &Service{
		sheetID:      cfg.Shows.SheetID,
		suffix:       cfg.Shows.LabelSuffix,
		baseURL:      "https://docs.google.com",
		fetchTimeout: time.Duration(cfg.Shows.FetchTimeout) * time.Second,
		httpClient:   &http.Client{Timeout: time.Duration(cfg.Shows.FetchTimeout) * time.Second},
		logger:       logging.NewComponentLogger(logger, "shows"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.cache = ttlcache.New[string, *Catalog](
		ttlcache.WithTTL[string, *Catalog](time.Duration(cfg.Shows.CacheTTLSeconds)*time.Second),
		ttlcache.WithDisableTouchOnHit[string, *Catalog](),
	)
	return svc
}

// Catalog returns the current show catalog, refreshing from the sheet when
// the cached copy has expired.
func (s *Service) Catalog(ctx context.Context) (*Catalog, error) {
	if item := s.cache.Get(catalogKey); item != nil {
		return item.Value(), nil
	}

	catalog, err := s.fetch(ctx)
	if err != nil {
		s.mu.Lock()
		stale := s.lastGood
		s.mu.Unlock()
		if stale != nil {
			s.logger.Warn("using stale show catalog", logging.Error(err))
			return stale, nil
		}
		return nil, services.Wrap(services.ErrExternal, "shows", "fetch_catalog", "fetch show catalog", err)
	}

	s.cache.Set(catalogKey, catalog, ttlcache.DefaultTTL)
	s.mu.Lock()
	s.lastGood = catalog
	s.mu.Unlock()
	s.logger.Info("show catalog refreshed", logging.Int("shows", catalog.Len()))
	return catalog, nil
}

// Invalidate drops the cached catalog so the next read refetches.
func (s *Service) Invalidate() {
	s.cache.Delete(catalogKey)
}

func (s *Service) fetch(ctx context.Context) (*Catalog, error) {
	url := fmt.Sprintf("%s/spreadsheets/d/%s/gviz/tq?tqx=out:csv", s.baseURL, s.sheetID)

	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build sheet request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sheet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sheet fetch returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	catalog, err := ParseCatalog(resp.Body, s.suffix)
	if err != nil {
		return nil, err
	}
	return catalog, nil
}
