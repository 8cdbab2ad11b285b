// Package server exposes the reader over HTTP: one-shot crawls, page
// interrogation, an OpenAI-compatible chat surface, and manual crunch
// runs.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lectorlabs/lector/config"
	"github.com/lectorlabs/lector/crunch"
	"github.com/lectorlabs/lector/events"
	"github.com/lectorlabs/lector/format"
	"github.com/lectorlabs/lector/interrogate"
	"github.com/lectorlabs/lector/metrics"
	"github.com/lectorlabs/lector/storage"
)

// crunchTimeout bounds an HTTP-invoked crunch run.
const crunchTimeout = 60 * time.Minute

// maxCacheEntries bounds the crawl cache; past it the oldest entries are
// evicted on insert.
const maxCacheEntries = 512

// Server holds the request-path services.
type Server struct {
	cfg          atomic.Pointer[config.Config]
	crawler      Crawler
	interrogator *interrogate.Interrogator
	records      storage.RecordStore
	objects      storage.ObjectStore
	cruncher     *crunch.Cruncher
	publisher    *events.Publisher
	metrics      *metrics.Metrics
	logger       *slog.Logger

	cacheMu sync.Mutex
	cache   map[string]cachedPage
}

type cachedPage struct {
	page *format.FormattedPage
	at   time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics bundle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p *events.Publisher) Option {
	return func(s *Server) { s.publisher = p }
}

// New wires a Server.
func New(
	cfg *config.Config,
	crawler Crawler,
	interrogator *interrogate.Interrogator,
	records storage.RecordStore,
	objects storage.ObjectStore,
	cruncher *crunch.Cruncher,
	opts ...Option,
) *Server {
	s := &Server{
		crawler:      crawler,
		interrogator: interrogator,
		records:      records,
		objects:      objects,
		cruncher:     cruncher,
		publisher:    events.NewPublisher(nil, nil),
		metrics:      metrics.New(),
		logger:       slog.Default(),
		cache:        make(map[string]cachedPage),
	}
	s.cfg.Store(cfg)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyConfig swaps the active config, typically from a file watcher.
// In-flight requests finish on the config they started with.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

func (s *Server) config() *config.Config {
	return s.cfg.Load()
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/interrogate", s.instrument("interrogate", s.handleInterrogate))
	mux.HandleFunc("/v1/chat/completions", s.instrument("chat", s.handleChatWithReader))
	mux.HandleFunc("/crawl", s.instrument("crawl", s.handleCrawl))
	mux.HandleFunc("/crunch", s.instrument("crunch", s.handleCrunch))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

// instrument counts requests per route and status.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		s.metrics.Requests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}

// param reads a parameter from the query string or a form body.
func param(r *http.Request, name string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return r.PostFormValue(name)
}

// validatePageURL enforces the scheme allowlist and the blocklist.
func (s *Server) validatePageURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	if s.config().Blocked(u.Host + u.Path) {
		return fmt.Errorf("url is blocked")
	}
	return nil
}

// crawlRequestFromHeaders assembles a CrawlRequest from the X- headers.
func crawlRequestFromHeaders(r *http.Request, pageURL string) (CrawlRequest, error) {
	mode, err := format.ParseMode(r.Header.Get("X-Respond-With"))
	if err != nil {
		return CrawlRequest{}, err
	}
	return CrawlRequest{
		URL:  pageURL,
		Mode: mode,
		Policies: format.Policies{
			GeneratedAlt:  headerFlag(r, "X-With-Generated-Alt"),
			ImagesSummary: headerFlag(r, "X-With-Images-Summary"),
			LinksSummary:  headerFlag(r, "X-With-Links-Summary"),
		},
		ProxyURL:  r.Header.Get("X-Proxy-Url"),
		SetCookie: r.Header.Get("X-Set-Cookie"),
	}, nil
}

func headerFlag(r *http.Request, name string) bool {
	v := strings.ToLower(strings.TrimSpace(r.Header.Get(name)))
	return v != "" && v != "false" && v != "0"
}

// cachedCrawl serves a crawl from the in-memory TTL cache when allowed,
// falling through to a live crawl and filling the cache. Proxy or cookie
// options force a live crawl; their results are request-specific.
func (s *Server) cachedCrawl(r *http.Request, req CrawlRequest) (*format.FormattedPage, error) {
	ttl := s.config().Crawl.CacheTTL
	cacheable := ttl > 0 && req.ProxyURL == "" && req.SetCookie == "" && !headerFlag(r, "X-No-Cache")
	key := string(req.Mode) + "\x00" + req.URL

	if cacheable {
		s.cacheMu.Lock()
		entry, ok := s.cache[key]
		if ok && time.Since(entry.at) >= ttl {
			delete(s.cache, key)
			ok = false
		}
		s.cacheMu.Unlock()
		if ok {
			return entry.page, nil
		}
	}

	page, result, err := s.crawler.Crawl(r.Context(), req)
	if err != nil {
		return nil, err
	}
	persistCrawl(r.Context(), s.records, s.objects, s.publisher, s.logger, result)

	if cacheable {
		s.cacheMu.Lock()
		if len(s.cache) >= maxCacheEntries {
			s.evictLocked(ttl)
		}
		s.cache[key] = cachedPage{page: page, at: time.Now()}
		s.cacheMu.Unlock()
	}
	return page, nil
}

// evictLocked drops expired entries, then the oldest remaining ones
// until the cache is back under its bound. Caller holds cacheMu.
func (s *Server) evictLocked(ttl time.Duration) {
	now := time.Now()
	for k, e := range s.cache {
		if now.Sub(e.at) >= ttl {
			delete(s.cache, k)
		}
	}
	for len(s.cache) >= maxCacheEntries {
		var oldestKey string
		var oldestAt time.Time
		for k, e := range s.cache {
			if oldestKey == "" || e.at.Before(oldestAt) {
				oldestKey, oldestAt = k, e.at
			}
		}
		delete(s.cache, oldestKey)
	}
}
