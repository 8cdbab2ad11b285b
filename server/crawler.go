package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lectorlabs/lector/browser"
	"github.com/lectorlabs/lector/events"
	"github.com/lectorlabs/lector/format"
	"github.com/lectorlabs/lector/storage"
)

// CrawlRequest carries everything one crawl needs, parsed off the HTTP
// request.
type CrawlRequest struct {
	URL       string
	Mode      format.Mode
	Policies  format.Policies
	ProxyURL  string
	SetCookie string
}

// Crawler fetches and formats one page.
type Crawler interface {
	Crawl(ctx context.Context, req CrawlRequest) (*format.FormattedPage, *browser.PageResult, error)
}

// PageCrawler is the production Crawler: it drives the scrape pipeline
// and renders the final snapshot.
type PageCrawler struct {
	pipeline  *browser.Pipeline
	formatter *format.Formatter
	logger    *slog.Logger
}

// NewPageCrawler creates a PageCrawler.
func NewPageCrawler(pipeline *browser.Pipeline, formatter *format.Formatter, logger *slog.Logger) *PageCrawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PageCrawler{pipeline: pipeline, formatter: formatter, logger: logger}
}

// Crawl scrapes the page, keeps the final snapshot and formats it. In
// default mode an empty extraction falls back to full-page markdown.
func (c *PageCrawler) Crawl(ctx context.Context, req CrawlRequest) (*format.FormattedPage, *browser.PageResult, error) {
	opts := browser.LeaseOptions{ProxyURL: req.ProxyURL}
	if req.SetCookie != "" {
		cookies, err := browser.CookiesFromSetCookie(req.SetCookie, req.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse cookies: %w", err)
		}
		opts.Cookies = cookies
	}

	results, err := c.pipeline.Scrape(ctx, req.URL, opts)
	if err != nil {
		return nil, nil, err
	}

	var last *browser.PageResult
	for result := range results {
		r := result
		last = &r
	}
	if last == nil || last.Snapshot == nil {
		return nil, nil, fmt.Errorf("no snapshot for %s: %w", req.URL, browser.ErrUnavailable)
	}

	page, err := c.formatter.Snapshot(ctx, req.Mode, *last, req.Policies)
	if err != nil {
		return nil, nil, err
	}
	if req.Mode == format.ModeDefault && page.Content == "" {
		page, err = c.formatter.Snapshot(ctx, format.ModeMarkdown, *last, req.Policies)
		if err != nil {
			return nil, nil, err
		}
	}
	return page, last, nil
}

// persistCrawl stores the final snapshot blob with its record and
// publishes the lifecycle event. Failures are logged, not returned; a
// crawl that served the caller should not fail because archiving did.
func persistCrawl(ctx context.Context, records storage.RecordStore, objects storage.ObjectStore, publisher *events.Publisher, logger *slog.Logger, result *browser.PageResult) {
	if records == nil || objects == nil || result == nil || result.Snapshot == nil {
		return
	}

	rec := &storage.CrawledRecord{
		URL:       result.URL,
		CreatedAt: time.Now().UTC(),
	}
	rec.ID = storage.NewRecordID()
	rec.SnapshotPath = storage.SnapshotKey(rec.ID)

	blob, err := json.Marshal(result.Snapshot)
	if err != nil {
		logger.Warn("encode snapshot", "url", result.URL, "error", err)
		return
	}
	if err := objects.Put(ctx, rec.SnapshotPath, blob, "application/json"); err != nil {
		logger.Warn("store snapshot blob", "url", result.URL, "error", err)
		return
	}
	if err := records.Create(ctx, rec); err != nil {
		logger.Warn("store crawl record", "url", result.URL, "error", err)
		return
	}
	publisher.CrawlCompleted(rec.ID, rec.URL)
}
