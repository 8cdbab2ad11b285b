// Package crunch exports crawled snapshots as daily JSONL files in
// object storage. Each night it walks the trailing window of days and
// writes one file per batch of records, skipping files that already
// exist so reruns are idempotent.
package crunch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lectorlabs/lector/browser"
	"github.com/lectorlabs/lector/config"
	"github.com/lectorlabs/lector/format"
	"github.com/lectorlabs/lector/storage"
)

// Line is one exported record.
type Line struct {
	URL     string `json:"url"`
	HTML    string `json:"html"`
	Content string `json:"content"`
}

// Progress receives the name of each uploaded file.
type Progress func(filename string)

// Cruncher runs the export.
type Cruncher struct {
	records   storage.RecordStore
	objects   storage.ObjectStore
	formatter *format.Formatter
	cfg       config.CrunchConfig
	logger    *slog.Logger
}

// Option configures a Cruncher.
type Option func(*Cruncher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cruncher) { c.logger = logger }
}

// New creates a Cruncher.
func New(records storage.RecordStore, objects storage.ObjectStore, cfg config.CrunchConfig, opts ...Option) *Cruncher {
	c := &Cruncher{
		records:   records,
		objects:   objects,
		formatter: format.NewFormatter(nil),
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FileName builds the object key for one day batch. The first batch of a
// day is labelled "00000"; later batches carry the plain decimal offset.
func (c *Cruncher) FileName(day time.Time, offset int) string {
	label := "00000"
	if offset != 0 {
		label = strconv.Itoa(offset)
	}
	return fmt.Sprintf("%s/r%d/%s-%s.jsonl", c.cfg.Prefix, c.cfg.Rev, day.Format("2006-01-02"), label)
}

// Run exports every day from now−TMinusDays up to but excluding today,
// on UTC day boundaries.
func (c *Cruncher) Run(ctx context.Context, now time.Time, progress Progress) error {
	today := now.UTC().Truncate(24 * time.Hour)
	day := today.AddDate(0, 0, -c.cfg.TMinusDays)

	for ; day.Before(today); day = day.AddDate(0, 0, 1) {
		if err := c.runDay(ctx, day, progress); err != nil {
			return fmt.Errorf("crunch %s: %w", day.Format("2006-01-02"), err)
		}
	}
	return nil
}

// runDay iterates one day's batches by numeric offset.
func (c *Cruncher) runDay(ctx context.Context, day time.Time, progress Progress) error {
	next := day.AddDate(0, 0, 1)

	for offset := 0; ; offset += c.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := c.FileName(day, offset)
		exists, err := c.objects.Exists(ctx, name)
		if err != nil {
			return fmt.Errorf("stat %s: %w", name, err)
		}
		if exists {
			c.logger.Debug("crunch file exists, skipping", "file", name)
			continue
		}

		records, err := c.records.ListRange(ctx, day, next, offset, c.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list records: %w", err)
		}
		if len(records) == 0 {
			return nil
		}

		if err := c.exportBatch(ctx, name, records); err != nil {
			return err
		}
		if progress != nil {
			progress(name)
		}
	}
}

// exportBatch fetches the batch's snapshots with bounded concurrency and
// uploads the assembled JSONL file.
func (c *Cruncher) exportBatch(ctx context.Context, name string, records []*storage.CrawledRecord) error {
	lines := make([]string, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxInflight)
	for i, rec := range records {
		g.Go(func() error {
			line, err := c.exportRecord(gctx, rec)
			if err != nil {
				// A lost snapshot should not sink the whole night.
				c.logger.Warn("skipping record", "record", rec.ID, "error", err)
				return nil
			}
			lines[i] = line
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var sb strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}

	if err := c.objects.Put(ctx, name, []byte(sb.String()), "application/jsonl"); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	c.logger.Info("crunch file uploaded", "file", name, "records", len(records))
	return nil
}

// exportRecord renders one record as a JSONL line.
func (c *Cruncher) exportRecord(ctx context.Context, rec *storage.CrawledRecord) (string, error) {
	blob, err := c.objects.Get(ctx, rec.SnapshotPath)
	if err != nil {
		return "", fmt.Errorf("fetch snapshot: %w", err)
	}

	var snap browser.Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return "", fmt.Errorf("parse snapshot: %w", err)
	}

	result := browser.PageResult{URL: rec.URL, Snapshot: &snap}
	page, err := c.formatter.Snapshot(ctx, format.ModeDefault, result, format.Policies{})
	if err != nil {
		return "", fmt.Errorf("format snapshot: %w", err)
	}
	if page.Content == "" {
		page, err = c.formatter.Snapshot(ctx, format.ModeMarkdown, result, format.Policies{})
		if err != nil {
			return "", fmt.Errorf("format snapshot as markdown: %w", err)
		}
	}

	data, err := json.Marshal(Line{URL: rec.URL, HTML: snap.HTML, Content: page.Content})
	if err != nil {
		return "", fmt.Errorf("encode line: %w", err)
	}
	return string(data), nil
}
