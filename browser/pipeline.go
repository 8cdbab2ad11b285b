package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// settleReporter runs in every new document. It pings the host whenever the
// page might have changed: on readystatechange and load, plus a 500ms
// debounced mutation fallback for pages that render after load.
const settleReporter = `() => {
	const fire = () => {
		if (window.reportSnapshot) window.reportSnapshot(document.readyState);
	};
	document.addEventListener('readystatechange', fire);
	window.addEventListener('load', fire);
	let timer;
	const debounced = () => {
		clearTimeout(timer);
		timer = setTimeout(fire, 500);
	};
	const observe = () => {
		new MutationObserver(debounced).observe(document.documentElement, {
			childList: true,
			subtree: true,
			characterData: true,
		});
	};
	if (document.documentElement) {
		observe();
	} else {
		document.addEventListener('DOMContentLoaded', observe);
	}
}`

// Pipeline drives page loads against the pool and streams progressive
// snapshots to the caller.
type Pipeline struct {
	pool       *Pool
	navTimeout time.Duration
	logger     *slog.Logger

	// onYield is an optional hook fed every yielded result (metrics).
	onYield func(final bool)
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the pipeline logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// WithYieldHook registers a callback invoked per yielded PageResult.
func WithYieldHook(fn func(final bool)) PipelineOption {
	return func(p *Pipeline) { p.onYield = fn }
}

// NewPipeline creates a pipeline over the given pool.
func NewPipeline(pool *Pool, navTimeout time.Duration, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		pool:       pool,
		navTimeout: navTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Scrape navigates to url and returns an unbuffered channel of progressive
// PageResults. The channel is closed after the final (post-settle) result;
// every successful navigation yields at least that one. The consumer
// controls pacing: the producer blocks until each result is received.
// Cancelling ctx abandons the scrape and destroys the context.
func (pl *Pipeline) Scrape(ctx context.Context, pageURL string, opts LeaseOptions) (<-chan PageResult, error) {
	lease, err := pl.pool.Acquire(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("acquire browser context: %w", err)
	}

	results := make(chan PageResult)
	go pl.drive(ctx, lease, pageURL, results)
	return results, nil
}

// drive owns the lease for the duration of one load. It multiplexes
// snapshot pings against navigation settle, yielding deduplicated
// snapshot/screenshot pairs, and always finishes with the post-settle
// re-parse before closing the channel.
func (pl *Pipeline) drive(ctx context.Context, lease *Lease, pageURL string, results chan<- PageResult) {
	defer close(results)
	defer lease.Release()

	navCtx, cancel := context.WithTimeout(ctx, pl.navTimeout)
	defer cancel()

	page := lease.Page.Context(navCtx)

	// One-slot rendezvous: the exposed binding nudges, the loop drains.
	pings := make(chan struct{}, 1)
	stopExpose, err := page.Expose("reportSnapshot", func(_ gson.JSON) (interface{}, error) {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil, nil
	})
	if err != nil {
		pl.logger.Warn("expose snapshot bridge failed", "url", pageURL, "error", err)
		return
	}
	defer func() { _ = stopExpose() }()

	if _, err := page.EvalOnNewDocument(settleReporter); err != nil {
		pl.logger.Warn("install settle reporter failed", "url", pageURL, "error", err)
		return
	}

	// The settle waiter must be registered before Navigate or in-flight
	// requests are missed and the wait returns a false idle.
	waitSettle := page.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)

	if err := page.Navigate(pageURL); err != nil {
		pl.logger.Warn("navigation failed", "url", pageURL, "error", err)
		return
	}

	settled := make(chan struct{})
	go func() {
		waitSettle()
		close(settled)
	}()

	var last *Snapshot
	for {
		select {
		case <-navCtx.Done():
			// Timeout or consumer gone: emit what we have as the final
			// result if the consumer is still listening.
			pl.yieldFinal(ctx, page, pageURL, last, results)
			return

		case <-pings:
			snap, shot, err := pl.capture(page, pageURL)
			if err != nil {
				pl.logger.Debug("progressive capture failed", "url", pageURL, "error", err)
				continue
			}
			if sameSnapshot(last, snap) {
				continue
			}
			last = snap
			select {
			case results <- PageResult{URL: pageURL, Snapshot: snap, Screenshot: shot}:
				if pl.onYield != nil {
					pl.onYield(false)
				}
			case <-navCtx.Done():
				pl.yieldFinal(ctx, page, pageURL, last, results)
				return
			case <-settled:
				// Navigation finished while the consumer was busy; the
				// progressive result is stale, go straight to final.
				pl.yieldFinal(ctx, page, pageURL, last, results)
				return
			}

		case <-settled:
			pl.yieldFinal(ctx, page, pageURL, last, results)
			return
		}
	}
}

// yieldFinal runs one last parse and delivers it. Falls back to the last
// progressive snapshot when the page can no longer be read, so every
// successful navigation yields at least one result.
func (pl *Pipeline) yieldFinal(ctx context.Context, page *rod.Page, pageURL string, last *Snapshot, results chan<- PageResult) {
	snap, shot, err := pl.capture(page, pageURL)
	if err != nil {
		if last == nil {
			pl.logger.Warn("final capture failed with nothing to yield", "url", pageURL, "error", err)
			return
		}
		snap, shot = last, nil
	}

	select {
	case results <- PageResult{URL: pageURL, Snapshot: snap, Screenshot: shot}:
		if pl.onYield != nil {
			pl.onYield(true)
		}
	case <-ctx.Done():
		// Consumer disconnected; nothing to do.
	}
}

// capture serializes the DOM, extracts a snapshot, and screenshots the
// viewport.
func (pl *Pipeline) capture(page *rod.Page, pageURL string) (*Snapshot, []byte, error) {
	html, err := page.HTML()
	if err != nil {
		return nil, nil, fmt.Errorf("serialize dom: %w", err)
	}

	snap, err := parseSnapshot(pageURL, html)
	if err != nil {
		return nil, nil, err
	}

	shot, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		// Screenshots are best-effort; the snapshot still counts.
		pl.logger.Debug("screenshot failed", "url", pageURL, "error", err)
		shot = nil
	}

	return snap, shot, nil
}
