package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lectorlabs/lector/browser"
	"github.com/lectorlabs/lector/format"
	"github.com/lectorlabs/lector/server"
)

// timedCrawler observes end-to-end scrape latency around the real
// crawler, including failed attempts.
type timedCrawler struct {
	inner    server.Crawler
	duration prometheus.Histogram
}

func (c *timedCrawler) Crawl(ctx context.Context, req server.CrawlRequest) (*format.FormattedPage, *browser.PageResult, error) {
	start := time.Now()
	page, result, err := c.inner.Crawl(ctx, req)
	c.duration.Observe(time.Since(start).Seconds())
	return page, result, err
}
