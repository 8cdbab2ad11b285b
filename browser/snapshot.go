// Package browser owns the headless browser: a bounded pool of single-use
// browser contexts and the snapshot pipeline that drives one page load while
// streaming progressive readability snapshots to the caller.
package browser

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// Snapshot is a readability-extracted view of a page's DOM at one instant.
type Snapshot struct {
	// Href is the page URL the parse ran against.
	Href string `json:"href"`
	// Title is the extracted article title (falls back to document title).
	Title string `json:"title"`
	// Content is the article body as HTML.
	Content string `json:"content"`
	// TextContent is the article body as plain text.
	TextContent string `json:"textContent"`
	// HTML is the full serialized DOM the parse ran against.
	HTML string `json:"html"`
	// PublishedTime is the article publication time, when detected.
	PublishedTime *time.Time `json:"publishedTime,omitempty"`
}

// PageResult is one snapshot/screenshot pair yielded by the pipeline.
// The last result of a scrape is always the post-settle re-parse.
type PageResult struct {
	URL        string
	Snapshot   *Snapshot
	Screenshot []byte
}

// parseSnapshot runs readability over serialized page HTML.
// A page with no extractable article still produces a snapshot carrying
// the raw HTML and document title, so callers can fall back to full-page
// markdown rendering.
func parseSnapshot(pageURL, pageHTML string) (*Snapshot, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	article, err := readability.FromReader(strings.NewReader(pageHTML), u)
	if err != nil {
		// Extraction failure is not fatal: keep the raw DOM.
		return &Snapshot{
			Href: pageURL,
			HTML: pageHTML,
		}, nil
	}

	snap := &Snapshot{
		Href:        pageURL,
		Title:       article.Title,
		Content:     article.Content,
		TextContent: article.TextContent,
		HTML:        pageHTML,
	}
	if article.PublishedTime != nil {
		t := *article.PublishedTime
		snap.PublishedTime = &t
	}
	return snap, nil
}

// sameSnapshot reports whether two snapshots carry the same extracted view.
// The full DOM serialization is ignored: scripts mutate it constantly
// without changing what the reader would see.
func sameSnapshot(a, b *Snapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Title == b.Title && a.TextContent == b.TextContent && a.Content == b.Content
}
