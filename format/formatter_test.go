package format

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectorlabs/lector/browser"
)

type fakeShotStore struct {
	lastData []byte
	url      string
}

func (f *fakeShotStore) PutScreenshot(_ context.Context, data []byte) (string, error) {
	f.lastData = data
	return f.url, nil
}

func articleResult() browser.PageResult {
	return browser.PageResult{
		URL: "https://example.com/post",
		Snapshot: &browser.Snapshot{
			Href:        "https://example.com/post",
			Title:       "A Post",
			Content:     "<h1>A Post</h1><p>Hello <strong>world</strong>.</p>",
			TextContent: "A Post Hello world.",
			HTML:        "<html><head><title>A Post</title></head><body><main><h1>A Post</h1><p>Hello <strong>world</strong>.</p></main></body></html>",
		},
		Screenshot: []byte{0x89, 'P', 'N', 'G'},
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeDefault, false},
		{"default", ModeDefault, false},
		{"Markdown", ModeMarkdown, false},
		{"html", ModeHTML, false},
		{"text", ModeText, false},
		{"screenshot", ModeScreenshot, false},
		{"pdf", "", true},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSnapshotDefaultMode(t *testing.T) {
	f := NewFormatter(nil)

	page, err := f.Snapshot(context.Background(), ModeDefault, articleResult(), Policies{})
	require.NoError(t, err)

	assert.Equal(t, "A Post", page.Title)
	assert.Contains(t, page.Content, "Hello **world**")
	assert.Contains(t, page.String(), "Title: A Post")
	assert.Contains(t, page.String(), "URL Source: https://example.com/post")
}

func TestSnapshotDefaultModeDoesNotFallBack(t *testing.T) {
	f := NewFormatter(nil)

	result := articleResult()
	result.Snapshot.Content = ""

	page, err := f.Snapshot(context.Background(), ModeDefault, result, Policies{})
	require.NoError(t, err)

	// Default mode leaves fallback to the caller.
	assert.Empty(t, page.Content)
}

func TestSnapshotMarkdownModeRendersFullPage(t *testing.T) {
	f := NewFormatter(nil)

	result := articleResult()
	result.Snapshot.Content = "" // Extraction failed; markdown mode still works.

	page, err := f.Snapshot(context.Background(), ModeMarkdown, result, Policies{})
	require.NoError(t, err)

	assert.NotEmpty(t, page.Content)
	assert.Contains(t, page.Content, "Hello **world**")
}

func TestSnapshotHTMLAndTextModes(t *testing.T) {
	f := NewFormatter(nil)
	result := articleResult()

	page, err := f.Snapshot(context.Background(), ModeHTML, result, Policies{})
	require.NoError(t, err)
	assert.Equal(t, result.Snapshot.HTML, page.HTML)
	assert.Equal(t, result.Snapshot.HTML, page.String())

	page, err = f.Snapshot(context.Background(), ModeText, result, Policies{})
	require.NoError(t, err)
	assert.Equal(t, "A Post Hello world.", page.Content)
}

func TestSnapshotScreenshotMode(t *testing.T) {
	shots := &fakeShotStore{url: "https://cdn.example.com/shots/1.png"}
	f := NewFormatter(shots)

	page, err := f.Snapshot(context.Background(), ModeScreenshot, articleResult(), Policies{})
	require.NoError(t, err)

	assert.Equal(t, shots.url, page.ScreenshotURL)
	assert.Equal(t, shots.url, page.String())
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, shots.lastData)
}

func TestSnapshotScreenshotModeWithoutBytes(t *testing.T) {
	f := NewFormatter(&fakeShotStore{})

	result := articleResult()
	result.Screenshot = nil

	_, err := f.Snapshot(context.Background(), ModeScreenshot, result, Policies{})
	assert.ErrorIs(t, err, ErrNoScreenshot)
}

func TestApplyPoliciesSummaries(t *testing.T) {
	content := "Intro ![logo](https://a.test/logo.png) and [docs](https://a.test/docs) end."

	out := applyPolicies(content, Policies{ImagesSummary: true, LinksSummary: true})

	assert.Contains(t, out, "Images:\n- [logo] https://a.test/logo.png")
	assert.Contains(t, out, "Links:\n- [docs] https://a.test/docs")
}

func TestApplyPoliciesGeneratedAlt(t *testing.T) {
	content := "![](https://a.test/img/northern-lights_2024.jpg)"

	out := applyPolicies(content, Policies{GeneratedAlt: true})

	assert.Contains(t, out, "![northern lights 2024](https://a.test/img/northern-lights_2024.jpg)")
	// Existing alt text is never overwritten.
	keep := applyPolicies("![kept](https://a.test/x.png)", Policies{GeneratedAlt: true})
	assert.Equal(t, "![kept](https://a.test/x.png)", keep)
}

func TestCleanMarkdownCollapsesBlankRuns(t *testing.T) {
	in := "a\n\n\n\n\n\nb   \nc\t"
	out := cleanMarkdown(in)
	assert.False(t, strings.Contains(out, "\n\n\n\n"))
	assert.False(t, strings.HasSuffix(out, " "))
}
