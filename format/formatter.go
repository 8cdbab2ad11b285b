package format

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lectorlabs/lector/browser"
)

// Mode selects the output rendering of a snapshot.
type Mode string

const (
	// ModeDefault renders the extracted article as markdown. If the
	// snapshot carries no extracted content the formatter does not fall
	// back by itself; the caller retries with ModeMarkdown.
	ModeDefault Mode = "default"
	// ModeMarkdown renders the full page as markdown regardless of
	// whether extraction succeeded.
	ModeMarkdown Mode = "markdown"
	// ModeHTML passes the serialized DOM through.
	ModeHTML Mode = "html"
	// ModeText returns the extracted plain text.
	ModeText Mode = "text"
	// ModeScreenshot uploads the screenshot and returns its URL.
	ModeScreenshot Mode = "screenshot"
)

// ParseMode maps an X-Respond-With value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return ModeDefault, nil
	case ModeDefault:
		return ModeDefault, nil
	case ModeMarkdown:
		return ModeMarkdown, nil
	case ModeHTML:
		return ModeHTML, nil
	case ModeText:
		return ModeText, nil
	case ModeScreenshot:
		return ModeScreenshot, nil
	default:
		return "", fmt.Errorf("unknown respond-with mode %q", s)
	}
}

// ErrNoScreenshot reports a screenshot-mode format of a result without
// screenshot bytes.
var ErrNoScreenshot = errors.New("no screenshot captured")

// ScreenshotStore uploads screenshot bytes and returns a serving URL.
type ScreenshotStore interface {
	PutScreenshot(ctx context.Context, data []byte) (string, error)
}

// Policies adjust the rendered markdown. They mirror the X-With-* request
// headers.
type Policies struct {
	// GeneratedAlt fills empty image alt text from the image filename.
	GeneratedAlt bool
	// ImagesSummary appends a list of all images found in the content.
	ImagesSummary bool
	// LinksSummary appends a list of all links found in the content.
	LinksSummary bool
}

// FormattedPage is the rendered view of one snapshot.
type FormattedPage struct {
	URL           string `json:"url"`
	Title         string `json:"title,omitempty"`
	Content       string `json:"content,omitempty"`
	HTML          string `json:"html,omitempty"`
	ScreenshotURL string `json:"screenshotUrl,omitempty"`

	mode Mode
}

// String renders the page in its chosen mode. ModeText reuses Content,
// which holds the plain text in that mode.
func (p *FormattedPage) String() string {
	switch p.mode {
	case ModeHTML:
		return p.HTML
	case ModeScreenshot:
		return p.ScreenshotURL
	default:
		if p.Title != "" {
			return fmt.Sprintf("Title: %s\n\nURL Source: %s\n\nMarkdown Content:\n%s", p.Title, p.URL, p.Content)
		}
		return p.Content
	}
}

// Formatter renders snapshots.
type Formatter struct {
	conv  *Converter
	shots ScreenshotStore
}

// NewFormatter creates a Formatter. shots may be nil when screenshot mode
// is not served.
func NewFormatter(shots ScreenshotStore) *Formatter {
	return &Formatter{
		conv:  NewConverter(),
		shots: shots,
	}
}

// Snapshot renders one page result in the requested mode.
func (f *Formatter) Snapshot(ctx context.Context, mode Mode, result browser.PageResult, pol Policies) (*FormattedPage, error) {
	snap := result.Snapshot
	if snap == nil {
		return nil, fmt.Errorf("page result for %s has no snapshot", result.URL)
	}

	page := &FormattedPage{URL: result.URL, Title: snap.Title, mode: mode}

	switch mode {
	case ModeDefault:
		if snap.Content != "" {
			content, err := f.conv.Markdown(snap.Content)
			if err != nil {
				return nil, fmt.Errorf("render article markdown: %w", err)
			}
			page.Content = applyPolicies(content, pol)
		}
		// Empty content stays empty: the caller decides whether to
		// retry with ModeMarkdown.

	case ModeMarkdown:
		title, content, err := f.conv.PageMarkdown(snap.HTML)
		if err != nil {
			return nil, fmt.Errorf("render page markdown: %w", err)
		}
		if page.Title == "" {
			page.Title = title
		}
		page.Content = applyPolicies(content, pol)

	case ModeHTML:
		page.HTML = snap.HTML

	case ModeText:
		page.Content = snap.TextContent

	case ModeScreenshot:
		if len(result.Screenshot) == 0 {
			return nil, ErrNoScreenshot
		}
		if f.shots == nil {
			return nil, fmt.Errorf("screenshot mode not configured")
		}
		url, err := f.shots.PutScreenshot(ctx, result.Screenshot)
		if err != nil {
			return nil, fmt.Errorf("upload screenshot: %w", err)
		}
		page.ScreenshotURL = url

	default:
		return nil, fmt.Errorf("unknown format mode %q", mode)
	}

	return page, nil
}

var (
	imageTokenRe = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)
	linkTokenRe  = regexp.MustCompile(`(?:^|[^!])\[([^\]]+)\]\(([^)\s]+)\)`)
)

// applyPolicies post-processes markdown per the requested policies.
func applyPolicies(content string, pol Policies) string {
	if pol.GeneratedAlt {
		content = imageTokenRe.ReplaceAllStringFunc(content, func(token string) string {
			m := imageTokenRe.FindStringSubmatch(token)
			if m[1] != "" {
				return token
			}
			return fmt.Sprintf("![%s](%s)", altFromURL(m[2]), m[2])
		})
	}

	if pol.ImagesSummary {
		images := imageTokenRe.FindAllStringSubmatch(content, -1)
		if len(images) > 0 {
			var sb strings.Builder
			sb.WriteString("\n\nImages:\n")
			for i, m := range images {
				alt := m[1]
				if alt == "" {
					alt = fmt.Sprintf("Image %d", i+1)
				}
				fmt.Fprintf(&sb, "- [%s] %s\n", alt, m[2])
			}
			content += strings.TrimRight(sb.String(), "\n")
		}
	}

	if pol.LinksSummary {
		links := linkTokenRe.FindAllStringSubmatch(content, -1)
		if len(links) > 0 {
			var sb strings.Builder
			sb.WriteString("\n\nLinks:\n")
			for _, m := range links {
				fmt.Fprintf(&sb, "- [%s] %s\n", m[1], m[2])
			}
			content += strings.TrimRight(sb.String(), "\n")
		}
	}

	return content
}

// altFromURL derives a readable alt text from an image URL's filename.
func altFromURL(raw string) string {
	name := raw
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	name = strings.TrimSpace(name)
	if name == "" {
		return "Image"
	}
	return name
}
