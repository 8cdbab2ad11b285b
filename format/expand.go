package format

import (
	"net/url"
	"strings"
)

// Part is one element of an expanded prompt: exactly one of Text, URL, or
// Blob is set.
type Part struct {
	Text string
	URL  *url.URL
	Blob []byte
}

// IsText reports whether the part is plain text.
func (p Part) IsText() bool { return p.URL == nil && p.Blob == nil }

// ExpandMarkdown walks ![alt](url) tokens in order and produces a
// heterogeneous prompt sequence. file:// URLs resolve against the
// per-request uploaded-file map, trying the raw name, its percent-decoded
// form, then its percent-encoded form. Other schemes pass through as URLs.
// Unparseable targets keep the literal token as text. After each resolved
// asset the literal token is appended again so the model sees both the
// inline asset and its textual reference. Adjacent text parts are merged.
func ExpandMarkdown(input string, files map[string][]byte) []Part {
	var parts []Part

	appendText := func(s string) {
		if s == "" {
			return
		}
		if n := len(parts); n > 0 && parts[n-1].IsText() {
			parts[n-1].Text += s
			return
		}
		parts = append(parts, Part{Text: s})
	}

	rest := input
	for {
		loc := imageTokenRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			appendText(rest)
			break
		}

		token := rest[loc[0]:loc[1]]
		target := rest[loc[4]:loc[5]]

		appendText(rest[:loc[0]])

		resolved := resolveImageTarget(target, files)
		if resolved == nil {
			// Unusable target: keep the literal token only.
			appendText(token)
		} else {
			parts = append(parts, *resolved)
			appendText(token)
		}

		rest = rest[loc[1]:]
	}

	return parts
}

// resolveImageTarget turns an image URL into a Blob (uploaded file) or URL
// part. Returns nil when the target cannot be represented.
func resolveImageTarget(target string, files map[string][]byte) *Part {
	u, err := url.Parse(target)
	if err != nil {
		return nil
	}

	if u.Scheme != "file" {
		if u.Scheme == "" {
			// Relative references have no fetchable form.
			return nil
		}
		return &Part{URL: u}
	}

	name := strings.TrimPrefix(target, "file://")

	if data, ok := files[name]; ok {
		return &Part{Blob: data}
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		if data, ok := files[decoded]; ok {
			return &Part{Blob: data}
		}
	}
	if data, ok := files[url.PathEscape(name)]; ok {
		return &Part{Blob: data}
	}

	return nil
}

// TextOnly concatenates the text parts, ignoring assets. Useful for
// models without multimodal input.
func TextOnly(parts []Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.IsText() {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
