package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandMarkdownPlainTextRoundTrips(t *testing.T) {
	inputs := []string{
		"",
		"no tokens here",
		"brackets [but](not images) and a lone ! mark",
		"multi\nline\ntext",
	}

	for _, input := range inputs {
		parts := ExpandMarkdown(input, nil)
		assert.Equal(t, input, TextOnly(parts), input)
		for _, p := range parts {
			assert.True(t, p.IsText(), input)
		}
	}
}

func TestExpandMarkdownResolvesUploadedFile(t *testing.T) {
	files := map[string][]byte{"chart.png": {1, 2, 3}}

	parts := ExpandMarkdown("before ![chart](file://chart.png) after", files)

	require.Len(t, parts, 3)
	assert.Equal(t, "before ", parts[0].Text)
	assert.Equal(t, []byte{1, 2, 3}, parts[1].Blob)
	// The literal token follows the asset and merges with trailing text.
	assert.Equal(t, "![chart](file://chart.png) after", parts[2].Text)
}

func TestExpandMarkdownFileNameDecoding(t *testing.T) {
	t.Run("encoded token, decoded key", func(t *testing.T) {
		files := map[string][]byte{"my chart.png": {1}}
		parts := ExpandMarkdown("![x](file://my%20chart.png)", files)
		require.Len(t, parts, 2)
		assert.Equal(t, []byte{1}, parts[0].Blob)
	})

	t.Run("decoded token, encoded key", func(t *testing.T) {
		files := map[string][]byte{"a%3Fb.png": {2}}
		parts := ExpandMarkdown("![x](file://a?b.png)", files)
		require.Len(t, parts, 2)
		assert.Equal(t, []byte{2}, parts[0].Blob)
	})
}

func TestExpandMarkdownUnknownFileKeepsTokenOnly(t *testing.T) {
	parts := ExpandMarkdown("see ![x](file://missing.png) here", nil)

	require.Len(t, parts, 1)
	assert.Equal(t, "see ![x](file://missing.png) here", parts[0].Text)
}

func TestExpandMarkdownRemoteImage(t *testing.T) {
	parts := ExpandMarkdown("![logo](https://a.test/logo.png)", nil)

	require.Len(t, parts, 2)
	require.NotNil(t, parts[0].URL)
	assert.Equal(t, "https://a.test/logo.png", parts[0].URL.String())
	assert.Equal(t, "![logo](https://a.test/logo.png)", parts[1].Text)
}

func TestExpandMarkdownRelativeTargetStaysLiteral(t *testing.T) {
	parts := ExpandMarkdown("![x](img/local.png)", nil)

	require.Len(t, parts, 1)
	assert.True(t, parts[0].IsText())
	assert.Equal(t, "![x](img/local.png)", parts[0].Text)
}

func TestExpandMarkdownUnparseableTargetStaysLiteral(t *testing.T) {
	parts := ExpandMarkdown("a ![x](://bad) b", nil)

	require.Len(t, parts, 1)
	assert.Equal(t, "a ![x](://bad) b", parts[0].Text)
}

func TestExpandMarkdownMixedSequenceKeepsOrder(t *testing.T) {
	files := map[string][]byte{"f.png": {9}}
	input := "intro ![a](file://f.png) mid ![b](https://a.test/b.png) end"

	parts := ExpandMarkdown(input, files)

	require.Len(t, parts, 5)
	assert.Equal(t, "intro ", parts[0].Text)
	assert.Equal(t, []byte{9}, parts[1].Blob)
	assert.Equal(t, "![a](file://f.png) mid ", parts[2].Text)
	require.NotNil(t, parts[3].URL)
	assert.Equal(t, "![b](https://a.test/b.png) end", parts[4].Text)

	// Dropping the assets reconstructs the original text exactly.
	assert.Equal(t, input, TextOnly(parts))
}
