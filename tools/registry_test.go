package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "echoes its input",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(Tool{Name: "", Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }}))
	assert.Error(t, r.Register(Tool{Name: "x"}))
	assert.NoError(t, r.Register(echoTool("x")))
}

func TestRegistryDescriptorsSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("zeta")))
	require.NoError(t, r.Register(echoTool("alpha")))

	d := r.Descriptors()
	require.Len(t, d, 2)
	assert.Equal(t, "alpha", d[0].Name)
	assert.Equal(t, "zeta", d[1].Name)
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))

	out, err := r.Dispatch(context.Background(), Call{Name: "echo", Arguments: `{"text": "hello"}`})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestRegistryDispatchLenientArguments(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))

	// Truncated argument JSON still dispatches with what parsed.
	out, err := r.Dispatch(context.Background(), Call{Name: "echo", Arguments: `{"text": "hel`})
	require.NoError(t, err)
	assert.Equal(t, "hel", out)
}

func TestRegistryDispatchEncodesStructuredResults(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Name:        "list",
		Description: "returns a list",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(context.Context, map[string]any) (any, error) {
			return []SearchResult{{URL: "https://a.test", Title: "A"}}, nil
		},
	}))

	out, err := r.Dispatch(context.Background(), Call{Name: "list", Arguments: "{}"})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"url":"https://a.test","title":"A","description":""}]`, out)
}

func TestRegistryDispatchUnknownTool(t *testing.T) {
	r := NewRegistry()

	_, err := r.Dispatch(context.Background(), Call{Name: "nope", Arguments: "{}"})
	assert.Error(t, err)
}

func TestSystemPromptStability(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))

	a := r.SystemPrompt("")
	b := r.SystemPrompt("")
	assert.Equal(t, a, b)

	assert.Contains(t, a, `"intention": "USE_TOOLS"`)
	assert.Contains(t, a, `"name": "echo"`)
	assert.NotContains(t, a, "MUST invoke")

	pinned := r.SystemPrompt("echo")
	assert.Contains(t, pinned, `You MUST invoke the tool "echo" before answering.`)
	// The pinned clause is the only difference.
	assert.True(t, strings.HasPrefix(pinned, a))
}

func TestBrowseTool(t *testing.T) {
	tool := NewBrowseTool(func(_ context.Context, url string) (string, error) {
		return "content of " + url, nil
	})

	out, err := tool.Handler(context.Background(), map[string]any{"url": "https://example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "content of https://example.com/", out)

	_, err = tool.Handler(context.Background(), map[string]any{})
	assert.Error(t, err)
}

type fixedSearcher struct {
	results []SearchResult
	err     error
}

func (f fixedSearcher) Search(context.Context, string) ([]SearchResult, error) {
	return f.results, f.err
}

func TestSearchTool(t *testing.T) {
	tool := NewSearchTool(fixedSearcher{results: []SearchResult{{URL: "https://a.test", Title: "A", Description: "d"}}})

	out, err := tool.Handler(context.Background(), map[string]any{"text": "query"})
	require.NoError(t, err)
	assert.Equal(t, []SearchResult{{URL: "https://a.test", Title: "A", Description: "d"}}, out)

	_, err = tool.Handler(context.Background(), map[string]any{"text": "q"})
	require.NoError(t, err)
}

func TestSearchToolUnconfigured(t *testing.T) {
	tool := NewSearchTool(nil)

	out, err := tool.Handler(context.Background(), map[string]any{"text": "q"})
	require.NoError(t, err)
	assert.Equal(t, "web search is not configured on this server", out)
}

func TestSearchToolErrorPropagates(t *testing.T) {
	tool := NewSearchTool(fixedSearcher{err: fmt.Errorf("backend down")})

	_, err := tool.Handler(context.Background(), map[string]any{"text": "q"})
	assert.Error(t, err)
}
