package tools

import (
	"context"
	"fmt"
)

// SearchResult is one hit returned by a Searcher.
type SearchResult struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Searcher answers web search queries. Implementations wrap whatever
// search backend the deployment has.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// NewBrowseTool builds the browse tool on top of a page reader, which
// crawls a URL and renders it as markdown.
func NewBrowseTool(read func(ctx context.Context, url string) (string, error)) Tool {
	return Tool{
		Name:        "browse",
		Description: "Fetch a web page in a real browser and return its content as markdown.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Absolute URL of the page to read.",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			url, _ := args["url"].(string)
			if url == "" {
				return nil, fmt.Errorf("browse: missing url argument")
			}
			return read(ctx, url)
		},
	}
}

// NewSearchTool builds the searchWeb tool. A nil searcher keeps the tool
// registered but answers with a not-configured message, so the model can
// recover by browsing directly.
func NewSearchTool(s Searcher) Tool {
	return Tool{
		Name:        "searchWeb",
		Description: "Search the web and return result URLs with titles and descriptions.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
			},
			"required": []string{"text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["text"].(string)
			if query == "" {
				return nil, fmt.Errorf("searchWeb: missing text argument")
			}
			if s == nil {
				return "web search is not configured on this server", nil
			}
			results, err := s.Search(ctx, query)
			if err != nil {
				return nil, fmt.Errorf("searchWeb: %w", err)
			}
			return results, nil
		},
	}
}
