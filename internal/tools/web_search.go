package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mpataki/autodev/internal/models"
)

const maxSearchResults = 10

type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

type WebSearchArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

func (a WebSearchArgs) Validate() error {
	if strings.TrimSpace(a.Query) == "" {
		return errors.New("Error: query is required.")
	}
	if a.MaxResults < 0 {
		return errors.New("Error: max_results must not be negative.")
	}
	return nil
}

type SearchTool struct {
	searcher   Searcher
	maxResults int
}

// NewSearchTool returns a web_search tool. maxResults is used when the
// model does not ask for a count.
func NewSearchTool(s Searcher, maxResults int) *SearchTool {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &SearchTool{searcher: s, maxResults: maxResults}
}

func (t *SearchTool) Name() Name { return WebSearch }

func (t *SearchTool) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        string(WebSearch),
		Description: "Searches the web and returns the most relevant results with title, url and content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":       map[string]any{"type": "string", "description": "The search query."},
				"max_results": map[string]any{"type": "integer", "description": "Maximum number of results."},
			},
			"required": []string{"query"},
		},
	}
}

func (t *SearchTool) Call(ctx context.Context, raw json.RawMessage) models.ToolResult {
	var args WebSearchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(err)
	}
	if err := args.Validate(); err != nil {
		return errorResult(err)
	}

	n := args.MaxResults
	if n == 0 {
		n = t.maxResults
	}
	n = min(n, maxSearchResults)

	results, err := t.searcher.Search(ctx, args.Query, n)
	if err != nil {
		return models.ToolResult{Error: fmt.Sprintf("Error: Search failed: %v", err)}
	}
	if len(results) > n {
		results = results[:n]
	}
	if results == nil {
		results = []SearchResult{}
	}

	data, err := json.Marshal(results)
	if err != nil {
		return unexpected(err)
	}
	return models.ToolResult{Stdout: string(data)}
}
