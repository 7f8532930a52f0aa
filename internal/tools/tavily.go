package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const tavilyURL = "https://api.tavily.com/search"

// TavilyClient is a Searcher backed by the Tavily search API.
type TavilyClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewTavilyClient(apiKey string) *TavilyClient {
	return &TavilyClient{
		apiKey:     apiKey,
		baseURL:    tavilyURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithBaseURL points the client at another endpoint.
func (c *TavilyClient) WithBaseURL(u string) *TavilyClient {
	c.baseURL = u
	return c
}

type tavilyRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilyResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

func (c *TavilyClient) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	jsonData, err := json.Marshal(tavilyRequest{Query: query, MaxResults: maxResults, SearchDepth: "basic"})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("invalid Tavily API key")
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("Tavily rate limit exceeded")
	default:
		return nil, fmt.Errorf("Tavily request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var out tavilyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return out.Results, nil
}
