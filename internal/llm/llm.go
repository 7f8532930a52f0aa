// Package llm holds the chat clients the agents reason with. Each provider
// speaks its own wire format; callers only see Request and Response.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mpataki/autodev/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Provider string

const (
	Groq   Provider = "groq"
	Google Provider = "google"
	Cohere Provider = "cohere"
)

type Request struct {
	Model       string
	System      string
	Messages    []models.Message
	Tools       []models.ToolSpec
	Temperature *float64
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type Response struct {
	// Message is an assistant message, possibly carrying tool calls.
	Message      models.Message
	Usage        Usage
	FinishReason string
}

type Client interface {
	Provider() Provider
	Chat(ctx context.Context, req *Request) (*Response, error)
}

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Provider   Provider
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("%s: access denied (status %d), check the API key", e.Provider, e.StatusCode)
	case http.StatusTooManyRequests:
		return fmt.Sprintf("%s: rate limit exceeded", e.Provider)
	}
	return fmt.Sprintf("%s: request failed with status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Option func(*base)

func WithBaseURL(u string) Option {
	return func(b *base) { b.baseURL = u }
}

func WithHTTPClient(c *http.Client) Option {
	return func(b *base) { b.httpClient = c }
}

// WithRateLimit caps requests per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(b *base) { b.limiter = rate.NewLimiter(r, burst) }
}

// WithRetry sets how many times temporary failures are retried and the
// initial backoff, which doubles per attempt.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(b *base) {
		b.maxRetries = maxRetries
		b.backoff = backoff
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *base) { b.logger = l }
}

// base is the transport shared by every provider client.
type base struct {
	provider   Provider
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

func newBase(p Provider, apiKey, baseURL string, perMinute int, opts []Option) base {
	b := base{
		provider:   p,
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 3),
		maxRetries: 3,
		backoff:    time.Second,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(&b)
	}
	return b
}

// post sends body as JSON and decodes a 200 answer into out, retrying
// temporary failures.
func (b *base) post(ctx context.Context, url string, headers map[string]string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			wait := b.backoff << (attempt - 1)
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.retryAfter > wait {
				wait = apiErr.retryAfter
			}
			b.logger.Warn("retrying model request",
				zap.String("provider", string(b.provider)),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		lastErr = b.once(ctx, url, headers, jsonData, out)
		if lastErr == nil {
			return nil
		}
		var apiErr *APIError
		if !errors.As(lastErr, &apiErr) || !apiErr.Temporary() {
			return lastErr
		}
	}
	return lastErr
}

func (b *base) once(ctx context.Context, url string, headers map[string]string, jsonData []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Provider: b.provider, StatusCode: resp.StatusCode, Body: string(respBody)}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.retryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// encodeArguments turns raw tool arguments into the JSON string form the
// OpenAI-style APIs expect.
func encodeArguments(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// decodeArguments accepts arguments as a JSON string or an inline object.
func decodeArguments(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(map[string]string{"input": s})
	return quoted
}
