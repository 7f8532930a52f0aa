package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mpataki/autodev/internal/config"
	"github.com/mpataki/autodev/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testOpts(url string) []Option {
	return []Option{WithBaseURL(url), WithRateLimit(rate.Inf, 1), WithRetry(2, 0)}
}

var fileSpec = models.ToolSpec{
	Name:        "manage_file",
	Description: "files",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"filepath": map[string]any{"type": "string"}},
	},
}

func transcript() []models.Message {
	return []models.Message{
		models.UserMessage("save the backend"),
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call_1", Name: "manage_file", Arguments: json.RawMessage(`{"filepath":"output/backend.py"}`)}}},
		{Role: models.RoleTool, Name: "manage_file", ToolCallID: "call_1", Content: "Successfully performed 'write' on file: output/backend.py"},
	}
}

func TestGroqChat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gsk", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"choices":[{"finish_reason":"tool_calls","message":{"role":"assistant","content":"","tool_calls":[{"id":"call_9","type":"function","function":{"name":"run_code","arguments":"{\"code\":\"ls\"}"}}]}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	c := NewGroqClient("gsk", testOpts(srv.URL)...)
	resp, err := c.Chat(context.Background(), &Request{Model: "openai/gpt-oss-20b", System: "be brief", Messages: transcript(), Tools: []models.ToolSpec{fileSpec}})
	require.NoError(t, err)

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assistant := msgs[2].(map[string]any)
	call := assistant["tool_calls"].([]any)[0].(map[string]any)
	assert.Equal(t, `{"filepath":"output/backend.py"}`, call["function"].(map[string]any)["arguments"])
	assert.Equal(t, "call_1", msgs[3].(map[string]any)["tool_call_id"])

	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "run_code", resp.Message.ToolCalls[0].Name)
	assert.JSONEq(t, `{"code":"ls"}`, string(resp.Message.ToolCalls[0].Arguments))
	assert.Equal(t, 12, resp.Usage.PromptTokens)
}

func TestGeminiChat(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "gk", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"candidates":[{"finishReason":"STOP","content":{"role":"model","parts":[{"text":"delegating"},{"functionCall":{"name":"transfer_to_planner_agent","args":{}}}]}}]}`))
	}))
	defer srv.Close()

	c := NewGeminiClient("gk", testOpts(srv.URL)...)
	resp, err := c.Chat(context.Background(), &Request{Model: "gemini-2.5-flash", System: "route", Messages: transcript(), Tools: []models.ToolSpec{fileSpec}})
	require.NoError(t, err)

	require.NotNil(t, got.SystemInstruction)
	require.Len(t, got.Contents, 3)
	assert.Equal(t, "model", got.Contents[1].Role)
	assert.Equal(t, "manage_file", got.Contents[2].Parts[0].FunctionResponse.Name)
	assert.Equal(t, "OBJECT", got.Tools[0].FunctionDeclarations[0].Parameters["type"])
	props := got.Tools[0].FunctionDeclarations[0].Parameters["properties"].(map[string]any)
	assert.Equal(t, "STRING", props["filepath"].(map[string]any)["type"])

	assert.Equal(t, "delegating", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.NotEmpty(t, resp.Message.ToolCalls[0].ID)
}

func TestGeminiOmitsEmptyParameters(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"candidates":[{"finishReason":"STOP","content":{"role":"model","parts":[{"text":"done"}]}}]}`))
	}))
	defer srv.Close()

	transfer := models.ToolSpec{
		Name:        "transfer_to_planner_agent",
		Description: "Hand the work to planner_agent.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}

	c := NewGeminiClient("gk", testOpts(srv.URL)...)
	_, err := c.Chat(context.Background(), &Request{Model: "gemini-2.5-flash", Messages: transcript(), Tools: []models.ToolSpec{transfer, fileSpec}})
	require.NoError(t, err)

	decls := got["tools"].([]any)[0].(map[string]any)["functionDeclarations"].([]any)
	require.Len(t, decls, 2)
	assert.NotContains(t, decls[0].(map[string]any), "parameters")
	assert.Equal(t, "transfer_to_planner_agent", decls[0].(map[string]any)["name"])
	assert.Contains(t, decls[1].(map[string]any), "parameters")
}

func TestGeminiMergesConsecutiveToolResults(t *testing.T) {
	msgs := []models.Message{
		models.UserMessage("go"),
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "a", Name: "web_search"}, {ID: "b", Name: "manage_file"}}},
		{Role: models.RoleTool, ToolCallID: "a", Content: "[]"},
		{Role: models.RoleTool, ToolCallID: "b", Content: "ok"},
	}

	contents := toGeminiContents(msgs)
	require.Len(t, contents, 3)
	require.Len(t, contents[2].Parts, 2)
	assert.Equal(t, "web_search", contents[2].Parts[0].FunctionResponse.Name)
	assert.Equal(t, "manage_file", contents[2].Parts[1].FunctionResponse.Name)
}

func TestCohereChat(t *testing.T) {
	var got cohereRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"finish_reason":"COMPLETE","message":{"role":"assistant","content":[{"type":"text","text":"## Backend\nGET /time\n\nplan passed successfully to supervisor."}]},"usage":{"tokens":{"input_tokens":40,"output_tokens":20}}}`))
	}))
	defer srv.Close()

	temp := 0.7
	c := NewCohereClient("co", testOpts(srv.URL)...)
	resp, err := c.Chat(context.Background(), &Request{Model: "command-a-03-2025", Messages: transcript(), Temperature: &temp})
	require.NoError(t, err)

	require.Len(t, got.Messages, 3)
	assert.Empty(t, got.Messages[1].Content)
	require.Len(t, got.Messages[1].ToolCalls, 1)
	assert.Equal(t, "call_1", got.Messages[2].ToolCallID)
	require.NotNil(t, got.Temperature)

	assert.Contains(t, resp.Message.Content, "plan passed successfully to supervisor.")
	assert.Equal(t, 20, resp.Usage.CompletionTokens)
}

func TestRetriesTemporaryFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	resp, err := NewGroqClient("k", testOpts(srv.URL)...).Chat(context.Background(), &Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoesNotRetryAuthFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewGroqClient("k", testOpts(srv.URL)...).Chat(context.Background(), &Request{Model: "m"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.False(t, apiErr.Temporary())
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewClients(t *testing.T) {
	creds := config.Credentials{Groq: "g", Google: "k", Cohere: "c"}
	clients, err := NewClients(creds, []string{"groq", "google", "cohere", "groq"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cohere", "google", "groq"}, clients.Providers())

	cl, err := clients.Get("google")
	require.NoError(t, err)
	assert.Equal(t, Google, cl.Provider())

	_, err = clients.Get("openai")
	assert.Error(t, err)

	_, err = NewClients(config.Credentials{Groq: "g"}, []string{"groq", "cohere"}, nil)
	assert.ErrorIs(t, err, config.ErrMissingCredentials)
}
