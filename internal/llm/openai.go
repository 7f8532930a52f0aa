package llm

import (
	"context"
	"fmt"

	"github.com/mpataki/autodev/internal/models"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// OpenAIClient speaks the OpenAI chat completions format. Groq serves it.
type OpenAIClient struct {
	base
}

func NewGroqClient(apiKey string, opts ...Option) *OpenAIClient {
	return &OpenAIClient{base: newBase(Groq, apiKey, groqBaseURL, 30, opts)}
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) Provider() Provider { return c.provider }

func (c *OpenAIClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	body := openAIRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toOpenAIMessage(m))
	}
	for _, spec := range req.Tools {
		var t openAITool
		t.Type = "function"
		t.Function.Name = spec.Name
		t.Function.Description = spec.Description
		t.Function.Parameters = spec.Parameters
		body.Tools = append(body.Tools, t)
	}

	var resp openAIResponse
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	if err := c.post(ctx, c.baseURL+"/chat/completions", headers, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", c.provider)
	}

	choice := resp.Choices[0]
	msg := models.Message{Role: models.RoleAssistant, Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: decodeArguments(tc.Function.Arguments),
		})
	}

	return &Response{
		Message:      msg,
		FinishReason: choice.FinishReason,
		Usage:        Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens},
	}, nil
}

func toOpenAIMessage(m models.Message) openAIMessage {
	out := openAIMessage{Role: string(m.Role), Content: m.Content}
	switch m.Role {
	case models.RoleTool:
		out.ToolCallID = m.ToolCallID
	case models.RoleAssistant:
		for _, tc := range m.ToolCalls {
			var call openAIToolCall
			call.ID = tc.ID
			call.Type = "function"
			call.Function.Name = tc.Name
			call.Function.Arguments = encodeArguments(tc.Arguments)
			out.ToolCalls = append(out.ToolCalls, call)
		}
	}
	return out
}
