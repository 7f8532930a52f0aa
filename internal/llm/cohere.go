package llm

import (
	"context"
	"strings"

	"github.com/mpataki/autodev/internal/models"
)

const cohereBaseURL = "https://api.cohere.com/v2"

type CohereClient struct {
	base
}

func NewCohereClient(apiKey string, opts ...Option) *CohereClient {
	return &CohereClient{base: newBase(Cohere, apiKey, cohereBaseURL, 20, opts)}
}

type cohereRequest struct {
	Model       string          `json:"model"`
	Messages    []cohereMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type cohereMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolPlan   string           `json:"tool_plan,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type cohereResponse struct {
	FinishReason string `json:"finish_reason"`
	Message      struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		ToolPlan  string           `json:"tool_plan"`
		ToolCalls []openAIToolCall `json:"tool_calls"`
	} `json:"message"`
	Usage struct {
		Tokens struct {
			InputTokens  float64 `json:"input_tokens"`
			OutputTokens float64 `json:"output_tokens"`
		} `json:"tokens"`
	} `json:"usage"`
}

func (c *CohereClient) Provider() Provider { return c.provider }

func (c *CohereClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	body := cohereRequest{Model: req.Model, Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	if req.System != "" {
		body.Messages = append(body.Messages, cohereMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		cm := cohereMessage{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case models.RoleTool:
			cm.ToolCallID = m.ToolCallID
		case models.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				// Cohere carries the text that precedes tool calls as a plan.
				cm.ToolPlan, cm.Content = m.Content, ""
				cm.ToolCalls = toOpenAIMessage(m).ToolCalls
			}
		}
		body.Messages = append(body.Messages, cm)
	}
	for _, spec := range req.Tools {
		var t openAITool
		t.Type = "function"
		t.Function.Name = spec.Name
		t.Function.Description = spec.Description
		t.Function.Parameters = spec.Parameters
		body.Tools = append(body.Tools, t)
	}

	var resp cohereResponse
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	if err := c.post(ctx, c.baseURL+"/chat", headers, body, &resp); err != nil {
		return nil, err
	}

	var text []string
	for _, part := range resp.Message.Content {
		if part.Type == "text" {
			text = append(text, part.Text)
		}
	}
	msg := models.Message{Role: models.RoleAssistant, Content: strings.Join(text, "")}
	if msg.Content == "" {
		msg.Content = resp.Message.ToolPlan
	}
	for _, tc := range resp.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: decodeArguments(tc.Function.Arguments),
		})
	}

	return &Response{
		Message:      msg,
		FinishReason: resp.FinishReason,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.Tokens.InputTokens),
			CompletionTokens: int(resp.Usage.Tokens.OutputTokens),
		},
	}, nil
}
