package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mpataki/autodev/internal/models"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type GeminiClient struct {
	base
}

func NewGeminiClient(apiKey string, opts ...Option) *GeminiClient {
	return &GeminiClient{base: newBase(Google, apiKey, geminiBaseURL, 10, opts)}
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	Tools             []geminiTool     `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (c *GeminiClient) Provider() Provider { return c.provider }

func (c *GeminiClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	body := geminiRequest{Contents: toGeminiContents(req.Messages)}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenConfig{Temperature: req.Temperature, MaxOutputTokens: req.MaxTokens}
	}
	if len(req.Tools) > 0 {
		var decls []geminiFunctionDecl
		for _, spec := range req.Tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  geminiParameters(spec.Parameters),
			})
		}
		body.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	var resp geminiResponse
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, req.Model)
	if err := c.post(ctx, url, map[string]string{"x-goog-api-key": c.apiKey}, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%s: response has no candidates", c.provider)
	}

	cand := resp.Candidates[0]
	msg := models.Message{Role: models.RoleAssistant}
	var text []string
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			text = append(text, p.Text)
		}
		if p.FunctionCall != nil {
			args := p.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			// Gemini does not identify calls, so results are matched by ID we mint.
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      p.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	msg.Content = strings.Join(text, "")

	return &Response{
		Message:      msg,
		FinishReason: cand.FinishReason,
		Usage:        Usage{PromptTokens: resp.UsageMetadata.PromptTokenCount, CompletionTokens: resp.UsageMetadata.CandidatesTokenCount},
	}, nil
}

// toGeminiContents maps the transcript onto user/model turns. Consecutive
// tool results collapse into one user turn of function responses.
func toGeminiContents(msgs []models.Message) []geminiContent {
	var out []geminiContent
	names := map[string]string{}

	for _, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			c := geminiContent{Role: "model"}
			if m.Content != "" {
				c.Parts = append(c.Parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				names[tc.ID] = tc.Name
				c.Parts = append(c.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Arguments}})
			}
			if len(c.Parts) == 0 {
				continue
			}
			out = append(out, c)
		case models.RoleTool:
			name := names[m.ToolCallID]
			if name == "" {
				name = m.Name
			}
			part := geminiPart{FunctionResponse: &geminiFunctionResponse{
				Name:     name,
				Response: map[string]any{"result": m.Content},
			}}
			if n := len(out); n > 0 && out[n-1].Role == "user" && out[n-1].Parts[0].FunctionResponse != nil {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, geminiContent{Role: "user", Parts: []geminiPart{part}})
		default:
			out = append(out, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return out
}

// geminiParameters converts a tool's parameter schema. Gemini rejects an
// OBJECT schema without properties, so a tool that takes no arguments
// declares no parameters.
func geminiParameters(s map[string]any) map[string]any {
	if s == nil {
		return nil
	}
	if t, _ := s["type"].(string); strings.EqualFold(t, "object") {
		if props, _ := s["properties"].(map[string]any); len(props) == 0 {
			return nil
		}
	}
	return geminiSchema(s)
}

// geminiSchema copies a JSON schema, upper-casing type names the way the
// Gemini schema enum spells them.
func geminiSchema(s map[string]any) map[string]any {
	if s == nil {
		return nil
	}
	out := make(map[string]any, len(s))
	for k, v := range s {
		switch val := v.(type) {
		case string:
			if k == "type" {
				val = strings.ToUpper(val)
			}
			out[k] = val
		case map[string]any:
			out[k] = geminiSchema(val)
		default:
			out[k] = v
		}
	}
	return out
}
