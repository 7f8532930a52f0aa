// Package llmtest provides scripted model clients for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mpataki/autodev/internal/llm"
	"github.com/mpataki/autodev/internal/models"
)

var ErrExhausted = errors.New("llmtest: script exhausted")

// Step produces the answer to one Chat call.
type Step func(req *llm.Request) (*llm.Response, error)

// Scripted answers Chat calls with its steps in order. Once the steps run
// out, Fallback answers (ErrExhausted when nil).
type Scripted struct {
	provider llm.Provider
	Fallback Step

	mu       sync.Mutex
	steps    []Step
	requests []*llm.Request
}

func NewScripted(p llm.Provider, steps ...Step) *Scripted {
	return &Scripted{provider: p, steps: steps}
}

func (s *Scripted) Provider() llm.Provider { return s.provider }

func (s *Scripted) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	cp := *req
	cp.Messages = append([]models.Message(nil), req.Messages...)
	s.requests = append(s.requests, &cp)

	var step Step
	if len(s.steps) > 0 {
		step, s.steps = s.steps[0], s.steps[1:]
	} else {
		step = s.Fallback
	}
	s.mu.Unlock()

	if step == nil {
		return nil, ErrExhausted
	}
	return step(req)
}

// Push appends steps to the script.
func (s *Scripted) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

func (s *Scripted) Requests() []*llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.Request(nil), s.requests...)
}

// Text answers with a final assistant message.
func Text(content string) Step {
	return func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{Message: models.Message{Role: models.RoleAssistant, Content: content}, FinishReason: "stop"}, nil
	}
}

// Call answers with a single tool call. args is marshalled to JSON.
func Call(name string, args any) Step {
	return Calls(ToolCall(name, args))
}

func Calls(calls ...models.ToolCall) Step {
	return func(*llm.Request) (*llm.Response, error) {
		msg := models.Message{Role: models.RoleAssistant}
		for i, c := range calls {
			if c.ID == "" {
				c.ID = fmt.Sprintf("call_%d", i)
			}
			msg.ToolCalls = append(msg.ToolCalls, c)
		}
		return &llm.Response{Message: msg, FinishReason: "tool_calls"}, nil
	}
}

func ToolCall(name string, args any) models.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return models.ToolCall{Name: name, Arguments: raw}
}

func Fail(err error) Step {
	return func(*llm.Request) (*llm.Response, error) {
		return nil, err
	}
}
