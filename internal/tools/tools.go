// Package tools implements the capabilities role agents may invoke while
// reasoning. Every tool returns a models.ToolResult; failures are data.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mpataki/autodev/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Name string

const (
	ManageFile Name = "manage_file"
	WebSearch  Name = "web_search"
	RunCode    Name = "run_code"
)

func (n Name) Valid() bool {
	switch n {
	case ManageFile, WebSearch, RunCode:
		return true
	}
	return false
}

type Tool interface {
	Name() Name
	Spec() models.ToolSpec
	Call(ctx context.Context, args json.RawMessage) models.ToolResult
}

type Handler func(ctx context.Context, call models.ToolCall) models.ToolResult

// Middleware wraps dispatch so a role can impose its own policy on tool use.
type Middleware func(Handler) Handler

// Set is the restricted tool surface of one agent.
type Set struct {
	tools   map[Name]Tool
	order   []Name
	handler Handler
}

// NewSet picks the declared tools out of available. Declaring a tool that
// is not available is a construction error.
func NewSet(available []Tool, declared []Name, mw ...Middleware) (*Set, error) {
	byName := make(map[Name]Tool, len(available))
	for _, t := range available {
		byName[t.Name()] = t
	}

	s := &Set{tools: map[Name]Tool{}}
	for _, n := range declared {
		if !n.Valid() {
			return nil, fmt.Errorf("unknown tool %q", n)
		}
		t, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("tool %q is not available", n)
		}
		if _, dup := s.tools[n]; dup {
			continue
		}
		s.tools[n] = t
		s.order = append(s.order, n)
	}

	h := s.dispatch
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	s.handler = h

	return s, nil
}

func (s *Set) Has(n Name) bool {
	_, ok := s.tools[n]
	return ok
}

func (s *Set) Len() int { return len(s.order) }

func (s *Set) Specs() []models.ToolSpec {
	specs := make([]models.ToolSpec, 0, len(s.order))
	for _, n := range s.order {
		specs = append(specs, s.tools[n].Spec())
	}
	return specs
}

// Call runs one tool call through the middleware chain.
func (s *Set) Call(ctx context.Context, call models.ToolCall) models.ToolResult {
	ctx, span := otel.Tracer("autodev/tools").Start(ctx, "tool "+call.Name)
	defer span.End()

	start := time.Now()
	res := s.handler(ctx, call)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	span.SetAttributes(attribute.String("tool.name", call.Name), attribute.Bool("tool.failed", res.Failed()))
	if res.Failed() {
		span.SetStatus(codes.Error, res.Error)
	}
	return res
}

func (s *Set) dispatch(ctx context.Context, call models.ToolCall) models.ToolResult {
	t, ok := s.tools[Name(call.Name)]
	if !ok {
		return models.ToolResult{Error: fmt.Sprintf("Error: Tool '%s' is not available to this agent.", call.Name)}
	}
	return t.Call(ctx, call.Arguments)
}

// decodeArgs unmarshals raw model arguments. An empty payload decodes to
// the zero value so validation can report the missing fields.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("Error: Invalid arguments: %v", err)
	}
	return nil
}

func errorResult(err error) models.ToolResult {
	return models.ToolResult{Error: err.Error()}
}
