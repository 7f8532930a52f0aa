package models

import "encoding/json"

// Role identifies the author of a message in the run transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// SupervisorName is the node name the supervisor writes under.
const SupervisorName = "supervisor"

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type HandoffKind string

const (
	HandoffDelegate HandoffKind = "delegate"
	HandoffReturn   HandoffKind = "return"
)

// Handoff marks a transfer of control between the supervisor and a role agent.
type Handoff struct {
	Kind      HandoffKind `json:"kind"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Stage     string      `json:"stage"`
	Summary   string      `json:"summary,omitempty"`
	Completed bool        `json:"completed,omitempty"`
}

type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content,omitempty"`
	Name       string      `json:"name,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	Result     *ToolResult `json:"result,omitempty"`
	Handoff    *Handoff    `json:"handoff,omitempty"`
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// IsToolTurn reports whether the message is a tool call or a tool result.
func (m Message) IsToolTurn() bool {
	return m.Role == RoleTool || len(m.ToolCalls) > 0
}

// Clone returns a deep copy so callers can hand the message across component boundaries.
func (m Message) Clone() Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			out.ToolCalls[i].Arguments = append(json.RawMessage(nil), tc.Arguments...)
		}
	}
	if m.Result != nil {
		r := *m.Result
		if m.Result.ExitCode != nil {
			code := *m.Result.ExitCode
			r.ExitCode = &code
		}
		out.Result = &r
	}
	if m.Handoff != nil {
		h := *m.Handoff
		out.Handoff = &h
	}
	return out
}

// History is the ordered transcript of a run. It only grows; Append never
// writes into the receiver's backing array.
type History []Message

func (h History) Append(msgs ...Message) History {
	out := make(History, 0, len(h)+len(msgs))
	out = append(out, h...)
	for _, m := range msgs {
		out = append(out, m.Clone())
	}
	return out
}

// Task returns the content of the first user message.
func (h History) Task() string {
	for _, m := range h {
		if m.Role == RoleUser {
			return m.Content
		}
	}
	return ""
}

// ReturnFrom finds the latest return handoff written for agent.
func (h History) ReturnFrom(agent string) (Handoff, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		hf := h[i].Handoff
		if hf != nil && hf.Kind == HandoffReturn && hf.From == agent {
			return *hf, true
		}
	}
	return Handoff{}, false
}

// SummaryFrom returns the summary agent handed back to the supervisor, or "".
func (h History) SummaryFrom(agent string) string {
	hf, ok := h.ReturnFrom(agent)
	if !ok {
		return ""
	}
	return hf.Summary
}
