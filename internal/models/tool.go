package models

import (
	"encoding/json"
	"time"
)

// ToolResult is what every tool returns. Failures are carried in Error,
// never raised past the tool boundary.
type ToolResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode *int          `json:"exit_code,omitempty"`
	Error    string        `json:"error,omitempty"`
	Phase    string        `json:"phase,omitempty"` // run_code: "setup", "install" or "execute"
	Duration time.Duration `json:"-"`
}

func (r ToolResult) Failed() bool {
	return r.Error != "" || (r.ExitCode != nil && *r.ExitCode != 0)
}

// Text renders the result as the content of a tool message. Plain string
// payloads (manage_file) are passed through; structured ones become JSON.
func (r ToolResult) Text() string {
	if r.ExitCode == nil && r.Stderr == "" && r.Phase == "" {
		if r.Error != "" {
			return r.Error
		}
		return r.Stdout
	}
	payload := struct {
		Stdout    string  `json:"stdout"`
		Stderr    string  `json:"stderr"`
		ExitCode  *int    `json:"exit_code,omitempty"`
		Error     string  `json:"error,omitempty"`
		Phase     string  `json:"phase,omitempty"`
		DurationS float64 `json:"duration_s"`
	}{r.Stdout, r.Stderr, r.ExitCode, r.Error, r.Phase, float64(r.Duration.Milliseconds()) / 1000}
	data, err := json.Marshal(payload)
	if err != nil {
		return r.Error
	}
	return string(data)
}

func IntPtr(v int) *int { return &v }

// ToolSpec advertises a tool to a model. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
