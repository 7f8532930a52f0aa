package models

import "time"

type ExecStatus string

const (
	ExecStatusPending   ExecStatus = "pending"
	ExecStatusRunning   ExecStatus = "running"
	ExecStatusComplete  ExecStatus = "complete"
	ExecStatusExhausted ExecStatus = "exhausted"
	ExecStatusFailed    ExecStatus = "failed"
)

// Execution is one delegation from the supervisor to a role agent.
type Execution struct {
	ID          int64
	RunID       int64
	AgentName   string
	Stage       string
	Status      ExecStatus
	SequenceNum int
	Turns       int
	ToolCalls   int
	PhraseSeen  bool
	Summary     string
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}
