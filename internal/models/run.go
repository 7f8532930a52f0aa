package models

import "time"

type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
	RunStatusDegraded RunStatus = "degraded" // finished, but a role agent missed its completion contract
)

type Run struct {
	ID          int64
	CreatedAt   time.Time
	CompletedAt *time.Time
	Task        string
	TeamName    string
	OutputDir   string
	Status      RunStatus
	Stage       string
	Error       string
}
