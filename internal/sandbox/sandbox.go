// Package sandbox provides isolated, disposable execution environments.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTimeout     = errors.New("command timed out")
	ErrUnavailable = errors.New("sandbox unavailable")
)

type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Session is one isolated environment. Nothing written to it outlives Close.
type Session interface {
	Run(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error)
	WriteFile(ctx context.Context, path string, content []byte) error
	Close(ctx context.Context) error
}

type Provider interface {
	// Acquire provisions a fresh environment. Callers must Close it.
	Acquire(ctx context.Context) (Session, error)
	// Check reports whether environments can be provisioned at all.
	Check(ctx context.Context) error
}
