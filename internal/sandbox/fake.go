package sandbox

import (
	"context"
	"strings"
	"sync"
	"time"
)

// FakeProvider is an in-memory Provider driven by a handler. It records
// every session so callers can assert on acquisition and release.
type FakeProvider struct {
	// Handle answers a command. Files written so far are passed in.
	Handle   func(cmd string, files map[string]string) (*CommandResult, error)
	CheckErr error

	mu       sync.Mutex
	sessions []*FakeSession
}

func (p *FakeProvider) Check(ctx context.Context) error {
	return p.CheckErr
}

func (p *FakeProvider) Acquire(ctx context.Context) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &FakeSession{provider: p, Files: map[string]string{}}
	p.sessions = append(p.sessions, s)
	return s, nil
}

func (p *FakeProvider) Sessions() []*FakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeSession(nil), p.sessions...)
}

type FakeSession struct {
	provider *FakeProvider
	Files    map[string]string
	Commands []string
	Timeouts []time.Duration
	Closed   bool
}

func (s *FakeSession) Run(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error) {
	s.Commands = append(s.Commands, cmd)
	s.Timeouts = append(s.Timeouts, timeout)
	if s.provider.Handle == nil {
		return &CommandResult{}, nil
	}
	return s.provider.Handle(cmd, s.Files)
}

func (s *FakeSession) WriteFile(ctx context.Context, path string, content []byte) error {
	s.Files[path] = string(content)
	return nil
}

func (s *FakeSession) Close(ctx context.Context) error {
	s.Closed = true
	return nil
}

// Ran reports whether any command starting with prefix was run.
func (s *FakeSession) Ran(prefix string) bool {
	for _, c := range s.Commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
