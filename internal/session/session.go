// Package session starts runs: it checks preconditions, clears the output
// directory, records the run and streams the orchestrator's updates while
// persisting them.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpataki/autodev/internal/agent"
	"github.com/mpataki/autodev/internal/config"
	"github.com/mpataki/autodev/internal/llm"
	"github.com/mpataki/autodev/internal/lua"
	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/orchestrator"
	"github.com/mpataki/autodev/internal/sandbox"
	"github.com/mpataki/autodev/internal/storage"
	"github.com/mpataki/autodev/internal/team"
	"github.com/mpataki/autodev/internal/tools"
	"github.com/mpataki/autodev/internal/workspace"
	"go.uber.org/zap"
)

var (
	ErrEmptyTask          = errors.New("task must not be empty")
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
	ErrConsumed           = errors.New("session updates already consumed")
)

type Deps struct {
	Team        *team.Team
	Credentials config.Credentials
	Sandbox     sandbox.Provider
	Workspace   *workspace.Workspace
	Storage     *storage.Storage

	// Optional. Built from Credentials and Team when nil.
	Clients  *llm.Clients
	Searcher tools.Searcher
	Router   orchestrator.Router

	ExecTimeout    time.Duration
	InstallTimeout time.Duration
	Logger         *zap.Logger
}

type Driver struct {
	deps   Deps
	logger *zap.Logger
}

func NewDriver(deps Deps) *Driver {
	if deps.Team == nil {
		deps.Team = team.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{deps: deps, logger: logger}
}

// Preflight checks the team, credentials and the sandbox without starting
// a run.
func (d *Driver) Preflight(ctx context.Context) error {
	if err := team.Validate(d.deps.Team); err != nil {
		return fmt.Errorf("invalid team %q: %w", d.deps.Team.Name, err)
	}
	if err := d.deps.Credentials.Validate(d.deps.Team.Providers()...); err != nil {
		return err
	}
	return d.CheckSandbox(ctx)
}

func (d *Driver) CheckSandbox(ctx context.Context) error {
	if err := d.deps.Sandbox.Check(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}
	return nil
}

// Start validates the task and the environment, clears the output of the
// previous run and records a new run. Nothing runs until Updates is
// consumed.
func (d *Driver) Start(ctx context.Context, task string) (*Session, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, ErrEmptyTask
	}
	if err := d.Preflight(ctx); err != nil {
		return nil, err
	}

	orch, err := d.build()
	if err != nil {
		return nil, err
	}

	ws := d.deps.Workspace
	if err := ws.Reset(); err != nil {
		return nil, err
	}

	run := &models.Run{
		Task:      task,
		TeamName:  d.deps.Team.Name,
		OutputDir: ws.OutputPath(),
		Status:    models.RunStatusRunning,
		Stage:     string(orchestrator.StageStart),
	}
	id, err := d.deps.Storage.CreateRun(run)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	run.ID = id

	if err := ws.WriteRunMetadata(&workspace.RunMetadata{
		RunID:     run.ID,
		TeamName:  run.TeamName,
		Task:      task,
		StartedAt: time.Now(),
	}); err != nil {
		return nil, err
	}

	d.logger.Info("run started", zap.Int64("run_id", run.ID), zap.String("team", run.TeamName))

	return &Session{
		ctx:    ctx,
		run:    run,
		orch:   orch,
		store:  d.deps.Storage,
		ws:     ws,
		logger: d.logger.With(zap.Int64("run_id", run.ID)),
	}, nil
}

func (d *Driver) build() (*orchestrator.Orchestrator, error) {
	t := d.deps.Team

	clients := d.deps.Clients
	if clients == nil {
		var err error
		clients, err = llm.NewClients(d.deps.Credentials, t.Providers(), d.logger)
		if err != nil {
			return nil, err
		}
	}

	searcher := d.deps.Searcher
	if searcher == nil {
		searcher = tools.NewTavilyClient(d.deps.Credentials.Tavily)
	}

	ws := d.deps.Workspace
	outDir, err := filepath.Rel(ws.Root, ws.OutputPath())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory: %w", err)
	}

	available := []tools.Tool{
		tools.NewFileTool(ws.Root),
		tools.NewSearchTool(searcher, t.Settings.SearchMaxResults),
		tools.NewCodeTool(d.deps.Sandbox, d.deps.ExecTimeout, d.deps.InstallTimeout, d.logger),
	}

	agents, err := agent.Build(t, agent.Deps{
		Clients:   clients,
		Tools:     available,
		Root:      ws.Root,
		OutputDir: filepath.ToSlash(outDir),
		Logger:    d.logger,
	})
	if err != nil {
		return nil, err
	}

	router, err := d.router(clients)
	if err != nil {
		return nil, err
	}

	return orchestrator.New(agents, router, d.logger)
}

func (d *Driver) router(clients *llm.Clients) (orchestrator.Router, error) {
	if d.deps.Router != nil {
		return d.deps.Router, nil
	}

	def := d.deps.Team.Router
	if def.Script != "" {
		if !lua.IsScript(def.Script) {
			return nil, fmt.Errorf("router script %s is not a .lua file", def.Script)
		}
		r, err := lua.Load(def.Script, d.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load router script: %w", err)
		}
		return r, nil
	}

	client, err := clients.Get(def.Provider)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	return orchestrator.NewModelRouter(client, def.Model, d.logger), nil
}

// Session is one started run.
type Session struct {
	ctx    context.Context
	run    *models.Run
	orch   *orchestrator.Orchestrator
	store  *storage.Storage
	ws     *workspace.Workspace
	logger *zap.Logger

	consumed bool
	history  models.History
	reports  []orchestrator.ExecutionReport
	current  *models.Execution
}

func (s *Session) Run() *models.Run { return s.run }

// Updates drives the run. It can be consumed once; stopping early marks
// the run failed.
func (s *Session) Updates() iter.Seq2[orchestrator.Update, error] {
	return func(yield func(orchestrator.Update, error) bool) {
		if s.consumed {
			yield(orchestrator.Update{}, ErrConsumed)
			return
		}
		s.consumed = true

		for u, err := range s.orch.Stream(s.ctx, s.run.Task) {
			if err != nil {
				s.finish(models.RunStatusFailed, err.Error())
				yield(u, err)
				return
			}

			s.record(u)

			if u.Final {
				status, reason := s.outcome()
				s.finish(status, reason)
			}

			if !yield(u, nil) {
				if s.run.CompletedAt == nil {
					s.finish(models.RunStatusFailed, "stopped before completion")
				}
				return
			}
		}
	}
}

// Wait drains Updates.
func (s *Session) Wait() error {
	for _, err := range s.Updates() {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) History() models.History {
	return s.history.Append()
}

func (s *Session) Reports() []orchestrator.ExecutionReport {
	return append([]orchestrator.ExecutionReport(nil), s.reports...)
}

func (s *Session) Artifacts() (*workspace.Bundle, error) {
	return s.ws.ReadBundle()
}

// record persists u. Storage failures are logged; the run itself goes on.
func (s *Session) record(u orchestrator.Update) {
	s.history = s.history.Append(u.Messages...)

	if err := s.store.AppendMessages(s.run.ID, u.Node, string(u.Stage), u.Messages...); err != nil {
		s.logger.Error("failed to store messages", zap.Error(err))
	}

	if string(u.Stage) != s.run.Stage {
		s.run.Stage = string(u.Stage)
		if err := s.store.UpdateRun(s.run); err != nil {
			s.logger.Error("failed to update run stage", zap.Error(err))
		}
	}

	for _, m := range u.Messages {
		if m.Handoff != nil && m.Handoff.Kind == models.HandoffDelegate {
			s.startExecution(m.Handoff.To, string(u.Stage))
		}
	}

	if u.Report != nil {
		s.reports = append(s.reports, *u.Report)
		s.finishExecution(u.Report)
	}
}

func (s *Session) startExecution(agentName, stage string) {
	now := time.Now()
	exec := &models.Execution{
		RunID:       s.run.ID,
		AgentName:   agentName,
		Stage:       stage,
		Status:      models.ExecStatusRunning,
		SequenceNum: len(s.reports) + 1,
		StartedAt:   &now,
	}
	id, err := s.store.CreateExecution(exec)
	if err != nil {
		s.logger.Error("failed to create execution", zap.String("agent", agentName), zap.Error(err))
		s.current = nil
		return
	}
	exec.ID = id
	s.current = exec
}

func (s *Session) finishExecution(rep *orchestrator.ExecutionReport) {
	exec := s.current
	s.current = nil
	if exec == nil || exec.AgentName != rep.Agent {
		return
	}

	finished := rep.FinishedAt
	exec.StartedAt = &rep.StartedAt
	exec.CompletedAt = &finished
	exec.Turns = rep.Turns
	exec.ToolCalls = rep.ToolCalls
	exec.PhraseSeen = rep.PhraseSeen
	exec.Summary = rep.Summary
	exec.Error = rep.Err

	switch {
	case rep.Completed:
		exec.Status = models.ExecStatusComplete
	case rep.Exhausted:
		exec.Status = models.ExecStatusExhausted
	default:
		exec.Status = models.ExecStatusFailed
		if exec.Error == "" {
			exec.Error = "returned without completing"
		}
	}

	if err := s.store.UpdateExecution(exec); err != nil {
		s.logger.Error("failed to update execution", zap.String("agent", rep.Agent), zap.Error(err))
	}
}

// outcome grades a finished run: complete when every agent met its
// contract and every artifact exists, degraded otherwise.
func (s *Session) outcome() (models.RunStatus, string) {
	var problems []string
	for _, r := range s.reports {
		if !r.Completed {
			problems = append(problems, r.Agent+" did not complete")
		}
	}

	bundle, err := s.ws.ReadBundle()
	if err != nil {
		problems = append(problems, err.Error())
	} else if missing := bundle.Missing(); len(missing) > 0 {
		problems = append(problems, "missing "+strings.Join(missing, ", "))
	}

	if len(problems) == 0 {
		return models.RunStatusComplete, ""
	}
	return models.RunStatusDegraded, strings.Join(problems, "; ")
}

func (s *Session) finish(status models.RunStatus, reason string) {
	now := time.Now()
	s.run.Status = status
	s.run.Error = reason
	s.run.CompletedAt = &now
	if err := s.store.UpdateRun(s.run); err != nil {
		s.logger.Error("failed to update run", zap.Error(err))
	}

	fields := []zap.Field{zap.String("status", string(status))}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	s.logger.Info("run finished", fields...)
}
