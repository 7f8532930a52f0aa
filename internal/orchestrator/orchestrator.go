// Package orchestrator drives a run through the pipeline stages, handing
// the shared history to one role agent at a time.
package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/mpataki/autodev/internal/agent"
	"github.com/mpataki/autodev/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ExecutionReport describes one delegation once the agent has returned.
type ExecutionReport struct {
	Agent      string
	Stage      Stage
	Sequence   int
	Turns      int
	ToolCalls  int
	Completed  bool
	Exhausted  bool
	PhraseSeen bool
	Summary    string
	Written    []string
	Err        string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Update is one increment of a run. Node is the supervisor or the agent
// that produced Messages.
type Update struct {
	Node     string
	Stage    Stage
	Messages []models.Message
	// Report is set on the update that closes a delegation.
	Report *ExecutionReport
	// Final is set on the last update of a finished run.
	Final bool
}

const defaultConfirmation = "All tasks are complete. The frontend, backend, tests and README are in the output directory."

type Orchestrator struct {
	agents map[string]*agent.Agent
	router Router
	logger *zap.Logger
}

func New(agents []*agent.Agent, router Router, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]*agent.Agent, len(agents))
	for _, a := range agents {
		byName[a.Name()] = a
	}
	for _, name := range models.PipelineAgents {
		if byName[name] == nil {
			return nil, fmt.Errorf("missing agent %s", name)
		}
	}
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	return &Orchestrator{agents: byName, router: router, logger: logger}, nil
}

// Stream runs task through the pipeline. It yields the task message, both
// handoff markers of every delegation with the agent's messages between
// them, and the final confirmation. Stopping the iteration stops the run
// after the current step.
func (o *Orchestrator) Stream(ctx context.Context, task string) iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		ctx, span := otel.Tracer("autodev/orchestrator").Start(ctx, "run",
			trace.WithAttributes(attribute.Int("run.task_chars", len(task))))
		defer span.End()

		taskMsg := models.UserMessage(task)
		history := models.History{}.Append(taskMsg)
		if !yield(Update{Node: "user", Stage: StageStart, Messages: []models.Message{taskMsg}}, nil) {
			return
		}

		stage := StageStart
		var reports []ExecutionReport

		for stage != StageDone {
			if err := ctx.Err(); err != nil {
				yield(Update{Stage: stage}, err)
				return
			}

			state := RouterState{Task: task, Stage: stage, History: history, Reports: reports}
			decision := o.decide(ctx, state)

			if decision.Kind == Finish {
				msg := models.Message{
					Role:    models.RoleAssistant,
					Name:    models.SupervisorName,
					Content: decision.Message,
				}
				if msg.Content == "" {
					msg.Content = defaultConfirmation
				}
				history = history.Append(msg)
				span.SetAttributes(attribute.Int("run.delegations", len(reports)))
				yield(Update{Node: models.SupervisorName, Stage: StageDone, Messages: []models.Message{msg}, Final: true}, nil)
				return
			}

			next := stage.Next()
			report, updated, ok := o.delegate(ctx, next, decision, history, len(reports)+1, yield)
			if !ok {
				return
			}
			history = updated
			reports = append(reports, *report)
			stage = next
		}
	}
}

// decide consults the router and corrects anything other than the one
// legal transition.
func (o *Orchestrator) decide(ctx context.Context, state RouterState) Decision {
	expected := state.Expected()

	d, err := o.router.Decide(ctx, state)
	if err != nil {
		o.logger.Warn("router failed, following the pipeline",
			zap.String("stage", string(state.Stage)),
			zap.Error(err))
		return expected
	}

	if d.Kind != expected.Kind || d.Agent != expected.Agent {
		o.logger.Warn("router deviated from the pipeline, correcting",
			zap.String("stage", string(state.Stage)),
			zap.String("decided", string(d.Kind)+" "+d.Agent),
			zap.String("expected", string(expected.Kind)+" "+expected.Agent))
		if expected.Kind == Finish {
			return expected
		}
		return Decision{Kind: Delegate, Agent: expected.Agent}
	}
	return d
}

func (o *Orchestrator) delegate(
	ctx context.Context,
	stage Stage,
	decision Decision,
	history models.History,
	seq int,
	yield func(Update, error) bool,
) (*ExecutionReport, models.History, bool) {
	name := stage.Agent()
	a := o.agents[name]

	content := fmt.Sprintf("Transferring to %s.", name)
	if decision.Message != "" {
		content = decision.Message + "\n\n" + content
	}
	marker := models.Message{
		Role:    models.RoleAssistant,
		Name:    models.SupervisorName,
		Content: content,
		Handoff: &models.Handoff{
			Kind:  models.HandoffDelegate,
			From:  models.SupervisorName,
			To:    name,
			Stage: string(stage),
		},
	}
	history = history.Append(marker)
	if !yield(Update{Node: models.SupervisorName, Stage: stage, Messages: []models.Message{marker}}, nil) {
		return nil, nil, false
	}

	o.logger.Info("delegating", zap.String("agent", name), zap.String("stage", string(stage)))

	ctx, span := otel.Tracer("autodev/orchestrator").Start(ctx, "delegate "+name,
		trace.WithAttributes(attribute.String("stage", string(stage)), attribute.Int("sequence", seq)))
	defer span.End()

	report := &ExecutionReport{Agent: name, Stage: stage, Sequence: seq, StartedAt: time.Now()}
	stopped := false
	res, err := a.Invoke(ctx, history, func(m models.Message) bool {
		if !yield(Update{Node: name, Stage: stage, Messages: []models.Message{m}}, nil) {
			stopped = true
			return false
		}
		return true
	})
	if stopped {
		return nil, nil, false
	}
	if err != nil {
		yield(Update{Node: name, Stage: stage}, err)
		return nil, nil, false
	}

	report.FinishedAt = time.Now()
	report.Turns = res.Turns
	report.ToolCalls = res.ToolCalls
	report.Completed = res.Completed
	report.Exhausted = res.Exhausted
	report.PhraseSeen = res.PhraseSeen
	report.Summary = res.Summary
	report.Written = res.Written
	if res.Err != nil {
		report.Err = res.Err.Error()
	}

	if !res.Completed {
		o.logger.Warn("agent returned without completing its contract, advancing",
			zap.String("agent", name),
			zap.Bool("exhausted", res.Exhausted),
			zap.Bool("phrase_seen", res.PhraseSeen),
			zap.Strings("written", res.Written))
	}

	back := models.Message{
		Role:    models.RoleAssistant,
		Name:    name,
		Content: "Transferring back to supervisor.",
		Handoff: &models.Handoff{
			Kind:      models.HandoffReturn,
			From:      name,
			To:        models.SupervisorName,
			Stage:     string(stage),
			Summary:   res.Summary,
			Completed: res.Completed,
		},
	}
	history = res.History.Append(back)
	if !yield(Update{Node: name, Stage: stage, Messages: []models.Message{back}, Report: report}, nil) {
		return nil, nil, false
	}

	return report, history, true
}

// Run drains Stream and returns the full transcript.
func (o *Orchestrator) Run(ctx context.Context, task string) (models.History, []ExecutionReport, error) {
	var history models.History
	var reports []ExecutionReport
	for u, err := range o.Stream(ctx, task) {
		if err != nil {
			return history, reports, err
		}
		history = history.Append(u.Messages...)
		if u.Report != nil {
			reports = append(reports, *u.Report)
		}
	}
	return history, reports, nil
}
