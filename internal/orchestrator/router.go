package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/mpataki/autodev/internal/llm"
	"github.com/mpataki/autodev/internal/models"
	"go.uber.org/zap"
)

type DecisionKind string

const (
	Delegate DecisionKind = "delegate"
	Finish   DecisionKind = "finish"
)

type Decision struct {
	Kind  DecisionKind
	Agent string
	// Message is the router's own text: a note on delegation, the final
	// confirmation on finish.
	Message string
}

// RouterState is what a router observes before each decision.
type RouterState struct {
	Task    string
	Stage   Stage
	History models.History
	Reports []ExecutionReport
}

// Expected is the single legal decision from the current stage.
func (s RouterState) Expected() Decision {
	next := s.Stage.Next()
	if next == StageDone {
		return Decision{Kind: Finish}
	}
	return Decision{Kind: Delegate, Agent: next.Agent()}
}

type Router interface {
	Decide(ctx context.Context, state RouterState) (Decision, error)
}

const transferPrefix = "transfer_to_"

const routerInstruction = `You are the project manager of a software team. You never write code or call work tools yourself; you only hand the work to the right team member.

The workflow is fixed:
1. planner_agent turns the request into a plan.
2. backend_agent builds and saves the backend from the plan.
3. frontend_agent builds the frontend from the backend summary.
4. qa_agent writes the tests and the README from the backend summary.

Call the transfer tool of the next team member. Once qa_agent has finished, do not call any tool; reply with a short final confirmation for the user listing what was produced.`

// ModelRouter asks a model which agent runs next through one transfer
// tool per agent.
type ModelRouter struct {
	client llm.Client
	model  string
	agents []string
	logger *zap.Logger
}

func NewModelRouter(client llm.Client, model string, logger *zap.Logger) *ModelRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelRouter{client: client, model: model, agents: models.PipelineAgents, logger: logger}
}

func (r *ModelRouter) Decide(ctx context.Context, state RouterState) (Decision, error) {
	var specs []models.ToolSpec
	for _, a := range r.agents {
		specs = append(specs, models.ToolSpec{
			Name:        transferPrefix + a,
			Description: fmt.Sprintf("Hand the work to %s.", a),
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		})
	}

	resp, err := r.client.Chat(ctx, &llm.Request{
		Model:    r.model,
		System:   routerInstruction,
		Messages: []models.Message{models.UserMessage(routerView(state))},
		Tools:    specs,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("routing model: %w", err)
	}

	msg := resp.Message
	for _, tc := range msg.ToolCalls {
		if agent, ok := strings.CutPrefix(tc.Name, transferPrefix); ok {
			return Decision{Kind: Delegate, Agent: agent, Message: strings.TrimSpace(msg.Content)}, nil
		}
		r.logger.Warn("router called an unknown tool", zap.String("tool", tc.Name))
	}

	return Decision{Kind: Finish, Message: strings.TrimSpace(msg.Content)}, nil
}

// routerView condenses the run so far for a router.
func routerView(state RouterState) string {
	var b strings.Builder
	b.WriteString("User request:\n")
	b.WriteString(state.Task)
	b.WriteString("\n\n---\nProgress:\n")

	if len(state.Reports) == 0 {
		b.WriteString("- nothing has been delegated yet\n")
	}
	for _, rep := range state.Reports {
		status := "finished"
		switch {
		case rep.Exhausted:
			status = "ran out of turns"
		case !rep.Completed:
			status = "returned without completing"
		}
		fmt.Fprintf(&b, "- %s %s", rep.Agent, status)
		if len(rep.Written) > 0 {
			fmt.Fprintf(&b, " (saved %s)", strings.Join(rep.Written, ", "))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n---\nCurrent stage: %s", state.Stage)
	return b.String()
}
