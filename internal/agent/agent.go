// Package agent runs the bounded reasoning loop of a role agent and holds
// the four role definitions of the pipeline.
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mpataki/autodev/internal/llm"
	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Definition is fixed when the agent is built and never changes for the
// lifetime of a run.
type Definition struct {
	Name        string
	Provider    string
	Model       string
	Instruction string
	Tools       []tools.Name
	TurnBudget  int
	Temperature *float64
}

// Contract is what a role must leave behind to count as finished.
type Contract struct {
	Phrase string
	// Artifacts are paths that must be written during the delegation.
	Artifacts []string
	// View condenses the shared history into the role's opening message.
	View func(h models.History) string
}

// Result reports one delegation back to the supervisor.
type Result struct {
	Agent string
	// History is the input history extended with Messages.
	History    models.History
	Messages   []models.Message
	Turns      int
	ToolCalls  int
	Exhausted  bool
	Completed  bool
	PhraseSeen bool
	Summary    string
	Written    []string
	// Err is a model failure that ended the loop early. It is soft.
	Err error
}

// Emit receives every message the agent appends. Returning false stops the
// agent after the current step.
type Emit func(models.Message) bool

type Agent struct {
	def       Definition
	contract  Contract
	client    llm.Client
	available []tools.Tool
	root      string
	policy    func() policy
	logger    *zap.Logger
}

func New(def Definition, contract Contract, client llm.Client, available []tools.Tool, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		def:       def,
		contract:  contract,
		client:    client,
		available: available,
		logger:    logger.With(zap.String("agent", def.Name)),
	}
}

func (a *Agent) Name() string { return a.def.Name }

func (a *Agent) Definition() Definition { return a.def }

func (a *Agent) Contract() Contract { return a.contract }

type loopState int

const (
	awaitingModel loopState = iota
	runningTools
	finalAnswer
	budgetExhausted
	modelFailed
	consumerGone
)

// Invoke runs the reasoning loop against history. It never modifies
// history; the extension is returned in the result.
func (a *Agent) Invoke(ctx context.Context, history models.History, emit Emit) (*Result, error) {
	ctx, span := otel.Tracer("autodev/agent").Start(ctx, "agent "+a.def.Name)
	defer span.End()

	var pol policy = noPolicy{}
	if a.policy != nil {
		pol = a.policy()
	}

	written := map[string]bool{}
	var order []string
	mw := append(pol.middleware(), tools.OnWrite(a.root, func(p string) {
		if !written[p] {
			written[p] = true
			order = append(order, p)
		}
	}))

	set, err := tools.NewSet(a.available, a.def.Tools, mw...)
	if err != nil {
		return nil, fmt.Errorf("failed to build tool set for %s: %w", a.def.Name, err)
	}
	var specs []models.ToolSpec
	if set.Len() > 0 {
		specs = set.Specs()
	}

	res := &Result{Agent: a.def.Name}
	local := []models.Message{models.UserMessage(a.contract.View(history))}
	var pending []models.ToolCall

	appendMsg := func(m models.Message) bool {
		local = append(local, m)
		res.Messages = append(res.Messages, m)
		if emit != nil && !emit(m.Clone()) {
			return false
		}
		return true
	}

	state := awaitingModel
loop:
	for {
		switch state {
		case awaitingModel:
			if res.Turns >= a.def.TurnBudget {
				state = budgetExhausted
				continue
			}

			resp, err := a.client.Chat(ctx, &llm.Request{
				Model:       a.def.Model,
				System:      a.def.Instruction,
				Messages:    local,
				Tools:       specs,
				Temperature: a.def.Temperature,
			})
			res.Turns++
			if err != nil {
				res.Err = err
				state = modelFailed
				continue
			}

			msg := resp.Message
			msg.Role = models.RoleAssistant
			msg.Name = a.def.Name
			if !appendMsg(msg) {
				state = consumerGone
				continue
			}

			if len(msg.ToolCalls) > 0 {
				pending = msg.ToolCalls
				state = runningTools
			} else {
				state = finalAnswer
			}

		case runningTools:
			stopped := false
			for _, call := range pending {
				out := set.Call(ctx, call)
				res.ToolCalls++
				a.logger.Debug("tool call",
					zap.String("tool", call.Name),
					zap.Bool("failed", out.Failed()),
					zap.Duration("duration", out.Duration))
				if !appendMsg(toolMessage(call, out)) {
					stopped = true
					break
				}
			}
			pending = nil
			if stopped {
				state = consumerGone
			} else {
				state = awaitingModel
			}

		default:
			break loop
		}
	}

	switch state {
	case budgetExhausted:
		res.Exhausted = true
		a.logger.Warn("turn budget exhausted", zap.Int("turns", res.Turns))
	case modelFailed:
		a.logger.Warn("model call failed", zap.Error(res.Err))
	}

	if state != consumerGone {
		for _, m := range pol.finish(ctx, set, written) {
			if !appendMsg(m) {
				break
			}
		}
	}

	res.Written = order
	res.PhraseSeen = a.phraseSeen(res.Messages)
	res.Completed = a.completed(res.PhraseSeen, written)
	res.Summary = a.summary(res.Messages)
	res.History = history.Append(res.Messages...)

	span.SetAttributes(
		attribute.Int("agent.turns", res.Turns),
		attribute.Int("agent.tool_calls", res.ToolCalls),
		attribute.Bool("agent.completed", res.Completed),
		attribute.Bool("agent.exhausted", res.Exhausted),
	)

	return res, nil
}

func toolMessage(call models.ToolCall, out models.ToolResult) models.Message {
	return models.Message{
		Role:       models.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    out.Text(),
		Result:     &out,
	}
}

func (a *Agent) phraseSeen(msgs []models.Message) bool {
	if a.contract.Phrase == "" {
		return false
	}
	re := phrasePattern(a.contract.Phrase)
	for _, m := range msgs {
		if m.Role == models.RoleAssistant && re.MatchString(m.Content) {
			return true
		}
	}
	return false
}

// completed is structural for roles that produce artifacts and falls back
// to the confirmation phrase for the rest.
func (a *Agent) completed(phraseSeen bool, written map[string]bool) bool {
	if len(a.contract.Artifacts) == 0 {
		return phraseSeen
	}
	for _, p := range a.contract.Artifacts {
		if !written[tools.CleanPath(p)] {
			return false
		}
	}
	return true
}

// summary is the agent's latest non-empty text answer with the
// confirmation phrase removed.
func (a *Agent) summary(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != models.RoleAssistant || len(m.ToolCalls) > 0 {
			continue
		}
		text := m.Content
		if a.contract.Phrase != "" {
			text = phrasePattern(a.contract.Phrase).ReplaceAllString(text, "")
		}
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return ""
}

// phrasePattern matches phrase case-insensitively, ignoring the trailing
// period models tend to drop or add.
func phrasePattern(phrase string) *regexp.Regexp {
	core := strings.TrimSuffix(strings.TrimSpace(phrase), ".")
	return regexp.MustCompile(`(?i)` + regexp.QuoteMeta(core) + `\.?`)
}
