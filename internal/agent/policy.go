package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/tools"
)

// policy holds per-delegation rules a role imposes on its own tool use.
type policy interface {
	middleware() []tools.Middleware
	// finish runs after the loop and may append messages of its own.
	finish(ctx context.Context, set *tools.Set, written map[string]bool) []models.Message
}

type noPolicy struct{}

func (noPolicy) middleware() []tools.Middleware { return nil }

func (noPolicy) finish(context.Context, *tools.Set, map[string]bool) []models.Message { return nil }

// repairPolicy bounds the backend's execute-and-fix loop: one run plus
// retries, a single save of the target file, and a save of the last
// executed script when the model never saves.
type repairPolicy struct {
	agent   string
	root    string
	target  string
	retries int

	runs       int
	saves      int
	lastScript string
}

func newRepairPolicy(agent, root, target string, retries int) *repairPolicy {
	return &repairPolicy{agent: agent, root: root, target: tools.CleanPath(target), retries: retries}
}

func (p *repairPolicy) maxRuns() int { return 1 + p.retries }

func (p *repairPolicy) middleware() []tools.Middleware {
	return []tools.Middleware{p.limitRuns, p.singleSave}
}

func (p *repairPolicy) limitRuns(next tools.Handler) tools.Handler {
	return func(ctx context.Context, call models.ToolCall) models.ToolResult {
		if call.Name != string(tools.RunCode) {
			return next(ctx, call)
		}
		args, err := tools.ParseRunCodeArgs(call.Arguments)
		if err != nil {
			return next(ctx, call)
		}
		if p.runs >= p.maxRuns() {
			return models.ToolResult{Error: fmt.Sprintf(
				"Error: Execution limit reached (%d attempts). Do not run the code again. Save the current code as-is with manage_file to '%s'.",
				p.maxRuns(), p.target)}
		}
		p.runs++
		if tools.IsScript(args.Code) {
			p.lastScript = args.Code
		}
		return next(ctx, call)
	}
}

func (p *repairPolicy) singleSave(next tools.Handler) tools.Handler {
	return func(ctx context.Context, call models.ToolCall) models.ToolResult {
		if call.Name != string(tools.ManageFile) {
			return next(ctx, call)
		}
		args, err := tools.ParseManageFileArgs(call.Arguments)
		if err != nil || args.Mode == "read" || tools.WorkspacePath(p.root, args.Filepath) != p.target {
			return next(ctx, call)
		}
		if p.saves > 0 {
			return models.ToolResult{Error: fmt.Sprintf("Error: '%s' has already been saved. Do not save it again.", p.target)}
		}
		res := next(ctx, call)
		if !res.Failed() {
			p.saves++
		}
		return res
	}
}

func (p *repairPolicy) finish(ctx context.Context, set *tools.Set, written map[string]bool) []models.Message {
	if written[p.target] || p.lastScript == "" || !set.Has(tools.ManageFile) {
		return nil
	}

	content := p.lastScript
	args, _ := json.Marshal(tools.ManageFileArgs{Filepath: p.target, Mode: "write", Content: &content})
	call := models.ToolCall{ID: "fallback_save", Name: string(tools.ManageFile), Arguments: args}

	announce := models.Message{
		Role:      models.RoleAssistant,
		Name:      p.agent,
		Content:   "Saving the last executed code as-is.",
		ToolCalls: []models.ToolCall{call},
	}
	return []models.Message{announce, toolMessage(call, set.Call(ctx, call))}
}
