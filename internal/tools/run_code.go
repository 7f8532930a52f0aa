package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/sandbox"
	"go.uber.org/zap"
)

const (
	scriptPath = "/home/user/script.py"

	DefaultExecTimeout    = 120 * time.Second
	DefaultInstallTimeout = 300 * time.Second
)

type RunCodeArgs struct {
	Code         string   `json:"code"`
	Dependencies []string `json:"dependencies,omitempty"`
}

func (a RunCodeArgs) Validate() error {
	if strings.TrimSpace(a.Code) == "" {
		return errors.New("Error: code is required.")
	}
	for _, d := range a.Dependencies {
		if strings.TrimSpace(d) == "" || strings.ContainsAny(d, ";&|`$\n") {
			return fmt.Errorf("Error: Invalid dependency name %q.", d)
		}
	}
	return nil
}

// IsScript reports whether code should be saved to a file and run with
// python rather than executed as a shell command. The heuristic misses
// single-line Python and treats marker-bearing shell scripts as Python.
func IsScript(code string) bool {
	if !strings.Contains(code, "\n") {
		return false
	}
	return strings.Contains(code, "import ") || strings.Contains(code, "def ") || strings.Contains(code, "print(")
}

type CodeTool struct {
	provider       sandbox.Provider
	execTimeout    time.Duration
	installTimeout time.Duration
	logger         *zap.Logger
}

func NewCodeTool(p sandbox.Provider, execTimeout, installTimeout time.Duration, logger *zap.Logger) *CodeTool {
	if execTimeout <= 0 {
		execTimeout = DefaultExecTimeout
	}
	if installTimeout <= 0 {
		installTimeout = DefaultInstallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CodeTool{provider: p, execTimeout: execTimeout, installTimeout: installTimeout, logger: logger}
}

func (t *CodeTool) Name() Name { return RunCode }

func (t *CodeTool) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        string(RunCode),
		Description: "Executes Python code or a shell command in a fresh isolated sandbox, installing the given pip dependencies first. Multi-line Python is saved to a file and run with python.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code":         map[string]any{"type": "string", "description": "Python source or a shell command."},
				"dependencies": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "pip packages to install before running."},
			},
			"required": []string{"code"},
		},
	}
}

// ParseRunCodeArgs decodes and validates run_code arguments.
func ParseRunCodeArgs(raw json.RawMessage) (RunCodeArgs, error) {
	var args RunCodeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return args, err
	}
	return args, args.Validate()
}

func (t *CodeTool) Call(ctx context.Context, raw json.RawMessage) models.ToolResult {
	args, err := ParseRunCodeArgs(raw)
	if err != nil {
		return errorResult(err)
	}
	return t.Run(ctx, args)
}

// Run executes args in a sandbox acquired for this call alone.
func (t *CodeTool) Run(ctx context.Context, args RunCodeArgs) models.ToolResult {
	start := time.Now()

	internal := func(phase string, err error) models.ToolResult {
		t.logger.Warn("run_code failed", zap.String("phase", phase), zap.Error(err))
		return models.ToolResult{Error: err.Error(), Phase: phase, Duration: time.Since(start)}
	}

	sess, err := t.provider.Acquire(ctx)
	if err != nil {
		return internal("setup", err)
	}
	defer func() {
		if err := sess.Close(context.Background()); err != nil {
			t.logger.Warn("failed to release sandbox", zap.Error(err))
		}
	}()

	if len(args.Dependencies) > 0 {
		install, err := sess.Run(ctx, "pip install --quiet "+strings.Join(args.Dependencies, " "), t.installTimeout)
		if err != nil {
			return internal("install", err)
		}
		if install.ExitCode != 0 {
			return models.ToolResult{
				Stdout:   install.Stdout,
				Stderr:   install.Stderr,
				ExitCode: models.IntPtr(install.ExitCode),
				Error:    "Dependency installation failed.",
				Phase:    "install",
				Duration: time.Since(start),
			}
		}
	}

	command := args.Code
	if IsScript(args.Code) {
		if err := sess.WriteFile(ctx, scriptPath, []byte(args.Code)); err != nil {
			return internal("setup", err)
		}
		command = "python " + scriptPath
	}

	exec, err := sess.Run(ctx, command, t.execTimeout)
	if err != nil {
		return internal("execute", err)
	}

	return models.ToolResult{
		Stdout:   exec.Stdout,
		Stderr:   exec.Stderr,
		ExitCode: models.IntPtr(exec.ExitCode),
		Phase:    "execute",
		Duration: time.Since(start),
	}
}
