// Package lua runs routing scripts that pick the next agent of a run.
//
// A script defines route(state) and returns either the name of the agent
// to delegate to, delegate(agent, note), or finish(message). The
// orchestrator still enforces the stage order, so a script can only make
// the pipeline chattier, not reorder it.
package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/mpataki/autodev/internal/orchestrator"
)

// Router implements orchestrator.Router with a Lua script. The script is
// compiled once; every decision runs in a fresh state.
type Router struct {
	name   string
	proto  *lua.FunctionProto
	logger *zap.Logger
}

func Load(path string, logger *zap.Logger) (*Router, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return Compile(filepath.Base(path), string(script), logger)
}

func Compile(name, script string, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	chunk, err := parse.Parse(strings.NewReader(script), name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}

	r := &Router{name: name, proto: proto, logger: logger.With(zap.String("script", name))}

	// Fail at load time rather than on the first decision.
	L := r.newState(context.Background())
	defer L.Close()
	if err := r.load(L); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) newState(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	L.SetContext(ctx)
	openSafeLibs(L)
	r.registerAPI(L)
	return L
}

func (r *Router) load(L *lua.LState) error {
	L.Push(L.NewFunctionFromProto(r.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}
	if _, ok := L.GetGlobal("route").(*lua.LFunction); !ok {
		return fmt.Errorf("script must define a 'route' function")
	}
	return nil
}

func (r *Router) Decide(ctx context.Context, state orchestrator.RouterState) (orchestrator.Decision, error) {
	L := r.newState(ctx)
	defer L.Close()

	if err := r.load(L); err != nil {
		return orchestrator.Decision{}, err
	}

	L.Push(L.GetGlobal("route"))
	L.Push(stateToTable(L, state))
	if err := L.PCall(1, 1, nil); err != nil {
		return orchestrator.Decision{}, fmt.Errorf("route failed: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	return toDecision(ret)
}

func toDecision(v lua.LValue) (orchestrator.Decision, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return orchestrator.Decision{Kind: orchestrator.Finish}, nil
	case lua.LString:
		return orchestrator.Decision{Kind: orchestrator.Delegate, Agent: string(val)}, nil
	case *lua.LTable:
		kind := lua.LVAsString(val.RawGetString("kind"))
		d := orchestrator.Decision{
			Kind:    orchestrator.DecisionKind(kind),
			Agent:   lua.LVAsString(val.RawGetString("agent")),
			Message: lua.LVAsString(val.RawGetString("message")),
		}
		if d.Kind != orchestrator.Delegate && d.Kind != orchestrator.Finish {
			return orchestrator.Decision{}, fmt.Errorf("route returned unknown kind %q", kind)
		}
		return d, nil
	default:
		return orchestrator.Decision{}, fmt.Errorf("route returned %s, want string, table or nil", v.Type())
	}
}

// openSafeLibs loads the deterministic subset of the standard libraries.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Router) registerAPI(L *lua.LState) {
	L.SetGlobal("delegate", L.NewFunction(luaDelegate))
	L.SetGlobal("finish", L.NewFunction(luaFinish))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaDelegate implements delegate(agent, note?)
func luaDelegate(L *lua.LState) int {
	tbl := L.NewTable()
	L.SetField(tbl, "kind", lua.LString(orchestrator.Delegate))
	L.SetField(tbl, "agent", lua.LString(L.CheckString(1)))
	L.SetField(tbl, "message", lua.LString(L.OptString(2, "")))
	L.Push(tbl)
	return 1
}

// luaFinish implements finish(message?)
func luaFinish(L *lua.LState) int {
	tbl := L.NewTable()
	L.SetField(tbl, "kind", lua.LString(orchestrator.Finish))
	L.SetField(tbl, "message", lua.LString(L.OptString(1, "")))
	L.Push(tbl)
	return 1
}

// luaLog implements log(message)
func (r *Router) luaLog(L *lua.LState) int {
	r.logger.Info(L.CheckString(1))
	return 0
}

func stateToTable(L *lua.LState, state orchestrator.RouterState) *lua.LTable {
	expected := state.Expected()

	tbl := L.NewTable()
	L.SetField(tbl, "task", lua.LString(state.Task))
	L.SetField(tbl, "stage", lua.LString(state.Stage))
	L.SetField(tbl, "next", lua.LString(expected.Agent))

	reports := L.NewTable()
	for _, rep := range state.Reports {
		written := make([]any, 0, len(rep.Written))
		for _, w := range rep.Written {
			written = append(written, w)
		}
		reports.Append(goToLua(L, map[string]any{
			"agent":      rep.Agent,
			"stage":      string(rep.Stage),
			"completed":  rep.Completed,
			"exhausted":  rep.Exhausted,
			"turns":      float64(rep.Turns),
			"tool_calls": float64(rep.ToolCalls),
			"summary":    rep.Summary,
			"written":    written,
			"error":      rep.Err,
		}))
	}
	L.SetField(tbl, "reports", reports)
	return tbl
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// IsScript reports whether path names a Lua routing script.
func IsScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
