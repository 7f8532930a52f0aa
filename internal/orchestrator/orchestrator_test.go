package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mpataki/autodev/internal/agent"
	"github.com/mpataki/autodev/internal/llm"
	"github.com/mpataki/autodev/internal/llm/llmtest"
	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/sandbox"
	"github.com/mpataki/autodev/internal/team"
	"github.com/mpataki/autodev/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const indiaTimeTask = "Build a FastAPI service that returns the current time in India and a web page that shows it."

const indiaTimePlan = `## Frontend
A page with a button that calls GET /time and shows the result.

## Backend
FastAPI app with GET /time returning {"time": "<ISO timestamp in Asia/Kolkata>"}.

plan passed successfully to supervisor.`

const indiaTimeBackend = "from fastapi import FastAPI\nfrom fastapi.middleware.cors import CORSMiddleware\nfrom datetime import datetime\nfrom zoneinfo import ZoneInfo\napp = FastAPI()\napp.add_middleware(CORSMiddleware, allow_origins=[\"*\"])\n@app.get('/time')\ndef time():\n    return {'time': datetime.now(ZoneInfo('Asia/Kolkata')).isoformat()}\nprint('ready')\n"

type fixture struct {
	root    string
	sandbox *sandbox.FakeProvider
	groq    *llmtest.Scripted
	cohere  *llmtest.Scripted
	google  *llmtest.Scripted
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		root:    t.TempDir(),
		sandbox: &sandbox.FakeProvider{},
		groq:    llmtest.NewScripted(llm.Groq),
		cohere:  llmtest.NewScripted(llm.Cohere),
		google:  llmtest.NewScripted(llm.Google),
	}

	tm := team.Default()
	agents, err := agent.Build(tm, agent.Deps{
		Clients: llm.NewStaticClients(f.groq, f.cohere, f.google),
		Root:    f.root,
		Tools: []tools.Tool{
			tools.NewFileTool(f.root),
			tools.NewSearchTool(noSearch{}, 3),
			tools.NewCodeTool(f.sandbox, 0, 0, nil),
		},
	})
	require.NoError(t, err)

	f.orch, err = New(agents, NewModelRouter(f.google, tm.Router.Model, nil), nil)
	require.NoError(t, err)
	return f
}

type noSearch struct{}

func (noSearch) Search(ctx context.Context, query string, n int) ([]tools.SearchResult, error) {
	return nil, nil
}

func transfer(agentName string) llmtest.Step {
	return llmtest.Call(transferPrefix+agentName, map[string]any{})
}

func write(path, content string) llmtest.Step {
	return llmtest.Call("manage_file", map[string]string{"filepath": path, "mode": "write", "content": content})
}

// scriptWorkers queues a well-behaved run for all four agents.
func (f *fixture) scriptWorkers() {
	f.cohere.Push(llmtest.Text(indiaTimePlan))
	f.groq.Push(
		// backend
		llmtest.Call("run_code", map[string]any{"code": indiaTimeBackend, "dependencies": []string{"fastapi", "uvicorn"}}),
		write("output/backend.py", indiaTimeBackend),
		llmtest.Text("Backend code saved successfully.\nGET /time on http://localhost:8000 returns {\"time\": \"...\"}."),
		// frontend
		write("output/index.html", "<html><script>fetch('http://localhost:8000/time')</script></html>"),
		llmtest.Text(agent.FrontendPhrase),
		// qa
		write("output/test_app.py", "from fastapi.testclient import TestClient\nfrom backend import app\n"),
		write("output/readme.md", "# India time\n"),
		llmtest.Text(agent.QAPhrase),
	)
}

func (f *fixture) scriptRouter() {
	f.google.Push(
		transfer(models.PlannerAgent),
		transfer(models.BackendAgent),
		transfer(models.FrontendAgent),
		transfer(models.QAAgent),
		llmtest.Text("The India time app is ready."),
	)
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, rel))
	require.NoError(t, err)
	return string(data)
}

func collect(t *testing.T, o *Orchestrator, task string) []Update {
	t.Helper()
	var out []Update
	for u, err := range o.Stream(context.Background(), task) {
		require.NoError(t, err)
		out = append(out, u)
	}
	return out
}

func TestStreamRunsThePipelineInOrder(t *testing.T) {
	f := newFixture(t)
	f.scriptWorkers()
	f.scriptRouter()

	updates := collect(t, f.orch, indiaTimeTask)
	require.NotEmpty(t, updates)

	assert.Equal(t, "user", updates[0].Node)
	assert.Equal(t, indiaTimeTask, updates[0].Messages[0].Content)

	var delegated []string
	var returned []string
	var reports []*ExecutionReport
	for _, u := range updates {
		for _, m := range u.Messages {
			if m.Handoff == nil {
				continue
			}
			switch m.Handoff.Kind {
			case models.HandoffDelegate:
				delegated = append(delegated, m.Handoff.To)
			case models.HandoffReturn:
				returned = append(returned, m.Handoff.From)
				assert.True(t, m.Handoff.Completed, m.Handoff.From)
			}
		}
		if u.Report != nil {
			reports = append(reports, u.Report)
		}
	}
	assert.Equal(t, models.PipelineAgents, delegated)
	assert.Equal(t, models.PipelineAgents, returned)

	require.Len(t, reports, 4)
	for i, r := range reports {
		assert.Equal(t, i+1, r.Sequence)
		assert.True(t, r.Completed, r.Agent)
	}
	assert.Equal(t, StageBackend, reports[1].Stage)
	assert.Equal(t, []string{"output/backend.py"}, reports[1].Written)

	last := updates[len(updates)-1]
	assert.True(t, last.Final)
	assert.Equal(t, StageDone, last.Stage)
	assert.Equal(t, models.SupervisorName, last.Node)
	assert.Equal(t, "The India time app is ready.", last.Messages[0].Content)

	assert.Contains(t, f.read(t, "output/backend.py"), "Asia/Kolkata")
	assert.Contains(t, f.read(t, "output/index.html"), "fetch(")
	assert.Contains(t, f.read(t, "output/test_app.py"), "TestClient")
	assert.Contains(t, f.read(t, "output/readme.md"), "India time")

	sessions := f.sandbox.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Closed)
}

func TestStreamStagesOnlyMoveForward(t *testing.T) {
	f := newFixture(t)
	f.scriptWorkers()
	f.scriptRouter()

	order := map[Stage]int{}
	for i, s := range stageOrder {
		order[s] = i
	}

	prev := StageStart
	for _, u := range collect(t, f.orch, indiaTimeTask) {
		require.GreaterOrEqual(t, order[u.Stage], order[prev])
		require.LessOrEqual(t, order[u.Stage]-order[prev], 1)
		prev = u.Stage
	}
	assert.Equal(t, StageDone, prev)
}

func TestFrontendSeesBackendSummaryNotSource(t *testing.T) {
	f := newFixture(t)
	f.scriptWorkers()
	f.scriptRouter()

	collect(t, f.orch, indiaTimeTask)

	reqs := f.groq.Requests()
	// backend: 3 turns, frontend: 2, qa: 3
	require.Len(t, reqs, 8)
	frontendOpening := reqs[3].Messages[0].Content
	assert.Contains(t, frontendOpening, "GET /time on http://localhost:8000")
	assert.Contains(t, frontendOpening, "A page with a button")
	assert.NotContains(t, frontendOpening, "ZoneInfo")

	backendOpening := reqs[0].Messages[0].Content
	assert.Contains(t, backendOpening, "Asia/Kolkata")
	assert.NotContains(t, backendOpening, "A page with a button")
}

func TestRouterDeviationIsCorrected(t *testing.T) {
	f := newFixture(t)
	f.scriptWorkers()
	f.google.Push(
		transfer(models.QAAgent),            // skips ahead
		llmtest.Text("Nothing left to do."), // finishes early
		transfer(models.BackendAgent),       // goes back
		transfer(models.QAAgent),
		transfer(models.PlannerAgent), // wants another round
	)

	updates := collect(t, f.orch, indiaTimeTask)

	var delegated []string
	for _, u := range updates {
		for _, m := range u.Messages {
			if m.Handoff != nil && m.Handoff.Kind == models.HandoffDelegate {
				delegated = append(delegated, m.Handoff.To)
			}
		}
	}
	assert.Equal(t, models.PipelineAgents, delegated)

	last := updates[len(updates)-1]
	assert.True(t, last.Final)
	assert.Equal(t, defaultConfirmation, last.Messages[0].Content)
}

func TestRouterFailureFollowsPipeline(t *testing.T) {
	f := newFixture(t)
	f.scriptWorkers()
	f.google.Fallback = llmtest.Fail(errors.New("quota exceeded"))

	history, reports, err := f.orch.Run(context.Background(), indiaTimeTask)
	require.NoError(t, err)
	require.Len(t, reports, 4)
	assert.Equal(t, defaultConfirmation, history[len(history)-1].Content)
}

func TestSoftFailureAdvances(t *testing.T) {
	f := newFixture(t)
	f.scriptRouter()
	f.cohere.Push(llmtest.Text(indiaTimePlan))
	f.groq.Push(
		llmtest.Fail(errors.New("rate limited")),
		write("output/index.html", "<html></html>"),
		llmtest.Text(agent.FrontendPhrase),
		write("output/test_app.py", "def test_ok(): pass\n"),
		write("output/readme.md", "# readme\n"),
		llmtest.Text(agent.QAPhrase),
	)

	history, reports, err := f.orch.Run(context.Background(), indiaTimeTask)
	require.NoError(t, err)
	require.Len(t, reports, 4)

	backend := reports[1]
	assert.False(t, backend.Completed)
	assert.Contains(t, backend.Err, "rate limited")
	assert.True(t, reports[2].Completed)
	assert.True(t, reports[3].Completed)

	hf, ok := history.ReturnFrom(models.BackendAgent)
	require.True(t, ok)
	assert.False(t, hf.Completed)
	assert.Empty(t, hf.Summary)

	reqs := f.groq.Requests()
	assert.Contains(t, reqs[1].Messages[0].Content, "did not provide a summary")
}

func TestStopIterationStopsRun(t *testing.T) {
	f := newFixture(t)
	f.scriptWorkers()
	f.scriptRouter()

	var seen int
	for u, err := range f.orch.Stream(context.Background(), indiaTimeTask) {
		require.NoError(t, err)
		seen++
		if u.Node == models.PlannerAgent {
			break
		}
	}

	assert.Equal(t, 3, seen)
	assert.Empty(t, f.groq.Requests())
	assert.Len(t, f.google.Requests(), 1)
}

func TestCancelledContextEndsWithError(t *testing.T) {
	f := newFixture(t)
	f.scriptWorkers()
	f.scriptRouter()

	ctx, cancel := context.WithCancel(context.Background())
	var gotErr error
	for u, err := range f.orch.Stream(ctx, indiaTimeTask) {
		if err != nil {
			gotErr = err
			break
		}
		if u.Report != nil && u.Report.Agent == models.PlannerAgent {
			cancel()
		}
	}
	assert.ErrorIs(t, gotErr, context.Canceled)
	assert.Empty(t, f.groq.Requests())
}

func TestNewRequiresEveryAgent(t *testing.T) {
	_, err := New(nil, NewModelRouter(llmtest.NewScripted(llm.Google), "m", nil), nil)
	assert.ErrorContains(t, err, "missing agent")
}

func TestStageNext(t *testing.T) {
	assert.Equal(t, StagePlan, StageStart.Next())
	assert.Equal(t, StageDone, StageQA.Next())
	assert.Equal(t, StageDone, StageDone.Next())
	assert.Equal(t, models.BackendAgent, StageBackend.Agent())
	assert.Empty(t, StageDone.Agent())

	st, ok := StageOf(models.QAAgent)
	assert.True(t, ok)
	assert.Equal(t, StageQA, st)
}

func TestRouterViewListsProgress(t *testing.T) {
	view := routerView(RouterState{
		Task:  "time app",
		Stage: StageBackend,
		Reports: []ExecutionReport{
			{Agent: models.PlannerAgent, Completed: true},
			{Agent: models.BackendAgent, Exhausted: true, Written: []string{"output/backend.py"}},
		},
	})
	assert.Contains(t, view, "time app")
	assert.Contains(t, view, "planner_agent finished")
	assert.Contains(t, view, "backend_agent ran out of turns (saved output/backend.py)")
	assert.Contains(t, view, "Current stage: BACKEND")
}
