package tui

import (
	"errors"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/orchestrator"
	"github.com/mpataki/autodev/internal/storage"
	"github.com/mpataki/autodev/internal/workspace"
)

func sampleEntries() []Entry {
	code := 1
	return []Entry{
		{Node: "user", Message: models.UserMessage("time app")},
		{Node: models.SupervisorName, Message: models.Message{Role: models.RoleAssistant, Content: "Transferring to backend_agent.",
			Handoff: &models.Handoff{Kind: models.HandoffDelegate, From: models.SupervisorName, To: models.BackendAgent, Stage: "BACKEND"}}},
		{Node: models.BackendAgent, Message: models.Message{Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "c1", Name: "run_code", Arguments: []byte(`{"code":"print(\"secret detail\")"}`)}}}},
		{Node: models.BackendAgent, Message: models.Message{Role: models.RoleTool, Name: "run_code", ToolCallID: "c1",
			Content: `{"stdout":"","stderr":"Traceback: boom","exit_code":1}`, Result: &models.ToolResult{Stderr: "Traceback: boom", ExitCode: &code}}},
		{Node: models.BackendAgent, Message: models.Message{Role: models.RoleAssistant, Content: "Backend code saved successfully."}},
	}
}

func TestRenderTranscriptFoldsToolTurns(t *testing.T) {
	folded := RenderTranscript(sampleEntries(), false)
	assert.Contains(t, folded, "time app")
	assert.Contains(t, folded, "supervisor → backend_agent (BACKEND)")
	assert.Contains(t, folded, "backend_agent called run_code")
	assert.Contains(t, folded, "✗")
	assert.Contains(t, folded, "Backend code saved successfully.")
	assert.NotContains(t, folded, "\n    {\"code\"")

	expanded := RenderTranscript(sampleEntries(), true)
	assert.Contains(t, expanded, "secret detail")
	assert.Contains(t, expanded, "    {\"stdout\"")
}

func TestRenderArtifactWarnsWhenMissing(t *testing.T) {
	assert.Contains(t, RenderArtifact(workspace.Artifact{Name: "index.html"}), "index.html was not generated.")
	assert.Equal(t, "<html></html>", RenderArtifact(workspace.Artifact{Name: "index.html", Present: true, Content: "<html></html>"}))
	assert.Contains(t, RenderArtifact(workspace.Artifact{Name: "readme.md", Present: true}), "empty file")
}

func TestTruncateIsRuneSafe(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ééé...", truncate("éééééééé", 6))
}

type fakeSource struct {
	runs     []*models.Run
	execs    []*models.Execution
	messages []storage.StoredMessage
	deleted  []int64
}

func (f *fakeSource) ListRuns(limit int) ([]*models.Run, error) { return f.runs, nil }

func (f *fakeSource) GetRun(id int64) (*models.Run, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeSource) GetExecutionsForRun(runID int64) ([]*models.Execution, error) {
	return f.execs, nil
}

func (f *fakeSource) GetMessagesForRun(runID int64) ([]storage.StoredMessage, error) {
	return f.messages, nil
}

func (f *fakeSource) DeleteRun(id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// send feeds msg to the model and runs the returned command once.
func send(t *testing.T, m tea.Model, msg tea.Msg) tea.Model {
	t.Helper()
	m, cmd := m.Update(msg)
	if cmd != nil {
		if out := cmd(); out != nil {
			if _, isBatch := out.(tea.BatchMsg); !isBatch {
				m, _ = m.Update(out)
			}
		}
	}
	return m
}

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.New(t.TempDir(), "output")
	require.NoError(t, err)
	require.NoError(t, ws.Reset())
	require.NoError(t, ws.WriteRunMetadata(&workspace.RunMetadata{RunID: 2}))
	require.NoError(t, os.WriteFile(filepath.Join(ws.OutputPath(), workspace.BackendFile), []byte("app = FastAPI()"), 0644))
	return ws
}

func TestAppNavigation(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		runs: []*models.Run{
			{ID: 2, Task: "todo app", TeamName: "fullstack", Status: models.RunStatusComplete, Stage: "DONE", CreatedAt: now},
			{ID: 1, Task: "time app", TeamName: "fullstack", Status: models.RunStatusDegraded, Stage: "DONE", CreatedAt: now, Error: "missing index.html"},
		},
		execs: []*models.Execution{
			{SequenceNum: 1, AgentName: models.PlannerAgent, Status: models.ExecStatusComplete, Turns: 1},
		},
		messages: []storage.StoredMessage{{Seq: 1, Node: "user", Message: models.UserMessage("time app")}},
	}
	app := NewApp(src, newWorkspace(t))

	var m tea.Model = app
	m = send(t, m, app.loadRuns())
	assert.Contains(t, m.View(), "#2")
	assert.Contains(t, m.View(), "degraded")

	m = send(t, m, key("down"))
	m = send(t, m, key("enter"))
	require.Equal(t, ViewRunDetail, app.view)
	assert.Contains(t, m.View(), "Run #1")
	assert.Contains(t, m.View(), "missing index.html")
	assert.Contains(t, m.View(), "planner_agent")

	m = send(t, m, key("l"))
	require.Equal(t, ViewTranscript, app.view)
	assert.Contains(t, m.View(), "time app")

	m = send(t, m, key("esc"))
	m = send(t, m, key("f"))
	require.Equal(t, ViewArtifacts, app.view)
	view := m.View()
	assert.Contains(t, view, "holds run #2")
	assert.Contains(t, view, "index.html was not generated.")

	m = send(t, m, key("right"))
	assert.Contains(t, m.View(), "app = FastAPI()")

	m = send(t, m, key("esc"))
	m = send(t, m, key("esc"))
	require.Equal(t, ViewRunList, app.view)

	send(t, m, key("d"))
	assert.Equal(t, []int64{1}, src.deleted)
}

func TestLiveFollowsStream(t *testing.T) {
	updates := []orchestrator.Update{
		{Node: "user", Stage: orchestrator.StageStart, Messages: []models.Message{models.UserMessage("time app")}},
		{Node: models.SupervisorName, Stage: orchestrator.StagePlan, Messages: []models.Message{{Role: models.RoleAssistant, Content: "Transferring to planner_agent."}}},
		{Node: models.SupervisorName, Stage: orchestrator.StageDone, Messages: []models.Message{{Role: models.RoleAssistant, Content: "All done."}}, Final: true},
	}
	var stream iter.Seq2[orchestrator.Update, error] = func(yield func(orchestrator.Update, error) bool) {
		for _, u := range updates {
			if !yield(u, nil) {
				return
			}
		}
	}

	live := NewLive(7, "time app", stream, newWorkspace(t), nil)
	var m tea.Model = live

	for i := 0; !live.done; i++ {
		require.Less(t, i, len(updates))
		m, _ = m.Update(live.pull()())
	}
	m = send(t, m, live.loadBundle())

	assert.Equal(t, orchestrator.StageDone, live.stage)
	assert.NoError(t, live.Err())
	assert.True(t, live.showFiles)
	assert.Contains(t, m.View(), "finished")

	m = send(t, m, key("f"))
	assert.Contains(t, m.View(), "All done.")
}

func TestLiveQuitCancelsRun(t *testing.T) {
	stream := func(yield func(orchestrator.Update, error) bool) {
		yield(orchestrator.Update{Node: "user", Stage: orchestrator.StageStart}, nil)
	}
	cancelled := false
	live := NewLive(1, "x", stream, newWorkspace(t), func() { cancelled = true })

	_, cmd := live.Update(key("q"))
	assert.True(t, cancelled)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestLiveStreamError(t *testing.T) {
	boom := errors.New("boom")
	stream := func(yield func(orchestrator.Update, error) bool) {
		yield(orchestrator.Update{}, boom)
	}
	live := NewLive(1, "x", stream, newWorkspace(t), nil)

	send(t, live, live.pull()())
	assert.True(t, live.done)
	assert.ErrorIs(t, live.Err(), boom)
	assert.Contains(t, live.View(), "boom")
}
