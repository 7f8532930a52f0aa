package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/storage"
	"github.com/mpataki/autodev/internal/workspace"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewTranscript
	ViewArtifacts
)

// Source is the run history the browser reads.
type Source interface {
	ListRuns(limit int) ([]*models.Run, error)
	GetRun(id int64) (*models.Run, error)
	GetExecutionsForRun(runID int64) ([]*models.Execution, error)
	GetMessagesForRun(runID int64) ([]storage.StoredMessage, error)
	DeleteRun(id int64) error
}

// App browses past runs: list, delegations, transcript and artifacts.
type App struct {
	source Source
	ws     *workspace.Workspace

	view        View
	runs        []*models.Run
	selectedIdx int
	selectedRun *models.Run
	executions  []*models.Execution
	outputRunID int64

	transcript transcriptPane
	artifacts  artifactPane

	width  int
	height int
	err    error
}

func NewApp(source Source, ws *workspace.Workspace) *App {
	return &App{
		source:     source,
		ws:         ws,
		view:       ViewRunList,
		transcript: newTranscriptPane(),
		artifacts:  newArtifactPane(),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningRuns() bool {
	for _, run := range a.runs {
		if run.Status == models.RunStatusRunning {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.transcript.resize(msg.Width, msg.Height)
		a.artifacts.resize(msg.Width, msg.Height)
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(0, len(a.runs)-1)
		}
		return a, nil

	case tickMsg:
		// Runs started from another terminal show up while they progress.
		if a.view == ViewRunList && a.hasRunningRuns() {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.selectedRun = msg.run
		a.executions = msg.executions
		a.err = msg.err
		if a.err == nil {
			a.view = ViewRunDetail
		}
		return a, nil

	case transcriptMsg:
		a.err = msg.err
		if msg.err == nil {
			a.transcript.set(msg.entries)
			a.view = ViewTranscript
		}
		return a, nil

	case bundleMsg:
		a.err = msg.err
		if msg.err == nil {
			a.outputRunID = msg.runID
			a.artifacts.set(msg.bundle)
			a.view = ViewArtifacts
		}
		return a, nil

	case runDeletedMsg:
		a.err = msg.err
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}

	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewTranscript:
		return a.handleTranscriptKey(msg)
	case ViewArtifacts:
		return a.handleArtifactsKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if run := a.selectedListRun(); run != nil {
			return a, a.loadRunDetail(run.ID)
		}

	case "r":
		return a, a.loadRuns

	case "d":
		if run := a.selectedListRun(); run != nil && run.Status != models.RunStatusRunning {
			return a, a.deleteRun(run.ID)
		}
	}

	return a, nil
}

func (a *App) selectedListRun() *models.Run {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.runs) {
		return nil
	}
	return a.runs[a.selectedIdx]
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.executions = nil

	case "l", "enter":
		if a.selectedRun != nil {
			return a, a.loadTranscript(a.selectedRun.ID)
		}

	case "f":
		return a, a.loadBundle
	}

	return a, nil
}

func (a *App) handleTranscriptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		return a, nil
	case "t":
		a.transcript.toggleTools()
		return a, nil
	}
	return a, a.transcript.update(msg)
}

func (a *App) handleArtifactsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		return a, nil
	case "left", "h", "shift+tab":
		a.artifacts.move(-1)
		return a, nil
	case "right", "l", "tab":
		a.artifacts.move(1)
		return a, nil
	}
	return a, a.artifacts.update(msg)
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewTranscript:
		return a.viewTranscript()
	case ViewArtifacts:
		return a.viewArtifacts()
	}
	return ""
}

func (a *App) viewRunList() string {
	s := titleStyle.Render("autodev") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with: autodev run \"<task>\"\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := formatRunLine(run)
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case run.Status != models.RunStatusRunning:
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [d] delete  [r] refresh  [q] quit")

	return s
}

func formatRunLine(run *models.Run) string {
	status := formatStatus(run.Status)
	age := formatAge(run.CreatedAt)
	task := truncate(oneLine(run.Task), 40)
	return fmt.Sprintf("#%-3d %-10s %s  %-8s %-4s  %s", run.ID, run.TeamName, status, run.Stage, age, task)
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun

	s := titleStyle.Render(fmt.Sprintf("Run #%d: %s", run.ID, run.TeamName)) + "  " + formatStatus(run.Status) + "\n\n"
	s += run.Task + "\n\n"
	s += labelStyle.Render("Stage: ") + run.Stage + "\n"
	s += labelStyle.Render("Output: ") + dimStyle.Render(run.OutputDir) + "\n"
	if run.Error != "" {
		s += labelStyle.Render("Problems: ") + warnStyle.Render(run.Error) + "\n"
	}
	s += "\n"

	s += "Delegations\n"
	s += "───────────\n"

	if len(a.executions) == 0 {
		s += "(no delegations yet)\n"
	}
	for _, exec := range a.executions {
		duration := ""
		if exec.StartedAt != nil && exec.CompletedAt != nil {
			duration = dimStyle.Render(formatDuration(exec.CompletedAt.Sub(*exec.StartedAt)))
		} else if exec.StartedAt != nil && exec.Status == models.ExecStatusRunning {
			duration = statusRunning.Render(formatDuration(time.Since(*exec.StartedAt)) + "...")
		}

		line := fmt.Sprintf("  %d. %-15s %s  %2d turns  %2d tools  %6s",
			exec.SequenceNum, exec.AgentName, formatExecStatus(exec.Status), exec.Turns, exec.ToolCalls, duration)
		if exec.Error != "" {
			line += "  " + statusFailed.Render(truncate(exec.Error, 40))
		}
		s += line + "\n"
	}

	s += "\n" + helpStyle.Render("[l] log  [f] files  [esc] back")

	return s
}

func (a *App) viewTranscript() string {
	title := "Log"
	if a.selectedRun != nil {
		title = fmt.Sprintf("Run #%d log", a.selectedRun.ID)
	}
	tools := "show tool details"
	if a.transcript.showTools {
		tools = "hide tool details"
	}
	return titleStyle.Render(title) + "\n\n" +
		a.transcript.view() + "\n" +
		helpStyle.Render(fmt.Sprintf("[↑/↓] scroll  [t] %s  [esc] back", tools))
}

func (a *App) viewArtifacts() string {
	s := titleStyle.Render("Files") + "\n"
	if a.selectedRun != nil && a.outputRunID != 0 && a.outputRunID != a.selectedRun.ID {
		s += warnStyle.Render(fmt.Sprintf("The output directory holds run #%d; earlier outputs are cleared by each new run.", a.outputRunID))
	}
	s += "\n" + a.artifacts.view() + "\n"
	s += helpStyle.Render("[←/→] file  [↑/↓] scroll  [esc] back")
	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run        *models.Run
	executions []*models.Execution
	err        error
}

type transcriptMsg struct {
	entries []Entry
	err     error
}

type bundleMsg struct {
	bundle *workspace.Bundle
	runID  int64
	err    error
}

type runDeletedMsg struct {
	runID int64
	err   error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.source.ListRuns(50)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		run, err := a.source.GetRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}

		execs, err := a.source.GetExecutionsForRun(id)
		return runDetailMsg{run: run, executions: execs, err: err}
	}
}

func (a *App) loadTranscript(id int64) tea.Cmd {
	return func() tea.Msg {
		stored, err := a.source.GetMessagesForRun(id)
		if err != nil {
			return transcriptMsg{err: err}
		}
		return transcriptMsg{entries: EntriesFromStored(stored)}
	}
}

func (a *App) loadBundle() tea.Msg {
	bundle, err := a.ws.ReadBundle()
	if err != nil {
		return bundleMsg{err: err}
	}
	var runID int64
	if meta, err := a.ws.ReadRunMetadata(); err == nil && meta != nil {
		runID = meta.RunID
	}
	return bundleMsg{bundle: bundle, runID: runID}
}

func (a *App) deleteRun(id int64) tea.Cmd {
	return func() tea.Msg {
		if err := a.source.DeleteRun(id); err != nil {
			return runDeletedMsg{err: err}
		}
		return runDeletedMsg{runID: id}
	}
}

func EntriesFromStored(stored []storage.StoredMessage) []Entry {
	out := make([]Entry, 0, len(stored))
	for _, sm := range stored {
		out = append(out, Entry{Node: sm.Node, Message: sm.Message})
	}
	return out
}
