package tui

import (
	"fmt"
	"iter"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/orchestrator"
	"github.com/mpataki/autodev/internal/workspace"
)

// Live follows one run as it happens. Updates are pulled one at a time, so
// the run advances only as fast as the UI consumes it.
type Live struct {
	runID  int64
	task   string
	next   func() (orchestrator.Update, error, bool)
	stop   func()
	cancel func()
	ws     *workspace.Workspace

	stage    orchestrator.Stage
	node     string
	pulling  bool
	done     bool
	quitting bool
	err      error

	showFiles  bool
	transcript transcriptPane
	artifacts  artifactPane
	spin       spinner.Model

	width  int
	height int
}

// NewLive wraps the update stream of a started run. cancel stops the run's
// context; it is called when the user quits before the run ends.
func NewLive(runID int64, task string, updates iter.Seq2[orchestrator.Update, error], ws *workspace.Workspace, cancel func()) *Live {
	next, stop := iter.Pull2(updates)
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusRunning

	if cancel == nil {
		cancel = func() {}
	}
	return &Live{
		runID:      runID,
		task:       task,
		next:       next,
		stop:       stop,
		cancel:     cancel,
		ws:         ws,
		stage:      orchestrator.StageStart,
		transcript: newTranscriptPane(),
		artifacts:  newArtifactPane(),
		spin:       sp,
	}
}

type liveUpdateMsg struct {
	update orchestrator.Update
	err    error
}

type liveDoneMsg struct{}

func (m *Live) pull() tea.Cmd {
	m.pulling = true
	return func() tea.Msg {
		u, err, ok := m.next()
		if !ok {
			return liveDoneMsg{}
		}
		return liveUpdateMsg{update: u, err: err}
	}
}

func (m *Live) Init() tea.Cmd {
	return tea.Batch(m.pull(), m.spin.Tick)
}

// Err is the error that ended the run, if any.
func (m *Live) Err() error { return m.err }

func (m *Live) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.transcript.resize(msg.Width, msg.Height)
		m.artifacts.resize(msg.Width, msg.Height)
		return m, nil

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case liveUpdateMsg:
		m.pulling = false
		if m.quitting {
			m.stop()
			return m, tea.Quit
		}
		if msg.err != nil {
			m.err = msg.err
			return m, m.finish()
		}
		m.apply(msg.update)
		if msg.update.Final {
			return m, m.finish()
		}
		return m, m.pull()

	case liveDoneMsg:
		m.pulling = false
		if m.quitting {
			return m, tea.Quit
		}
		return m, m.finish()

	case bundleMsg:
		m.err = firstErr(m.err, msg.err)
		if msg.bundle != nil {
			m.artifacts.set(msg.bundle)
			m.showFiles = true
		}
		return m, nil
	}

	return m, nil
}

func (m *Live) apply(u orchestrator.Update) {
	m.stage = u.Stage
	if u.Node != "" {
		m.node = u.Node
	}
	entries := make([]Entry, 0, len(u.Messages))
	for _, msg := range u.Messages {
		entries = append(entries, Entry{Node: u.Node, Message: msg})
	}
	m.transcript.add(entries...)
}

func (m *Live) finish() tea.Cmd {
	m.done = true
	m.stop()
	return m.loadBundle
}

func (m *Live) loadBundle() tea.Msg {
	b, err := m.ws.ReadBundle()
	return bundleMsg{bundle: b, err: err}
}

func (m *Live) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.done {
			return m, tea.Quit
		}
		if m.quitting {
			// second request: leave without waiting for the step in flight
			return m, tea.Quit
		}
		m.quitting = true
		m.cancel()
		if !m.pulling {
			m.stop()
			return m, tea.Quit
		}
		return m, nil

	case "t":
		m.transcript.toggleTools()
		return m, nil

	case "f":
		if m.done && m.artifacts.bundle != nil {
			m.showFiles = !m.showFiles
		}
		return m, nil
	}

	if m.showFiles {
		switch msg.String() {
		case "left", "h", "shift+tab":
			m.artifacts.move(-1)
			return m, nil
		case "right", "l", "tab":
			m.artifacts.move(1)
			return m, nil
		}
		return m, m.artifacts.update(msg)
	}
	return m, m.transcript.update(msg)
}

func (m *Live) View() string {
	header := titleStyle.Render(fmt.Sprintf("Run #%d", m.runID)) + "  " + dimStyle.Render(truncate(oneLine(m.task), 60)) + "\n"

	switch {
	case m.quitting:
		header += warnStyle.Render("Stopping after the current step...")
	case m.done && m.err != nil:
		header += statusFailed.Render(fmt.Sprintf("✗ %v", m.err))
	case m.done:
		header += statusComplete.Render("✓ finished") + dimStyle.Render(fmt.Sprintf("  %s", m.stage))
	default:
		header += m.spin.View() + " " + string(m.stage)
		if m.node != "" && m.node != models.SupervisorName {
			header += dimStyle.Render("  " + m.node + " working")
		}
	}
	header += "\n\n"

	if m.showFiles {
		return header + m.artifacts.view() + "\n" +
			helpStyle.Render("[←/→] file  [↑/↓] scroll  [f] log  [q] quit")
	}

	help := "[↑/↓] scroll  [t] tool details  [q] stop"
	if m.done {
		help = "[↑/↓] scroll  [t] tool details  [f] files  [q] quit"
	}
	return header + m.transcript.view() + "\n" + helpStyle.Render(help)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
