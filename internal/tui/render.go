package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/workspace"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusDegraded = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	nodeStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	handoffStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("243"))

	tabStyle       = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("243"))
	activeTabStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
)

// Entry is one transcript message with the node that produced it.
type Entry struct {
	Node    string
	Message models.Message
}

// RenderTranscript renders a run log. Tool turns are folded into one line
// each unless showTools is set.
func RenderTranscript(entries []Entry, showTools bool) string {
	var b strings.Builder
	for _, e := range entries {
		m := e.Message
		switch {
		case m.Handoff != nil:
			b.WriteString(handoffStyle.Render(handoffLine(m.Handoff)))
			b.WriteString("\n")

		case m.Role == models.RoleTool:
			b.WriteString(renderToolResult(m, showTools))

		case len(m.ToolCalls) > 0:
			if text := strings.TrimSpace(m.Content); text != "" {
				writeText(&b, e.Node, text)
			}
			for _, tc := range m.ToolCalls {
				b.WriteString(renderToolCall(e.Node, tc, showTools))
			}

		default:
			writeText(&b, e.Node, m.Content)
		}
	}
	return b.String()
}

func writeText(b *strings.Builder, node, text string) {
	b.WriteString(nodeStyle.Render(node))
	b.WriteString("\n")
	b.WriteString(strings.TrimRight(text, "\n"))
	b.WriteString("\n\n")
}

func handoffLine(h *models.Handoff) string {
	if h.Kind == models.HandoffDelegate {
		return fmt.Sprintf("── %s → %s (%s)", h.From, h.To, h.Stage)
	}
	status := "completed"
	if !h.Completed {
		status = "incomplete"
	}
	return fmt.Sprintf("── %s → %s, %s", h.From, h.To, status)
}

func renderToolCall(node string, tc models.ToolCall, expanded bool) string {
	head := toolStyle.Render(fmt.Sprintf("▸ %s called %s", node, tc.Name))
	if !expanded {
		return head + dimStyle.Render("  "+truncate(oneLine(string(tc.Arguments)), 60)) + "\n"
	}
	return head + "\n" + indent(string(tc.Arguments)) + "\n"
}

func renderToolResult(m models.Message, expanded bool) string {
	mark := statusComplete.Render("✓")
	if m.Result != nil && m.Result.Failed() {
		mark = statusFailed.Render("✗")
	}

	head := fmt.Sprintf("  %s %s", mark, toolStyle.Render(m.Name+" result"))
	if m.Result != nil && m.Result.Duration > 0 {
		head += dimStyle.Render(" " + formatDuration(m.Result.Duration))
	}
	if !expanded {
		return head + dimStyle.Render("  "+truncate(oneLine(m.Content), 60)) + "\n"
	}
	return head + "\n" + indent(m.Content) + "\n"
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return dimStyle.Render(strings.Join(lines, "\n"))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// RenderArtifact renders one file of the bundle, or a warning when it was
// not generated.
func RenderArtifact(a workspace.Artifact) string {
	if !a.Present {
		return warnStyle.Render(fmt.Sprintf("⚠ %s was not generated.", a.Name))
	}
	if strings.TrimSpace(a.Content) == "" {
		return dimStyle.Render("(empty file)")
	}
	return a.Content
}

func renderTabs(bundle *workspace.Bundle, active int) string {
	var tabs []string
	for i, a := range bundle.Artifacts {
		label := a.Name
		if !a.Present {
			label += " ⚠"
		}
		if i == active {
			tabs = append(tabs, activeTabStyle.Render(label))
		} else {
			tabs = append(tabs, tabStyle.Render(label))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusComplete:
		return statusComplete.Render("✓ complete")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.RunStatusDegraded:
		return statusDegraded.Render("⚠ degraded")
	default:
		return string(status)
	}
}

func formatExecStatus(status models.ExecStatus) string {
	switch status {
	case models.ExecStatusComplete:
		return statusComplete.Render("✓")
	case models.ExecStatusRunning:
		return statusRunning.Render("●")
	case models.ExecStatusExhausted:
		return statusDegraded.Render("⌛")
	case models.ExecStatusFailed:
		return statusFailed.Render("✗")
	default:
		return "○"
	}
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
