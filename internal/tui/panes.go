package tui

import (
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/autodev/internal/workspace"
)

// chrome is the number of lines headers and help take around a pane.
const chrome = 5

// transcriptPane is a scrollable run log with foldable tool turns.
type transcriptPane struct {
	entries   []Entry
	showTools bool
	follow    bool
	vp        viewport.Model
}

func newTranscriptPane() transcriptPane {
	return transcriptPane{vp: viewport.New(80, 20), follow: true}
}

func (p *transcriptPane) resize(w, h int) {
	p.vp.Width = w
	p.vp.Height = max(3, h-chrome)
	p.refresh()
}

func (p *transcriptPane) set(entries []Entry) {
	p.entries = entries
	p.refresh()
}

func (p *transcriptPane) add(entries ...Entry) {
	p.entries = append(p.entries, entries...)
	p.refresh()
}

func (p *transcriptPane) toggleTools() {
	p.showTools = !p.showTools
	p.refresh()
}

func (p *transcriptPane) refresh() {
	p.vp.SetContent(RenderTranscript(p.entries, p.showTools))
	if p.follow {
		p.vp.GotoBottom()
	}
}

func (p *transcriptPane) update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	p.vp, cmd = p.vp.Update(msg)
	p.follow = p.vp.AtBottom()
	return cmd
}

func (p *transcriptPane) view() string {
	return p.vp.View()
}

// artifactPane shows the bundle one file per tab.
type artifactPane struct {
	bundle *workspace.Bundle
	active int
	vp     viewport.Model
}

func newArtifactPane() artifactPane {
	return artifactPane{vp: viewport.New(80, 20)}
}

func (p *artifactPane) resize(w, h int) {
	p.vp.Width = w
	p.vp.Height = max(3, h-chrome-1)
}

func (p *artifactPane) set(b *workspace.Bundle) {
	p.bundle = b
	if p.active >= len(b.Artifacts) {
		p.active = 0
	}
	p.refresh()
}

func (p *artifactPane) move(delta int) {
	if p.bundle == nil || len(p.bundle.Artifacts) == 0 {
		return
	}
	n := len(p.bundle.Artifacts)
	p.active = (p.active + delta + n) % n
	p.refresh()
}

func (p *artifactPane) refresh() {
	if p.bundle == nil || len(p.bundle.Artifacts) == 0 {
		p.vp.SetContent(dimStyle.Render("(no artifacts)"))
		return
	}
	p.vp.SetContent(RenderArtifact(p.bundle.Artifacts[p.active]))
	p.vp.GotoTop()
}

func (p *artifactPane) update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	p.vp, cmd = p.vp.Update(msg)
	return cmd
}

func (p *artifactPane) view() string {
	if p.bundle == nil {
		return p.vp.View()
	}
	return renderTabs(p.bundle, p.active) + "\n" + p.vp.View()
}
