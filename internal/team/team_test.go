package team

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mpataki/autodev/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTeam(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	def := Default()
	require.NoError(t, Validate(def))
	assert.Equal(t, []string{"cohere", "google", "groq"}, def.Providers())
	assert.Equal(t, 2, def.Settings.BackendRetries)
}

func TestParseInheritsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeTeam(t, dir, "groq-only.yaml", `
name: groq-only
router:
  provider: groq
  model: openai/gpt-oss-20b
agents:
  planner_agent:
    provider: groq
    model: openai/gpt-oss-20b
    turn_budget: 2
settings:
  backend_retries: 1
`)

	tm, err := Parse(path)
	require.NoError(t, err)
	require.NoError(t, Validate(tm))

	assert.Equal(t, "groq", tm.Agents[models.PlannerAgent].Provider)
	assert.Equal(t, 2, tm.Agents[models.PlannerAgent].TurnBudget)
	assert.Equal(t, "openai/gpt-oss-20b", tm.Agents[models.BackendAgent].Model)
	assert.Equal(t, 1, tm.Settings.BackendRetries)
	assert.Equal(t, 3, tm.Settings.SearchMaxResults)
	assert.Equal(t, path, tm.Path)

	partial := writeTeam(t, dir, "partial.yaml", `
name: partial
settings:
  search_max_results: 5
`)
	tm, err = Parse(partial)
	require.NoError(t, err)
	assert.Equal(t, 2, tm.Settings.BackendRetries)
	assert.Equal(t, 5, tm.Settings.SearchMaxResults)
}

func TestParseRejectsEmptyAgentBinding(t *testing.T) {
	path := writeTeam(t, t.TempDir(), "empty.yaml", `
name: empty
agents:
  planner_agent:
`)

	_, err := Parse(path)
	assert.ErrorContains(t, err, `agent "planner_agent" has an empty binding`)

	tm := Default()
	tm.Agents[models.PlannerAgent] = nil
	assert.NotPanics(t, func() { tm.Providers() })
	assert.ErrorContains(t, Validate(tm), "not bound")
}

func TestParseResolvesScriptRelativeToFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTeam(t, dir, "scripted.yaml", `
name: scripted
router:
  script: route.lua
`)

	tm, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "route.lua"), tm.Router.Script)
	require.NoError(t, Validate(tm))
	assert.NotContains(t, tm.Providers(), "")
}

func TestLoadAllSkipsMissingDirsAndOverrides(t *testing.T) {
	project := t.TempDir()
	writeTeam(t, project, "fullstack.yaml", `
name: fullstack
settings:
  backend_retries: 0
`)
	writeTeam(t, project, "notes.txt", "ignored")
	writeTeam(t, project, "lean.yml", `
agents:
  backend_agent:
    provider: groq
    model: llama-3.3-70b-versatile
    turn_budget: 8
`)

	teams, err := LoadAll([]string{filepath.Join(project, "missing"), project})
	require.NoError(t, err)

	require.Len(t, teams, 2)
	assert.Equal(t, 0, teams["fullstack"].Settings.BackendRetries)
	assert.Equal(t, "lean", teams["lean"].Name)
	assert.Equal(t, 8, teams["lean"].Agents[models.BackendAgent].TurnBudget)
}

func TestLoadAllReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	writeTeam(t, dir, "broken.yaml", "agents: [")

	_, err := LoadAll([]string{dir})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Team)
		wantErr string
	}{
		{"unknown provider", func(tm *Team) { tm.Agents[models.QAAgent].Provider = "openai" }, "unknown provider"},
		{"missing model", func(tm *Team) { tm.Router.Model = "" }, "model is required"},
		{"unbound agent", func(tm *Team) { delete(tm.Agents, models.FrontendAgent) }, "not bound"},
		{"unknown agent", func(tm *Team) { tm.Agents["ops_agent"] = &AgentDef{Provider: "groq", Model: "m", TurnBudget: 1} }, "unknown agent"},
		{"zero budget", func(tm *Team) { tm.Agents[models.BackendAgent].TurnBudget = 0 }, "turn_budget"},
		{"negative retries", func(tm *Team) { tm.Settings.BackendRetries = -1 }, "backend_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := Default()
			tt.mutate(tm)
			err := Validate(tm)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
