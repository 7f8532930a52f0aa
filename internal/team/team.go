// Package team loads the YAML definitions that bind each role agent to a
// model and a budget.
package team

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mpataki/autodev/internal/models"
	"gopkg.in/yaml.v3"
)

const DefaultName = "fullstack"

var knownProviders = map[string]bool{"groq": true, "google": true, "cohere": true}

type Team struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description"`
	Router      *RouterDef           `yaml:"router"`
	Agents      map[string]*AgentDef `yaml:"agents"`
	Settings    *Settings            `yaml:"settings"`

	// Path is the file the team was loaded from; empty for the built-in team.
	Path string `yaml:"-"`
}

type AgentDef struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	TurnBudget  int     `yaml:"turn_budget"`
	Temperature float64 `yaml:"temperature,omitempty"`
}

type RouterDef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// Script, when set, routes with a Lua policy instead of the model.
	Script string `yaml:"script,omitempty"`
}

type Settings struct {
	BackendRetries   int `yaml:"backend_retries"`
	SearchMaxResults int `yaml:"search_max_results"`
}

// Default is the built-in team: Gemini supervises, Cohere plans, Groq codes.
func Default() *Team {
	return &Team{
		Name:        DefaultName,
		Description: "Plan, build a FastAPI backend and a vanilla JS frontend, then write tests and a README.",
		Router:      &RouterDef{Provider: "google", Model: "gemini-2.5-flash"},
		Agents: map[string]*AgentDef{
			models.PlannerAgent:  {Provider: "cohere", Model: "command-a-03-2025", TurnBudget: 3, Temperature: 0.7},
			models.BackendAgent:  {Provider: "groq", Model: "openai/gpt-oss-20b", TurnBudget: 25},
			models.FrontendAgent: {Provider: "groq", Model: "moonshotai/kimi-k2-instruct-0905", TurnBudget: 10},
			models.QAAgent:       {Provider: "groq", Model: "moonshotai/kimi-k2-instruct-0905", TurnBudget: 10},
		},
		Settings: defaultSettings(),
	}
}

func defaultSettings() *Settings {
	return &Settings{BackendRetries: 2, SearchMaxResults: 3}
}

func Parse(path string) (*Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read team file: %w", err)
	}

	// Settings start from the defaults so a partial block keeps the rest.
	t := Team{Settings: defaultSettings()}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse team YAML: %w", err)
	}
	t.Path = path

	// Unset fields inherit from the built-in team.
	def := Default()
	if t.Settings == nil {
		t.Settings = defaultSettings()
	}
	if t.Settings.SearchMaxResults == 0 {
		t.Settings.SearchMaxResults = def.Settings.SearchMaxResults
	}
	if t.Router == nil {
		t.Router = def.Router
	}
	if t.Router.Script != "" && !filepath.IsAbs(t.Router.Script) {
		t.Router.Script = filepath.Join(filepath.Dir(path), t.Router.Script)
	}
	if t.Agents == nil {
		t.Agents = map[string]*AgentDef{}
	}
	for name, a := range t.Agents {
		if a == nil {
			return nil, fmt.Errorf("agent %q has an empty binding", name)
		}
	}
	for name, a := range def.Agents {
		if _, ok := t.Agents[name]; !ok {
			t.Agents[name] = a
		}
	}

	return &t, nil
}

// LoadAll loads every team file from dirs. Later directories override
// earlier ones by name; the built-in team is present unless overridden.
func LoadAll(dirs []string) (map[string]*Team, error) {
	teams := map[string]*Team{DefaultName: Default()}

	for _, dir := range dirs {
		if err := loadFromDir(dir, teams); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return teams, nil
}

func loadFromDir(dir string, teams map[string]*Team) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		t, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		teamName := t.Name
		if teamName == "" {
			teamName = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
			t.Name = teamName
		}

		teams[teamName] = t
	}

	return nil
}

func Validate(t *Team) error {
	if t.Name == "" {
		return fmt.Errorf("team must have a name")
	}

	if t.Router == nil {
		return fmt.Errorf("team must define a router")
	}
	if t.Router.Script == "" {
		if err := validateBinding("router", t.Router.Provider, t.Router.Model); err != nil {
			return err
		}
	}

	for _, name := range models.PipelineAgents {
		a, ok := t.Agents[name]
		if !ok || a == nil {
			return fmt.Errorf("agent %q is not bound", name)
		}
		if err := validateBinding(name, a.Provider, a.Model); err != nil {
			return err
		}
		if a.TurnBudget <= 0 {
			return fmt.Errorf("agent %q must have a positive turn_budget", name)
		}
	}

	for name := range t.Agents {
		if !isPipelineAgent(name) {
			return fmt.Errorf("unknown agent %q", name)
		}
	}

	if t.Settings == nil {
		return fmt.Errorf("team must have settings")
	}
	if t.Settings.BackendRetries < 0 {
		return fmt.Errorf("backend_retries must not be negative")
	}
	if t.Settings.SearchMaxResults <= 0 {
		return fmt.Errorf("search_max_results must be positive")
	}

	return nil
}

func validateBinding(who, provider, model string) error {
	if !knownProviders[provider] {
		return fmt.Errorf("%s: unknown provider %q", who, provider)
	}
	if model == "" {
		return fmt.Errorf("%s: model is required", who)
	}
	return nil
}

func isPipelineAgent(name string) bool {
	for _, n := range models.PipelineAgents {
		if n == name {
			return true
		}
	}
	return false
}

// Providers lists the model providers the team needs credentials for.
func (t *Team) Providers() []string {
	set := map[string]bool{}
	if t.Router != nil && t.Router.Script == "" {
		set[t.Router.Provider] = true
	}
	for _, a := range t.Agents {
		if a != nil {
			set[a.Provider] = true
		}
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
