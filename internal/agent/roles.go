package agent

import (
	"fmt"
	"path"
	"strings"

	"github.com/mpataki/autodev/internal/llm"
	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/team"
	"github.com/mpataki/autodev/internal/tools"
	"github.com/mpataki/autodev/internal/workspace"
	"go.uber.org/zap"
)

const (
	PlannerPhrase  = "plan passed successfully to supervisor."
	BackendPhrase  = "Backend code saved successfully."
	FrontendPhrase = "Frontend code saved successfully."
	QAPhrase       = "Pytest tests generated successfully"
)

const plannerInstruction = `You are the planner of a two-person build team. A backend developer writes one self-contained Python web service file (FastAPI preferred, Flask or Django allowed). A frontend developer writes one self-contained HTML file with inline CSS and vanilla JavaScript.

Turn the user's request into a short plan with exactly two sections, "## Frontend" and "## Backend", so each developer knows what to build and how the two sides talk to each other. Name the endpoints, methods and payloads the backend must expose.

You have no tools. End your answer with the exact sentence: "plan passed successfully to supervisor."`

const backendInstruction = `You are a backend developer. Write one self-contained FastAPI file.

Rules:
1. Import CORSMiddleware from fastapi.middleware.cors and allow all origins (allow_origins=["*"]).
2. Wrap every outbound network call in try/except and return a useful error.
3. Verify the code before saving: list its pip dependencies (for example fastapi, uvicorn, requests) and call run_code with the full script and those dependencies. If the run fails, fix the code and run it again. You may fix and re-run at most %[2]d times; after that, save the code as it is.
4. Save the final code exactly once with manage_file, mode "write", filepath '%[1]s'.
5. Then reply with the exact sentence "Backend code saved successfully." followed by a summary of the service: every endpoint with its HTTP method, the base URL, the expected inputs and the successful outputs.`

const frontendInstruction = `You are a frontend developer. Write one self-contained HTML file with inline CSS and vanilla JavaScript.

Rules:
1. Connect to the backend with fetch() using only the endpoints, methods and base URL given in the backend summary.
2. Save the file with manage_file, mode "write", filepath '%[1]s'.
3. After saving, reply with the exact sentence "Frontend code saved successfully." and nothing else.`

const qaInstruction = `You are a QA engineer who writes pytest tests.

Rules:
1. Using the backend summary, write pytest tests for every endpoint. Use fastapi.testclient.TestClient against the app imported from backend.py and assert status codes and payloads.
2. Save the tests with manage_file, mode "write", filepath '%[1]s'.
3. Write a README for the project (what it does, how to install, run and test it) and save it with manage_file to '%[2]s'.
4. Then reply with the exact sentence "Pytest tests generated successfully" and nothing else.`

// Deps are the process-wide handles the role agents are built from.
type Deps struct {
	Clients *llm.Clients
	Tools   []tools.Tool
	// Root is the directory manage_file resolves paths against.
	Root      string
	OutputDir string
	Logger    *zap.Logger
}

// Build creates the four role agents of t, in pipeline order.
func Build(t *team.Team, deps Deps) ([]*Agent, error) {
	if err := team.Validate(t); err != nil {
		return nil, fmt.Errorf("invalid team %q: %w", t.Name, err)
	}

	out := deps.OutputDir
	if out == "" {
		out = "output"
	}
	file := func(name string) string { return path.Join(out, name) }
	backendFile := file(workspace.BackendFile)

	retries := t.Settings.BackendRetries

	specs := []struct {
		name     string
		def      Definition
		contract Contract
		policy   func() policy
	}{
		{
			name: models.PlannerAgent,
			def:  Definition{Instruction: plannerInstruction},
			contract: Contract{
				Phrase: PlannerPhrase,
				View:   plannerView,
			},
		},
		{
			name: models.BackendAgent,
			def: Definition{
				Instruction: fmt.Sprintf(backendInstruction, backendFile, retries),
				Tools:       []tools.Name{tools.ManageFile, tools.WebSearch, tools.RunCode},
			},
			contract: Contract{
				Phrase:    BackendPhrase,
				Artifacts: []string{backendFile},
				View:      backendView,
			},
			policy: func() policy { return newRepairPolicy(models.BackendAgent, deps.Root, backendFile, retries) },
		},
		{
			name: models.FrontendAgent,
			def: Definition{
				Instruction: fmt.Sprintf(frontendInstruction, file(workspace.FrontendFile)),
				Tools:       []tools.Name{tools.ManageFile, tools.WebSearch},
			},
			contract: Contract{
				Phrase:    FrontendPhrase,
				Artifacts: []string{file(workspace.FrontendFile)},
				View:      frontendView,
			},
		},
		{
			name: models.QAAgent,
			def: Definition{
				Instruction: fmt.Sprintf(qaInstruction, file(workspace.TestFile), file(workspace.ReadmeFile)),
				Tools:       []tools.Name{tools.ManageFile},
			},
			contract: Contract{
				Phrase:    QAPhrase,
				Artifacts: []string{file(workspace.TestFile), file(workspace.ReadmeFile)},
				View:      qaView,
			},
		},
	}

	agents := make([]*Agent, 0, len(specs))
	for _, s := range specs {
		binding := t.Agents[s.name]
		client, err := deps.Clients.Get(binding.Provider)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", s.name, err)
		}

		def := s.def
		def.Name = s.name
		def.Provider = binding.Provider
		def.Model = binding.Model
		def.TurnBudget = binding.TurnBudget
		if binding.Temperature != 0 {
			temp := binding.Temperature
			def.Temperature = &temp
		}

		a := New(def, s.contract, client, deps.Tools, deps.Logger)
		a.root = deps.Root
		a.policy = s.policy
		agents = append(agents, a)
	}

	return agents, nil
}

func taskSection(h models.History) string {
	return "Task:\n" + h.Task()
}

func plan(h models.History) Plan {
	return ParsePlan(h.SummaryFrom(models.PlannerAgent))
}

func backendSummary(h models.History) string {
	s := h.SummaryFrom(models.BackendAgent)
	if s == "" {
		return "(The backend developer did not provide a summary. Infer the API from the task and the plan.)"
	}
	return s
}

func sections(parts ...string) string {
	return strings.Join(parts, "\n\n---\n")
}

func plannerView(h models.History) string {
	return taskSection(h)
}

func backendView(h models.History) string {
	return sections(taskSection(h), "Backend plan:\n"+orNone(plan(h).Backend))
}

func frontendView(h models.History) string {
	return sections(taskSection(h), "Frontend plan:\n"+orNone(plan(h).Frontend), "Backend summary:\n"+backendSummary(h))
}

func qaView(h models.History) string {
	return sections(taskSection(h), "Backend summary:\n"+backendSummary(h))
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(No plan was produced.)"
	}
	return s
}
