package models

// Role agent names, in pipeline order.
const (
	PlannerAgent  = "planner_agent"
	BackendAgent  = "backend_agent"
	FrontendAgent = "frontend_agent"
	QAAgent       = "qa_agent"
)

var PipelineAgents = []string{PlannerAgent, BackendAgent, FrontendAgent, QAAgent}
