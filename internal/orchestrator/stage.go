package orchestrator

import "github.com/mpataki/autodev/internal/models"

// Stage is a state of the pipeline. Transitions only move forward, one
// stage at a time.
type Stage string

const (
	StageStart    Stage = "START"
	StagePlan     Stage = "PLAN"
	StageBackend  Stage = "BACKEND"
	StageFrontend Stage = "FRONTEND"
	StageQA       Stage = "QA"
	StageDone     Stage = "DONE"
)

var stageOrder = []Stage{StageStart, StagePlan, StageBackend, StageFrontend, StageQA, StageDone}

var stageAgents = map[Stage]string{
	StagePlan:     models.PlannerAgent,
	StageBackend:  models.BackendAgent,
	StageFrontend: models.FrontendAgent,
	StageQA:       models.QAAgent,
}

// Next is the only stage reachable from s. DONE has no successor.
func (s Stage) Next() Stage {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return StageDone
}

// Agent is the role agent that works in s, or "" for START and DONE.
func (s Stage) Agent() string {
	return stageAgents[s]
}

func (s Stage) Valid() bool {
	for _, st := range stageOrder {
		if st == s {
			return true
		}
	}
	return false
}

func StageOf(agent string) (Stage, bool) {
	for st, a := range stageAgents {
		if a == agent {
			return st, true
		}
	}
	return "", false
}
