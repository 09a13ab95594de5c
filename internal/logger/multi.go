package logger

import (
	"github.com/JeromySt/dagconductor/internal/model"
	"github.com/JeromySt/dagconductor/internal/runner"
)

// MultiLogger fans every event out to a fixed set of runner.Logger
// implementations, e.g. a ConsoleLogger for interactive feedback and a
// FileLogger for the durable run log.
type MultiLogger struct {
	targets []runner.Logger
}

// NewMultiLogger builds a MultiLogger fanning out to every given target, in
// order. Nil targets are skipped.
func NewMultiLogger(targets ...runner.Logger) *MultiLogger {
	ml := &MultiLogger{}
	for _, t := range targets {
		if t != nil {
			ml.targets = append(ml.targets, t)
		}
	}
	return ml
}

func (ml *MultiLogger) LogNodeTransition(planID, nodeID string, from, to model.NodeStatus) {
	for _, t := range ml.targets {
		t.LogNodeTransition(planID, nodeID, from, to)
	}
}

func (ml *MultiLogger) LogPhaseStart(planID, nodeID string, phase model.Phase) {
	for _, t := range ml.targets {
		t.LogPhaseStart(planID, nodeID, phase)
	}
}

func (ml *MultiLogger) LogPhaseResult(planID, nodeID string, phase model.Phase, status model.StepStatus) {
	for _, t := range ml.targets {
		t.LogPhaseResult(planID, nodeID, phase, status)
	}
}

func (ml *MultiLogger) LogPlanComplete(planID string, status model.PlanStatus) {
	for _, t := range ml.targets {
		t.LogPlanComplete(planID, status)
	}
}

func (ml *MultiLogger) LogWorktreeEvent(planID, nodeID, event string) {
	for _, t := range ml.targets {
		t.LogWorktreeEvent(planID, nodeID, event)
	}
}

func (ml *MultiLogger) LogMergeConflict(planID, nodeID, dependencyID string) {
	for _, t := range ml.targets {
		t.LogMergeConflict(planID, nodeID, dependencyID)
	}
}

func (ml *MultiLogger) LogAutoHeal(planID, nodeID string, phase model.Phase) {
	for _, t := range ml.targets {
		t.LogAutoHeal(planID, nodeID, phase)
	}
}

func (ml *MultiLogger) LogRetry(planID, nodeID string, attempt int) {
	for _, t := range ml.targets {
		t.LogRetry(planID, nodeID, attempt)
	}
}
