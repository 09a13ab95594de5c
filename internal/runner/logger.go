package runner

import "github.com/JeromySt/dagconductor/internal/model"

// Logger receives runner-level events, analogous to the teacher's
// executor.Logger interface but scoped to this system's node/worktree
// vocabulary (§1 ambient stack).
type Logger interface {
	LogNodeTransition(planID, nodeID string, from, to model.NodeStatus)
	LogPhaseStart(planID, nodeID string, phase model.Phase)
	LogPhaseResult(planID, nodeID string, phase model.Phase, status model.StepStatus)
	LogPlanComplete(planID string, status model.PlanStatus)
	LogWorktreeEvent(planID, nodeID, event string)
	LogMergeConflict(planID, nodeID, dependencyID string)
	LogAutoHeal(planID, nodeID string, phase model.Phase)
	LogRetry(planID, nodeID string, attempt int)
}

// NoopLogger discards every event. Used as the default when callers don't
// supply one.
type NoopLogger struct{}

func (NoopLogger) LogNodeTransition(string, string, model.NodeStatus, model.NodeStatus) {}
func (NoopLogger) LogPhaseStart(string, string, model.Phase)                            {}
func (NoopLogger) LogPhaseResult(string, string, model.Phase, model.StepStatus)         {}
func (NoopLogger) LogPlanComplete(string, model.PlanStatus)                            {}
func (NoopLogger) LogWorktreeEvent(string, string, string)                             {}
func (NoopLogger) LogMergeConflict(string, string, string)                             {}
func (NoopLogger) LogAutoHeal(string, string, model.Phase)                             {}
func (NoopLogger) LogRetry(string, string, int)                                        {}
