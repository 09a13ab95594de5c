package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeromySt/dagconductor/internal/clock"
	"github.com/JeromySt/dagconductor/internal/model"
	"github.com/JeromySt/dagconductor/internal/planbuilder"
)

func buildLinear(t *testing.T) (*model.PlanInstance, *StateMachine, map[string]string) {
	t.Helper()
	spec := model.PlanSpec{
		Jobs: []model.JobNodeSpec{
			{ProducerID: "a", Task: "t"},
			{ProducerID: "b", Task: "t", Dependencies: []string{"a"}},
			{ProducerID: "c", Task: "t", Dependencies: []string{"b"}},
		},
	}
	plan, err := planbuilder.BuildPlan(spec, planbuilder.BuildOpts{})
	require.NoError(t, err)

	sm := New(plan, clock.NewFixed(1000))
	ids := map[string]string{
		"a": plan.ProducerIDToNodeID["a"],
		"b": plan.ProducerIDToNodeID["b"],
		"c": plan.ProducerIDToNodeID["c"],
	}
	return plan, sm, ids
}

func TestTransition_IllegalReturnsFalse(t *testing.T) {
	_, sm, ids := buildLinear(t)
	// b is pending; pending -> running is illegal.
	ok := sm.Transition(ids["b"], model.StatusRunning, nil)
	assert.False(t, ok)
	st, _ := sm.GetNodeStatus(ids["b"])
	assert.Equal(t, model.StatusPending, st)
}

func TestTransition_UnknownNodeReturnsFalse(t *testing.T) {
	_, sm, _ := buildLinear(t)
	assert.False(t, sm.Transition("does-not-exist", model.StatusReady, nil))
}

func TestFailureCascades(t *testing.T) {
	// S2 — failure cascades.
	plan, sm, ids := buildLinear(t)

	require.True(t, sm.Transition(ids["a"], model.StatusScheduled, nil))
	require.True(t, sm.Transition(ids["a"], model.StatusRunning, nil))
	require.True(t, sm.Transition(ids["a"], model.StatusFailed, nil))

	bStatus, _ := sm.GetNodeStatus(ids["b"])
	cStatus, _ := sm.GetNodeStatus(ids["c"])
	assert.Equal(t, model.StatusBlocked, bStatus)
	assert.Equal(t, model.StatusBlocked, cStatus)

	// The snapshot-validation node (c's dependent) is also blocked transitively.
	svID := plan.ProducerIDToNodeID[model.SnapshotValidationProducerID]
	svStatus, _ := sm.GetNodeStatus(svID)
	assert.Equal(t, model.StatusBlocked, svStatus)
	assert.Equal(t, model.PlanFailed, sm.ComputePlanStatus())
}

func TestRetryRecovers(t *testing.T) {
	// S3 — retry recovers.
	_, sm, ids := buildLinear(t)

	require.True(t, sm.Transition(ids["a"], model.StatusScheduled, nil))
	require.True(t, sm.Transition(ids["a"], model.StatusRunning, nil))
	require.True(t, sm.Transition(ids["a"], model.StatusFailed, nil))

	require.True(t, sm.ResetNodeToPending(ids["a"]))

	aStatus, _ := sm.GetNodeStatus(ids["a"])
	bStatus, _ := sm.GetNodeStatus(ids["b"])
	cStatus, _ := sm.GetNodeStatus(ids["c"])
	assert.Equal(t, model.StatusReady, aStatus)
	assert.Equal(t, model.StatusPending, bStatus)
	assert.Equal(t, model.StatusPending, cStatus)

	require.True(t, sm.Transition(ids["a"], model.StatusScheduled, nil))
	require.True(t, sm.Transition(ids["a"], model.StatusRunning, nil))
	require.True(t, sm.Transition(ids["a"], model.StatusSucceeded, nil))

	bStatus, _ = sm.GetNodeStatus(ids["b"])
	assert.Equal(t, model.StatusReady, bStatus)
}

func TestDiamond(t *testing.T) {
	// S4 — diamond.
	spec := model.PlanSpec{
		Jobs: []model.JobNodeSpec{
			{ProducerID: "a", Task: "t"},
			{ProducerID: "b", Task: "t"},
			{ProducerID: "c", Task: "t", Dependencies: []string{"a", "b"}},
		},
	}
	plan, err := planbuilder.BuildPlan(spec, planbuilder.BuildOpts{})
	require.NoError(t, err)
	sm := New(plan, clock.NewFixed(1000))

	aID := plan.ProducerIDToNodeID["a"]
	bID := plan.ProducerIDToNodeID["b"]
	cID := plan.ProducerIDToNodeID["c"]

	require.True(t, sm.Transition(aID, model.StatusScheduled, nil))
	require.True(t, sm.Transition(aID, model.StatusRunning, nil))
	require.True(t, sm.Transition(aID, model.StatusSucceeded, nil))

	cStatus, _ := sm.GetNodeStatus(cID)
	assert.Equal(t, model.StatusPending, cStatus)

	require.True(t, sm.Transition(bID, model.StatusScheduled, nil))
	require.True(t, sm.Transition(bID, model.StatusRunning, nil))
	require.True(t, sm.Transition(bID, model.StatusSucceeded, nil))

	cStatus, _ = sm.GetNodeStatus(cID)
	assert.Equal(t, model.StatusReady, cStatus)
}

func TestCancelAll_EndsEveryNonTerminalNodeCanceled(t *testing.T) {
	_, sm, ids := buildLinear(t)
	require.True(t, sm.Transition(ids["a"], model.StatusScheduled, nil))
	require.True(t, sm.Transition(ids["a"], model.StatusRunning, nil))

	sm.CancelAll()

	aStatus, _ := sm.GetNodeStatus(ids["a"])
	bStatus, _ := sm.GetNodeStatus(ids["b"])
	cStatus, _ := sm.GetNodeStatus(ids["c"])
	assert.Equal(t, model.StatusCanceled, aStatus)
	assert.Equal(t, model.StatusCanceled, bStatus)
	assert.Equal(t, model.StatusCanceled, cStatus)
}

func TestPlanCompleteFiresOnce(t *testing.T) {
	_, sm, ids := buildLinear(t)
	var completions int
	sm.AddListener(&countingListener{onComplete: func() { completions++ }})

	require.True(t, sm.Transition(ids["a"], model.StatusScheduled, nil))
	require.True(t, sm.Transition(ids["a"], model.StatusRunning, nil))
	require.True(t, sm.Transition(ids["a"], model.StatusFailed, nil))

	assert.Equal(t, 1, completions)
	// Further transitions are impossible (all terminal); re-asserting failed is a no-op.
	assert.False(t, sm.Transition(ids["a"], model.StatusFailed, nil))
	assert.Equal(t, 1, completions)
}

func TestVersionMonotonicity(t *testing.T) {
	_, sm, ids := buildLinear(t)
	v0 := sm.GetNodeState(ids["a"]).Version
	pv0 := 0

	require.True(t, sm.Transition(ids["a"], model.StatusScheduled, nil))
	v1 := sm.GetNodeState(ids["a"]).Version
	assert.Greater(t, v1, v0)
	_ = pv0
}

type countingListener struct {
	onComplete func()
}

func (c *countingListener) OnTransition(TransitionEvent)     {}
func (c *countingListener) OnNodeReady(string, string)       {}
func (c *countingListener) OnPlanComplete(PlanCompleteEvent) { c.onComplete() }
