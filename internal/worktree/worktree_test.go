package worktree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeromySt/dagconductor/internal/clock"
	"github.com/JeromySt/dagconductor/internal/model"
	"github.com/JeromySt/dagconductor/internal/planbuilder"
	"github.com/JeromySt/dagconductor/internal/statemachine"
)

func buildDiamond(t *testing.T) (*model.PlanInstance, *statemachine.StateMachine) {
	t.Helper()
	spec := model.PlanSpec{
		TargetBranch: "main",
		Jobs: []model.JobNodeSpec{
			{ProducerID: "a", Task: "t"},
			{ProducerID: "b", Task: "t", Dependencies: []string{"a"}},
			{ProducerID: "c", Task: "t", Dependencies: []string{"a"}},
			{ProducerID: "d", Task: "t", Dependencies: []string{"b", "c"}},
		},
	}
	plan, err := planbuilder.BuildPlan(spec, planbuilder.BuildOpts{})
	require.NoError(t, err)
	sm := statemachine.New(plan, clock.NewFixed(1000))
	return plan, sm
}

func TestCleanupOrdering_Diamond(t *testing.T) {
	// S6.
	plan, _ := buildDiamond(t)
	aID := plan.ProducerIDToNodeID["a"]
	bID := plan.ProducerIDToNodeID["b"]
	cID := plan.ProducerIDToNodeID["c"]

	aState := plan.NodeStates[aID]
	aState.CompletedCommit = "c1"

	assert.False(t, AllConsumersConsumed(plan, aID))

	AcknowledgeConsumption(aState, bID)
	assert.Equal(t, []string{bID}, aState.ConsumedByDependents)
	assert.False(t, AllConsumersConsumed(plan, aID))

	// Idempotent re-acknowledgement doesn't duplicate.
	AcknowledgeConsumption(aState, bID)
	assert.Equal(t, []string{bID}, aState.ConsumedByDependents)

	AcknowledgeConsumption(aState, cID)
	assert.ElementsMatch(t, []string{bID, cID}, aState.ConsumedByDependents)
	assert.True(t, AllConsumersConsumed(plan, aID))

	assert.True(t, CanCleanup(plan, aID, true))
	assert.False(t, CanCleanup(plan, aID, false))
}

func TestCanCleanup_NotWhileRunning(t *testing.T) {
	plan, _ := buildDiamond(t)
	aID := plan.ProducerIDToNodeID["a"]
	bID := plan.ProducerIDToNodeID["b"]
	cID := plan.ProducerIDToNodeID["c"]
	aState := plan.NodeStates[aID]
	aState.CompletedCommit = "c1"
	aState.Status = model.StatusRunning
	AcknowledgeConsumption(aState, bID)
	AcknowledgeConsumption(aState, cID)

	assert.False(t, CanCleanup(plan, aID, true))
}

func TestAllConsumersConsumed_LeafUsesMergedToTarget(t *testing.T) {
	plan, _ := buildDiamond(t)
	dID := plan.ProducerIDToNodeID["d"]
	// d's only dependent is the injected snapshot-validation node, not a leaf
	// by DAG edges alone, so exercise the true leaf rule directly via a
	// synthetic state with no dependents.
	dState := plan.NodeStates[dID]
	dNode := plan.Nodes[dID]
	savedDependents := dNode.Dependents
	dNode.Dependents = nil
	defer func() { dNode.Dependents = savedDependents }()

	dState.MergedToTarget = false
	assert.False(t, AllConsumersConsumed(plan, dID))
	dState.MergedToTarget = true
	assert.True(t, AllConsumersConsumed(plan, dID))
}

func TestIsAvailableForReshape(t *testing.T) {
	succeeded := &model.NodeExecutionState{Status: model.StatusSucceeded, CompletedCommit: "c1"}
	assert.True(t, IsAvailableForReshape(succeeded))

	cleanedUp := &model.NodeExecutionState{Status: model.StatusSucceeded, CompletedCommit: "c1", WorktreeCleanedUp: true}
	assert.False(t, IsAvailableForReshape(cleanedUp))

	running := &model.NodeExecutionState{Status: model.StatusRunning, WorktreePath: "/wt/a"}
	assert.True(t, IsAvailableForReshape(running))

	failed := &model.NodeExecutionState{Status: model.StatusFailed}
	assert.False(t, IsAvailableForReshape(failed))

	pending := &model.NodeExecutionState{Status: model.StatusPending}
	assert.True(t, IsAvailableForReshape(pending))
}

func TestResolveTargetBranch_DerivesFromPlanName(t *testing.T) {
	plan, _ := buildDiamond(t)
	plan.Spec.Name = "My Cool Plan!!"
	plan.BaseBranch = "main"
	plan.TargetBranch = "main" // caller supplied the base branch as target

	m := New("/repo", nil, DefaultConfig())
	target, err := m.ResolveTargetBranch(nil, plan)
	require.NoError(t, err)
	assert.Equal(t, "conductor/my-cool-plan", target)
}
