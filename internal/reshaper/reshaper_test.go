package reshaper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeromySt/dagconductor/internal/model"
	"github.com/JeromySt/dagconductor/internal/planbuilder"
)

func buildPlan(t *testing.T, jobs ...model.JobNodeSpec) *model.PlanInstance {
	t.Helper()
	plan, err := planbuilder.BuildPlan(model.PlanSpec{Jobs: jobs}, planbuilder.BuildOpts{})
	require.NoError(t, err)
	return plan
}

func TestAddNode_WiresDependenciesAndGoesReady(t *testing.T) {
	plan := buildPlan(t, model.JobNodeSpec{ProducerID: "job-a", Task: "t"})
	aID := plan.ProducerIDToNodeID["job-a"]
	plan.NodeStates[aID].Status = model.StatusSucceeded
	plan.NodeStates[aID].CompletedCommit = "c1"

	res := AddNode(plan, model.JobNodeSpec{ProducerID: "job-b", Task: "t", Dependencies: []string{"job-a"}})
	require.True(t, res.Success, res.Error)
	require.NotEmpty(t, res.NodeID)

	node := plan.Nodes[res.NodeID]
	require.NotNil(t, node)
	assert.Equal(t, []string{aID}, node.Dependencies)
	assert.Contains(t, plan.Nodes[aID].Dependents, res.NodeID)
	assert.Equal(t, model.StatusReady, plan.NodeStates[res.NodeID].Status)
}

func TestAddNode_PendingWhenDependencyNotSucceeded(t *testing.T) {
	plan := buildPlan(t, model.JobNodeSpec{ProducerID: "job-a", Task: "t"})

	res := AddNode(plan, model.JobNodeSpec{ProducerID: "job-b", Task: "t", Dependencies: []string{"job-a"}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, model.StatusPending, plan.NodeStates[res.NodeID].Status)
}

func TestAddNode_RejectsUnknownDependency(t *testing.T) {
	plan := buildPlan(t, model.JobNodeSpec{ProducerID: "job-a", Task: "t"})
	before := plan.StateVersion

	res := AddNode(plan, model.JobNodeSpec{ProducerID: "job-b", Task: "t", Dependencies: []string{"ghost"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "ghost")
	assert.Equal(t, before, plan.StateVersion, "a failed edit must not mutate plan state")
}

func TestAddNode_RejectsDuplicateProducerID(t *testing.T) {
	plan := buildPlan(t, model.JobNodeSpec{ProducerID: "job-a", Task: "t"})

	res := AddNode(plan, model.JobNodeSpec{ProducerID: "job-a", Task: "t"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "already exists")
}

func TestAddNode_RejectsInvalidProducerID(t *testing.T) {
	plan := buildPlan(t, model.JobNodeSpec{ProducerID: "job-a", Task: "t"})

	res := AddNode(plan, model.JobNodeSpec{ProducerID: "B", Task: "t"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid producerId")
}

func TestAddNode_RejectsOnEndedPlan(t *testing.T) {
	plan := buildPlan(t, model.JobNodeSpec{ProducerID: "job-a", Task: "t"})
	ended := int64(1000)
	plan.EndedAt = &ended

	res := AddNode(plan, model.JobNodeSpec{ProducerID: "job-b", Task: "t"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not modifiable")
}

func TestAddNode_RejectsUnavailableDependency(t *testing.T) {
	plan := buildPlan(t, model.JobNodeSpec{ProducerID: "job-a", Task: "t"})
	aID := plan.ProducerIDToNodeID["job-a"]
	plan.NodeStates[aID].Status = model.StatusSucceeded
	plan.NodeStates[aID].CompletedCommit = "c1"
	plan.NodeStates[aID].WorktreeCleanedUp = true

	res := AddNode(plan, model.JobNodeSpec{ProducerID: "job-b", Task: "t", Dependencies: []string{"job-a"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not available")
}

func TestAddNodeBefore_AddsExtraDependencyWithoutTouchingExisting(t *testing.T) {
	plan := buildPlan(t,
		model.JobNodeSpec{ProducerID: "root", Task: "t"},
		model.JobNodeSpec{ProducerID: "job-b", Task: "t", Dependencies: []string{"root"}},
	)
	bID := plan.ProducerIDToNodeID["job-b"]
	rootID := plan.ProducerIDToNodeID["root"]

	res := AddNodeBefore(plan, bID, model.JobNodeSpec{ProducerID: "gate", Task: "t"})
	require.True(t, res.Success, res.Error)

	node := plan.Nodes[bID]
	assert.ElementsMatch(t, []string{rootID, res.NodeID}, node.Dependencies)
	assert.Equal(t, model.StatusPending, plan.NodeStates[bID].Status, "job-b now has an unsucceeded new dependency")
}

func TestAddNodeBefore_RejectsWhenExistingNotModifiable(t *testing.T) {
	plan := buildPlan(t, model.JobNodeSpec{ProducerID: "job-a", Task: "t"})
	aID := plan.ProducerIDToNodeID["job-a"]
	plan.NodeStates[aID].Status = model.StatusSucceeded

	res := AddNodeBefore(plan, aID, model.JobNodeSpec{ProducerID: "gate", Task: "t"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not in a modifiable status")
}

func TestAddNodeAfter_DependsOnExisting(t *testing.T) {
	plan := buildPlan(t, model.JobNodeSpec{ProducerID: "job-a", Task: "t"})
	aID := plan.ProducerIDToNodeID["job-a"]

	res := AddNodeAfter(plan, aID, model.JobNodeSpec{ProducerID: "follow-up", Task: "t"})
	require.True(t, res.Success, res.Error)

	node := plan.Nodes[res.NodeID]
	assert.Equal(t, []string{aID}, node.Dependencies)
	assert.Contains(t, plan.Nodes[aID].Dependents, res.NodeID)
}

func TestRemoveNode_DetachesFromDependentsAndRecomputesStatus(t *testing.T) {
	plan := buildPlan(t,
		model.JobNodeSpec{ProducerID: "job-a", Task: "t"},
		model.JobNodeSpec{ProducerID: "job-b", Task: "t", Dependencies: []string{"job-a"}},
	)
	aID := plan.ProducerIDToNodeID["job-a"]
	bID := plan.ProducerIDToNodeID["job-b"]

	res := RemoveNode(plan, aID)
	require.True(t, res.Success, res.Error)

	_, stillThere := plan.Nodes[aID]
	assert.False(t, stillThere)
	assert.Empty(t, plan.Nodes[bID].Dependencies)
	assert.Equal(t, model.StatusReady, plan.NodeStates[bID].Status, "job-b has no dependencies left, so it's ready")
	assert.Contains(t, plan.Roots, bID)
}

func TestRemoveNode_RejectsWhenDependentNotModifiable(t *testing.T) {
	plan := buildPlan(t,
		model.JobNodeSpec{ProducerID: "job-a", Task: "t"},
		model.JobNodeSpec{ProducerID: "job-b", Task: "t", Dependencies: []string{"job-a"}},
	)
	aID := plan.ProducerIDToNodeID["job-a"]
	bID := plan.ProducerIDToNodeID["job-b"]
	plan.NodeStates[bID].Status = model.StatusSucceeded

	res := RemoveNode(plan, aID)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not in a modifiable status")
	_, stillThere := plan.Nodes[aID]
	assert.True(t, stillThere, "a failed remove must not mutate the plan")
}

func TestUpdateNodeDependencies_RejectsCycle(t *testing.T) {
	plan := buildPlan(t,
		model.JobNodeSpec{ProducerID: "job-a", Task: "t"},
		model.JobNodeSpec{ProducerID: "job-b", Task: "t", Dependencies: []string{"job-a"}},
	)
	aID := plan.ProducerIDToNodeID["job-a"]

	res := UpdateNodeDependencies(plan, aID, []string{"job-b"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "circular")
}

func TestUpdateNodeDependencies_RejectsSelfEdge(t *testing.T) {
	plan := buildPlan(t, model.JobNodeSpec{ProducerID: "job-a", Task: "t"})

	res := UpdateNodeDependencies(plan, plan.ProducerIDToNodeID["job-a"], []string{"job-a"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "circular")
}

func TestUpdateNodeDependencies_SwapsEdgesAndRecomputesReadiness(t *testing.T) {
	plan := buildPlan(t,
		model.JobNodeSpec{ProducerID: "job-a", Task: "t"},
		model.JobNodeSpec{ProducerID: "job-b", Task: "t"},
		model.JobNodeSpec{ProducerID: "job-c", Task: "t", Dependencies: []string{"job-a"}},
	)
	aID := plan.ProducerIDToNodeID["job-a"]
	bID := plan.ProducerIDToNodeID["job-b"]
	cID := plan.ProducerIDToNodeID["job-c"]
	plan.NodeStates[bID].Status = model.StatusSucceeded
	plan.NodeStates[bID].CompletedCommit = "c1"

	res := UpdateNodeDependencies(plan, cID, []string{"job-b"})
	require.True(t, res.Success, res.Error)

	assert.Equal(t, []string{bID}, plan.Nodes[cID].Dependencies)
	assert.NotContains(t, plan.Nodes[aID].Dependents, cID)
	assert.Contains(t, plan.Nodes[bID].Dependents, cID)
	assert.Equal(t, model.StatusReady, plan.NodeStates[cID].Status)
}

func TestUpdateNodeDependencies_RejectsOnRunningNode(t *testing.T) {
	plan := buildPlan(t, model.JobNodeSpec{ProducerID: "job-a", Task: "t"})
	aID := plan.ProducerIDToNodeID["job-a"]
	plan.NodeStates[aID].Status = model.StatusRunning

	res := UpdateNodeDependencies(plan, aID, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not in a modifiable status")
}

func TestSuccessfulEdit_BumpsStateVersion(t *testing.T) {
	plan := buildPlan(t, model.JobNodeSpec{ProducerID: "job-a", Task: "t"})
	before := plan.StateVersion

	res := AddNode(plan, model.JobNodeSpec{ProducerID: "job-b", Task: "t"})
	require.True(t, res.Success, res.Error)
	assert.Greater(t, plan.StateVersion, before)
}
