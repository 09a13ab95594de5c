package planbuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeromySt/dagconductor/internal/model"
)

func TestBuildPlan_SingleJobHappyPath(t *testing.T) {
	// S1 — single job, happy path.
	spec := model.PlanSpec{
		Name: "s1",
		Jobs: []model.JobNodeSpec{
			{ProducerID: "build", Task: "x"},
		},
	}

	plan, err := BuildPlan(spec, BuildOpts{})
	require.NoError(t, err)

	assert.Len(t, plan.Nodes, 2)
	assert.Equal(t, "main", plan.BaseBranch)
	assert.Equal(t, "main", plan.TargetBranch)

	buildID := plan.ProducerIDToNodeID["build"]
	require.NotEmpty(t, buildID)
	assert.Equal(t, []string{buildID}, plan.Roots)

	svID := plan.ProducerIDToNodeID[model.SnapshotValidationProducerID]
	require.NotEmpty(t, svID)
	assert.Equal(t, []string{svID}, plan.Leaves)

	assert.Equal(t, model.StatusReady, plan.NodeStates[buildID].Status)
	assert.Equal(t, model.StatusPending, plan.NodeStates[svID].Status)
}

func TestBuildPlan_CycleRejected(t *testing.T) {
	// S8 — cycle rejected.
	spec := model.PlanSpec{
		Jobs: []model.JobNodeSpec{
			{ProducerID: "x", Task: "t", Dependencies: []string{"y"}},
			{ProducerID: "y", Task: "t", Dependencies: []string{"x"}},
		},
	}

	_, err := BuildPlan(spec, BuildOpts{})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	joined := verr.Error()
	assert.Contains(t, joined, "Circular")
	assert.Contains(t, joined, "x")
	assert.Contains(t, joined, "y")
}

func TestBuildPlan_DuplicateProducerID(t *testing.T) {
	spec := model.PlanSpec{
		Jobs: []model.JobNodeSpec{
			{ProducerID: "a", Task: "t"},
			{ProducerID: "a", Task: "t2"},
		},
	}
	_, err := BuildPlan(spec, BuildOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate producerId "a"`)
}

func TestBuildPlan_UnknownDependency(t *testing.T) {
	spec := model.PlanSpec{
		Jobs: []model.JobNodeSpec{
			{ProducerID: "a", Task: "t", Dependencies: []string{"ghost"}},
		},
	}
	_, err := BuildPlan(spec, BuildOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown producerId")
}

func TestBuildPlan_RejectsSubPlan(t *testing.T) {
	spec := model.PlanSpec{
		Jobs: []model.JobNodeSpec{
			{ProducerID: "a", Task: "t", SubPlan: map[string]interface{}{"x": 1}},
		},
	}
	_, err := BuildPlan(spec, BuildOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subPlan")
}

func TestBuildPlan_Diamond(t *testing.T) {
	// S4 — diamond shape, used by later statemachine tests; assert structure here.
	spec := model.PlanSpec{
		Jobs: []model.JobNodeSpec{
			{ProducerID: "a", Task: "t"},
			{ProducerID: "b", Task: "t"},
			{ProducerID: "c", Task: "t", Dependencies: []string{"a", "b"}},
		},
	}
	plan, err := BuildPlan(spec, BuildOpts{})
	require.NoError(t, err)

	aID := plan.ProducerIDToNodeID["a"]
	bID := plan.ProducerIDToNodeID["b"]
	cID := plan.ProducerIDToNodeID["c"]

	assert.ElementsMatch(t, []string{aID, bID}, plan.Roots)
	assert.Len(t, plan.Nodes[cID].Dependencies, 2)
	assert.Contains(t, plan.Nodes[aID].Dependents, cID)
	assert.Contains(t, plan.Nodes[bID].Dependents, cID)
}

func TestBuildPlan_GroupSynthesis(t *testing.T) {
	spec := model.PlanSpec{
		Jobs: []model.JobNodeSpec{
			{ProducerID: "a", Task: "t", Group: "backend/api"},
			{ProducerID: "b", Task: "t", Group: "backend/db"},
		},
	}
	plan, err := BuildPlan(spec, BuildOpts{})
	require.NoError(t, err)

	backendID, ok := plan.GroupPathToID["backend"]
	require.True(t, ok)
	apiID, ok := plan.GroupPathToID["backend/api"]
	require.True(t, ok)
	dbID, ok := plan.GroupPathToID["backend/db"]
	require.True(t, ok)

	backend := plan.Groups[backendID]
	assert.ElementsMatch(t, []string{apiID, dbID}, backend.ChildGroupIDs)
	assert.Equal(t, 2, backend.TotalNodes)

	// Snapshot-validation joins the auto-created "Final Merge Validation" group
	// because the plan declares groups.
	fmvID, ok := plan.GroupPathToID[model.FinalMergeValidationGroup]
	require.True(t, ok)
	fmv := plan.Groups[fmvID]
	assert.Equal(t, 1, fmv.TotalNodes)
}

func TestBuildSingleJobPlan_SlugifiesName(t *testing.T) {
	plan, err := BuildSingleJobPlan(model.JobNodeSpec{Name: "Fix Bug!! #42", Task: "t"}, BuildOpts{})
	require.NoError(t, err)
	require.Len(t, plan.Nodes, 2)

	var found bool
	for _, n := range plan.Nodes {
		if n.ProducerID != model.SnapshotValidationProducerID {
			found = true
			assert.Regexp(t, `^[a-z0-9][a-z0-9-]{2,}$`, n.ProducerID)
		}
	}
	assert.True(t, found)
}
