package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeromySt/dagconductor/internal/model"
	"github.com/JeromySt/dagconductor/internal/planbuilder"
)

func buildTestPlan(t *testing.T) *model.PlanInstance {
	t.Helper()
	spec := model.PlanSpec{
		Name:       "roundtrip plan",
		BaseBranch: "main",
		Jobs: []model.JobNodeSpec{
			{ProducerID: "alpha", Name: "alpha"},
			{ProducerID: "beta", Name: "beta", Dependencies: []string{"alpha"}},
		},
	}
	plan, err := planbuilder.BuildPlan(spec, planbuilder.BuildOpts{})
	require.NoError(t, err)
	return plan
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	plan := buildTestPlan(t)
	require.NoError(t, s.SavePlan(plan))

	loaded, err := s.LoadPlan(plan.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, plan.ID, loaded.ID)
	assert.Equal(t, plan.Spec.Name, loaded.Spec.Name)
	assert.Len(t, loaded.Nodes, len(plan.Nodes))
	assert.ElementsMatch(t, plan.Roots, loaded.Roots)

	alphaID := plan.ProducerIDToNodeID["alpha"]
	betaID := plan.ProducerIDToNodeID["beta"]
	require.Contains(t, loaded.NodeStates, alphaID)
	assert.Equal(t, plan.NodeStates[alphaID].Status, loaded.NodeStates[alphaID].Status)
	require.Contains(t, loaded.Nodes, betaID)
	assert.Equal(t, []string{alphaID}, loaded.Nodes[betaID].Dependencies)
}

func TestStore_LoadPlan_MissingYieldsNilNotError(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	loaded, err := s.LoadPlan("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStore_LoadPlan_CorruptYieldsNilNotError(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	plan := buildTestPlan(t)
	require.NoError(t, s.SavePlan(plan))

	require.NoError(t, os.WriteFile(filepath.Join(dir, plan.ID, "plan.json"), []byte("{not json"), 0o644))

	loaded, err := s.LoadPlan(plan.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStore_ListAndDeletePlan(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	plan := buildTestPlan(t)
	require.NoError(t, s.SavePlan(plan))

	ids, err := s.ListPlanIDs()
	require.NoError(t, err)
	assert.Contains(t, ids, plan.ID)

	require.NoError(t, s.DeletePlan(plan.ID))
	ids, err = s.ListPlanIDs()
	require.NoError(t, err)
	assert.NotContains(t, ids, plan.ID)

	loaded, err := s.LoadPlan(plan.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStore_AppendLog(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.AppendLog("plan-1", "node-1", 1, []byte("line one")))
	require.NoError(t, s.AppendLog("plan-1", "node-1", 1, []byte("line two")))

	data, err := os.ReadFile(s.LogPath("plan-1", "node-1", 1))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))
}

func TestSanitizeLogName_StripsUnsafeChars(t *testing.T) {
	name := sanitizeLogName("plan/../x", "node:1", 2)
	assert.Equal(t, "plan____x-node_1-2.log", name)
}
