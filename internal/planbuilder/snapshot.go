package planbuilder

import (
	"github.com/google/uuid"

	"github.com/JeromySt/dagconductor/internal/model"
)

// injectSnapshotValidation adds the builder-invariant terminal snapshot-validation
// node, depending on every current leaf (node with no dependents), and rewires
// it to be the plan's sole leaf (§3 "Snapshot-validation node (invariant)").
//
// Must run after all user nodes are materialized and before roots/leaves are
// (re)computed, per §4.1.
func injectSnapshotValidation(plan *model.PlanInstance, verifyRI *model.WorkSpec) {
	var currentLeaves []string
	for id, node := range plan.Nodes {
		if len(node.Dependents) == 0 {
			currentLeaves = append(currentLeaves, id)
		}
	}

	svID := uuid.NewString()
	svNode := &model.JobNode{
		ID:           svID,
		ProducerID:   model.SnapshotValidationProducerID,
		Name:         model.SnapshotValidationName,
		Task:         "Rebase the integrated snapshot onto the current target branch head and run final verification.",
		Work:         verifyRI,
		Dependencies: append([]string{}, currentLeaves...),
	}

	for _, leafID := range currentLeaves {
		plan.Nodes[leafID].Dependents = append(plan.Nodes[leafID].Dependents, svID)
	}

	plan.Nodes[svID] = svNode
	plan.ProducerIDToNodeID[model.SnapshotValidationProducerID] = svID
	plan.NodeStates[svID] = &model.NodeExecutionState{Status: model.StatusPending}

	if len(plan.Groups) > 0 {
		groupID := ensureGroupPath(plan, model.FinalMergeValidationGroup)
		svNode.Group = model.FinalMergeValidationGroup
		g := plan.Groups[groupID]
		g.NodeIDs = append(g.NodeIDs, svID)
		g.AllNodeIDs = append(g.AllNodeIDs, svID)
		g.TotalNodes = len(g.AllNodeIDs)
		bubbleGroupCounts(plan, g.ParentGroupID, svID)
	}
}

func bubbleGroupCounts(plan *model.PlanInstance, groupID string, newNodeID string) {
	for groupID != "" {
		g, ok := plan.Groups[groupID]
		if !ok {
			return
		}
		g.AllNodeIDs = append(g.AllNodeIDs, newNodeID)
		g.TotalNodes = len(g.AllNodeIDs)
		groupID = g.ParentGroupID
	}
}

// recomputeRootsAndLeaves derives Roots (no dependencies) and Leaves from the
// current node set. After snapshot-validation injection the leaf set is
// always exactly {svID} (invariant 7, §3).
func recomputeRootsAndLeaves(plan *model.PlanInstance) {
	var roots, leaves []string
	for id, node := range plan.Nodes {
		if len(node.Dependencies) == 0 {
			roots = append(roots, id)
		}
		if len(node.Dependents) == 0 {
			leaves = append(leaves, id)
		}
	}
	plan.Roots = roots
	plan.Leaves = leaves
}

// seedInitialStatuses sets nodes with no dependencies to ready, all others to
// pending (§4.1 "Root status seed").
func seedInitialStatuses(plan *model.PlanInstance) {
	for id, node := range plan.Nodes {
		state := plan.NodeStates[id]
		if len(node.Dependencies) == 0 {
			state.Status = model.StatusReady
		} else {
			state.Status = model.StatusPending
		}
	}
}
