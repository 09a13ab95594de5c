package planbuilder

import (
	"strings"

	"github.com/google/uuid"

	"github.com/JeromySt/dagconductor/internal/model"
)

// materializeGroups auto-creates the group hierarchy implied by every node's
// slash-separated Group path, populating parent/child links, direct and
// transitive node membership, and TotalNodes (§3).
func materializeGroups(out *BuiltNodes) {
	// Deterministic order: iterate nodes by id is fine since path creation is idempotent,
	// but we sort producerIds for stable group-id allocation across runs/tests.
	ids := make([]string, 0, len(out.Nodes))
	for id := range out.Nodes {
		ids = append(ids, id)
	}
	sortByProducerID(ids, out.Nodes)

	for _, id := range ids {
		node := out.Nodes[id]
		if node.Group == "" {
			continue
		}
		segments := strings.Split(node.Group, "/")
		var parentID string
		var pathSoFar string
		for i, seg := range segments {
			if pathSoFar == "" {
				pathSoFar = seg
			} else {
				pathSoFar = pathSoFar + "/" + seg
			}
			groupID, exists := out.GroupPathToID[pathSoFar]
			if !exists {
				groupID = uuid.NewString()
				out.GroupPathToID[pathSoFar] = groupID
				g := &model.GroupInstance{
					ID:   groupID,
					Name: seg,
					Path: pathSoFar,
				}
				if parentID != "" {
					g.ParentGroupID = parentID
				}
				out.Groups[groupID] = g
				out.GroupStates[groupID] = &model.GroupExecutionState{Status: model.PlanPending}

				if parentID != "" {
					addChildOnce(out.Groups[parentID], groupID)
				}
			}
			if i == len(segments)-1 {
				out.Groups[groupID].NodeIDs = append(out.Groups[groupID].NodeIDs, node.ID)
			}
			parentID = groupID
		}
	}

	recomputeGroupAggregates(out)
}

func addChildOnce(parent *model.GroupInstance, childID string) {
	for _, c := range parent.ChildGroupIDs {
		if c == childID {
			return
		}
	}
	parent.ChildGroupIDs = append(parent.ChildGroupIDs, childID)
}

// recomputeGroupAggregates fills AllNodeIDs (transitive closure of descendant
// nodes) and TotalNodes for every group, leaves first.
func recomputeGroupAggregates(out *BuiltNodes) {
	var resolve func(id string) []string
	memo := make(map[string][]string)
	resolve = func(id string) []string {
		if cached, ok := memo[id]; ok {
			return cached
		}
		g := out.Groups[id]
		all := append([]string{}, g.NodeIDs...)
		for _, child := range g.ChildGroupIDs {
			all = append(all, resolve(child)...)
		}
		memo[id] = all
		return all
	}

	for id, g := range out.Groups {
		g.AllNodeIDs = resolve(id)
		g.TotalNodes = len(g.AllNodeIDs)
	}
}

func sortByProducerID(ids []string, nodes map[string]*model.JobNode) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && nodes[ids[j-1]].ProducerID > nodes[ids[j]].ProducerID; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// ensureGroupPath materializes every group along a slash-separated path,
// creating any that are missing, and returns the id of the last one. Used by
// the snapshot-validation injector.
func ensureGroupPath(plan *model.PlanInstance, path string) string {
	segments := strings.Split(path, "/")
	var parentID, pathSoFar string
	for i, seg := range segments {
		if pathSoFar == "" {
			pathSoFar = seg
		} else {
			pathSoFar = pathSoFar + "/" + seg
		}
		groupID, exists := plan.GroupPathToID[pathSoFar]
		if !exists {
			groupID = uuid.NewString()
			plan.GroupPathToID[pathSoFar] = groupID
			g := &model.GroupInstance{ID: groupID, Name: seg, Path: pathSoFar}
			if parentID != "" {
				g.ParentGroupID = parentID
				addChildOnce(plan.Groups[parentID], groupID)
			}
			plan.Groups[groupID] = g
			plan.GroupStates[groupID] = &model.GroupExecutionState{Status: model.PlanPending}
		}
		parentID = groupID
		_ = i
	}
	return parentID
}
