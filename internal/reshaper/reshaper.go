// Package reshaper implements structural edits to an already-started plan
// (§4.7): adding, inserting, removing, and re-wiring nodes without tearing
// down and rebuilding the whole DAG.
//
// It deliberately does not call planbuilder.BuildNodes: that helper resolves
// a node's producerId dependencies only against the batch of specs passed to
// it in the same call, which is exactly wrong here — a reshaped node's
// dependencies usually point at nodes that already exist in the live plan.
// Instead this package resolves against plan.ProducerIDToNodeID directly and
// keeps its own minimal cycle check and group-attachment logic, grounded on
// the same patterns planbuilder uses internally (builder.go's detectCycle,
// groups.go's ensureGroupPath and snapshot.go's bubbleGroupCounts).
package reshaper

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/JeromySt/dagconductor/internal/model"
	"github.com/JeromySt/dagconductor/internal/worktree"
)

// Result is the outcome of a single reshape operation (§4.7). Operations
// never mutate plan state when Success is false.
type Result struct {
	Success bool   `json:"success"`
	NodeID  string `json:"nodeId,omitempty"`
	Error   string `json:"error,omitempty"`
}

func fail(format string, args ...interface{}) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// modifiable reports whether a plan may still be structurally edited: either
// it hasn't started yet, or it started but hasn't ended. A paused plan still
// counts as modifiable.
func modifiable(plan *model.PlanInstance) bool {
	return plan.EndedAt == nil
}

// editableStatus reports whether a node's current status permits it to be
// the direct target of a reshape edit.
func editableStatus(s model.NodeStatus) bool {
	switch s {
	case model.StatusPending, model.StatusReady, model.StatusFailed:
		return true
	default:
		return false
	}
}

// AddNode appends a brand-new node to plan, wired to whatever existing nodes
// spec.Dependencies (producerIds) names.
func AddNode(plan *model.PlanInstance, spec model.JobNodeSpec) Result {
	if !modifiable(plan) {
		return fail("plan is not modifiable: already ended")
	}
	if err := validateNewProducerID(plan, spec.ProducerID); err != nil {
		return fail("%s", err)
	}

	depIDs, err := resolveAvailableDeps(plan, spec.Dependencies)
	if err != nil {
		return fail("%s", err)
	}

	node, state, err := materializeNode(spec, depIDs)
	if err != nil {
		return fail("%s", err)
	}

	insertNode(plan, node, state, depIDs)
	return Result{Success: true, NodeID: node.ID}
}

// AddNodeBefore creates a new node and wires it as an additional dependency
// of existingId, leaving existingId's current dependencies untouched.
func AddNodeBefore(plan *model.PlanInstance, existingID string, spec model.JobNodeSpec) Result {
	if !modifiable(plan) {
		return fail("plan is not modifiable: already ended")
	}
	existing := plan.Nodes[existingID]
	existingState := plan.NodeStates[existingID]
	if existing == nil || existingState == nil {
		return fail("unknown node %q", existingID)
	}
	if !editableStatus(existingState.Status) {
		return fail("node %q is not in a modifiable status (%s)", existingID, existingState.Status)
	}
	if err := validateNewProducerID(plan, spec.ProducerID); err != nil {
		return fail("%s", err)
	}

	depIDs, err := resolveAvailableDeps(plan, spec.Dependencies)
	if err != nil {
		return fail("%s", err)
	}

	node, state, err := materializeNode(spec, depIDs)
	if err != nil {
		return fail("%s", err)
	}

	insertNode(plan, node, state, depIDs)

	existing.Dependencies = append(existing.Dependencies, node.ID)
	node.Dependents = append(node.Dependents, existingID)
	recomputeStatus(plan, existingID)
	recomputeRootsAndLeaves(plan)
	plan.BumpVersion()

	return Result{Success: true, NodeID: node.ID}
}

// AddNodeAfter creates a new node that depends on existingId (in addition to
// whatever spec.Dependencies names), inserting it downstream of existingId.
func AddNodeAfter(plan *model.PlanInstance, existingID string, spec model.JobNodeSpec) Result {
	if !modifiable(plan) {
		return fail("plan is not modifiable: already ended")
	}
	existing := plan.Nodes[existingID]
	existingState := plan.NodeStates[existingID]
	if existing == nil || existingState == nil {
		return fail("unknown node %q", existingID)
	}
	if !worktree.IsAvailableForReshape(existingState) {
		return fail("node %q is not available as a dependency", existingID)
	}
	if err := validateNewProducerID(plan, spec.ProducerID); err != nil {
		return fail("%s", err)
	}

	depIDs, err := resolveAvailableDeps(plan, spec.Dependencies)
	if err != nil {
		return fail("%s", err)
	}
	if !containsString(depIDs, existingID) {
		depIDs = append(depIDs, existingID)
	}

	// The new node has no id yet, so the walk is given an empty node id;
	// no existing node matches it, and this check never reports a cycle.
	if wouldCycle(plan, "", depIDs) {
		return fail("adding node after %q would create a circular dependency", existingID)
	}

	node, state, err := materializeNode(spec, depIDs)
	if err != nil {
		return fail("%s", err)
	}

	insertNode(plan, node, state, depIDs)
	return Result{Success: true, NodeID: node.ID}
}

// RemoveNode deletes id from the plan. Per §4.7, the node being removed is
// not itself required to be in a modifiable status — only its dependents
// are, since removing it severs their inbound edge.
func RemoveNode(plan *model.PlanInstance, id string) Result {
	if !modifiable(plan) {
		return fail("plan is not modifiable: already ended")
	}
	node := plan.Nodes[id]
	if node == nil {
		return fail("unknown node %q", id)
	}
	for _, depID := range node.Dependents {
		depState := plan.NodeStates[depID]
		if depState == nil || !editableStatus(depState.Status) {
			return fail("dependent %q is not in a modifiable status, cannot remove %q", depID, id)
		}
	}

	for _, parentID := range node.Dependencies {
		if parent := plan.Nodes[parentID]; parent != nil {
			parent.Dependents = removeString(parent.Dependents, id)
		}
	}
	for _, depID := range node.Dependents {
		dep := plan.Nodes[depID]
		if dep == nil {
			continue
		}
		dep.Dependencies = removeString(dep.Dependencies, id)
		recomputeStatus(plan, depID)
	}

	delete(plan.Nodes, id)
	delete(plan.NodeStates, id)
	delete(plan.ProducerIDToNodeID, node.ProducerID)
	detachNodeFromGroups(plan, id)

	recomputeRootsAndLeaves(plan)
	plan.BumpVersion()
	return Result{Success: true, NodeID: id}
}

// UpdateNodeDependencies replaces id's dependency set with newDeps
// (producerIds), rejecting the edit if it would introduce a cycle.
func UpdateNodeDependencies(plan *model.PlanInstance, id string, newDeps []string) Result {
	if !modifiable(plan) {
		return fail("plan is not modifiable: already ended")
	}
	node := plan.Nodes[id]
	state := plan.NodeStates[id]
	if node == nil || state == nil {
		return fail("unknown node %q", id)
	}
	if !editableStatus(state.Status) {
		return fail("node %q is not in a modifiable status (%s)", id, state.Status)
	}

	depIDs, err := resolveAvailableDeps(plan, newDeps)
	if err != nil {
		return fail("%s", err)
	}
	if wouldCycle(plan, id, depIDs) {
		return fail("updating %q's dependencies would create a circular dependency", id)
	}

	for _, parentID := range node.Dependencies {
		if parent := plan.Nodes[parentID]; parent != nil {
			parent.Dependents = removeString(parent.Dependents, id)
		}
	}
	node.Dependencies = depIDs
	for _, depID := range depIDs {
		dep := plan.Nodes[depID]
		if !containsString(dep.Dependents, id) {
			dep.Dependents = append(dep.Dependents, id)
		}
	}

	recomputeStatus(plan, id)
	recomputeRootsAndLeaves(plan)
	plan.BumpVersion()
	return Result{Success: true, NodeID: id}
}

// materializeNode builds a new, not-yet-inserted node and its initial
// execution state from spec, with Dependencies already resolved to internal
// node ids.
func materializeNode(spec model.JobNodeSpec, depIDs []string) (*model.JobNode, *model.NodeExecutionState, error) {
	if spec.SubPlan != nil {
		return nil, nil, fmt.Errorf("%q: subPlan nodes are not supported", spec.ProducerID)
	}
	work, err := model.NormalizeWorkSpec(spec.Work)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid work spec for %q: %w", spec.ProducerID, err)
	}
	pre, err := model.NormalizeWorkSpec(spec.Prechecks)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid prechecks spec for %q: %w", spec.ProducerID, err)
	}
	post, err := model.NormalizeWorkSpec(spec.Postchecks)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid postchecks spec for %q: %w", spec.ProducerID, err)
	}

	node := &model.JobNode{
		ID:               uuid.NewString(),
		ProducerID:       spec.ProducerID,
		Name:             firstNonEmpty(spec.Name, spec.ProducerID),
		Task:             spec.Task,
		Work:             work,
		Prechecks:        pre,
		Postchecks:       post,
		Instructions:     spec.Instructions,
		BaseBranch:       spec.BaseBranch,
		Group:            spec.Group,
		ExpectsNoChanges: spec.ExpectsNoChanges,
		AutoHeal:         spec.AutoHeal,
		Dependencies:     append([]string{}, depIDs...),
	}
	return node, &model.NodeExecutionState{Status: model.StatusPending}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// insertNode wires a freshly materialized node into plan: dependents edges,
// status seed, group attachment, roots/leaves, and version bump.
func insertNode(plan *model.PlanInstance, node *model.JobNode, state *model.NodeExecutionState, depIDs []string) {
	plan.Nodes[node.ID] = node
	plan.NodeStates[node.ID] = state
	plan.ProducerIDToNodeID[node.ProducerID] = node.ID

	for _, depID := range depIDs {
		dep := plan.Nodes[depID]
		dep.Dependents = append(dep.Dependents, node.ID)
	}

	if node.Group != "" {
		attachNodeToGroup(plan, node.Group, node.ID)
	}

	recomputeStatus(plan, node.ID)
	recomputeRootsAndLeaves(plan)
	plan.BumpVersion()
}

func validateNewProducerID(plan *model.PlanInstance, producerID string) error {
	if !model.ProducerIDPattern.MatchString(producerID) {
		return fmt.Errorf("invalid producerId %q", producerID)
	}
	if _, exists := plan.ProducerIDToNodeID[producerID]; exists {
		return fmt.Errorf("producerId %q already exists in this plan", producerID)
	}
	return nil
}

// resolveAvailableDeps resolves producerIds to internal node ids, rejecting
// unknown or unavailable dependencies.
func resolveAvailableDeps(plan *model.PlanInstance, producerIDs []string) ([]string, error) {
	ids := make([]string, 0, len(producerIDs))
	for _, pid := range producerIDs {
		depID, ok := plan.ProducerIDToNodeID[pid]
		if !ok {
			return nil, fmt.Errorf("depends on unknown producerId %q", pid)
		}
		state := plan.NodeStates[depID]
		if !worktree.IsAvailableForReshape(state) {
			return nil, fmt.Errorf("dependency %q is not available", pid)
		}
		ids = append(ids, depID)
	}
	return ids, nil
}

// wouldCycle walks the predecessor closure of proposedDeps; if nodeID is
// reachable, wiring proposedDeps onto nodeID would create a cycle. A
// self-edge (nodeID present directly in proposedDeps) is caught on the first
// iteration.
func wouldCycle(plan *model.PlanInstance, nodeID string, proposedDeps []string) bool {
	visited := make(map[string]bool)
	queue := append([]string{}, proposedDeps...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == nodeID {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		n := plan.Nodes[cur]
		if n == nil {
			continue
		}
		queue = append(queue, n.Dependencies...)
	}
	return false
}

// recomputeStatus applies §4.7's post-edit status rule: ready iff every
// dependency has succeeded, else pending.
func recomputeStatus(plan *model.PlanInstance, nodeID string) {
	node := plan.Nodes[nodeID]
	state := plan.NodeStates[nodeID]
	if node == nil || state == nil {
		return
	}
	for _, depID := range node.Dependencies {
		depState := plan.NodeStates[depID]
		if depState == nil || depState.Status != model.StatusSucceeded {
			state.Status = model.StatusPending
			return
		}
	}
	state.Status = model.StatusReady
}

// recomputeRootsAndLeaves mirrors planbuilder's unexported helper of the
// same purpose; it can't be reused directly since it isn't exported.
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

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func detachNodeFromGroups(plan *model.PlanInstance, nodeID string) {
	for _, g := range plan.Groups {
		g.NodeIDs = removeString(g.NodeIDs, nodeID)
		g.AllNodeIDs = removeString(g.AllNodeIDs, nodeID)
		g.TotalNodes = len(g.AllNodeIDs)
	}
}

// attachNodeToGroup materializes groupPath's hierarchy as needed (mirroring
// planbuilder's groups.go ensureGroupPath and snapshot.go bubbleGroupCounts) and records
// nodeID as a member.
func attachNodeToGroup(plan *model.PlanInstance, groupPath, nodeID string) {
	segments := strings.Split(groupPath, "/")
	var parentID, soFar string
	for _, seg := range segments {
		if soFar == "" {
			soFar = seg
		} else {
			soFar = soFar + "/" + seg
		}
		groupID, exists := plan.GroupPathToID[soFar]
		if !exists {
			groupID = uuid.NewString()
			plan.GroupPathToID[soFar] = groupID
			g := &model.GroupInstance{ID: groupID, Name: seg, Path: soFar}
			if parentID != "" {
				g.ParentGroupID = parentID
				if pg := plan.Groups[parentID]; pg != nil {
					addChildOnce(pg, groupID)
				}
			}
			plan.Groups[groupID] = g
			plan.GroupStates[groupID] = &model.GroupExecutionState{Status: model.PlanPending}
		}
		parentID = groupID
	}

	leaf := plan.Groups[parentID]
	leaf.NodeIDs = append(leaf.NodeIDs, nodeID)
	leaf.AllNodeIDs = append(leaf.AllNodeIDs, nodeID)
	leaf.TotalNodes = len(leaf.AllNodeIDs)
	bubbleGroupCounts(plan, leaf.ParentGroupID, nodeID)
}

func bubbleGroupCounts(plan *model.PlanInstance, groupID, nodeID string) {
	for groupID != "" {
		g, ok := plan.Groups[groupID]
		if !ok {
			return
		}
		g.AllNodeIDs = append(g.AllNodeIDs, nodeID)
		g.TotalNodes = len(g.AllNodeIDs)
		groupID = g.ParentGroupID
	}
}

func addChildOnce(parent *model.GroupInstance, childID string) {
	for _, c := range parent.ChildGroupIDs {
		if c == childID {
			return
		}
	}
	parent.ChildGroupIDs = append(parent.ChildGroupIDs, childID)
}
