package statemachine

import "github.com/JeromySt/dagconductor/internal/model"

// recomputeGroupChain recomputes the state of nodeId's containing group and
// every ancestor group, leaves-first (§4.2 "Group aggregation").
func (sm *StateMachine) recomputeGroupChain(nodeID string) {
	node, ok := sm.plan.Nodes[nodeID]
	if !ok || node.Group == "" {
		return
	}
	groupID, ok := sm.plan.GroupPathToID[node.Group]
	if !ok {
		return
	}
	for groupID != "" {
		sm.recomputeOneGroup(groupID)
		g := sm.plan.Groups[groupID]
		groupID = g.ParentGroupID
	}
}

func (sm *StateMachine) recomputeOneGroup(groupID string) {
	g, ok := sm.plan.Groups[groupID]
	if !ok {
		return
	}
	state := sm.plan.GroupStates[groupID]
	if state == nil {
		state = &model.GroupExecutionState{}
		sm.plan.GroupStates[groupID] = state
	}

	var running, succeeded, failed, blocked, canceled, pendingCount int
	var total int

	for _, nodeID := range g.NodeIDs {
		total++
		switch sm.plan.NodeStates[nodeID].Status {
		case model.StatusRunning, model.StatusScheduled:
			running++
		case model.StatusSucceeded:
			succeeded++
		case model.StatusFailed:
			failed++
		case model.StatusBlocked:
			blocked++
		case model.StatusCanceled:
			canceled++
		default:
			pendingCount++
		}
	}

	for _, childID := range g.ChildGroupIDs {
		total++
		childState := sm.plan.GroupStates[childID]
		if childState == nil {
			pendingCount++
			continue
		}
		switch childState.Status {
		case model.PlanRunning:
			running++
		case model.PlanSucceeded:
			succeeded++
		case model.PlanFailed:
			failed++
		case model.PlanCanceled:
			canceled++
		default:
			pendingCount++
		}
	}

	prevStatus := state.Status
	wasTerminal := isGroupTerminal(prevStatus)

	var newStatus model.PlanStatus
	switch {
	case running > 0:
		newStatus = model.PlanRunning
	case failed+blocked > 0:
		newStatus = model.PlanFailed
	case total > 0 && canceled == total:
		newStatus = model.PlanCanceled
	case total > 0 && succeeded == total:
		newStatus = model.PlanSucceeded
	default:
		if running > 0 || state.StartedAt != nil {
			newStatus = model.PlanRunning
		} else {
			newStatus = model.PlanPending
		}
	}

	state.Status = newStatus
	state.RunningCount = running
	state.SucceededCount = succeeded
	state.FailedCount = failed
	state.BlockedCount = blocked
	state.CanceledCount = canceled
	state.Version++

	if running > 0 && state.StartedAt == nil {
		now := sm.clock.NowMillis()
		state.StartedAt = &now
	}

	nowTerminal := isGroupTerminal(newStatus)
	if wasTerminal && !nowTerminal {
		state.EndedAt = nil
	}
	if nowTerminal && !wasTerminal && state.EndedAt == nil {
		now := sm.clock.NowMillis()
		state.EndedAt = &now
	}
}

func isGroupTerminal(s model.PlanStatus) bool {
	switch s {
	case model.PlanSucceeded, model.PlanFailed, model.PlanCanceled:
		return true
	default:
		return false
	}
}
