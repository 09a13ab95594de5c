// Package statemachine is the single source of mutation for a PlanInstance's
// node/group/plan state (§4.2). It never suspends and never panics on bad
// input: unknown ids or illegal transitions return false/zero values.
package statemachine

import (
	"fmt"
	"sort"

	"github.com/JeromySt/dagconductor/internal/clock"
	"github.com/JeromySt/dagconductor/internal/model"
)

// TransitionEvent is emitted on every successful node transition.
type TransitionEvent struct {
	PlanID string
	NodeID string
	From   model.NodeStatus
	To     model.NodeStatus
}

// PlanCompleteEvent is emitted exactly once, when every node in a plan reaches
// a terminal status.
type PlanCompleteEvent struct {
	PlanID string
	Status model.PlanStatus
}

// Listener receives state machine events, delivered synchronously and in
// emission order (§5 "Ordering guarantees").
type Listener interface {
	OnTransition(TransitionEvent)
	OnNodeReady(planID, nodeID string)
	OnPlanComplete(PlanCompleteEvent)
}

// TransitionOpts carries the optional fields accepted by Transition (§4.2).
type TransitionOpts struct {
	Error                 *string
	ScheduledAt           *int64
	StartedAt             *int64
	EndedAt               *int64
	CompletedCommit       *string
	WorktreePath          *string
	BaseCommit            *string
	WorkSummary           *model.WorkSummary
	AggregatedWorkSummary *model.WorkSummary
	MergedToTarget        *bool
	WorktreeCleanedUp     *bool
	CopilotSessionID      *string
	LastAttempt           *model.AttemptRecord
	PID                   *int
	FailureReason         model.FailureReason
	StepStatuses          map[model.Phase]model.StepStatus
}

// StateMachine mutates a single PlanInstance. Not safe for concurrent use
// without external serialization (§5 requires exactly one serialization point
// per plan; callers — the runner — provide it).
type StateMachine struct {
	plan        *model.PlanInstance
	clock       clock.Clock
	listeners   []Listener
	cancelingAll bool
}

// New creates a StateMachine bound to plan, using clk as its time source.
func New(plan *model.PlanInstance, clk clock.Clock) *StateMachine {
	return &StateMachine{plan: plan, clock: clk}
}

// AddListener registers an event listener.
func (sm *StateMachine) AddListener(l Listener) {
	sm.listeners = append(sm.listeners, l)
}

func (sm *StateMachine) emitTransition(nodeID string, from, to model.NodeStatus) {
	ev := TransitionEvent{PlanID: sm.plan.ID, NodeID: nodeID, From: from, To: to}
	for _, l := range sm.listeners {
		l.OnTransition(ev)
	}
}

func (sm *StateMachine) emitNodeReady(nodeID string) {
	for _, l := range sm.listeners {
		l.OnNodeReady(sm.plan.ID, nodeID)
	}
}

func (sm *StateMachine) emitPlanComplete(status model.PlanStatus) {
	ev := PlanCompleteEvent{PlanID: sm.plan.ID, Status: status}
	for _, l := range sm.listeners {
		l.OnPlanComplete(ev)
	}
}

// Transition attempts to move nodeId to toStatus. Returns false, leaving all
// state unchanged, if the node is unknown or the transition is illegal (§4.2).
func (sm *StateMachine) Transition(nodeID string, toStatus model.NodeStatus, opts *TransitionOpts) bool {
	state, ok := sm.plan.NodeStates[nodeID]
	if !ok {
		return false
	}
	from := state.Status
	if !model.CanTransition(from, toStatus) {
		return false
	}
	if opts == nil {
		opts = &TransitionOpts{}
	}

	state.Status = toStatus
	state.Version++
	sm.plan.BumpVersion()

	now := sm.clock.NowMillis()

	switch toStatus {
	case model.StatusScheduled:
		if opts.ScheduledAt != nil {
			state.ScheduledAt = opts.ScheduledAt
		} else if state.ScheduledAt == nil {
			state.ScheduledAt = &now
		}
	case model.StatusRunning:
		if opts.StartedAt != nil {
			state.StartedAt = opts.StartedAt
		} else if state.StartedAt == nil {
			state.StartedAt = &now
		}
	}
	if toStatus.IsTerminal() {
		if opts.EndedAt != nil {
			state.EndedAt = opts.EndedAt
		} else if state.EndedAt == nil {
			state.EndedAt = &now
		}
	}

	if opts.Error != nil {
		state.Error = *opts.Error
	}
	if opts.CompletedCommit != nil {
		state.CompletedCommit = *opts.CompletedCommit
	}
	if opts.WorktreePath != nil {
		state.WorktreePath = *opts.WorktreePath
	}
	if opts.BaseCommit != nil {
		state.BaseCommit = *opts.BaseCommit
	}
	if opts.WorkSummary != nil {
		state.WorkSummary = opts.WorkSummary
	}
	if opts.AggregatedWorkSummary != nil {
		state.AggregatedWorkSummary = opts.AggregatedWorkSummary
	}
	if opts.MergedToTarget != nil {
		state.MergedToTarget = *opts.MergedToTarget
	}
	if opts.WorktreeCleanedUp != nil {
		state.WorktreeCleanedUp = *opts.WorktreeCleanedUp
	}
	if opts.CopilotSessionID != nil {
		state.CopilotSessionID = *opts.CopilotSessionID
	}
	if opts.LastAttempt != nil {
		state.LastAttempt = opts.LastAttempt
		state.AttemptHistory = append(state.AttemptHistory, *opts.LastAttempt)
	}
	if opts.PID != nil {
		state.PID = opts.PID
	}
	if opts.FailureReason != "" {
		state.FailureReason = opts.FailureReason
	}
	if opts.StepStatuses != nil {
		if state.StepStatuses == nil {
			state.StepStatuses = make(map[model.Phase]model.StepStatus)
		}
		for k, v := range opts.StepStatuses {
			state.StepStatuses[k] = v
		}
	}

	sm.emitTransition(nodeID, from, toStatus)
	sm.propagate(nodeID, toStatus)
	sm.recomputeGroupChain(nodeID)
	sm.checkCompletion()

	return true
}

// propagate applies §4.2's cross-edge propagation rules synchronously.
func (sm *StateMachine) propagate(nodeID string, toStatus model.NodeStatus) {
	node := sm.plan.Nodes[nodeID]

	switch toStatus {
	case model.StatusSucceeded:
		for _, depID := range node.Dependents {
			if sm.AreDependenciesMet(depID) {
				depState := sm.plan.NodeStates[depID]
				if depState.Status == model.StatusPending {
					sm.Transition(depID, model.StatusReady, nil)
					sm.emitNodeReady(depID)
				}
			}
		}
	case model.StatusFailed, model.StatusBlocked:
		sm.cascadeBlock(nodeID, toStatus)
	case model.StatusCanceled:
		// During CancelAll every non-terminal node is canceled directly by the
		// caller's own loop (§4.6/§5); cascading to blocked here would leave
		// downstream nodes blocked instead of canceled. A standalone single-node
		// cancel (outside CancelAll) still cascades block downstream, matching
		// the general propagation rule.
		if !sm.cancelingAll {
			sm.cascadeBlock(nodeID, toStatus)
		}
	}
}

// cascadeBlock transitions every transitively-downstream non-terminal node to
// blocked, in dependents-list (insertion) order, with a descriptive error (§4.2).
func (sm *StateMachine) cascadeBlock(originID string, originStatus model.NodeStatus) {
	var visit func(id string)
	visited := make(map[string]bool)
	visit = func(id string) {
		node := sm.plan.Nodes[id]
		for _, depID := range node.Dependents {
			if visited[depID] {
				continue
			}
			visited[depID] = true
			state := sm.plan.NodeStates[depID]
			if state.Status.IsTerminal() {
				continue
			}
			errMsg := fmt.Sprintf("blocked: dependency %s %s", id, originStatus)
			sm.Transition(depID, model.StatusBlocked, &TransitionOpts{Error: &errMsg})
			visit(depID)
		}
	}
	visit(originID)
}

// AreDependenciesMet reports whether every dependency of nodeId has succeeded.
func (sm *StateMachine) AreDependenciesMet(nodeID string) bool {
	node, ok := sm.plan.Nodes[nodeID]
	if !ok {
		return false
	}
	for _, depID := range node.Dependencies {
		if sm.plan.NodeStates[depID].Status != model.StatusSucceeded {
			return false
		}
	}
	return true
}

// HasDependencyFailed reports whether any dependency of nodeId is failed, blocked, or canceled.
func (sm *StateMachine) HasDependencyFailed(nodeID string) bool {
	node, ok := sm.plan.Nodes[nodeID]
	if !ok {
		return false
	}
	for _, depID := range node.Dependencies {
		st := sm.plan.NodeStates[depID].Status
		if st == model.StatusFailed || st == model.StatusBlocked || st == model.StatusCanceled {
			return true
		}
	}
	return false
}

// ResetNodeToPending resets a node for retry: it moves to ready if its
// dependencies are met, else pending, and recursively unblocks every
// downstream node currently blocked (§4.2).
func (sm *StateMachine) ResetNodeToPending(nodeID string) bool {
	state, ok := sm.plan.NodeStates[nodeID]
	if !ok {
		return false
	}

	target := model.StatusPending
	if sm.AreDependenciesMet(nodeID) {
		target = model.StatusReady
	}

	from := state.Status
	state.Status = target
	state.Version++
	sm.plan.BumpVersion()
	sm.emitTransition(nodeID, from, target)
	if target == model.StatusReady {
		sm.emitNodeReady(nodeID)
	}

	sm.unblockDownstream(nodeID)
	sm.recomputeGroupChain(nodeID)
	sm.checkCompletion()
	return true
}

// unblockDownstream recursively resets every downstream node currently
// blocked to pending or ready depending on its own dependency state.
func (sm *StateMachine) unblockDownstream(nodeID string) {
	node := sm.plan.Nodes[nodeID]
	for _, depID := range node.Dependents {
		state := sm.plan.NodeStates[depID]
		if state.Status != model.StatusBlocked {
			continue
		}
		target := model.StatusPending
		if sm.AreDependenciesMet(depID) {
			target = model.StatusReady
		}
		from := state.Status
		state.Status = target
		state.Version++
		sm.plan.BumpVersion()
		sm.emitTransition(depID, from, target)
		if target == model.StatusReady {
			sm.emitNodeReady(depID)
		}
		sm.recomputeGroupChain(depID)
		sm.unblockDownstream(depID)
	}
}

// CancelAll transitions every non-terminal node to canceled (§4.6, §5).
func (sm *StateMachine) CancelAll() {
	ids := make([]string, 0, len(sm.plan.NodeStates))
	for id := range sm.plan.NodeStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sm.cancelingAll = true
	defer func() { sm.cancelingAll = false }()

	for _, id := range ids {
		st := sm.plan.NodeStates[id].Status
		if st.IsTerminal() {
			continue
		}
		sm.Transition(id, model.StatusCanceled, nil)
	}
}

// GetNodeStatus returns the current status of nodeId, and whether it exists.
func (sm *StateMachine) GetNodeStatus(nodeID string) (model.NodeStatus, bool) {
	st, ok := sm.plan.NodeStates[nodeID]
	if !ok {
		return "", false
	}
	return st.Status, true
}

// GetNodeState returns the full mutable state of nodeId, or nil.
func (sm *StateMachine) GetNodeState(nodeID string) *model.NodeExecutionState {
	return sm.plan.NodeStates[nodeID]
}

// GetNodesByStatus returns every node id currently in the given status, sorted
// for determinism.
func (sm *StateMachine) GetNodesByStatus(status model.NodeStatus) []string {
	var out []string
	for id, st := range sm.plan.NodeStates {
		if st.Status == status {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// GetReadyNodes returns every node id currently ready, sorted for determinism.
// The scheduler applies its own priority ordering on top of this.
func (sm *StateMachine) GetReadyNodes() []string {
	return sm.GetNodesByStatus(model.StatusReady)
}

// GetStatusCounts tallies nodes by status.
func (sm *StateMachine) GetStatusCounts() map[model.NodeStatus]int {
	counts := make(map[model.NodeStatus]int)
	for _, st := range sm.plan.NodeStates {
		counts[st.Status]++
	}
	return counts
}

// GetBaseCommitsForNode returns the completedCommit of every direct dependency
// that has one set; empty for a root.
func (sm *StateMachine) GetBaseCommitsForNode(nodeID string) []string {
	node, ok := sm.plan.Nodes[nodeID]
	if !ok {
		return nil
	}
	var commits []string
	for _, depID := range node.Dependencies {
		if c := sm.plan.NodeStates[depID].CompletedCommit; c != "" {
			commits = append(commits, c)
		}
	}
	return commits
}

// ComputeEffectiveEndedAt returns the maximum endedAt across all nodes, or nil
// if no node has ended.
func (sm *StateMachine) ComputeEffectiveEndedAt() *int64 {
	var max *int64
	for _, st := range sm.plan.NodeStates {
		if st.EndedAt == nil {
			continue
		}
		if max == nil || *st.EndedAt > *max {
			v := *st.EndedAt
			max = &v
		}
	}
	return max
}

// GetEffectiveEndedAt returns the plan's stored endedAt if set, else the
// computed max across nodes.
func (sm *StateMachine) GetEffectiveEndedAt() *int64 {
	if sm.plan.EndedAt != nil {
		return sm.plan.EndedAt
	}
	return sm.ComputeEffectiveEndedAt()
}

// checkCompletion sets plan.EndedAt and emits PlanComplete exactly once, when
// every node has reached a terminal status (§4.2).
func (sm *StateMachine) checkCompletion() {
	if sm.plan.EndedAt != nil {
		return
	}
	for _, st := range sm.plan.NodeStates {
		if !st.Status.IsTerminal() {
			return
		}
	}
	now := sm.clock.NowMillis()
	sm.plan.EndedAt = &now
	status := sm.ComputePlanStatus()
	sm.emitPlanComplete(status)
}

// ComputePlanStatus derives the plan's aggregate status from current node
// states per the ordered rules of §4.2.
func (sm *StateMachine) ComputePlanStatus() model.PlanStatus {
	counts := sm.GetStatusCounts()
	total := len(sm.plan.NodeStates)
	if total == 0 {
		return model.PlanPending
	}

	running := counts[model.StatusRunning]
	scheduled := counts[model.StatusScheduled]
	pending := counts[model.StatusPending]
	ready := counts[model.StatusReady]
	canceled := counts[model.StatusCanceled]
	blocked := counts[model.StatusBlocked]
	failed := counts[model.StatusFailed]
	succeeded := counts[model.StatusSucceeded]

	nonTerminalCount := pending + ready + running + scheduled

	if sm.plan.IsPaused && nonTerminalCount > 0 {
		return model.PlanPaused
	}
	if running > 0 || scheduled > 0 {
		return model.PlanRunning
	}
	if (pending > 0 || ready > 0) && sm.plan.StartedAt != nil {
		return model.PlanRunning
	}
	if canceled > 0 && running == 0 && scheduled == 0 {
		return model.PlanCanceled
	}
	if blocked == total {
		return model.PlanFailed
	}
	if succeeded > 0 && (failed > 0 || blocked > 0) && running == 0 && ready == 0 && pending == 0 && scheduled == 0 {
		return model.PlanPartial
	}
	if failed+blocked == total {
		return model.PlanFailed
	}
	if succeeded == total {
		return model.PlanSucceeded
	}
	return model.PlanPending
}
