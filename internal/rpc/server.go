package rpc

import (
	"fmt"

	"github.com/JeromySt/dagconductor/internal/clock"
	"github.com/JeromySt/dagconductor/internal/model"
	"github.com/JeromySt/dagconductor/internal/planbuilder"
	"github.com/JeromySt/dagconductor/internal/reshaper"
	"github.com/JeromySt/dagconductor/internal/runner"
	"github.com/JeromySt/dagconductor/internal/statemachine"
	"github.com/JeromySt/dagconductor/internal/store"
)

// Server dispatches the control-plane requests of §6 against a live Runner
// and Store. It holds no state beyond its collaborators: every method is
// a pure request-in, Response-out translation.
type Server struct {
	Runner *runner.Runner
	Store  *store.Store
	Clock  clock.Clock
}

// New builds a Server. A nil Clock falls back to the system clock.
func New(r *runner.Runner, s *store.Store, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.System{}
	}
	return &Server{Runner: r, Store: s, Clock: clk}
}

func (s *Server) requirePlan(planID string) (*model.PlanInstance, error) {
	if planID == "" {
		return nil, fmt.Errorf("id must not be empty")
	}
	plan := s.Runner.GetPlan(planID)
	if plan == nil {
		return nil, fmt.Errorf("unknown plan %q", planID)
	}
	return plan, nil
}

func (s *Server) requireNode(plan *model.PlanInstance, nodeID string) (*model.JobNode, *model.NodeExecutionState, error) {
	if nodeID == "" {
		return nil, nil, fmt.Errorf("nodeId must not be empty")
	}
	node, ok := plan.Nodes[nodeID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown node %q", nodeID)
	}
	return node, plan.NodeStates[nodeID], nil
}

// CreatePlan builds a new plan from a batch of job specs and hands it to
// the runner (§6 create_plan). It does not start the plan; callers invoke
// a separate start step (StartPlan) once they're ready to run it.
func (s *Server) CreatePlan(req CreatePlanRequest) Response {
	spec, err := ToPlanSpec(req)
	if err != nil {
		return fail(err)
	}
	plan, err := planbuilder.BuildPlan(spec, planbuilder.BuildOpts{})
	if err != nil {
		return fail(err)
	}
	if err := s.Runner.AddPlan(plan); err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"id": plan.ID})
}

// CreateJob appends one job to an existing, still-modifiable plan (§6
// create_job), via the same structural edit AddNode exposes to the CLI's
// reshape commands.
func (s *Server) CreateJob(req CreateJobRequest) Response {
	if err := validateJobNodeSpec(req.Job); err != nil {
		return fail(err)
	}
	plan, err := s.requirePlan(req.PlanID)
	if err != nil {
		return fail(err)
	}
	res := reshaper.AddNode(plan, req.Job.toModel())
	if !res.Success {
		return fail(fmt.Errorf("%s", res.Error))
	}
	return ok(map[string]interface{}{"nodeId": res.NodeID})
}

// GetPlanStatus reports the plan's aggregate status, computed fresh from
// current node counts rather than cached (§6 get_plan_status).
func (s *Server) GetPlanStatus(req PlanIDRequest) Response {
	plan, err := s.requirePlan(req.ID)
	if err != nil {
		return fail(err)
	}
	return ok(planStatusSummary(plan))
}

func planStatusSummary(plan *model.PlanInstance) map[string]interface{} {
	status := statemachine.New(plan, clock.System{}).ComputePlanStatus()
	return map[string]interface{}{
		"id":        plan.ID,
		"name":      plan.Spec.Name,
		"status":    status,
		"startedAt": plan.StartedAt,
		"endedAt":   plan.EndedAt,
		"isPaused":  plan.IsPaused,
	}
}

// ListPlans returns a status summary (id, name, status, startedAt, endedAt,
// isPaused) of every plan known to the runner, optionally filtered to a
// single aggregate status (§6 list_plans).
func (s *Server) ListPlans(req ListPlansRequest) Response {
	if err := validatePlanStatusFilter(req.Status); err != nil {
		return fail(err)
	}
	var summaries []map[string]interface{}
	for _, id := range s.Runner.ListPlanIDs() {
		plan := s.Runner.GetPlan(id)
		if plan == nil {
			continue
		}
		summary := planStatusSummary(plan)
		if req.Status != "" && fmt.Sprint(summary["status"]) != req.Status {
			continue
		}
		summaries = append(summaries, summary)
	}
	return ok(summaries)
}

// CancelPlan cancels every non-terminal node of the plan (§6 cancel_plan).
func (s *Server) CancelPlan(req PlanIDRequest) Response {
	if _, err := s.requirePlan(req.ID); err != nil {
		return fail(err)
	}
	if err := s.Runner.CancelPlan(req.ID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// DeletePlan stops the plan's run loop, removes its worktree root, and
// erases its persisted state (§6 delete_plan). Irreversible.
func (s *Server) DeletePlan(req PlanIDRequest) Response {
	if _, err := s.requirePlan(req.ID); err != nil {
		return fail(err)
	}
	if err := s.Runner.DeletePlan(req.ID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// RetryPlan retries every node of the plan currently sitting in a terminal
// failed or blocked status, one at a time through RetryNode, relying on
// RetryNode/ResetNodeToPending's own unblockDownstream cascade to unstick
// any dependent that was blocked on it (§6 retry_plan). It does not touch
// succeeded or canceled nodes.
func (s *Server) RetryPlan(req PlanIDRequest) Response {
	plan, err := s.requirePlan(req.ID)
	if err != nil {
		return fail(err)
	}
	var candidates []string
	for nodeID, state := range plan.NodeStates {
		if state.Status == model.StatusFailed || state.Status == model.StatusBlocked {
			candidates = append(candidates, nodeID)
		}
	}
	var retried []string
	var errs []string
	for _, nodeID := range candidates {
		// An earlier retry's unblockDownstream cascade may already have
		// reset this node; it counts as retried without a second reset.
		if st := plan.NodeStates[nodeID].Status; st != model.StatusFailed && st != model.StatusBlocked {
			retried = append(retried, nodeID)
			continue
		}
		if err := s.Runner.RetryNode(req.ID, nodeID); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", nodeID, err))
			continue
		}
		retried = append(retried, nodeID)
	}
	if len(errs) > 0 {
		return fail(fmt.Errorf("retried %d node(s), %d failed: %v", len(retried), len(errs), errs))
	}
	return ok(map[string]interface{}{"retried": retried})
}

// GetNodeDetails reports a node's static shape and current runtime state
// (§6 get_node_details).
func (s *Server) GetNodeDetails(req NodeRequest) Response {
	plan, err := s.requirePlan(req.PlanID)
	if err != nil {
		return fail(err)
	}
	node, state, err := s.requireNode(plan, req.NodeID)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"node": node, "state": state})
}

// GetNodeLogs reads the structured log of a node's current attempt,
// resuming from Offset when given, else returning the full log trimmed to
// Tail entries (§6 get_node_logs). NextOffset lets a caller resume its next
// read from exactly where this one left off.
func (s *Server) GetNodeLogs(req GetNodeLogsRequest) Response {
	plan, err := s.requirePlan(req.PlanID)
	if err != nil {
		return fail(err)
	}
	_, state, err := s.requireNode(plan, req.NodeID)
	if err != nil {
		return fail(err)
	}
	attempt := state.Attempts
	if attempt < 1 {
		attempt = 1
	}
	entries, nextOffset, err := s.Store.ReadLogEntries(req.PlanID, req.NodeID, attempt, req.Offset)
	if err != nil {
		return fail(err)
	}
	if req.Offset == 0 && req.Tail > 0 && len(entries) > req.Tail {
		entries = entries[len(entries)-req.Tail:]
	}
	return ok(map[string]interface{}{"entries": entries, "nextOffset": nextOffset})
}

// GetNodeAttempts returns a node's full attempt history plus its in-flight
// attempt, if any (§6 get_node_attempts).
func (s *Server) GetNodeAttempts(req NodeRequest) Response {
	plan, err := s.requirePlan(req.PlanID)
	if err != nil {
		return fail(err)
	}
	_, state, err := s.requireNode(plan, req.NodeID)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{
		"attempts":    state.AttemptHistory,
		"lastAttempt": state.LastAttempt,
	})
}

// RetryPlanNode resets a single terminal node back to pending and wakes the
// plan (§6 retry_plan_node), a direct wrap of Runner.RetryNode.
func (s *Server) RetryPlanNode(req NodeRequest) Response {
	if _, err := s.requirePlan(req.PlanID); err != nil {
		return fail(err)
	}
	if err := s.Runner.RetryNode(req.PlanID, req.NodeID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// GetNodeFailureContext reports everything recorded about a node's most
// recent failure (§6 get_node_failure_context): the live error/reason plus
// the last completed attempt, if the node has since been retried.
func (s *Server) GetNodeFailureContext(req NodeRequest) Response {
	plan, err := s.requirePlan(req.PlanID)
	if err != nil {
		return fail(err)
	}
	_, state, err := s.requireNode(plan, req.NodeID)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{
		"status":        state.Status,
		"error":         state.Error,
		"failureReason": state.FailureReason,
		"lastAttempt":   state.LastAttempt,
	})
}

// AddNode applies one or more reshaper.AddNode edits to an existing plan in
// request order, so a later node may reference an earlier one in the same
// batch as a dependency (§6 add_node). Stops at the first failing node;
// edits already applied are not rolled back, matching reshaper's own
// no-partial-mutation-per-call (not per-batch) guarantee.
func (s *Server) AddNode(req AddNodeRequest) Response {
	if len(req.Nodes) == 0 {
		return fail(fmt.Errorf("nodes must contain at least one entry"))
	}
	plan, err := s.requirePlan(req.PlanID)
	if err != nil {
		return fail(err)
	}
	results := make([]reshaper.Result, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		if err := validateJobNodeSpec(n); err != nil {
			return fail(err)
		}
		res := reshaper.AddNode(plan, n.toModel())
		results = append(results, res)
		if !res.Success {
			return Response{Success: false, Error: res.Error, Data: map[string]interface{}{"results": results}}
		}
	}
	return ok(map[string]interface{}{"results": results})
}
