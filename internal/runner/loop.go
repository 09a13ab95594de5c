package runner

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	executorpkg "github.com/JeromySt/dagconductor/internal/executor"
	"github.com/JeromySt/dagconductor/internal/gitops"
	"github.com/JeromySt/dagconductor/internal/model"
	"github.com/JeromySt/dagconductor/internal/procexec"
	"github.com/JeromySt/dagconductor/internal/statemachine"
	"github.com/JeromySt/dagconductor/internal/store"
	"github.com/JeromySt/dagconductor/internal/worktree"
)

// runLoop is the per-plan goroutine implementing §4.6's run loop. It exits
// once the plan reaches a terminal state with nothing still running, or once
// the plan's context is canceled.
func (r *Runner) runLoop(pr *planRuntime) {
	defer close(pr.done)

	for {
		select {
		case res := <-pr.results:
			r.handleResult(pr, res)
		case <-pr.wake:
		case <-pr.ctx.Done():
			r.drainRemaining(pr)
			return
		}

		r.tick(pr)

		if pr.plan.EndedAt != nil && r.runningForPlan(pr) == 0 {
			return
		}
	}
}

// drainRemaining blocks for any node goroutines already in flight when the
// plan context was canceled, so their results are still recorded instead of
// leaking the channel send.
func (r *Runner) drainRemaining(pr *planRuntime) {
	for r.runningForPlan(pr) > 0 {
		res := <-pr.results
		r.handleResult(pr, res)
	}
}

func (r *Runner) runningForPlan(pr *planRuntime) int {
	return len(pr.nodeCancels)
}

// tick asks the scheduler for newly-ready work and launches it, if the plan
// isn't paused or already finished (§4.6 run loop step 1-2).
func (r *Runner) tick(pr *planRuntime) {
	if pr.plan.IsPaused || pr.plan.EndedAt != nil {
		return
	}
	ids := r.deps.Scheduler.SelectNodes(pr.plan, pr.sm, r.globalRunning())
	for _, nodeID := range ids {
		r.launchNode(pr, nodeID)
	}
}

// chooseBaseCommit implements §4.6 step 3's rule: one dependency takes that
// commit, multiple take the earliest by deterministic (ascending id) order,
// none takes the branch tip.
func (r *Runner) chooseBaseCommit(ctx context.Context, pr *planRuntime, node *model.JobNode) (string, error) {
	if len(node.Dependencies) == 0 {
		if r.deps.Branches == nil {
			return "", fmt.Errorf("no branch resolver configured for dependency-free node %s", node.ID)
		}
		return r.deps.Branches.RevParse(ctx, pr.plan.BaseBranch)
	}
	deps := append([]string(nil), node.Dependencies...)
	sort.Strings(deps)
	commit := pr.plan.NodeStates[deps[0]].CompletedCommit
	if commit == "" {
		return "", fmt.Errorf("dependency %s has no completed commit yet", deps[0])
	}
	return commit, nil
}

// launchNode transitions a ready node through scheduled -> running and
// starts its execution in a goroutine (§4.6 run loop step 3).
func (r *Runner) launchNode(pr *planRuntime, nodeID string) {
	node := pr.plan.Nodes[nodeID]
	state := pr.plan.NodeStates[nodeID]

	pr.sm.Transition(nodeID, model.StatusScheduled, nil)

	base, err := r.chooseBaseCommit(pr.ctx, pr, node)
	if err != nil {
		errMsg := err.Error()
		pr.sm.Transition(nodeID, model.StatusFailed, &statemachine.TransitionOpts{
			Error:         &errMsg,
			FailureReason: model.FailureError,
		})
		return
	}

	worktreePath, err := r.deps.Worktrees.CreateForNode(pr.ctx, pr.plan, nodeID, base)
	if err != nil {
		errMsg := err.Error()
		pr.sm.Transition(nodeID, model.StatusFailed, &statemachine.TransitionOpts{
			BaseCommit:    &base,
			Error:         &errMsg,
			FailureReason: model.FailureError,
		})
		return
	}
	r.deps.Logger.LogWorktreeEvent(pr.plan.ID, nodeID, "created")

	ctx, cancel := context.WithCancel(pr.ctx)
	pr.nodeCancels[nodeID] = cancel
	r.adjustRunning(1)

	pr.sm.Transition(nodeID, model.StatusRunning, &statemachine.TransitionOpts{
		BaseCommit:   &base,
		WorktreePath: &worktreePath,
	})

	resumeSessionID := state.CopilotSessionID
	isLeaf := isLeafNode(pr.plan, nodeID)

	go func() {
		result := r.executeNode(ctx, pr, node, worktreePath, base, resumeSessionID, isLeaf)
		select {
		case pr.results <- nodeResult{nodeID: nodeID, result: result}:
		case <-pr.ctx.Done():
			// Loop already torn down via cancellation; drainRemaining will
			// still read this since the channel is buffered per-plan, but
			// guard against a deadlock if the buffer is full at shutdown.
			select {
			case pr.results <- nodeResult{nodeID: nodeID, result: result}:
			default:
			}
		}
	}()
}

func isLeafNode(plan *model.PlanInstance, nodeID string) bool {
	for _, id := range plan.Leaves {
		if id == nodeID {
			return true
		}
	}
	return false
}

// executeNode runs one node's phases through the configured PhaseExecutor.
func (r *Runner) executeNode(ctx context.Context, pr *planRuntime, node *model.JobNode, worktreePath, baseCommit, resumeSessionID string, isLeaf bool) *executorpkg.JobExecutionResult {
	depCommits := map[string]string{}
	for _, depID := range node.Dependencies {
		if st := pr.plan.NodeStates[depID]; st != nil && st.CompletedCommit != "" {
			depCommits[depID] = st.CompletedCommit
		}
	}

	sink := &storeLogSink{r: r, planID: pr.plan.ID, nodeID: node.ID}

	ectx := executorpkg.ExecutionContext{
		PlanID:            pr.plan.ID,
		Node:              node,
		BaseCommit:        baseCommit,
		WorktreePath:      worktreePath,
		BaseBranch:        pr.plan.BaseBranch,
		IsLeaf:            isLeaf,
		PriorSessionID:    resumeSessionID,
		MergeStrategy:     gitops.StrategyTheirs,
		DependencyCommits: depCommits,
		Sink:              sink,
	}
	return r.deps.Executor.Execute(ctx, ectx)
}

// storeLogSink adapts the store's per-attempt log file into a
// procexec.LogSink, tagging every chunk with its phase.
type storeLogSink struct {
	r      *Runner
	planID string
	nodeID string
}

func (s *storeLogSink) Write(phase model.Phase, chunk []byte) {
	if s.r.deps.Store == nil || len(chunk) == 0 {
		return
	}
	attempt := 1
	if pr := s.r.getRuntime(s.planID); pr != nil {
		if st := pr.plan.NodeStates[s.nodeID]; st != nil {
			attempt = st.Attempts + 1
		}
	}
	_ = s.r.deps.Store.AppendLogEntry(s.planID, s.nodeID, attempt, store.LogEntry{
		Timestamp: s.r.deps.Clock.NowMillis(),
		Phase:     phase,
		Type:      "stdout",
		Message:   string(chunk),
	})
}

var _ procexec.LogSink = (*storeLogSink)(nil)

// handleResult applies a finished node's JobExecutionResult to plan state
// (§4.6 run loop step 4-5).
func (r *Runner) handleResult(pr *planRuntime, nr nodeResult) {
	nodeID := nr.nodeID
	result := nr.result
	node := pr.plan.Nodes[nodeID]
	state := pr.plan.NodeStates[nodeID]

	if cancel, ok := pr.nodeCancels[nodeID]; ok {
		cancel()
		delete(pr.nodeCancels, nodeID)
	}
	r.adjustRunning(-1)

	attempt := model.AttemptRecord{
		Attempt:      state.Attempts + 1,
		StartedAt:    state.StartedAt,
		StepStatuses: result.StepStatuses,
		SessionID:    result.CopilotSessionID,
	}

	if result.Success {
		r.handleSuccess(pr, nodeID, node, state, result, attempt)
		return
	}
	r.handleFailure(pr, nodeID, node, state, result, attempt)
}

func (r *Runner) handleSuccess(pr *planRuntime, nodeID string, node *model.JobNode, state *model.NodeExecutionState, result *executorpkg.JobExecutionResult, attempt model.AttemptRecord) {
	now := r.deps.Clock.NowMillis()
	attempt.EndedAt = &now
	attempt.Status = model.StatusSucceeded

	opts := &statemachine.TransitionOpts{
		EndedAt:               &now,
		WorkSummary:           result.WorkSummary,
		AggregatedWorkSummary: result.AggregatedWorkSummary,
		LastAttempt:           &attempt,
		StepStatuses:          result.StepStatuses,
	}
	if result.CompletedCommit != "" {
		c := result.CompletedCommit
		opts.CompletedCommit = &c
	}
	if result.CopilotSessionID != "" {
		sid := result.CopilotSessionID
		opts.CopilotSessionID = &sid
	}
	state.Attempts++
	pr.sm.Transition(nodeID, model.StatusSucceeded, opts)

	if r.deps.History != nil {
		_ = r.deps.History.RecordAttempt(pr.plan.ID, nodeID, attempt, now)
	}

	// Each dependency's worktree lives in its own directory, so reclaiming
	// them is independent I/O that can run concurrently.
	var cleanupGroup errgroup.Group
	for _, depID := range node.Dependencies {
		depState := pr.plan.NodeStates[depID]
		if depState == nil {
			continue
		}
		worktree.AcknowledgeConsumption(depState, nodeID)
		depID := depID
		cleanupGroup.Go(func() error {
			r.tryCleanup(pr, depID)
			return nil
		})
	}
	_ = cleanupGroup.Wait()

	if result.CompletedCommit != "" {
		if err := r.deps.Worktrees.ReverseIntegrate(pr.ctx, pr.plan, nodeID); err != nil {
			r.deps.Logger.LogMergeConflict(pr.plan.ID, nodeID, "ri")
		}
	}

	if node.ProducerID == model.SnapshotValidationProducerID {
		r.finalizeToTarget(pr)
	}

	r.persist(pr.plan.ID)
}

// tryCleanup reclaims a producer's worktree once every consumer has FI'd it
// (§4.4 cleanup gating, §4.6 run loop step 4).
func (r *Runner) tryCleanup(pr *planRuntime, producerID string) {
	if !worktree.CanCleanup(pr.plan, producerID, pr.plan.CleanUpSuccessfulWork) {
		return
	}
	if err := r.deps.Worktrees.Cleanup(pr.ctx, pr.plan, producerID); err == nil {
		r.deps.Logger.LogWorktreeEvent(pr.plan.ID, producerID, "cleaned-up")
	}
}

// finalizeToTarget implements §4.6 run loop step 5: once the
// snapshot-validation leaf succeeds, merge every completed leaf into the
// resolved target branch and mark it mergedToTarget.
func (r *Runner) finalizeToTarget(pr *planRuntime) {
	target, err := r.deps.Worktrees.ResolveTargetBranch(pr.ctx, pr.plan)
	if err != nil {
		return
	}
	if err := r.deps.Worktrees.CreateBranchIfMissing(pr.ctx, target, pr.plan.BaseBranch); err != nil {
		return
	}
	targetPath, err := r.deps.Worktrees.CreateForNode(pr.ctx, pr.plan, "__target__", target)
	if err != nil {
		return
	}

	for _, leafID := range pr.plan.Leaves {
		state := pr.plan.NodeStates[leafID]
		if state == nil || state.CompletedCommit == "" || state.MergedToTarget {
			continue
		}
		mergeRes, err := r.deps.Worktrees.MergeToTarget(pr.ctx, targetPath, state.CompletedCommit)
		if err != nil || mergeRes.Conflicted {
			r.deps.Logger.LogMergeConflict(pr.plan.ID, leafID, "target")
			continue
		}
		// MergedToTarget is a post-terminal flag, not a status change, so it's
		// set directly rather than through Transition (which rejects a
		// same-status "transition").
		state.MergedToTarget = true
		pr.plan.BumpVersion()
		r.tryCleanup(pr, leafID)
	}
}

func (r *Runner) handleFailure(pr *planRuntime, nodeID string, node *model.JobNode, state *model.NodeExecutionState, result *executorpkg.JobExecutionResult, attempt model.AttemptRecord) {
	now := r.deps.Clock.NowMillis()

	if r.shouldAutoHeal(pr, nodeID, node, result) {
		r.runAutoHeal(pr, nodeID, node, state, result)
		// Re-enter the run loop: the node is reset to ready/pending and the
		// scheduler relaunches it. The relaunched attempt runs every phase
		// from the start; neither the spec's onFailure.resumeFromPhase nor
		// the result's OverrideResumeFromPhase is consulted.
		attempt.Status = model.StatusFailed
		attempt.EndedAt = &now
		attempt.Error = result.Error
		attempt.FailedPhase = result.FailedPhase
		state.Attempts++
		state.LastAttempt = &attempt
		state.AttemptHistory = append(state.AttemptHistory, attempt)
		if r.deps.History != nil {
			_ = r.deps.History.RecordAttempt(pr.plan.ID, nodeID, attempt, now)
		}
		pr.sm.ResetNodeToPending(nodeID)
		r.persist(pr.plan.ID)
		return
	}

	attempt.Status = model.StatusFailed
	attempt.EndedAt = &now
	attempt.Error = result.Error
	attempt.FailedPhase = result.FailedPhase
	attempt.ExitCode = result.ExitCode

	errText := result.Error
	if result.FailureMessage != "" {
		errText = result.FailureMessage
	}
	state.Attempts++
	opts := &statemachine.TransitionOpts{
		EndedAt:       &now,
		Error:         &errText,
		LastAttempt:   &attempt,
		FailureReason: result.FailureReason,
		StepStatuses:  result.StepStatuses,
	}
	if result.FailureReason == "" {
		opts.FailureReason = model.FailureError
	}
	pr.sm.Transition(nodeID, model.StatusFailed, opts)

	if r.deps.History != nil {
		_ = r.deps.History.RecordAttempt(pr.plan.ID, nodeID, attempt, now)
	}
	r.persist(pr.plan.ID)
}

// shouldAutoHeal implements §4.5.5's gate: plan- or node-level autoHeal
// enabled, the failing spec didn't opt out, and this phase hasn't already
// been auto-healed once this attempt.
func (r *Runner) shouldAutoHeal(pr *planRuntime, nodeID string, node *model.JobNode, result *executorpkg.JobExecutionResult) bool {
	if result.NoAutoHeal {
		return false
	}
	if !(pr.plan.Spec.AutoHeal || node.AutoHeal) {
		return false
	}
	if pr.healedOnce[nodeID] == nil {
		pr.healedOnce[nodeID] = map[model.Phase]bool{}
	}
	if pr.healedOnce[nodeID][result.FailedPhase] {
		return false
	}
	pr.healedOnce[nodeID][result.FailedPhase] = true
	return true
}

// runAutoHeal constructs and runs a corrective agent spec in the node's
// worktree before the phase is retried (§4.5.5). Best-effort: failure here
// doesn't stop the subsequent retry, it just means the heal step didn't run.
func (r *Runner) runAutoHeal(pr *planRuntime, nodeID string, node *model.JobNode, state *model.NodeExecutionState, result *executorpkg.JobExecutionResult) {
	r.deps.Logger.LogAutoHeal(pr.plan.ID, nodeID, result.FailedPhase)

	failingSpec := phaseSpec(node, result.FailedPhase)
	healSpec := &model.WorkSpec{
		Kind:         model.KindAgent,
		Instructions: fmt.Sprintf("The %s phase failed with: %s. Diagnose and fix the issue in this worktree.", result.FailedPhase, result.Error),
	}
	if failingSpec != nil {
		healSpec.AllowedFolders = failingSpec.AllowedFolders
		healSpec.AllowedURLs = failingSpec.AllowedURLs
	}

	if r.deps.ProcRunner == nil || state.WorktreePath == "" {
		return
	}
	_, _ = r.deps.ProcRunner.Run(pr.ctx, healSpec, state.WorktreePath, state.CopilotSessionID, &storeLogSink{r: r, planID: pr.plan.ID, nodeID: nodeID}, result.FailedPhase)
}

func phaseSpec(node *model.JobNode, phase model.Phase) *model.WorkSpec {
	switch phase {
	case model.PhasePrechecks:
		return node.Prechecks
	case model.PhaseWork:
		return node.Work
	case model.PhasePostchecks:
		return node.Postchecks
	default:
		return nil
	}
}
