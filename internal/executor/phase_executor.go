package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/JeromySt/dagconductor/internal/gitops"
	"github.com/JeromySt/dagconductor/internal/model"
	"github.com/JeromySt/dagconductor/internal/procexec"
)

// ExecutionContext carries everything a single node run needs (§4.5).
type ExecutionContext struct {
	PlanID              string
	Node                *model.JobNode
	BaseCommit          string
	WorktreePath        string
	BaseBranch          string
	IsLeaf              bool
	PriorSessionID      string
	MergeStrategy       gitops.MergeStrategy
	DependencyCommits   map[string]string // dependencyNodeID -> completedCommit, for FI
	Sink                procexec.LogSink
}

// JobExecutionResult is the executor's result contract (§4.5.2).
type JobExecutionResult struct {
	Success                 bool
	Error                   string
	CompletedCommit         string
	WorkSummary             *model.WorkSummary
	AggregatedWorkSummary   *model.WorkSummary
	StepStatuses            map[model.Phase]model.StepStatus
	CopilotSessionID        string
	FailedPhase             model.Phase
	ExitCode                *int
	NoAutoHeal              bool
	FailureMessage          string
	OverrideResumeFromPhase model.Phase
	FailureReason           model.FailureReason
}

// PhaseExecutor drives the setup -> merge-fi -> prechecks -> work -> commit
// -> postchecks sequence for one node in its assigned worktree.
type PhaseExecutor struct {
	procRunner *procexec.Runner
	gitRunner  gitops.Runner
}

// NewPhaseExecutor creates a PhaseExecutor. gitRunner may be nil to use the
// real git binary.
func NewPhaseExecutor(gitRunner gitops.Runner) *PhaseExecutor {
	return &PhaseExecutor{procRunner: procexec.New(), gitRunner: gitRunner}
}

// Execute runs one node's phase sequence to completion or first failure.
func (e *PhaseExecutor) Execute(ctx context.Context, ectx ExecutionContext) *JobExecutionResult {
	result := &JobExecutionResult{StepStatuses: map[model.Phase]model.StepStatus{}}
	wt := gitops.NewWorktree(ectx.WorktreePath, e.gitRunner)

	result.StepStatuses[model.PhaseSetup] = model.StepSuccess

	if err := e.runMergeFI(ctx, ectx, wt); err != nil {
		result.StepStatuses[model.PhaseMergeFI] = model.StepFailed
		return e.fail(result, model.PhaseMergeFI, err)
	}
	result.StepStatuses[model.PhaseMergeFI] = model.StepSuccess

	node := ectx.Node

	preRes, status, err := e.runCheckPhase(ctx, ectx, model.PhasePrechecks, node.Prechecks)
	result.StepStatuses[model.PhasePrechecks] = status
	if err != nil {
		return e.failFromSpec(result, model.PhasePrechecks, err, node.Prechecks, preRes)
	}

	workRes, err := e.runWorkPhase(ctx, ectx)
	if err != nil {
		result.StepStatuses[model.PhaseWork] = model.StepFailed
		return e.failFromSpec(result, model.PhaseWork, err, node.Work, workRes)
	}
	result.StepStatuses[model.PhaseWork] = model.StepSuccess
	if workRes != nil {
		result.CopilotSessionID = workRes.SessionID
	}

	commitStatus, commit, err := e.runCommitPhase(ctx, ectx, wt)
	if err != nil {
		result.StepStatuses[model.PhaseCommit] = model.StepFailed
		return e.fail(result, model.PhaseCommit, err)
	}
	result.StepStatuses[model.PhaseCommit] = commitStatus
	result.CompletedCommit = commit

	postRes, status, err := e.runCheckPhase(ctx, ectx, model.PhasePostchecks, node.Postchecks)
	result.StepStatuses[model.PhasePostchecks] = status
	if err != nil {
		return e.failFromSpec(result, model.PhasePostchecks, err, node.Postchecks, postRes)
	}

	result.Success = true
	result.WorkSummary = computeWorkSummary(ctx, wt, ectx.BaseCommit)
	if ectx.IsLeaf && ectx.WorktreePath != "" && result.CompletedCommit != "" {
		result.AggregatedWorkSummary = computeAggregatedWorkSummary(ctx, wt, ectx.BaseBranch)
	}
	return result
}

func (e *PhaseExecutor) fail(result *JobExecutionResult, phase model.Phase, err error) *JobExecutionResult {
	result.FailedPhase = phase
	if errors.Is(err, context.Canceled) || errors.Is(err, procexec.ErrCanceled) {
		result.Error = "canceled"
	} else {
		result.Error = err.Error()
	}
	return result
}

func (e *PhaseExecutor) failFromSpec(result *JobExecutionResult, phase model.Phase, err error, spec *model.WorkSpec, procRes *procexec.Result) *JobExecutionResult {
	e.fail(result, phase, err)
	if spec != nil && spec.OnFailure != nil {
		result.NoAutoHeal = spec.OnFailure.NoAutoHeal
		result.FailureMessage = spec.OnFailure.Message
		result.OverrideResumeFromPhase = spec.OnFailure.ResumeFromPhase
	}
	if procRes != nil {
		result.FailureReason = procRes.FailReason
		if procRes.ExitCode != 0 {
			ec := procRes.ExitCode
			result.ExitCode = &ec
		}
	}
	return result
}

func (e *PhaseExecutor) runMergeFI(ctx context.Context, ectx ExecutionContext, wt *gitops.Worktree) error {
	depIDs := make([]string, 0, len(ectx.DependencyCommits))
	for id := range ectx.DependencyCommits {
		depIDs = append(depIDs, id)
	}
	sort.Strings(depIDs)

	strategy := ectx.MergeStrategy
	if strategy == "" {
		strategy = gitops.StrategyTheirs
	}

	for _, id := range depIDs {
		commit := ectx.DependencyCommits[id]
		if commit == "" {
			continue
		}
		res, err := wt.MergeCommit(ctx, commit, strategy)
		if err != nil {
			return fmt.Errorf("merge-fi from %s: %w", id, err)
		}
		if res.Conflicted {
			return fmt.Errorf("merge-fi from %s conflicted: %s", id, firstLine(res.Output))
		}
	}
	return nil
}

func (e *PhaseExecutor) runCheckPhase(ctx context.Context, ectx ExecutionContext, phase model.Phase, spec *model.WorkSpec) (*procexec.Result, model.StepStatus, error) {
	if spec == nil {
		return nil, model.StepSuccess, nil
	}
	res, err := e.procRunner.Run(ctx, spec, ectx.WorktreePath, ectx.PriorSessionID, ectx.Sink, phase)
	if err != nil {
		return res, model.StepFailed, err
	}
	return res, model.StepSuccess, nil
}

func (e *PhaseExecutor) runWorkPhase(ctx context.Context, ectx ExecutionContext) (*procexec.Result, error) {
	node := ectx.Node
	if node.Work == nil {
		return nil, nil
	}
	return e.procRunner.Run(ctx, node.Work, ectx.WorktreePath, ectx.PriorSessionID, ectx.Sink, model.PhaseWork)
}

// runCommitPhase implements §4.5.1 step 5's three-way branch on
// expectsNoChanges vs. actual dirty state.
func (e *PhaseExecutor) runCommitPhase(ctx context.Context, ectx ExecutionContext, wt *gitops.Worktree) (model.StepStatus, string, error) {
	dirty, err := wt.HasChanges(ctx)
	if err != nil {
		return model.StepFailed, "", fmt.Errorf("check worktree status: %w", err)
	}

	if ectx.Node.ExpectsNoChanges {
		if !dirty {
			return model.StepSkipped, "", nil
		}
		return model.StepFailed, "", errors.New("node expected no changes but worktree is dirty")
	}

	if !dirty {
		return model.StepSkipped, "", nil
	}

	if err := wt.StageAll(ctx); err != nil {
		return model.StepFailed, "", fmt.Errorf("stage changes: %w", err)
	}
	message := commitMessage(ectx.Node)
	if err := wt.Commit(ctx, message); err != nil {
		return model.StepFailed, "", fmt.Errorf("commit: %w", err)
	}
	commit, err := wt.HeadCommit(ctx)
	if err != nil {
		return model.StepFailed, "", fmt.Errorf("resolve new commit: %w", err)
	}
	return model.StepSuccess, commit, nil
}

func commitMessage(node *model.JobNode) string {
	summary := node.Task
	if summary == "" {
		summary = node.Name
	}
	return fmt.Sprintf("%s: %s", node.ProducerID, summary)
}

// computeWorkSummary implements §4.5.3's per-node diff summary. Any git
// failure yields a zero-valued summary rather than failing the node.
func computeWorkSummary(ctx context.Context, wt *gitops.Worktree, baseCommit string) *model.WorkSummary {
	summary := &model.WorkSummary{}
	if baseCommit == "" {
		return summary
	}
	head, err := wt.HeadCommit(ctx)
	if err != nil {
		return summary
	}
	stat, err := wt.DiffNameStatus(ctx, baseCommit, head)
	if err != nil {
		return summary
	}
	summary.FilesAdded = len(stat.Added)
	summary.FilesModified = len(stat.Modified)
	summary.FilesDeleted = len(stat.Deleted)
	commits, err := wt.CommitsBetween(ctx, baseCommit, head)
	if err == nil {
		summary.CommitCount = len(commits)
	}
	return summary
}

// computeAggregatedWorkSummary implements §4.5.3's leaf-only cumulative
// diff against the plan's base branch. Any git failure leaves this
// undefined (returns nil) rather than failing the node.
func computeAggregatedWorkSummary(ctx context.Context, wt *gitops.Worktree, baseBranch string) *model.WorkSummary {
	if baseBranch == "" {
		return nil
	}
	head, err := wt.HeadCommit(ctx)
	if err != nil {
		return nil
	}
	stat, err := wt.DiffNameStatus(ctx, baseBranch, head)
	if err != nil {
		return nil
	}
	summary := &model.WorkSummary{
		FilesAdded:    len(stat.Added),
		FilesModified: len(stat.Modified),
		FilesDeleted:  len(stat.Deleted),
	}
	commits, err := wt.CommitsBetween(ctx, baseBranch, head)
	if err == nil {
		summary.CommitCount = len(commits)
	}
	return summary
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
