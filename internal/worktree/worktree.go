// Package worktree maps plan nodes to isolated git worktrees at the right
// commits, performs forward/reverse integration merges between them, tracks
// consumption so producer worktrees can be reclaimed safely, and resolves
// the plan's target branch.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/JeromySt/dagconductor/internal/gitops"
	"github.com/JeromySt/dagconductor/internal/model"
)

// Config controls worktree manager policy (§4.4).
type Config struct {
	// MergeStrategy resolves FI/RI conflicts; default "theirs".
	MergeStrategy gitops.MergeStrategy
	// TargetBranchPrefix prefixes a derived target branch name when the plan
	// spec doesn't supply one. Trailing slashes are stripped so the derived
	// name never contains "//".
	TargetBranchPrefix string
}

// DefaultConfig returns the manager's default policy.
func DefaultConfig() Config {
	return Config{
		MergeStrategy:      gitops.StrategyTheirs,
		TargetBranchPrefix: "conductor/",
	}
}

var nonAlphaNum = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = nonAlphaNum.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "plan"
	}
	return s
}

// Manager owns worktree lifecycle for one plan's repo.
type Manager struct {
	cfg  Config
	repo *gitops.Repo
	// newWorktree is overridable in tests to avoid a real git binary.
	newWorktree func(dir string) *gitops.Worktree
}

// New creates a Manager bound to a repo's main checkout directory.
func New(repoDir string, runner gitops.Runner, cfg Config) *Manager {
	repo := gitops.NewRepo(repoDir, runner)
	return &Manager{
		cfg:  cfg,
		repo: repo,
		newWorktree: func(dir string) *gitops.Worktree {
			return gitops.NewWorktree(dir, runner)
		},
	}
}

// ResolveTargetBranch implements §4.4's branch resolution rule: derive a
// name from the configured prefix and plan name when none is supplied, and
// substitute a derived branch if the caller handed us the repo's own base
// branch as the target (never merge RI straight onto the branch being built
// from).
func (m *Manager) ResolveTargetBranch(ctx context.Context, plan *model.PlanInstance) (string, error) {
	prefix := strings.TrimRight(m.cfg.TargetBranchPrefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	target := plan.TargetBranch
	if target == "" || target == plan.BaseBranch {
		target = prefix + slugify(plan.Spec.Name)
	}
	return target, nil
}

// CreateBranchIfMissing creates target branch from base if it doesn't exist yet.
func (m *Manager) CreateBranchIfMissing(ctx context.Context, target, base string) error {
	exists, err := m.repo.BranchExists(ctx, target)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	path, err := os.MkdirTemp("", "conductor-branch-seed-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(path)
	if err := m.repo.CreateWorktree(ctx, path, target, base); err != nil {
		return err
	}
	return m.repo.RemoveWorktree(ctx, path, true)
}

// NodePath returns the filesystem path a node's worktree lives at.
func NodePath(plan *model.PlanInstance, nodeID string) string {
	return filepath.Join(plan.WorktreeRoot, nodeID)
}

// CreateForNode creates a node's detached-HEAD worktree at baseCommit (§4.4
// "Creation" — no named branch is created).
func (m *Manager) CreateForNode(ctx context.Context, plan *model.PlanInstance, nodeID, baseCommit string) (string, error) {
	path := NodePath(plan, nodeID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare worktree root: %w", err)
	}
	if err := m.repo.CreateWorktreeDetached(ctx, path, baseCommit); err != nil {
		return "", fmt.Errorf("create worktree for %s: %w", nodeID, err)
	}
	return path, nil
}

// MergeFIResult reports a forward-integration outcome for one dependency.
type MergeFIResult struct {
	DependencyID string
	Conflicted   bool
}

// MergeForwardIntegration merges every dependency's completedCommit into the
// node's worktree, in ascending dependency-id order (§4.4's determinism
// rule), stopping at the first conflict.
func (m *Manager) MergeForwardIntegration(ctx context.Context, plan *model.PlanInstance, node *model.JobNode, worktreePath string) (*MergeFIResult, error) {
	deps := append([]string(nil), node.Dependencies...)
	sort.Strings(deps)

	wt := m.newWorktree(worktreePath)
	for _, depID := range deps {
		depState := plan.NodeStates[depID]
		if depState == nil || depState.CompletedCommit == "" {
			continue
		}
		res, err := wt.MergeCommit(ctx, depState.CompletedCommit, m.strategy())
		if err != nil {
			return nil, fmt.Errorf("merge-fi from %s: %w", depID, err)
		}
		if res.Conflicted {
			return &MergeFIResult{DependencyID: depID, Conflicted: true}, nil
		}
	}
	return &MergeFIResult{}, nil
}

func (m *Manager) strategy() gitops.MergeStrategy {
	if m.cfg.MergeStrategy == "" {
		return gitops.StrategyTheirs
	}
	return m.cfg.MergeStrategy
}

// ReverseIntegrate merges producer's completedCommit into every live
// downstream worktree that has not yet run (§4.4 "Reverse integration").
// Dependents already running or terminal, or with no worktree created yet,
// are skipped — the latter receive the change via their own FI at run time.
func (m *Manager) ReverseIntegrate(ctx context.Context, plan *model.PlanInstance, producerID string) error {
	producerState := plan.NodeStates[producerID]
	if producerState == nil || producerState.CompletedCommit == "" {
		return nil
	}
	producer := plan.Nodes[producerID]
	for _, depID := range producer.Dependents {
		state := plan.NodeStates[depID]
		if state == nil || state.WorktreePath == "" {
			continue
		}
		if state.Status != model.StatusReady && state.Status != model.StatusScheduled {
			continue
		}
		wt := m.newWorktree(state.WorktreePath)
		if _, err := wt.MergeCommit(ctx, producerState.CompletedCommit, m.strategy()); err != nil {
			return fmt.Errorf("merge-ri into %s: %w", depID, err)
		}
	}
	return nil
}

// AcknowledgeConsumption records that dependentID has successfully FI'd
// producerID, idempotently (§4.4 "Consumption accounting").
func AcknowledgeConsumption(producerState *model.NodeExecutionState, dependentID string) {
	if producerState.HasConsumed(dependentID) {
		return
	}
	producerState.ConsumedByDependents = append(producerState.ConsumedByDependents, dependentID)
}

// AllConsumersConsumed implements §4.4's allConsumersConsumed(P) predicate.
func AllConsumersConsumed(plan *model.PlanInstance, producerID string) bool {
	node := plan.Nodes[producerID]
	state := plan.NodeStates[producerID]
	if len(node.Dependents) == 0 {
		return plan.TargetBranch == "" || state.MergedToTarget
	}
	for _, depID := range node.Dependents {
		if !state.HasConsumed(depID) {
			return false
		}
	}
	return true
}

// CanCleanup reports whether producerID's worktree may be reclaimed right
// now: all consumers have consumed it, the plan wants cleanup, and the node
// isn't currently running.
func CanCleanup(plan *model.PlanInstance, producerID string, cleanUpSuccessfulWork bool) bool {
	state := plan.NodeStates[producerID]
	if state == nil || state.WorktreeCleanedUp {
		return false
	}
	if state.Status == model.StatusRunning {
		return false
	}
	if !cleanUpSuccessfulWork {
		return false
	}
	return AllConsumersConsumed(plan, producerID)
}

// Cleanup removes a node's worktree from disk and marks it cleaned up. The
// caller (runner) is responsible for calling CanCleanup first and for
// ensuring no process launched in the worktree is still alive.
func (m *Manager) Cleanup(ctx context.Context, plan *model.PlanInstance, producerID string) error {
	state := plan.NodeStates[producerID]
	if state == nil || state.WorktreePath == "" {
		return nil
	}
	if err := m.repo.RemoveWorktree(ctx, state.WorktreePath, true); err != nil {
		return fmt.Errorf("remove worktree for %s: %w", producerID, err)
	}
	state.WorktreeCleanedUp = true
	return nil
}

// IsAvailableForReshape reports whether a dependency is usable as a new edge
// target in reshape operations (§4.4 last rule, referenced by §4.7): not yet
// terminal, or succeeded with a completedCommit not yet cleaned up, or
// currently running with a live worktreePath.
func IsAvailableForReshape(state *model.NodeExecutionState) bool {
	if state == nil {
		return false
	}
	if !state.Status.IsTerminal() {
		return true
	}
	if state.Status == model.StatusSucceeded && state.CompletedCommit != "" && !state.WorktreeCleanedUp {
		return true
	}
	if state.Status == model.StatusRunning && state.WorktreePath != "" {
		return true
	}
	return false
}

// MergeToTarget merges a leaf's completedCommit into the resolved target
// branch worktree — the final step of §4.6's run loop after the
// snapshot-validation node succeeds.
func (m *Manager) MergeToTarget(ctx context.Context, targetWorktreePath, completedCommit string) (*gitops.MergeResult, error) {
	wt := m.newWorktree(targetWorktreePath)
	return wt.MergeCommit(ctx, completedCommit, m.strategy())
}
