// Package gitops wraps the git commands the worktree manager and executor
// need: repo-wide operations go through a circuit breaker (transient git
// lock contention is common when many worktrees share one .git) while
// per-worktree operations run directly.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ErrTransient marks an error the caller may retry (lock contention, index.lock).
var ErrTransient = errors.New("transient git error")

// Runner executes git commands. Production code uses CommandRunner; tests
// inject a fake.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// CommandRunner executes git via os/exec.
type CommandRunner struct {
	GitBinary string
}

// NewCommandRunner returns a CommandRunner using the "git" binary on PATH.
func NewCommandRunner() *CommandRunner {
	return &CommandRunner{GitBinary: "git"}
}

func (r *CommandRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := r.GitBinary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if isTransient(string(out)) {
			return string(out), fmt.Errorf("%w: git %s: %v: %s", ErrTransient, strings.Join(args, " "), err, out)
		}
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return string(out), nil
}

func isTransient(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "index.lock") ||
		strings.Contains(lower, "unable to create") && strings.Contains(lower, "lock") ||
		strings.Contains(lower, "could not lock")
}

// Repo performs git operations against a single repo or worktree path, with
// a circuit breaker guarding the operations that touch shared repo state
// (branch creation/deletion, worktree add/remove) since those race across
// concurrently running nodes sharing one .git directory.
type Repo struct {
	runner  Runner
	repoDir string
	breaker *gobreaker.CircuitBreaker
}

// NewRepo wraps repoDir (the main checkout, holder of .git) with retrying,
// circuit-broken git access.
func NewRepo(repoDir string, runner Runner) *Repo {
	if runner == nil {
		runner = NewCommandRunner()
	}
	settings := gobreaker.Settings{
		Name:        "gitops." + repoDir,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Repo{runner: runner, repoDir: repoDir, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (r *Repo) guarded(ctx context.Context, args ...string) (string, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		out, err := r.breaker.Execute(func() (interface{}, error) {
			return r.runner.Run(ctx, r.repoDir, args...)
		})
		if err == nil {
			return out.(string), nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		}
	}
	return "", lastErr
}

// CreateWorktree adds a worktree at path checked out to a new branch
// created from base.
func (r *Repo) CreateWorktree(ctx context.Context, path, branch, base string) error {
	_, err := r.guarded(ctx, "worktree", "add", "-b", branch, path, base)
	return err
}

// CreateWorktreeDetached adds a worktree checked out at an existing ref
// without creating a branch (used for scratch validation worktrees).
func (r *Repo) CreateWorktreeDetached(ctx context.Context, path, ref string) error {
	_, err := r.guarded(ctx, "worktree", "add", "--detach", path, ref)
	return err
}

// RemoveWorktree prunes the worktree registration and deletes its directory.
func (r *Repo) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := r.guarded(ctx, args...)
	return err
}

// PruneWorktrees removes stale worktree administrative files.
func (r *Repo) PruneWorktrees(ctx context.Context) error {
	_, err := r.guarded(ctx, "worktree", "prune")
	return err
}

// DeleteBranch force-deletes a local branch.
func (r *Repo) DeleteBranch(ctx context.Context, branch string) error {
	_, err := r.guarded(ctx, "branch", "-D", branch)
	return err
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := r.runner.Run(ctx, r.repoDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// RevParse resolves ref to a commit hash in the main repo checkout — used by
// the runner to find a branch's current tip when a node has no dependencies.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := r.runner.Run(ctx, r.repoDir, "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("rev-parse %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// Worktree performs operations scoped to one checked-out worktree directory.
// These don't touch the worktree list itself so they run without the
// breaker/retry wrapper.
type Worktree struct {
	runner Runner
	dir    string
}

// NewWorktree wraps an existing worktree directory.
func NewWorktree(dir string, runner Runner) *Worktree {
	if runner == nil {
		runner = NewCommandRunner()
	}
	return &Worktree{runner: runner, dir: dir}
}

// Dir returns the worktree's filesystem path.
func (w *Worktree) Dir() string { return w.dir }

// HeadCommit returns the current HEAD commit hash.
func (w *Worktree) HeadCommit(ctx context.Context) (string, error) {
	out, err := w.runner.Run(ctx, w.dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasChanges reports whether the worktree has uncommitted changes.
func (w *Worktree) HasChanges(ctx context.Context) (bool, error) {
	out, err := w.runner.Run(ctx, w.dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// StageAll stages every tracked and untracked change.
func (w *Worktree) StageAll(ctx context.Context) error {
	_, err := w.runner.Run(ctx, w.dir, "add", "-A")
	return err
}

// Commit creates a commit with the given message. Returns nil without
// creating a commit if there is nothing staged.
func (w *Worktree) Commit(ctx context.Context, message string) error {
	staged, err := w.runner.Run(ctx, w.dir, "diff", "--cached", "--name-only")
	if err != nil {
		return err
	}
	if strings.TrimSpace(staged) == "" {
		return nil
	}
	_, err = w.runner.Run(ctx, w.dir, "commit", "-m", message)
	return err
}

// MergeStrategy picks the conflict resolution side for FI/RI merges.
type MergeStrategy string

const (
	// StrategyTheirs resolves conflicts in favor of the branch being merged in.
	StrategyTheirs MergeStrategy = "theirs"
	// StrategyOurs resolves conflicts in favor of the current branch.
	StrategyOurs MergeStrategy = "ours"
)

// MergeResult reports the outcome of a merge attempt.
type MergeResult struct {
	Conflicted bool
	Output     string
}

// MergeCommit merges commit into the worktree's current branch using the
// given conflict strategy. A merge that still conflicts after the -X
// strategy (e.g. add/add or rename conflicts -X can't resolve) is reported
// via Conflicted rather than as an error, leaving the worktree in a dirty
// merge state for the caller to abort or inspect.
func (w *Worktree) MergeCommit(ctx context.Context, commit string, strategy MergeStrategy) (*MergeResult, error) {
	args := []string{"merge", "--no-edit", "-X", string(strategy), commit}
	out, err := w.runner.Run(ctx, w.dir, args...)
	if err == nil {
		return &MergeResult{Conflicted: false, Output: out}, nil
	}
	if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
		return &MergeResult{Conflicted: true, Output: out}, nil
	}
	return nil, err
}

// AbortMerge aborts an in-progress conflicted merge.
func (w *Worktree) AbortMerge(ctx context.Context) error {
	_, err := w.runner.Run(ctx, w.dir, "merge", "--abort")
	return err
}

// CommitsBetween lists commit hashes reachable from to but not from, oldest first.
func (w *Worktree) CommitsBetween(ctx context.Context, from, to string) ([]string, error) {
	out, err := w.runner.Run(ctx, w.dir, "rev-list", "--reverse", from+".."+to)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// DiffStat summarizes files changed between two commits.
type DiffStat struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// DiffNameStatus reports added/modified/deleted files between two commits.
func (w *Worktree) DiffNameStatus(ctx context.Context, from, to string) (*DiffStat, error) {
	out, err := w.runner.Run(ctx, w.dir, "diff", "--name-status", from, to)
	if err != nil {
		return nil, err
	}
	stat := &DiffStat{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		status, path := fields[0], fields[1]
		switch {
		case strings.HasPrefix(status, "A"):
			stat.Added = append(stat.Added, path)
		case strings.HasPrefix(status, "D"):
			stat.Deleted = append(stat.Deleted, path)
		default:
			stat.Modified = append(stat.Modified, path)
		}
	}
	return stat, nil
}

// CheckoutNewBranch creates and checks out a new branch from an existing ref.
func (w *Worktree) CheckoutNewBranch(ctx context.Context, branch, from string) error {
	_, err := w.runner.Run(ctx, w.dir, "checkout", "-b", branch, from)
	return err
}

// Push pushes the current branch to origin, creating it remotely if absent.
func (w *Worktree) Push(ctx context.Context, branch string) error {
	_, err := w.runner.Run(ctx, w.dir, "push", "-u", "origin", branch)
	return err
}

// FetchRef fetches a specific ref into the worktree's local refs without merging.
func (w *Worktree) FetchRef(ctx context.Context, remote, ref string) error {
	_, err := w.runner.Run(ctx, w.dir, "fetch", remote, ref)
	return err
}
