package executor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeromySt/dagconductor/internal/model"
)

// setupPhaseExecRepo creates a bare-ish real git repo with one commit, and
// returns its path and the initial commit hash.
func setupPhaseExecRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# x\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")

	out, err := exec.Command("git", "-C", dir, "rev-parse", "HEAD").Output()
	require.NoError(t, err)
	return dir, string(out[:len(out)-1])
}

// worktreeFor creates a detached worktree of repoDir at base in a fresh temp directory.
func worktreeFor(t *testing.T, repoDir, base string) string {
	t.Helper()
	wtDir := filepath.Join(t.TempDir(), "wt")
	cmd := exec.Command("git", "-C", repoDir, "worktree", "add", "--detach", wtDir, base)
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "worktree add: %s", out)
	return wtDir
}

func TestPhaseExecutor_SuccessWithShellWork(t *testing.T) {
	repoDir, base := setupPhaseExecRepo(t)
	wtDir := worktreeFor(t, repoDir, base)

	node := &model.JobNode{
		ID:         "node-1",
		ProducerID: "build",
		Name:       "build",
		Task:       "write a file",
		Work:       &model.WorkSpec{Kind: model.KindShell, Command: "echo hi > out.txt"},
	}
	ectx := ExecutionContext{
		Node:       node,
		BaseCommit: base,
		WorktreePath: wtDir,
	}

	exec := NewPhaseExecutor(nil)
	result := exec.Execute(context.Background(), ectx)

	require.True(t, result.Success, result.Error)
	assert.NotEmpty(t, result.CompletedCommit)
	assert.Equal(t, model.StepSuccess, result.StepStatuses[model.PhaseWork])
	assert.Equal(t, model.StepSuccess, result.StepStatuses[model.PhaseCommit])
	require.NotNil(t, result.WorkSummary)
	assert.Equal(t, 1, result.WorkSummary.FilesAdded)
}

func TestPhaseExecutor_ExpectsNoChanges_CleanSkipsCommit(t *testing.T) {
	repoDir, base := setupPhaseExecRepo(t)
	wtDir := worktreeFor(t, repoDir, base)

	node := &model.JobNode{
		ID:               "node-1",
		ProducerID:       "lint",
		Name:             "lint",
		Task:             "check only",
		Work:             &model.WorkSpec{Kind: model.KindShell, Command: "true"},
		ExpectsNoChanges: true,
	}
	ectx := ExecutionContext{Node: node, BaseCommit: base, WorktreePath: wtDir}

	exec := NewPhaseExecutor(nil)
	result := exec.Execute(context.Background(), ectx)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, model.StepSkipped, result.StepStatuses[model.PhaseCommit])
	assert.Empty(t, result.CompletedCommit)
}

func TestPhaseExecutor_ExpectsNoChanges_DirtyFails(t *testing.T) {
	repoDir, base := setupPhaseExecRepo(t)
	wtDir := worktreeFor(t, repoDir, base)

	node := &model.JobNode{
		ID:               "node-1",
		ProducerID:       "lint",
		Name:             "lint",
		Work:             &model.WorkSpec{Kind: model.KindShell, Command: "echo dirty > out.txt"},
		ExpectsNoChanges: true,
	}
	ectx := ExecutionContext{Node: node, BaseCommit: base, WorktreePath: wtDir}

	exec := NewPhaseExecutor(nil)
	result := exec.Execute(context.Background(), ectx)

	assert.False(t, result.Success)
	assert.Equal(t, model.PhaseCommit, result.FailedPhase)
	assert.Equal(t, model.StepFailed, result.StepStatuses[model.PhaseCommit])
}

func TestPhaseExecutor_PrecheckFailureStopsSequence(t *testing.T) {
	repoDir, base := setupPhaseExecRepo(t)
	wtDir := worktreeFor(t, repoDir, base)

	node := &model.JobNode{
		ID:         "node-1",
		ProducerID: "build",
		Name:       "build",
		Prechecks:  &model.WorkSpec{Kind: model.KindShell, Command: "exit 1"},
		Work:       &model.WorkSpec{Kind: model.KindShell, Command: "echo should-not-run > out.txt"},
	}
	ectx := ExecutionContext{Node: node, BaseCommit: base, WorktreePath: wtDir}

	exec := NewPhaseExecutor(nil)
	result := exec.Execute(context.Background(), ectx)

	assert.False(t, result.Success)
	assert.Equal(t, model.PhasePrechecks, result.FailedPhase)
	_, workRan := result.StepStatuses[model.PhaseWork]
	assert.False(t, workRan)
	assert.NoFileExists(t, filepath.Join(wtDir, "out.txt"))
}

func TestPhaseExecutor_NoOpWorkSkipsCommitWithoutError(t *testing.T) {
	repoDir, base := setupPhaseExecRepo(t)
	wtDir := worktreeFor(t, repoDir, base)

	node := &model.JobNode{
		ID:         "node-1",
		ProducerID: "noop",
		Name:       "noop",
		Work:       &model.WorkSpec{Kind: model.KindShell, Command: "true"},
	}
	ectx := ExecutionContext{Node: node, BaseCommit: base, WorktreePath: wtDir}

	exec := NewPhaseExecutor(nil)
	result := exec.Execute(context.Background(), ectx)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, model.StepSkipped, result.StepStatuses[model.PhaseCommit])
	assert.Empty(t, result.CompletedCommit)
}

func TestPhaseExecutor_MergeFIAppliesDependencyCommit(t *testing.T) {
	repoDir, base := setupPhaseExecRepo(t)

	// Simulate a dependency's completed work on a second worktree, producing a commit.
	depWt := worktreeFor(t, repoDir, base)
	require.NoError(t, os.WriteFile(filepath.Join(depWt, "dep.txt"), []byte("from dep\n"), 0o644))
	runIn := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	runIn(depWt, "add", ".")
	runIn(depWt, "commit", "-m", "dep work")
	depCommit, err := exec.Command("git", "-C", depWt, "rev-parse", "HEAD").Output()
	require.NoError(t, err)
	depCommitStr := string(depCommit[:len(depCommit)-1])

	// The node under test starts from the original base, independent of depWt.
	wtDir := worktreeFor(t, repoDir, base)
	node := &model.JobNode{
		ID:           "node-1",
		ProducerID:   "consumer",
		Name:         "consumer",
		Dependencies: []string{"dep"},
		Work:         &model.WorkSpec{Kind: model.KindShell, Command: "true"},
	}
	ectx := ExecutionContext{
		Node:              node,
		BaseCommit:        base,
		WorktreePath:      wtDir,
		DependencyCommits: map[string]string{"dep": depCommitStr},
	}

	exec2 := NewPhaseExecutor(nil)
	result := exec2.Execute(context.Background(), ectx)

	require.True(t, result.Success, result.Error)
	assert.FileExists(t, filepath.Join(wtDir, "dep.txt"))
}
