package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeromySt/dagconductor/internal/model"
)

func TestFileLogger_CreatesRunFileAndSymlink(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLoggerWithDirAndLevel(dir, "info")
	require.NoError(t, err)
	defer fl.Close()

	_, err = os.Stat(fl.runFile)
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(dir, "latest.log"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(fl.runFile), target)
}

func TestFileLogger_WritesNodeTransition(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLoggerWithDirAndLevel(dir, "info")
	require.NoError(t, err)

	fl.LogNodeTransition("p1", "n1", model.StatusReady, model.StatusRunning)
	require.NoError(t, fl.Close())

	data, err := os.ReadFile(fl.runFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "plan p1 node n1: ready -> running")
}

func TestFileLogger_RespectsLevelFilter(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLoggerWithDirAndLevel(dir, "error")
	require.NoError(t, err)

	fl.LogPhaseStart("p1", "n1", model.PhaseWork)
	require.NoError(t, fl.Close())

	data, err := os.ReadFile(fl.runFile)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "starting work")
}

func TestFileLogger_CloseIsIdempotentSafe(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLoggerWithDirAndLevel(dir, "info")
	require.NoError(t, err)
	require.NoError(t, fl.Close())
	require.NoError(t, fl.Close())
}
