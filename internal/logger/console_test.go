package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/JeromySt/dagconductor/internal/model"
)

func TestNewConsoleLogger_DefaultsToInfoOnInvalidLevel(t *testing.T) {
	cl := NewConsoleLogger(&bytes.Buffer{}, "bogus")
	assert.Equal(t, "info", cl.logLevel)
}

func TestConsoleLogger_LogNodeTransition(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "info")
	cl.LogNodeTransition("p1", "n1", model.StatusRunning, model.StatusSucceeded)
	out := buf.String()
	assert.Contains(t, out, "p1")
	assert.Contains(t, out, "n1")
	assert.Contains(t, out, "running -> succeeded")
}

func TestConsoleLogger_LogPhaseStart_FilteredByLevel(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "warn")
	cl.LogPhaseStart("p1", "n1", model.PhaseWork)
	assert.Empty(t, buf.String())
}

func TestConsoleLogger_LogPlanComplete(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "info")
	cl.LogPlanComplete("p1", model.PlanFailed)
	assert.Contains(t, buf.String(), "plan p1 complete: failed")
}

func TestConsoleLogger_NoColorWhenNotATTY(t *testing.T) {
	cl := NewConsoleLogger(&bytes.Buffer{}, "info")
	assert.False(t, cl.colorOutput)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "500ms", formatDuration(500*time.Millisecond))
	assert.Equal(t, "2s", formatDuration(2*time.Second))
}

func TestNormalizeLogLevel(t *testing.T) {
	assert.Equal(t, "debug", normalizeLogLevel("DEBUG"))
	assert.Equal(t, "info", normalizeLogLevel(""))
	assert.Equal(t, "info", normalizeLogLevel("nonsense"))
}

func TestLogLevelToInt_Ordering(t *testing.T) {
	assert.True(t, logLevelToInt("trace") < logLevelToInt("debug"))
	assert.True(t, logLevelToInt("debug") < logLevelToInt("info"))
	assert.True(t, logLevelToInt("info") < logLevelToInt("warn"))
	assert.True(t, logLevelToInt("warn") < logLevelToInt("error"))
}

func TestConsoleLogger_WriterNil_NoPanic(t *testing.T) {
	cl := NewConsoleLogger(nil, "trace")
	cl.LogNodeTransition("p1", "n1", model.StatusPending, model.StatusRunning)
}

func TestConsoleLogger_MergeConflictMentionsDependency(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "info")
	cl.LogMergeConflict("p1", "n2", "n1")
	assert.True(t, strings.Contains(buf.String(), "n1") && strings.Contains(buf.String(), "n2"))
}
