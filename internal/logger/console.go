// Package logger provides logging implementations for the runner's event
// stream (internal/runner.Logger). Implementations are thread-safe and
// support various output destinations (console, file, etc.).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/JeromySt/dagconductor/internal/model"
)

// Log level constants for filtering.
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs runner events to a writer with timestamps and thread
// safety. All output is prefixed with [HH:MM:SS] timestamps for tracking
// execution flow. Color output is automatically enabled for terminal output
// (os.Stdout/os.Stderr).
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	scheme      *colorScheme
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided
// io.Writer. If writer is nil, messages are silently discarded. logLevel
// determines the minimum log level for messages to be output (trace, debug,
// info, warn, error; case-insensitive; defaults to "info" if invalid).
// Color output is automatically enabled when writing to os.Stdout or
// os.Stderr with TTY support.
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
		scheme:      newColorScheme(),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
// Returns true for os.Stdout and os.Stderr when they are TTYs.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}
	if w == os.Stdout {
		return isatty.IsTerminal(os.Stdout.Fd())
	}
	if w == os.Stderr {
		return isatty.IsTerminal(os.Stderr.Fd())
	}
	return false
}

// normalizeLogLevel converts a log level string to lowercase and validates
// it. Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if validLevels[normalized] {
		return normalized
	}
	return "info"
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}

func (cl *ConsoleLogger) write(level string, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	if cl.colorOutput {
		cl.writer.Write([]byte(cl.formatWithColor(ts, level, message)))
		return
	}
	fmt.Fprintf(cl.writer, "[%s] [%s] %s\n", ts, level, message)
}

func (cl *ConsoleLogger) formatWithColor(ts, level, message string) string {
	var coloredLevel string
	switch strings.ToUpper(level) {
	case "TRACE":
		coloredLevel = color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		coloredLevel = color.New(color.FgCyan).Sprint(level)
	case "INFO":
		coloredLevel = color.New(color.FgBlue).Sprint(level)
	case "WARN":
		coloredLevel = color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		coloredLevel = color.New(color.FgRed).Sprint(level)
	default:
		coloredLevel = level
	}
	return fmt.Sprintf("[%s] [%s] %s\n", ts, coloredLevel, message)
}

// statusWord colorizes a node status for a log line.
func (cl *ConsoleLogger) statusWord(status model.NodeStatus) string {
	word := string(status)
	if !cl.colorOutput {
		return word
	}
	switch status {
	case model.StatusSucceeded:
		return cl.scheme.success.Sprint(word)
	case model.StatusFailed, model.StatusBlocked, model.StatusCanceled:
		return cl.scheme.fail.Sprint(word)
	case model.StatusRunning, model.StatusScheduled:
		return cl.scheme.warn.Sprint(word)
	default:
		return cl.scheme.label.Sprint(word)
	}
}

// LogNodeTransition logs a node's status change.
func (cl *ConsoleLogger) LogNodeTransition(planID, nodeID string, from, to model.NodeStatus) {
	cl.write("INFO", fmt.Sprintf("plan %s node %s: %s -> %s", planID, nodeID, from, cl.statusWord(to)))
}

// LogPhaseStart logs the start of a node phase (prechecks/work/postchecks).
func (cl *ConsoleLogger) LogPhaseStart(planID, nodeID string, phase model.Phase) {
	cl.write("DEBUG", fmt.Sprintf("plan %s node %s: starting %s", planID, nodeID, phase))
}

// LogPhaseResult logs the outcome of a node phase.
func (cl *ConsoleLogger) LogPhaseResult(planID, nodeID string, phase model.Phase, status model.StepStatus) {
	level := "DEBUG"
	word := string(status)
	if status == model.StepFailed {
		level = "WARN"
		if cl.colorOutput {
			word = cl.scheme.fail.Sprint(word)
		}
	} else if cl.colorOutput && status == model.StepSuccess {
		word = cl.scheme.success.Sprint(word)
	}
	cl.write(level, fmt.Sprintf("plan %s node %s: %s %s", planID, nodeID, phase, word))
}

// LogPlanComplete logs a plan reaching a terminal status.
func (cl *ConsoleLogger) LogPlanComplete(planID string, status model.PlanStatus) {
	word := string(status)
	if cl.colorOutput {
		switch status {
		case model.PlanSucceeded:
			word = cl.scheme.success.Sprint(word)
		case model.PlanFailed, model.PlanCanceled:
			word = cl.scheme.fail.Sprint(word)
		case model.PlanPartial:
			word = cl.scheme.warn.Sprint(word)
		}
	}
	cl.write("INFO", fmt.Sprintf("plan %s complete: %s", planID, word))
}

// LogWorktreeEvent logs a worktree lifecycle event (created, merged, cleaned up).
func (cl *ConsoleLogger) LogWorktreeEvent(planID, nodeID, event string) {
	cl.write("DEBUG", fmt.Sprintf("plan %s node %s: worktree %s", planID, nodeID, event))
}

// LogMergeConflict logs a forward-integration merge conflict against a dependency.
func (cl *ConsoleLogger) LogMergeConflict(planID, nodeID, dependencyID string) {
	msg := fmt.Sprintf("plan %s node %s: merge conflict integrating %s", planID, nodeID, dependencyID)
	if cl.colorOutput {
		msg = cl.scheme.warn.Sprint(msg)
	}
	cl.write("WARN", msg)
}

// LogAutoHeal logs an auto-heal corrective agent invocation.
func (cl *ConsoleLogger) LogAutoHeal(planID, nodeID string, phase model.Phase) {
	cl.write("WARN", fmt.Sprintf("plan %s node %s: auto-heal invoked during %s", planID, nodeID, phase))
}

// LogRetry logs a node being reset to pending for a retry attempt.
func (cl *ConsoleLogger) LogRetry(planID, nodeID string, attempt int) {
	cl.write("INFO", fmt.Sprintf("plan %s node %s: retry, attempt %d", planID, nodeID, attempt))
}

// formatDuration renders a duration the way plan/node summaries display it:
// sub-second as milliseconds, otherwise rounded to the second.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(time.Second).String()
}
