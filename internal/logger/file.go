package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JeromySt/dagconductor/internal/model"
)

// FileLogger logs runner events to files under a log directory. It creates
// a timestamped per-run log file and maintains a latest.log symlink pointing
// to the most recent run. It is thread-safe and implements runner.Logger.
// It supports log level filtering to control message verbosity.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a new FileLogger that writes to .conductor/logs/.
// Uses default log level "info".
func NewFileLogger() (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(filepath.Join(".conductor", "logs"), "info")
}

// NewFileLoggerWithDir creates a new FileLogger with a custom log directory.
// Uses default log level "info".
func NewFileLoggerWithDir(logDir string) (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(logDir, "info")
}

// NewFileLoggerWithDirAndLevel creates a new FileLogger with a custom log
// directory and log level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", timestamp))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		logLevel: normalizeLogLevel(logLevel),
	}

	fl.writeRunLog("=== conductor run log ===\n")
	fl.writeRunLog(fmt.Sprintf("started at: %s\n\n", time.Now().Format(time.RFC3339)))

	return fl, nil
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

func (fl *FileLogger) logf(level string, format string, args ...interface{}) {
	if !fl.shouldLog(level) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", time.Now().Format("15:04:05"), level, fmt.Sprintf(format, args...)))
}

// LogNodeTransition logs a node's status change.
func (fl *FileLogger) LogNodeTransition(planID, nodeID string, from, to model.NodeStatus) {
	fl.logf("info", "plan %s node %s: %s -> %s", planID, nodeID, from, to)
}

// LogPhaseStart logs the start of a node phase.
func (fl *FileLogger) LogPhaseStart(planID, nodeID string, phase model.Phase) {
	fl.logf("debug", "plan %s node %s: starting %s", planID, nodeID, phase)
}

// LogPhaseResult logs the outcome of a node phase.
func (fl *FileLogger) LogPhaseResult(planID, nodeID string, phase model.Phase, status model.StepStatus) {
	level := "debug"
	if status == model.StepFailed {
		level = "warn"
	}
	fl.logf(level, "plan %s node %s: %s %s", planID, nodeID, phase, status)
}

// LogPlanComplete logs a plan reaching a terminal status.
func (fl *FileLogger) LogPlanComplete(planID string, status model.PlanStatus) {
	fl.logf("info", "plan %s complete: %s", planID, status)
}

// LogWorktreeEvent logs a worktree lifecycle event.
func (fl *FileLogger) LogWorktreeEvent(planID, nodeID, event string) {
	fl.logf("debug", "plan %s node %s: worktree %s", planID, nodeID, event)
}

// LogMergeConflict logs a forward-integration merge conflict.
func (fl *FileLogger) LogMergeConflict(planID, nodeID, dependencyID string) {
	fl.logf("warn", "plan %s node %s: merge conflict integrating %s", planID, nodeID, dependencyID)
}

// LogAutoHeal logs an auto-heal corrective agent invocation.
func (fl *FileLogger) LogAutoHeal(planID, nodeID string, phase model.Phase) {
	fl.logf("warn", "plan %s node %s: auto-heal invoked during %s", planID, nodeID, phase)
}

// LogRetry logs a node being reset to pending for a retry attempt.
func (fl *FileLogger) LogRetry(planID, nodeID string, attempt int) {
	fl.logf("info", "plan %s node %s: retry, attempt %d", planID, nodeID, attempt)
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("failed to sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("failed to close run log: %w", err)
		}
		fl.runLog = nil
	}
	return nil
}

// writeRunLog is a thread-safe helper to write to the run log file.
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		fl.runLog.Sync()
	}
}
