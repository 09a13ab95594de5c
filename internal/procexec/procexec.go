// Package procexec runs the three WorkSpec variants — process, shell, agent
// — against a worktree directory and reports a uniform result the executor
// can act on.
package procexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/JeromySt/dagconductor/internal/budget"
	"github.com/JeromySt/dagconductor/internal/model"
)

// ErrCanceled is returned when a run was stopped by context cancellation or
// a spec-supplied timeout (§4.5.4).
var ErrCanceled = errors.New("canceled")

// Result is the uniform outcome of running one WorkSpec.
type Result struct {
	Success    bool
	ExitCode   int
	Output     string
	SessionID  string
	TimedOut   bool
	FailReason model.FailureReason
}

// LogSink receives streamed output tagged by phase, for the runner's log
// store. Nil is a valid no-op sink.
type LogSink interface {
	Write(phase model.Phase, chunk []byte)
}

// AgentResponseSchema is the JSON schema agent invocations are constrained
// to emit (via --json-schema or an equivalent CLI flag), adapted from the
// teacher's structured agent-output schema.
func AgentResponseSchema() string {
	return `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Agent Response",
  "description": "Structured JSON output from a node's agent work",
  "type": "object",
  "required": ["status", "summary"],
  "properties": {
    "status": {
      "type": "string",
      "enum": ["success", "failed"],
      "description": "Task execution status"
    },
    "summary": {
      "type": "string",
      "description": "Brief description of the result"
    },
    "output": {
      "type": "string",
      "description": "Full execution output"
    },
    "errors": {
      "type": "array",
      "items": {"type": "string"},
      "description": "List of error messages"
    },
    "files_modified": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Paths of files modified during execution"
    },
    "session_id": {
      "type": "string",
      "description": "Agent session ID, for retry resumption"
    }
  },
  "additionalProperties": false
}`
}

// agentResponse is the shape AgentResponseSchema constrains agent output to.
type agentResponse struct {
	Status        string   `json:"status"`
	Summary       string   `json:"summary"`
	Output        string   `json:"output"`
	Errors        []string `json:"errors"`
	FilesModified []string `json:"files_modified"`
	SessionID     string   `json:"session_id"`
}

// BudgetWaiter lets an agent invocation pause for a detected rate-limit
// reset instead of failing outright (§4.5.5 budget/rate-limit awareness).
// *budget.RateLimitWaiter satisfies this.
type BudgetWaiter interface {
	ShouldWait(info *budget.RateLimitInfo) bool
	WaitForReset(ctx context.Context, info *budget.RateLimitInfo) error
}

// Runner executes WorkSpecs. AgentBinary defaults to "claude".
type Runner struct {
	AgentBinary string

	// Waiter, if set, is consulted on an agent-kind failure that looks like
	// a rate limit; a wait-worthy one is waited out and the attempt retried
	// exactly once rather than surfaced as a node failure.
	Waiter BudgetWaiter
}

// New returns a Runner with default settings.
func New() *Runner {
	return &Runner{AgentBinary: "claude"}
}

// Run executes spec inside cwd. resumeSessionID, if set, is passed through
// to agent invocations for retry-by-session resumption.
func (r *Runner) Run(ctx context.Context, spec *model.WorkSpec, cwd string, resumeSessionID string, sink LogSink, phase model.Phase) (*Result, error) {
	if spec == nil {
		return &Result{Success: true}, nil
	}

	timeout := time.Duration(spec.TimeoutMS) * time.Millisecond
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch spec.Kind {
	case model.KindProcess:
		return r.runProcess(runCtx, spec, cwd, sink, phase)
	case model.KindShell:
		return r.runShell(runCtx, spec, cwd, sink, phase)
	case model.KindAgent:
		return r.runAgent(runCtx, spec, cwd, resumeSessionID, sink, phase)
	default:
		return nil, fmt.Errorf("unknown work spec kind %q", spec.Kind)
	}
}

func (r *Runner) runProcess(ctx context.Context, spec *model.WorkSpec, cwd string, sink LogSink, phase model.Phase) (*Result, error) {
	if spec.Executable == "" {
		return nil, errors.New("process work spec missing executable")
	}
	cmd := exec.CommandContext(ctx, spec.Executable, spec.Args...)
	return r.runCmd(ctx, cmd, spec, cwd, sink, phase)
}

func (r *Runner) runShell(ctx context.Context, spec *model.WorkSpec, cwd string, sink LogSink, phase model.Phase) (*Result, error) {
	if spec.Command == "" {
		return nil, errors.New("shell work spec missing command")
	}
	shell, args := shellInvocation(spec.Shell)
	cmd := exec.CommandContext(ctx, shell, append(args, spec.Command)...)
	return r.runCmd(ctx, cmd, spec, cwd, sink, phase)
}

// shellInvocation resolves a model.Shell into the binary + flag args used to
// run a single command string through it.
func shellInvocation(shell model.Shell) (string, []string) {
	switch shell {
	case model.ShellPowerShell:
		return "powershell", []string{"-NoProfile", "-Command"}
	case model.ShellPwsh:
		return "pwsh", []string{"-NoProfile", "-Command"}
	case model.ShellCmd:
		return "cmd", []string{"/C"}
	case model.ShellBash:
		return "bash", []string{"-c"}
	default:
		return "sh", []string{"-c"}
	}
}

func (r *Runner) runCmd(ctx context.Context, cmd *exec.Cmd, spec *model.WorkSpec, cwd string, sink LogSink, phase model.Phase) (*Result, error) {
	cmd.Dir = resolveCwd(cwd, spec.Cwd)
	cmd.Env = buildEnv(spec.Env)

	var buf bytes.Buffer
	var out io.Writer = &buf
	if sink != nil {
		out = io.MultiWriter(&buf, sinkWriter{sink: sink, phase: phase})
	}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	canceled := errors.Is(ctx.Err(), context.Canceled)

	res := &Result{Output: buf.String()}
	if err == nil {
		res.Success = true
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	switch {
	case timedOut:
		res.TimedOut = true
		res.FailReason = model.FailureTimeout
		return res, ErrCanceled
	case canceled:
		res.FailReason = model.FailureAbort
		return res, ErrCanceled
	default:
		return res, fmt.Errorf("command failed: %w", err)
	}
}

func resolveCwd(worktree, override string) string {
	if override == "" {
		return worktree
	}
	if strings.HasPrefix(override, "/") {
		return override
	}
	return worktree + string(os.PathSeparator) + override
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

type sinkWriter struct {
	sink  LogSink
	phase model.Phase
}

func (w sinkWriter) Write(p []byte) (int, error) {
	w.sink.Write(w.phase, p)
	return len(p), nil
}

// runAgent invokes the configured agent binary in an interactive pty (so the
// agent's CLI behaves as if attached to a terminal, enabling real-time log
// tailing) and parses its JSON-schema-constrained response.
// runAgent wraps runAgentAttempt with a single rate-limit-aware retry: if
// the first attempt fails with output or an error that looks like a rate
// limit and r.Waiter says the reset is worth waiting for, it blocks until
// reset and retries exactly once.
func (r *Runner) runAgent(ctx context.Context, spec *model.WorkSpec, cwd, resumeSessionID string, sink LogSink, phase model.Phase) (*Result, error) {
	res, err := r.runAgentAttempt(ctx, spec, cwd, resumeSessionID, sink, phase)
	if err == nil || err == ErrCanceled || r.Waiter == nil {
		return res, err
	}

	info := budget.ParseRateLimitFromError(err.Error())
	if info == nil && res != nil {
		info = budget.ParseRateLimitFromOutput(res.Output)
	}
	if info == nil || !r.Waiter.ShouldWait(info) {
		return res, err
	}
	if waitErr := r.Waiter.WaitForReset(ctx, info); waitErr != nil {
		return res, err
	}
	return r.runAgentAttempt(ctx, spec, cwd, resumeSessionID, sink, phase)
}

func (r *Runner) runAgentAttempt(ctx context.Context, spec *model.WorkSpec, cwd, resumeSessionID string, sink LogSink, phase model.Phase) (*Result, error) {
	binary := r.AgentBinary
	if binary == "" {
		binary = "claude"
	}

	allowedFolders := dedupeAppend(spec.AllowedFolders, cwd)

	args := []string{
		"--output-format", "json",
		"--json-schema", AgentResponseSchema(),
		"--permission-mode", "bypassPermissions",
	}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", spec.MaxTurns))
	}
	for _, folder := range allowedFolders {
		args = append(args, "--add-dir", folder)
	}
	args = append(args, "-p", spec.Instructions)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = cwd
	cmd.Env = buildEnv(spec.Env)

	ptmx, pts, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pty for agent invocation: %w", err)
	}
	defer ptmx.Close()

	cmd.Stdin = strings.NewReader("")
	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		return nil, fmt.Errorf("starting agent: %w", err)
	}
	pts.Close()

	var buf bytes.Buffer
	var out io.Writer = &buf
	if sink != nil {
		out = io.MultiWriter(&buf, sinkWriter{sink: sink, phase: phase})
	}
	_, copyErr := io.Copy(out, ptmx)
	if copyErr != nil {
		var pathErr *os.PathError
		if !(errors.As(copyErr, &pathErr) && pathErr.Err == syscall.EIO) {
			return nil, fmt.Errorf("reading agent output: %w", copyErr)
		}
	}

	waitErr := cmd.Wait()
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	canceled := errors.Is(ctx.Err(), context.Canceled)

	res := &Result{Output: buf.String()}
	if timedOut {
		res.TimedOut = true
		res.FailReason = model.FailureTimeout
		return res, ErrCanceled
	}
	if canceled {
		res.FailReason = model.FailureAbort
		return res, ErrCanceled
	}

	parsed, parseErr := parseAgentResponse(buf.Bytes())
	if parseErr == nil {
		res.SessionID = parsed.SessionID
		res.Success = parsed.Status == "success"
		if !res.Success {
			return res, fmt.Errorf("agent reported failure: %s", strings.Join(parsed.Errors, "; "))
		}
		return res, nil
	}

	if waitErr != nil {
		return res, fmt.Errorf("agent invocation failed: %w", waitErr)
	}
	return res, fmt.Errorf("agent response did not match schema: %w", parseErr)
}

// parseAgentResponse extracts the structured agentResponse from raw CLI
// output, handling both a direct JSON object and mixed output carrying a
// JSON blob (stray log lines before/after), the same fallback the teacher's
// claude.ParseResponse performs.
func parseAgentResponse(raw []byte) (*agentResponse, error) {
	var resp agentResponse
	if err := json.Unmarshal(raw, &resp); err == nil {
		return &resp, nil
	}
	s := string(raw)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object found in agent output")
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func dedupeAppend(folders []string, extra string) []string {
	for _, f := range folders {
		if f == extra {
			return folders
		}
	}
	return append(append([]string(nil), folders...), extra)
}
