// Package runner owns PlanInstances in memory, drives their execution
// through the scheduler/state machine/executor/worktree manager, and
// handles persistence and crash recovery (§4.6).
package runner

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"

	"github.com/JeromySt/dagconductor/internal/clock"
	executorpkg "github.com/JeromySt/dagconductor/internal/executor"
	"github.com/JeromySt/dagconductor/internal/gitops"
	"github.com/JeromySt/dagconductor/internal/model"
	"github.com/JeromySt/dagconductor/internal/procexec"
	"github.com/JeromySt/dagconductor/internal/scheduler"
	"github.com/JeromySt/dagconductor/internal/statemachine"
	"github.com/JeromySt/dagconductor/internal/store"
	"github.com/JeromySt/dagconductor/internal/worktree"
)

// PhaseExecutor is the subset of *executor.PhaseExecutor the runner depends
// on, narrowed to an interface so tests can substitute a fake.
type PhaseExecutor interface {
	Execute(ctx context.Context, ectx executorpkg.ExecutionContext) *executorpkg.JobExecutionResult
}

// WorktreeManager is the subset of *worktree.Manager the runner depends on.
type WorktreeManager interface {
	ResolveTargetBranch(ctx context.Context, plan *model.PlanInstance) (string, error)
	CreateBranchIfMissing(ctx context.Context, target, base string) error
	CreateForNode(ctx context.Context, plan *model.PlanInstance, nodeID, baseCommit string) (string, error)
	MergeForwardIntegration(ctx context.Context, plan *model.PlanInstance, node *model.JobNode, worktreePath string) (*worktree.MergeFIResult, error)
	ReverseIntegrate(ctx context.Context, plan *model.PlanInstance, producerID string) error
	Cleanup(ctx context.Context, plan *model.PlanInstance, producerID string) error
	MergeToTarget(ctx context.Context, targetWorktreePath, completedCommit string) (*gitops.MergeResult, error)
}

// BranchResolver resolves a ref to a commit in the plan's main checkout,
// used to choose a dependency-free node's baseCommit (§4.6 step 3).
type BranchResolver interface {
	RevParse(ctx context.Context, ref string) (string, error)
}

// Config carries the runner's tunable policy (§1 ambient stack).
type Config struct {
	GlobalMaxParallel int
}

// DefaultConfig returns the runner's default policy.
func DefaultConfig() Config {
	return Config{GlobalMaxParallel: scheduler.DefaultGlobalMaxParallel}
}

// Deps bundles the collaborators a Runner is built from.
type Deps struct {
	Store     *store.Store
	History   *store.HistoryStore
	Scheduler *scheduler.Scheduler
	Worktrees WorktreeManager
	Branches  BranchResolver
	Executor  PhaseExecutor
	// ProcRunner runs the corrective agent invocation on auto-heal (§4.5.5).
	// Defaults to a real procexec.Runner.
	ProcRunner *procexec.Runner
	Clock      clock.Clock
	Logger     Logger
	Config     Config
}

// Runner owns every in-memory PlanInstance and the goroutine driving each
// one's run loop.
type Runner struct {
	deps Deps

	mu       sync.Mutex
	plans    map[string]*planRuntime
	running  int // nodes currently running, across every plan
}

// New constructs a Runner. Missing optional deps fall back to safe defaults
// (NoopLogger, system clock, DefaultConfig's cap).
func New(deps Deps) *Runner {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = NoopLogger{}
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New()
	}
	if deps.ProcRunner == nil {
		deps.ProcRunner = procexec.New()
	}
	if deps.Config.GlobalMaxParallel <= 0 {
		deps.Config.GlobalMaxParallel = scheduler.DefaultGlobalMaxParallel
	}
	deps.Scheduler.SetGlobalMaxParallel(deps.Config.GlobalMaxParallel)
	return &Runner{deps: deps, plans: map[string]*planRuntime{}}
}

// planRuntime is the mutable execution state the runner keeps for one plan,
// separate from the persisted model.PlanInstance.
type planRuntime struct {
	plan *model.PlanInstance
	sm   *statemachine.StateMachine

	ctx    context.Context
	cancel context.CancelFunc

	results  chan nodeResult
	wake     chan struct{}
	done     chan struct{}
	started  bool

	nodeCancels map[string]context.CancelFunc
	healedOnce  map[string]map[model.Phase]bool // nodeID -> phase -> already auto-healed this attempt
}

type nodeResult struct {
	nodeID string
	result *executorpkg.JobExecutionResult
}

// runnerListener implements statemachine.Listener, persisting the plan and
// forwarding events to the Logger on every transition (§4.6 step 6:
// "persist a snapshot after every node transition").
type runnerListener struct {
	r      *Runner
	planID string
}

func (l *runnerListener) OnTransition(ev statemachine.TransitionEvent) {
	l.r.deps.Logger.LogNodeTransition(ev.PlanID, ev.NodeID, ev.From, ev.To)
	l.r.persist(ev.PlanID)
}

func (l *runnerListener) OnNodeReady(planID, nodeID string) {
	l.r.wakePlan(planID)
}

func (l *runnerListener) OnPlanComplete(ev statemachine.PlanCompleteEvent) {
	l.r.deps.Logger.LogPlanComplete(ev.PlanID, ev.Status)
}

func (r *Runner) persist(planID string) {
	if r.deps.Store == nil {
		return
	}
	pr := r.getRuntime(planID)
	if pr == nil {
		return
	}
	_ = r.deps.Store.SavePlan(pr.plan)
}

func (r *Runner) getRuntime(planID string) *planRuntime {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plans[planID]
}

// adopt registers an already-built PlanInstance and returns its runtime
// wrapper, wiring a fresh state machine and listener.
func (r *Runner) adopt(plan *model.PlanInstance) *planRuntime {
	sm := statemachine.New(plan, r.deps.Clock)
	ctx, cancel := context.WithCancel(context.Background())
	pr := &planRuntime{
		plan:        plan,
		sm:          sm,
		ctx:         ctx,
		cancel:      cancel,
		results:     make(chan nodeResult, 16),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		nodeCancels: map[string]context.CancelFunc{},
		healedOnce:  map[string]map[model.Phase]bool{},
	}
	sm.AddListener(&runnerListener{r: r, planID: plan.ID})

	r.mu.Lock()
	r.plans[plan.ID] = pr
	r.mu.Unlock()
	return pr
}

// AddPlan registers a freshly built plan (e.g. from planbuilder.BuildPlan)
// with the runner and persists it, without starting its run loop.
func (r *Runner) AddPlan(plan *model.PlanInstance) error {
	r.adopt(plan)
	r.persist(plan.ID)
	return nil
}

// GetPlan returns the live PlanInstance for id, or nil if unknown.
func (r *Runner) GetPlan(planID string) *model.PlanInstance {
	pr := r.getRuntime(planID)
	if pr == nil {
		return nil
	}
	return pr.plan
}

// ListPlanIDs returns every plan id currently owned by the runner.
func (r *Runner) ListPlanIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.plans))
	for id := range r.plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Initialize loads every persisted plan, runs crash recovery on each, and
// adopts them into the runner — only after which plans are visible to
// callers (§4.6 "initialize()").
func (r *Runner) Initialize() error {
	if r.deps.Store == nil {
		return nil
	}
	plans, err := r.deps.Store.LoadAllPlans()
	if err != nil {
		return fmt.Errorf("load persisted plans: %w", err)
	}
	for _, plan := range plans {
		pr := r.adopt(plan)
		r.recoverFromCrash(pr)
		r.persist(plan.ID)
	}
	return nil
}

// recoverFromCrash implements §4.6's crash-recovery rule: every node found
// running is failed unless its recorded pid is still alive.
func (r *Runner) recoverFromCrash(pr *planRuntime) {
	for nodeID, state := range pr.plan.NodeStates {
		if state.Status != model.StatusRunning {
			continue
		}
		if state.PID != nil && processAlive(*state.PID) {
			continue
		}
		errMsg := "Process crashed: no longer running"
		reason := model.FailureCrashed
		pr.sm.Transition(nodeID, model.StatusFailed, &statemachine.TransitionOpts{
			Error:         &errMsg,
			FailureReason: reason,
		})
	}
}

// StartPlan marks a plan started and (re)activates its run loop.
func (r *Runner) StartPlan(planID string) error {
	pr := r.getRuntime(planID)
	if pr == nil {
		return fmt.Errorf("unknown plan %s", planID)
	}
	r.mu.Lock()
	if pr.plan.StartedAt == nil {
		now := r.deps.Clock.NowMillis()
		pr.plan.StartedAt = &now
	}
	alreadyStarted := pr.started
	pr.started = true
	r.mu.Unlock()

	if !alreadyStarted {
		go r.runLoop(pr)
	}
	r.wakePlan(planID)
	return nil
}

// PausePlan sets isPaused and lets the loop idle on its next tick.
func (r *Runner) PausePlan(planID string) error {
	pr := r.getRuntime(planID)
	if pr == nil {
		return fmt.Errorf("unknown plan %s", planID)
	}
	pr.plan.IsPaused = true
	r.persist(planID)
	return nil
}

// ResumePlan clears isPaused and wakes the loop.
func (r *Runner) ResumePlan(planID string) error {
	pr := r.getRuntime(planID)
	if pr == nil {
		return fmt.Errorf("unknown plan %s", planID)
	}
	pr.plan.IsPaused = false
	r.persist(planID)
	r.wakePlan(planID)
	return nil
}

// CancelPlan cancels every in-flight node and marks every non-terminal node
// canceled (§4.6 "cancel(planId)").
func (r *Runner) CancelPlan(planID string) error {
	pr := r.getRuntime(planID)
	if pr == nil {
		return fmt.Errorf("unknown plan %s", planID)
	}
	pr.sm.CancelAll()
	pr.cancel()
	r.persist(planID)
	return nil
}

// RetryNode resets a node to pending/ready and wakes the loop to pick it up
// (§4.6 "retryNode"). Attempt history is preserved; attempts increments.
func (r *Runner) RetryNode(planID, nodeID string) error {
	pr := r.getRuntime(planID)
	if pr == nil {
		return fmt.Errorf("unknown plan %s", planID)
	}
	state := pr.plan.NodeStates[nodeID]
	if state == nil {
		return fmt.Errorf("unknown node %s", nodeID)
	}
	if !state.Status.IsTerminal() {
		return fmt.Errorf("node %s is not terminal", nodeID)
	}
	state.Attempts++
	delete(pr.healedOnce, nodeID)
	if !pr.sm.ResetNodeToPending(nodeID) {
		return fmt.Errorf("node %s could not be reset", nodeID)
	}
	r.deps.Logger.LogRetry(planID, nodeID, state.Attempts)
	r.persist(planID)
	r.wakePlan(planID)
	return nil
}

// DeletePlan removes a plan from memory, its persisted artifacts, and any
// worktrees still on disk (§4.6 "deletePlan").
func (r *Runner) DeletePlan(planID string) error {
	r.mu.Lock()
	pr, ok := r.plans[planID]
	started := ok && pr.started
	if ok {
		delete(r.plans, planID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown plan %s", planID)
	}
	pr.cancel()
	// Only a started plan has a run loop that will close done.
	if started {
		<-pr.done
	}

	if pr.plan.WorktreeRoot != "" {
		_ = os.RemoveAll(pr.plan.WorktreeRoot)
	}
	if r.deps.Store != nil {
		if err := r.deps.Store.DeletePlan(planID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) wakePlan(planID string) {
	pr := r.getRuntime(planID)
	if pr == nil {
		return
	}
	select {
	case pr.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) globalRunning() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) adjustRunning(delta int) {
	r.mu.Lock()
	r.running += delta
	r.mu.Unlock()
}

// processAlive reports whether pid still refers to a live process. On Unix,
// sending signal 0 fails with ESRCH once the process is gone, the standard
// liveness-check idiom since os.FindProcess always succeeds on Unix.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
