package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"autopack/internal/agent"
	"autopack/internal/approval"
	"autopack/internal/config"
	"autopack/internal/doctor"
	"autopack/internal/governance"
	"autopack/internal/learning"
	"autopack/internal/llm"
	"autopack/internal/logging"
	"autopack/internal/metrics"
	"autopack/internal/patch"
	"autopack/internal/plan"
	"autopack/internal/replan"
	"autopack/internal/run"
	"autopack/internal/shell"
	"autopack/internal/store"
	"autopack/internal/testrun"
	"autopack/internal/workspace"
)

// errPaused unwinds a run to PAUSED when a hard budget trips. Operator
// action (a resume with raised budgets, or an abort) is the only way on.
var errPaused = errors.New("run paused: hard budget exhausted")

// Deps carries everything an Orchestrator needs. Store, Config, Executor,
// Broker and the four agents are required; Learning may be nil (runs are
// then unguided) and Harness overrides the shell test harness for tests.
type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Learning *learning.Store
	Broker   *approval.Broker
	Registry *llm.Registry
	Executor *shell.Executor

	Builder   agent.Builder
	Auditor   agent.Auditor
	Doctor    agent.Doctor
	Replanner agent.Replanner

	// Harness and Snapshot override the shell test harness and the git
	// snapshotter; tests substitute scripted ones.
	Harness  func(workdir string) testrun.Harness
	Snapshot func(workdir string) workspace.Snapshotter
}

// Orchestrator executes runs. Each run is strictly serial inside; the
// Manager layers concurrency across independent runs on top.
type Orchestrator struct {
	cfg    *config.Config
	st     *store.Store
	learn  *learning.Store
	broker *approval.Broker
	reg    *llm.Registry
	exec   *shell.Executor

	builder agent.Builder
	auditor agent.Auditor
	doc     agent.Doctor
	rep     agent.Replanner

	harness  func(workdir string) testrun.Harness
	snapshot func(workdir string) workspace.Snapshotter

	mu     sync.Mutex
	active map[string]*runHandle
}

type runHandle struct {
	env    *runEnv
	cancel context.CancelFunc
}

// New wires an orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:      deps.Config,
		st:       deps.Store,
		learn:    deps.Learning,
		broker:   deps.Broker,
		reg:      deps.Registry,
		exec:     deps.Executor,
		builder:  deps.Builder,
		auditor:  deps.Auditor,
		doc:      deps.Doctor,
		rep:      deps.Replanner,
		harness:  deps.Harness,
		snapshot: deps.Snapshot,
		active:   make(map[string]*runHandle),
	}
	if o.harness == nil {
		o.harness = func(workdir string) testrun.Harness {
			return testrun.NewShellHarness(o.exec, o.cfg, workdir)
		}
	}
	if o.snapshot == nil {
		o.snapshot = func(workdir string) workspace.Snapshotter {
			return workspace.NewGitSnapshotter(o.exec, workdir)
		}
	}
	return o
}

// Submit creates the durable run and phase records for a validated plan.
// Execution is a separate step so the API can queue first and schedule
// later.
func (o *Orchestrator) Submit(p *plan.Plan) (*run.Run, error) {
	r := run.NewRun(p, o.cfg.GetMaxWallclock())
	if err := o.st.CreateRun(r); err != nil {
		return nil, err
	}
	phases := make([]*run.Phase, 0, len(p.Phases))
	for _, spec := range p.Phases {
		phases = append(phases, run.NewPhase(r.ID, spec))
	}
	if err := o.st.CreatePhases(phases); err != nil {
		return nil, err
	}
	logging.Orchestrator("run %s submitted: %q, %d phase(s), workspace %s", r.ID, p.Name, len(p.Phases), p.Workspace)
	return r, nil
}

// Execute drives a queued or paused run to its next terminal or parked
// state and returns that state. The error is non-nil only for
// infrastructure-level trouble (persistence, workspace setup); everything
// the run model can express comes back as the state alone.
func (o *Orchestrator) Execute(ctx context.Context, runID string) (run.RunState, error) {
	r, err := o.st.GetRun(runID)
	if err != nil {
		return "", err
	}
	if r.State != run.RunQueued && r.State != run.RunPaused {
		return r.State, fmt.Errorf("run %s is %s, not executable", runID, r.State)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	env, err := o.newRunEnv(ctx, r)
	if err != nil {
		return "", err
	}
	defer env.close()

	o.mu.Lock()
	if _, dup := o.active[runID]; dup {
		o.mu.Unlock()
		return r.State, fmt.Errorf("run %s is already executing", runID)
	}
	o.active[runID] = &runHandle{env: env, cancel: cancel}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, runID)
		o.mu.Unlock()
	}()

	if err := o.st.TransitionRun(runID, run.RunRunning); err != nil {
		return "", err
	}
	r.State = run.RunRunning
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	metrics.RunsStarted.Inc()
	env.audit.RunEvent(logging.AuditRunStart, runID, true)
	logging.Orchestrator("run %s executing: plan %q in %s", runID, r.Plan.Name, r.Plan.Workspace)

	state, err := o.executeRun(ctx, env)
	metrics.RunsFinished.WithLabelValues(string(state)).Inc()
	return state, err
}

// Abort stops a run. A run executing in this process is canceled: the
// in-flight agent call or test run stops, pending approvals resolve
// errored, and the current attempt rolls back before the run is marked. A
// run that is merely queued or paused transitions directly.
func (o *Orchestrator) Abort(runID string) error {
	o.mu.Lock()
	h := o.active[runID]
	o.mu.Unlock()
	if h != nil {
		// The flag must be visible before the cancellation is; the run
		// goroutine reads it only after ctx.Done() fires.
		h.env.aborted = true
		h.cancel()
		logging.Orchestrator("run %s: abort requested", runID)
		return nil
	}
	if err := o.st.TransitionRun(runID, run.RunAborted); err != nil {
		return err
	}
	logging.Orchestrator("run %s aborted before execution", runID)
	return nil
}

// executeRun walks the plan's dependency order, executing each phase to a
// terminal state. The first FAILED phase fails the run; pause, abort and
// shutdown park or close it.
func (o *Orchestrator) executeRun(ctx context.Context, env *runEnv) (run.RunState, error) {
	r := env.r

	if err := o.prepareBaseline(ctx, env); err != nil {
		if ctx.Err() != nil && env.aborted {
			return o.settleInterrupted(ctx, env, "", ctx.Err())
		}
		return o.failRunInfra(env, "", fmt.Errorf("baseline capture: %w", err))
	}
	if err := o.loadPhases(env); err != nil {
		return o.failRunInfra(env, "", err)
	}

	order, err := r.Plan.ExecutionOrder()
	if err != nil {
		// Plans are validated at submission; a cycle here means the stored
		// plan no longer matches what was validated.
		return o.failRun(env, "", err.Error())
	}

	for _, id := range order {
		p := env.phases[id]
		if p == nil {
			return o.failRun(env, id, "phase record missing")
		}
		if p.State == run.PhaseComplete {
			continue
		}
		if unmet := env.unmetDeps(p); len(unmet) > 0 {
			return o.failRun(env, p.ID(), "dependencies not complete: "+strings.Join(unmet, ", "))
		}

		if err := o.executePhase(ctx, env, p); err != nil {
			return o.settleInterrupted(ctx, env, p.ID(), err)
		}
		if p.State == run.PhaseFailed {
			reason := "phase failed"
			if p.Result != nil {
				reason = p.Result.Reason
			}
			return o.failRun(env, p.ID(), reason)
		}
	}

	if err := o.st.TransitionRun(r.ID, run.RunComplete); err != nil {
		return run.RunRunning, err
	}
	r.State = run.RunComplete
	env.audit.RunEvent(logging.AuditRunComplete, r.ID, true)
	logging.Orchestrator("run %s complete: %d phase(s), %d tokens", r.ID, len(order), r.Counters.TokensUsed)
	return run.RunComplete, nil
}

// settleInterrupted converts an interrupted phase execution into the run's
// parked or terminal state: budget pause, operator abort, daemon shutdown
// (parked as paused, resumable), or fatal infrastructure.
func (o *Orchestrator) settleInterrupted(ctx context.Context, env *runEnv, phaseID string, cause error) (run.RunState, error) {
	r := env.r
	switch {
	case errors.Is(cause, errPaused):
		if err := o.st.TransitionRun(r.ID, run.RunPaused); err != nil {
			return run.RunRunning, err
		}
		r.State = run.RunPaused
		env.audit.RunEvent(logging.AuditRunPaused, r.ID, true)
		logging.Orchestrator("run %s paused: hard budget exhausted, operator action required", r.ID)
		return run.RunPaused, nil

	case ctx.Err() != nil && env.aborted:
		if phaseID != "" {
			bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := o.broker.CancelPhase(bg, r.ID, phaseID); err != nil {
				logging.OrchestratorWarn("run %s abort: canceling approvals failed: %v", r.ID, err)
			}
			cancel()
		}
		if err := o.st.TransitionRun(r.ID, run.RunAborted); err != nil {
			return run.RunRunning, err
		}
		r.State = run.RunAborted
		env.audit.RunEvent(logging.AuditRunAborted, r.ID, false)
		logging.Orchestrator("run %s aborted during phase %s", r.ID, phaseID)
		return run.RunAborted, nil

	case ctx.Err() != nil:
		// Shutdown, not abort: park the run so a later execute resumes it.
		if err := o.st.TransitionRun(r.ID, run.RunPaused); err != nil {
			return run.RunRunning, err
		}
		r.State = run.RunPaused
		env.audit.RunEvent(logging.AuditRunPaused, r.ID, true)
		logging.Orchestrator("run %s parked by shutdown during phase %s", r.ID, phaseID)
		return run.RunPaused, nil

	default:
		return o.failRunInfra(env, phaseID, cause)
	}
}

func (o *Orchestrator) failRun(env *runEnv, phaseID, reason string) (run.RunState, error) {
	r := env.r
	if err := o.st.SetRunFailure(r.ID, phaseID, reason); err != nil {
		return run.RunRunning, err
	}
	if err := o.st.TransitionRun(r.ID, run.RunFailed); err != nil {
		return run.RunRunning, err
	}
	r.State = run.RunFailed
	r.FailPhase, r.FailReason = phaseID, reason
	env.audit.RunEvent(logging.AuditRunFailed, r.ID, false)
	logging.OrchestratorError("run %s failed at phase %s: %s", r.ID, phaseID, reason)
	return run.RunFailed, nil
}

// failRunInfra fails the run and surfaces the cause so callers can tell
// infrastructure trouble from a plan that honestly did not work out.
func (o *Orchestrator) failRunInfra(env *runEnv, phaseID string, cause error) (run.RunState, error) {
	state, err := o.failRun(env, phaseID, "infrastructure: "+cause.Error())
	if err != nil {
		return state, err
	}
	return run.RunFailed, cause
}

// prepareBaseline loads the stored test baseline or captures a fresh one.
// Resumed runs keep their original baseline: the no-new-breakage contract
// is against the state the run started from.
func (o *Orchestrator) prepareBaseline(ctx context.Context, env *runEnv) error {
	b, err := o.st.GetBaseline(env.r.ID)
	if err == nil {
		env.baseline = b
		logging.Orchestrator("run %s resuming with stored baseline: %d passing, %d failing",
			env.r.ID, len(b.Passed), len(b.Failed))
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	b, err = env.runner.CaptureBaseline(ctx, env.r.ID)
	if err != nil {
		return err
	}
	if err := o.st.SaveBaseline(b); err != nil {
		return err
	}
	env.trail("", run.AuditBaseline, b)
	env.baseline = b
	return nil
}

func (o *Orchestrator) loadPhases(env *runEnv) error {
	phases, err := o.st.ListPhases(env.r.ID)
	if err != nil {
		return err
	}
	env.phases = make(map[string]*run.Phase, len(phases))
	for _, p := range phases {
		env.phases[p.ID()] = p
	}
	return nil
}

// newRunEnv builds the per-run execution context: gateway over the run's
// workspace, patch engine, test runner, and the per-run consultants.
func (o *Orchestrator) newRunEnv(ctx context.Context, r *run.Run) (*runEnv, error) {
	ws := r.Plan.Workspace
	snap := o.snapshot(ws)
	if err := snap.Init(ctx); err != nil {
		return nil, err
	}
	gw, err := workspace.NewGateway(ws, workspace.NewPolicy(nil, o.cfg.GetProtectedPaths()), snap)
	if err != nil {
		return nil, err
	}

	audit := logging.AuditWithContext(r.ID, "", logging.CategoryOrchestrator)
	gw.SetAuditLogger(audit)

	engine := patch.NewEngine(gw, o.cfg)
	engine.SetAuditLogger(audit)

	runner := testrun.NewRunner(o.harness(ws), o.cfg)
	runner.SetAuditLogger(audit)

	env := &runEnv{
		o:       o,
		r:       r,
		gw:      gw,
		engine:  engine,
		runner:  runner,
		decider: governance.NewDecider(o.cfg),
		consult: doctor.NewConsultant(o.doc, o.cfg),
		revise:  replan.NewTrigger(o.rep, o.cfg),
		audit:   audit,
	}
	env.fin = NewFinalizer(gw, o.st)
	return env, nil
}

// runEnv is the per-run execution context: one gateway, one patch engine,
// one harness, one audit context. All of it dies with the run.
type runEnv struct {
	o *Orchestrator
	r *run.Run

	gw      *workspace.Gateway
	engine  *patch.Engine
	runner  *testrun.Runner
	fin     *Finalizer
	decider *governance.Decider
	consult *doctor.Consultant
	revise  *replan.Trigger
	audit   *logging.AuditLogger

	baseline *testrun.BaselineReport
	phases   map[string]*run.Phase

	// Evidence for the doctor: the last attempt's patch and test delta.
	lastPatch string
	lastDelta *testrun.DeltaReport

	// aborted distinguishes an operator abort from a daemon shutdown; it
	// is written before the context is canceled.
	aborted bool

	// pause and persistErr are deferred conditions, honored at the next
	// checkpoint between attempts.
	pause      bool
	persistErr error
}

func (e *runEnv) close() { e.engine.Close() }

// checkpoint is a safe point between attempts: cancellation, deferred
// persistence failures and budget pauses are honored here, never in the
// middle of an apply.
func (e *runEnv) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.persistErr != nil {
		return e.persistErr
	}
	if e.pause {
		return errPaused
	}
	return nil
}

// spend books an agent invocation's tokens against the run and persists
// the counters. Tripping a hard budget requests a pause at the next
// checkpoint rather than cutting the attempt off mid-flight.
func (e *runEnv) spend(role string, u llm.Usage) {
	if total := u.Total(); total > 0 {
		e.r.Counters.TokensUsed += int64(total)
		metrics.TokensSpent.WithLabelValues(role).Add(float64(total))
	}
	if err := e.o.st.UpdateRunCounters(e.r.ID, e.r.Counters); err != nil {
		e.notePersist(err)
	}
	if !e.pause && e.r.BudgetExceeded(time.Now().UTC(), int64(e.o.cfg.Budgets.MaxTokensPerRun)) {
		e.pause = true
		logging.OrchestratorWarn("run %s exceeded a hard budget (%d tokens used), pausing at next safe point",
			e.r.ID, e.r.Counters.TokensUsed)
	}
}

// trail appends to the run's durable audit trail, best effort.
func (e *runEnv) trail(phaseID, kind string, detail interface{}) {
	if _, err := e.o.st.AppendAudit(run.NewAuditEvent(e.r.ID, phaseID, kind, detail)); err != nil {
		e.notePersist(err)
	}
}

func (e *runEnv) notePersist(err error) {
	if e.persistErr == nil {
		e.persistErr = err
		logging.OrchestratorError("run %s: persistence failure, stopping at next safe point: %v", e.r.ID, err)
	}
}

func (e *runEnv) savePhase(p *run.Phase) error {
	p.UpdatedAt = time.Now().UTC()
	return e.o.st.SavePhase(p)
}

// setPhaseState transitions the durable phase state with a compare-and-set
// against the in-memory view, keeping both honest.
func (e *runEnv) setPhaseState(p *run.Phase, to run.PhaseState) error {
	if p.State == to {
		return nil
	}
	if err := e.o.st.TransitionPhase(e.r.ID, p.ID(), p.State, to); err != nil {
		return err
	}
	p.State = to
	if ev, ok := phaseEvent(to); ok {
		e.audit.PhaseEvent(ev, e.r.ID, p.ID(), to != run.PhaseFailed)
	}
	return nil
}

func phaseEvent(s run.PhaseState) (logging.AuditEventType, bool) {
	switch s {
	case run.PhaseRunning:
		return logging.AuditPhaseStart, true
	case run.PhaseComplete:
		return logging.AuditPhaseComplete, true
	case run.PhaseBlocked:
		return logging.AuditPhaseBlocked, true
	case run.PhaseFailed:
		return logging.AuditPhaseFailed, true
	}
	return "", false
}

func (e *runEnv) unmetDeps(p *run.Phase) []string {
	var unmet []string
	for _, dep := range p.Spec.Dependencies {
		if d := e.phases[dep]; d == nil || d.State != run.PhaseComplete {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// rollbackAttempt restores the workspace to the attempt's save point and
// consumes it. A rollback that itself fails leaves the workspace in an
// unknown state, which is unrecoverable for the phase.
func (e *runEnv) rollbackAttempt(ctx context.Context, p *run.Phase, sp *run.SavePoint) error {
	if sp == nil {
		return nil
	}
	if err := e.gw.RollbackTo(ctx, sp); err != nil {
		return err
	}
	if err := e.o.st.ConsumeSavePoint(sp.ID); err != nil {
		e.notePersist(err)
	}
	e.trail(p.ID(), run.AuditRollback, sp)
	return nil
}

// Manager executes runs concurrently: each run is serial inside, and at
// most maxConcurrent runs hold an execution slot at once.
type Manager struct {
	orch *Orchestrator
	sem  *semaphore.Weighted
	g    errgroup.Group
}

// NewManager caps concurrent run execution at maxConcurrent.
func NewManager(orch *Orchestrator, maxConcurrent int) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Manager{orch: orch, sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Launch schedules a run for execution and returns immediately. The run
// waits for a slot, so a flood of submissions queues instead of thrashing.
// One run's failure never cancels its siblings.
func (m *Manager) Launch(ctx context.Context, runID string) error {
	if _, err := m.orch.st.GetRun(runID); err != nil {
		return err
	}
	m.g.Go(func() error {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer m.sem.Release(1)
		state, err := m.orch.Execute(ctx, runID)
		if err != nil {
			logging.OrchestratorError("run %s finished %s: %v", runID, state, err)
			return err
		}
		return nil
	})
	return nil
}

// Wait blocks until every launched run has finished and returns the first
// execution error.
func (m *Manager) Wait() error { return m.g.Wait() }
