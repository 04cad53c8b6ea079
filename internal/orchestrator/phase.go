package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autopack/internal/agent"
	"autopack/internal/doctor"
	"autopack/internal/governance"
	"autopack/internal/learning"
	"autopack/internal/logging"
	"autopack/internal/metrics"
	"autopack/internal/patch"
	"autopack/internal/replan"
	"autopack/internal/run"
	"autopack/internal/workspace"
)

// errPhaseFailed unwinds the attempt loop after failPhase has persisted a
// terminal result. executePhase converts it back to a nil error; the run
// loop reads the outcome off the phase state.
var errPhaseFailed = errors.New("phase failed")

// executePhase drives one phase to a terminal state: attempts until the
// finalizer returns COMPLETE, the retry budget runs out, or the retry
// decision rules the failure unrecoverable. Pause, abort and persistence
// failures propagate as errors for the run loop to settle.
func (o *Orchestrator) executePhase(ctx context.Context, env *runEnv, p *run.Phase) error {
	env.gw.SetPolicy(workspace.NewPolicy(&p.Spec, o.cfg.GetProtectedPaths()))

	if p.State == run.PhaseQueued {
		if err := env.setPhaseState(p, run.PhaseRunning); err != nil {
			return err
		}
	}
	logging.Orchestrator("phase %s starting: %s", p.ID(), p.Spec.Goal)

	for {
		if err := env.checkpoint(ctx); err != nil {
			// Park the phase so a later resume re-enters cleanly.
			if terr := env.setPhaseState(p, run.PhaseQueued); terr != nil {
				logging.OrchestratorWarn("phase %s: parking failed: %v", p.ID(), terr)
			}
			return err
		}
		if p.State == run.PhaseBlocked {
			if err := env.setPhaseState(p, run.PhaseRunning); err != nil {
				return err
			}
		}

		started := time.Now()
		res, sp, attemptErr := o.attempt(ctx, env, p)
		metrics.AttemptDuration.Observe(time.Since(started).Seconds())

		if attemptErr == nil {
			if sp != nil {
				if cerr := o.st.ConsumeSavePoint(sp.ID); cerr != nil {
					env.notePersist(cerr)
				}
			}
			p.Result = res
			if err := env.setPhaseState(p, run.PhaseComplete); err != nil {
				return err
			}
			if err := env.savePhase(p); err != nil {
				return err
			}
			metrics.Attempts.WithLabelValues("complete").Inc()
			logging.Orchestrator("phase %s complete on attempt %d", p.ID(), p.RetryAttempt+1)
			return nil
		}

		if ctx.Err() != nil {
			// Abort or shutdown interrupted the attempt; the half-applied
			// patch must not survive it. The run context is dead, so the
			// rollback gets its own bounded one.
			rbCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if rbErr := env.rollbackAttempt(rbCtx, p, sp); rbErr != nil {
				logging.OrchestratorError("phase %s: rollback during cancellation failed: %v", p.ID(), rbErr)
			}
			cancel()
			return ctx.Err()
		}

		if err := o.retryDecision(ctx, env, p, sp, attemptErr); err != nil {
			if errors.Is(err, errPhaseFailed) {
				return nil
			}
			return err
		}
	}
}

// attempt runs one full pass: guidance, context, build, parse, review,
// governance, apply, audit, test, finalize. The returned save point (nil
// until the apply stage) lets the caller roll the attempt back. Any error
// short of a COMPLETE verdict is categorizable by run.CategoryOf.
func (o *Orchestrator) attempt(ctx context.Context, env *runEnv, p *run.Phase) (*run.PhaseResult, *run.SavePoint, error) {
	attempt := p.RetryAttempt
	env.lastPatch, env.lastDelta = "", nil
	env.audit.PhaseEvent(logging.AuditPhaseAttempt, env.r.ID, p.ID(), true)

	rules, hints := o.guidance(env, p)
	tier := agent.TierFor(p.Spec.EffectiveComplexity(), p.EscalationLevel)
	logging.Orchestrator("phase %s attempt %d/%d, tier %d, %d rule(s), %d hint(s)",
		p.ID(), attempt+1, o.cfg.Budgets.MaxAttemptsPerPhase, tier, len(rules), len(hints))

	sel, err := o.selectContext(env, p)
	if err != nil {
		return nil, nil, err
	}

	bres, err := o.builder.Build(ctx, &agent.BuildRequest{
		Phase:          p,
		Files:          sel.files,
		Rules:          rules,
		RunHints:       hints,
		Tier:           tier,
		ScopeFileCount: sel.scopeFileCount,
	})
	if err != nil {
		return nil, nil, err
	}
	env.lastPatch = bres.PatchText
	env.spend("builder", bres.Usage)

	pt, err := patch.Parse(bres.PatchText)
	if err != nil {
		return nil, nil, err
	}
	review, err := env.engine.Evaluate(pt)
	if err != nil {
		return nil, nil, err
	}

	opts, err := o.governed(ctx, env, p, review)
	if err != nil {
		return nil, nil, err
	}

	report, err := env.engine.Apply(ctx, env.r.ID, p.ID(), attempt, pt, opts)
	if err != nil {
		return nil, nil, err
	}
	sp := report.SavePoint
	if sp != nil {
		if perr := o.st.RecordSavePoint(sp); perr != nil {
			env.notePersist(perr)
		}
		env.trail(p.ID(), run.AuditSavePoint, sp)
	}

	if ar, aerr := o.auditor.Audit(ctx, &agent.AuditRequest{
		Phase:     &p.Spec,
		Report:    report,
		PatchText: bres.PatchText,
	}); aerr != nil {
		// The review is advisory; an unavailable auditor never sinks an
		// attempt.
		logging.OrchestratorWarn("phase %s: auditor unavailable: %v", p.ID(), aerr)
	} else {
		env.spend("auditor", ar.Usage)
		env.trail(p.ID(), run.AuditReview, ar)
		logging.Orchestrator("phase %s audit: risk=%s %s", p.ID(), ar.Risk, ar.Summary)
	}

	testStart := time.Now()
	delta, err := env.runner.RunDelta(ctx, env.baseline, p.ID(), attempt)
	if err != nil {
		return nil, sp, err
	}
	metrics.TestRunDuration.Observe(time.Since(testStart).Seconds())
	env.lastDelta = delta

	res, err := env.fin.Finalize(p, delta, env.baseline)
	if err != nil {
		return nil, sp, err
	}
	if res.Verdict == run.VerdictComplete {
		return res, sp, nil
	}
	return nil, sp, blockError(res)
}

// guidance loads learned rules and same-run hints for the next build. The
// learning store is advisory: a read failure degrades to an unguided
// attempt instead of blocking it.
func (o *Orchestrator) guidance(env *runEnv, p *run.Phase) ([]learning.Rule, []learning.RunHint) {
	if o.learn == nil {
		return nil, nil
	}
	rules, err := o.learn.RulesForPhase(p.Spec)
	if err != nil {
		logging.OrchestratorWarn("phase %s: loading rules failed: %v", p.ID(), err)
	}
	hints, err := o.learn.HintsForPhase(env.r.ID, p.ID())
	if err != nil {
		logging.OrchestratorWarn("phase %s: loading hints failed: %v", p.ID(), err)
	}
	return rules, hints
}

// governed drives the decide, approve, re-decide loop until the patch is
// cleared or refused. Approved scope exceptions carry exception tokens into
// the apply options; approved deletions and drift flag the re-decide so the
// same rule cannot fire twice on one patch.
func (o *Orchestrator) governed(ctx context.Context, env *runEnv, p *run.Phase, review *patch.Review) (patch.Options, error) {
	opts := patch.Options{}
	in := governance.Input{
		Review:           review,
		GrantedScope:     map[string]bool{},
		GrantedProtected: map[string]bool{},
	}
	for {
		d := env.decider.Decide(in)
		governance.Record(env.audit, p.ID(), d)
		env.trail(p.ID(), run.AuditGovernance, d)
		metrics.GovernanceDecisions.WithLabelValues(string(d.Verdict)).Inc()

		switch d.Verdict {
		case governance.VerdictAllow:
			return opts, nil
		case governance.VerdictDeny:
			return opts, d.Err()
		}

		resol, err := o.awaitApproval(ctx, env, p, d)
		if err != nil {
			return opts, err
		}
		switch d.Reason {
		case governance.ReasonScopeException:
			// The broker only mints tokens when it owns a gateway; the
			// per-run gateway here is authoritative, so mint from it when
			// the resolution carries none.
			toks := resol.Tokens
			if len(toks) == 0 {
				for _, path := range d.Targets {
					toks = append(toks, env.gw.GrantException(path, workspace.TokenScopeException))
				}
			}
			for _, tok := range toks {
				opts.Tokens = append(opts.Tokens, tok)
				in.GrantedScope[tok.Path] = true
			}
		case governance.ReasonLargeDeletion:
			in.ApprovedDeletion = true
		case governance.ReasonStructuralDrift:
			in.ApprovedDrift = true
			opts.AllowDrift = true
		default:
			return opts, &run.GovernanceDenied{
				Rule:   d.Rule,
				Detail: fmt.Sprintf("approval granted for unexpected reason %q", d.Reason),
			}
		}
	}
}

// awaitApproval raises an approval request and suspends the phase on it.
// The attempt holds no locks here; abort cancels the wait immediately. A
// rejection comes back as a governance denial, a timeout under a reject
// default as an approval timeout, both categorized governance-denied.
func (o *Orchestrator) awaitApproval(ctx context.Context, env *runEnv, p *run.Phase, d governance.Decision) (*approvalResolution, error) {
	req, ch, err := o.broker.Request(ctx, env.r.ID, p.ID(), approvalKindFor(d.Reason), run.ApprovalPayload{
		Summary:  d.Detail,
		Reason:   string(d.Reason),
		Severity: string(d.Severity),
		Paths:    d.Targets,
	})
	if err != nil {
		return nil, err
	}
	metrics.ApprovalRequests.WithLabelValues(string(req.Kind)).Inc()

	if err := env.setPhaseState(p, run.PhaseAwaitingApproval); err != nil {
		return nil, err
	}
	logging.Orchestrator("phase %s suspended on approval %s (%s)", p.ID(), req.ID, d.Reason)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resol := <-ch:
		metrics.ApprovalsResolved.WithLabelValues(string(resol.Request.Status)).Inc()
		if err := env.setPhaseState(p, run.PhaseRunning); err != nil {
			return nil, err
		}
		if !resol.Approved {
			switch resol.Request.Status {
			case run.ApprovalTimedOut:
				return nil, &run.ApprovalTimeout{RequestID: req.ID}
			case run.ApprovalErrored:
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("approval %s errored before resolution", req.ID)
			}
			return nil, &run.GovernanceDenied{
				Rule:   string(d.Reason),
				Detail: fmt.Sprintf("approval %s rejected by %s", req.ID, resol.Request.Actor),
			}
		}
		logging.Orchestrator("phase %s resumed: approval %s %s by %s",
			p.ID(), req.ID, resol.Request.Decision, resol.Request.Actor)
		return &approvalResolution{Tokens: resol.Tokens}, nil
	}
}

type approvalResolution struct {
	Tokens []*workspace.ExceptionToken
}

func approvalKindFor(r governance.Reason) run.ApprovalKind {
	switch r {
	case governance.ReasonScopeException:
		return run.ApprovalGovernanceException
	case governance.ReasonLargeDeletion:
		return run.ApprovalDeletionThreshold
	case governance.ReasonStructuralDrift:
		return run.ApprovalRiskyPatch
	}
	return run.ApprovalAmbiguousDecision
}

// retryDecision runs after every attempt that did not complete: it records
// the failure, gives the re-planner first refusal, then the doctor, then
// climbs the escalation ladder, and always rolls the workspace back to the
// attempt's save point before the next try. A nil return means loop again.
func (o *Orchestrator) retryDecision(ctx context.Context, env *runEnv, p *run.Phase, sp *run.SavePoint, attemptErr error) error {
	cat := run.CategoryOf(attemptErr)
	normalized := replan.Normalize(attemptErr.Error())

	p.RetryAttempt++
	p.RecordFailure(cat, normalized)
	metrics.Attempts.WithLabelValues("blocked").Inc()
	metrics.AttemptFailures.WithLabelValues(string(cat)).Inc()
	if err := env.setPhaseState(p, run.PhaseBlocked); err != nil {
		return err
	}
	logging.OrchestratorWarn("phase %s attempt %d failed [%s]: %s", p.ID(), p.RetryAttempt, cat, normalized)

	if cat == run.CategoryGovernanceDenied && o.cfg.Approvals.SuppressRerequest {
		// A denial is a human or policy decision; retrying would only
		// raise the same request again.
		return o.failPhase(env, p, string(run.CategoryGovernanceDenied), normalized)
	}

	if cat.Tactical() {
		o.tacticalHint(env, p, cat, attemptErr)
	}
	if err := env.savePhase(p); err != nil {
		return err
	}

	rules, _ := o.guidance(env, p)

	acted := false
	if trigger, ok := env.revise.Detect(p); ok {
		accepted, err := o.tryRevise(ctx, env, p, trigger, rules)
		if err != nil {
			logging.OrchestratorWarn("phase %s: revision attempt failed: %v", p.ID(), err)
		}
		acted = accepted
	}

	if !acted {
		con, cerr := env.consult.Consult(ctx, &doctor.Request{
			Run:            env.r,
			Phase:          p,
			Rules:          rules,
			LastPatch:      env.lastPatch,
			Delta:          env.lastDelta,
			ActiveProvider: o.activeProvider(),
		})
		if cerr != nil {
			logging.OrchestratorWarn("phase %s: doctor unavailable: %v", p.ID(), cerr)
		} else if con.Performed() {
			env.spend("doctor", con.Usage)
			doctor.Record(env.audit, p.ID(), con)
			env.trail(p.ID(), run.AuditDoctor, con.Diagnosis)
			model := "cheap"
			if con.Strong {
				model = "strong"
			}
			metrics.DoctorConsultations.WithLabelValues(string(con.Diagnosis.Action), model).Inc()
			var aerr error
			acted, aerr = o.actOnDiagnosis(ctx, env, p, con.Diagnosis, rules)
			if aerr != nil {
				return aerr
			}
		}
	}

	if !acted && p.RetryAttempt >= (p.EscalationLevel+1)*o.cfg.Budgets.AttemptsPerTier {
		p.EscalationLevel++
		env.trail(p.ID(), run.AuditEscalation, map[string]int{
			"escalation_level": p.EscalationLevel,
			"retry_attempt":    p.RetryAttempt,
		})
		metrics.Escalations.Inc()
		logging.Orchestrator("phase %s escalating to level %d after %d attempt(s)",
			p.ID(), p.EscalationLevel, p.RetryAttempt)
	}

	if err := env.rollbackAttempt(ctx, p, sp); err != nil {
		// A workspace that cannot be restored is unusable for another try.
		logging.OrchestratorError("phase %s: rollback failed: %v", p.ID(), err)
		return o.failPhase(env, p, "rollback-failed", err.Error())
	}

	if err := env.savePhase(p); err != nil {
		return err
	}

	if p.RetryAttempt >= o.cfg.Budgets.MaxAttemptsPerPhase {
		return o.failPhase(env, p, "exhausted-attempts",
			(&run.ExhaustedAttempts{PhaseID: p.ID(), Attempts: p.RetryAttempt}).Error())
	}

	if cat == run.CategoryInfrastructure || cat == run.CategoryTimeout {
		if err := sleepCtx(ctx, o.backoff(p.RetryAttempt)); err != nil {
			return err
		}
	}
	return nil
}

// tacticalHint converts a tactical failure into corrective guidance for the
// next attempt. These self-correct without a consultation: the builder just
// needs to be told exactly what was missing or malformed.
func (o *Orchestrator) tacticalHint(env *runEnv, p *run.Phase, cat run.FailureCategory, attemptErr error) {
	var body string
	var dm *run.DeliverableMissing
	if errors.As(attemptErr, &dm) {
		body = fmt.Sprintf("the patch must create or modify every deliverable; still missing: %s",
			strings.Join(dm.Paths, ", "))
	} else {
		body = fmt.Sprintf("the previous patch was rejected before it could apply (%v); emit a well-formed patch that applies cleanly", attemptErr)
	}
	source := "finalizer"
	if cat == run.CategoryPatchFormat {
		source = "patch"
	}
	p.AddHint(source, cat, body)
	o.noteRunHint(env, p, string(cat), body)
}

func (o *Orchestrator) noteRunHint(env *runEnv, p *run.Phase, category, body string) {
	if o.learn == nil {
		return
	}
	if _, err := o.learn.RecordHint(env.r.ID, p.ID(), category, body); err != nil {
		logging.OrchestratorWarn("phase %s: recording hint failed: %v", p.ID(), err)
	}
}

// tryRevise asks the re-planner for a new approach and reports whether an
// accepted revision reset the phase. Both trigger paths, pattern detection
// and doctor referral, share the accounting here.
func (o *Orchestrator) tryRevise(ctx context.Context, env *runEnv, p *run.Phase, trigger string, rules []learning.Rule) (bool, error) {
	out, err := env.revise.Revise(ctx, env.r, p, trigger, rules)
	if err != nil {
		return false, err
	}
	if out.Revision != nil {
		env.spend("replanner", out.Revision.Usage)
	}
	replan.Record(env.audit, env.r.ID, p.ID(), out)
	env.trail(p.ID(), run.AuditReplan, map[string]string{
		"trigger": trigger,
		"verdict": string(out.Verdict),
		"detail":  out.Detail,
	})
	metrics.Replans.WithLabelValues(string(out.Verdict)).Inc()
	if !out.Accepted() {
		return false, nil
	}
	// The revision rewrote the goal and reset the retry ladder; make it
	// durable before the fresh attempt.
	if err := env.savePhase(p); err != nil {
		return false, err
	}
	logging.Orchestrator("phase %s revised (%s): %s", p.ID(), trigger, p.Spec.Goal)
	return true, nil
}

// actOnDiagnosis applies the doctor's chosen action. acted=false means the
// action changed nothing about the retry course, so the escalation ladder
// still applies.
func (o *Orchestrator) actOnDiagnosis(ctx context.Context, env *runEnv, p *run.Phase, d *agent.Diagnosis, rules []learning.Rule) (bool, error) {
	switch d.Action {
	case agent.ActionRetryWithFix:
		cat := run.CategoryUnknown
		if last := p.LastFailure(); last != nil {
			cat = last.Category
		}
		p.AddHint("doctor", cat, d.Hint)
		o.noteRunHint(env, p, string(cat), d.Hint)
		logging.Orchestrator("phase %s: doctor hint: %s", p.ID(), d.Hint)
		return true, nil

	case agent.ActionReplan:
		accepted, err := o.tryRevise(ctx, env, p, replan.TriggerDoctor, rules)
		if err != nil {
			logging.OrchestratorWarn("phase %s: doctor-requested revision failed: %v", p.ID(), err)
			return false, nil
		}
		return accepted, nil

	case agent.ActionRollbackProvider:
		if o.reg != nil && d.Provider != "" {
			o.reg.Disable(d.Provider)
			logging.OrchestratorWarn("phase %s: provider %s disabled on doctor diagnosis: %s",
				p.ID(), d.Provider, d.Reason)
			return true, nil
		}
		return false, nil

	case agent.ActionSkipPhase:
		return true, o.failPhase(env, p, "skipped-by-doctor", d.Reason)

	case agent.ActionFatalError:
		return true, o.failPhase(env, p, "doctor-fatal", d.Reason)
	}
	return false, nil
}

// failPhase marks the phase terminally failed and persists the result. The
// returned sentinel unwinds the attempt loop.
func (o *Orchestrator) failPhase(env *runEnv, p *run.Phase, reason, detail string) error {
	if err := env.setPhaseState(p, run.PhaseFailed); err != nil {
		return err
	}
	p.Result = &run.PhaseResult{
		Verdict:   run.VerdictFailed,
		Reason:    reason,
		Details:   []string{detail},
		DecidedAt: time.Now().UTC(),
	}
	if err := env.savePhase(p); err != nil {
		return err
	}
	metrics.Attempts.WithLabelValues("failed").Inc()
	logging.OrchestratorError("phase %s failed: %s (%s)", p.ID(), reason, detail)
	return errPhaseFailed
}

func (o *Orchestrator) activeProvider() string {
	if o.reg == nil {
		return ""
	}
	return o.reg.ActiveProvider()
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	base := o.cfg.GetInfraBackoff()
	d := time.Duration(attempt) * base
	if max := 10 * base; d > max {
		d = max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
