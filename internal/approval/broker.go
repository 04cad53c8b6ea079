// Package approval is the asynchronous channel between the orchestrator and
// a human. Requests are persisted pending, fanned out to notification
// channels, and resolved exactly once: by an operator through the ingress,
// by the timeout sweeper, or by the broker itself when the enclosing phase
// dies first. Every waiter on a request observes the same resolution.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autopack/internal/config"
	"autopack/internal/logging"
	"autopack/internal/run"
	"autopack/internal/store"
	"autopack/internal/workspace"
)

// ErroredPhaseTerminated is recorded on requests cancelled because their
// phase failed or aborted while the request was still pending.
const ErroredPhaseTerminated = "enclosing-phase-terminated"

// sweeperActor and brokerActor name the non-human resolvers in the record.
const (
	sweeperActor = "timeout-sweeper"
	brokerActor  = "broker"
)

// TokenIssuer mints one-shot exception tokens for approved requests. The
// workspace gateway satisfies this.
type TokenIssuer interface {
	GrantException(path string, kind workspace.TokenKind) *workspace.ExceptionToken
}

// Resolution is what a waiter receives when its request leaves pending.
type Resolution struct {
	// Request is the final stored record, including actor and decision.
	Request *run.ApprovalRequest
	// Approved folds the timeout default in: a timed-out request with an
	// approve default counts as approved.
	Approved bool
	// Tokens are the exception tokens minted for an approved scope
	// exception, ready to hand to the gateway on reapply.
	Tokens []*workspace.ExceptionToken
}

// Broker owns the approval lifecycle. One per process; safe for concurrent
// use. Start launches the timeout sweeper; requests still resolve through
// Submit and CancelPhase without it.
type Broker struct {
	st      *store.Store
	issuer  TokenIssuer
	timeout time.Duration
	deflt   run.ApprovalDecision

	notifiers []Notifier

	mu      sync.Mutex
	waiters map[string][]chan Resolution

	sweepEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	running    bool
}

// NewBroker wires a broker to its store and token issuer. issuer may be nil
// when no gateway is attached (inspection tools); approvals then resolve
// without minting tokens.
func NewBroker(st *store.Store, issuer TokenIssuer, cfg *config.Config, notifiers ...Notifier) *Broker {
	deflt := run.DecisionReject
	if cfg.Approvals.DefaultOnTimeout == string(run.DecisionApprove) {
		deflt = run.DecisionApprove
	}
	return &Broker{
		st:         st,
		issuer:     issuer,
		timeout:    cfg.GetApprovalTimeout(),
		deflt:      deflt,
		notifiers:  notifiers,
		waiters:    make(map[string][]chan Resolution),
		sweepEvery: 15 * time.Second,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Request persists a pending approval request, notifies every channel, and
// returns a channel that delivers the resolution exactly once. Channel
// failures are recorded on the request and logged, never fatal.
func (b *Broker) Request(ctx context.Context, runID, phaseID string, kind run.ApprovalKind, payload run.ApprovalPayload) (*run.ApprovalRequest, <-chan Resolution, error) {
	req := run.NewApprovalRequest(runID, phaseID, kind, payload, b.timeout, b.deflt)
	if err := b.st.CreateApproval(req); err != nil {
		return nil, nil, err
	}
	b.audit(req, run.AuditApprovalRequest, map[string]string{
		"request_id": req.ID,
		"kind":       string(kind),
		"reason":     payload.Reason,
	})
	logging.Approval("request %s (%s) for %s/%s: %s", req.ID, kind, runID, phaseID, payload.Summary)

	ch := b.addWaiter(req.ID)
	b.notifyAll(ctx, req)
	return req, ch, nil
}

// Wait subscribes to a request by id. If the request has already resolved
// the channel delivers immediately, so a restarted orchestrator can pick up
// where it suspended.
func (b *Broker) Wait(id string) (<-chan Resolution, error) {
	req, err := b.st.GetApproval(id)
	if err != nil {
		return nil, err
	}
	if req.Resolved() {
		ch := make(chan Resolution, 1)
		ch <- b.resolution(req)
		return ch, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// The request may have resolved between the read and the lock; the
	// broadcast path drains waiters under the same lock, so re-check.
	if cur, err := b.st.GetApproval(id); err == nil && cur.Resolved() {
		ch := make(chan Resolution, 1)
		ch <- b.resolution(cur)
		return ch, nil
	}
	ch := make(chan Resolution, 1)
	b.waiters[id] = append(b.waiters[id], ch)
	return ch, nil
}

// Submit applies an operator decision. Idempotent per request id: the first
// decision wins, later ones are logged and ignored without error.
func (b *Broker) Submit(ctx context.Context, resp run.ApprovalResponse) error {
	var status run.ApprovalStatus
	switch resp.Decision {
	case run.DecisionApprove:
		status = run.ApprovalApproved
	case run.DecisionReject:
		status = run.ApprovalRejected
	default:
		return fmt.Errorf("approval decision %q is not approve or reject", resp.Decision)
	}
	if resp.Actor == "" {
		return fmt.Errorf("approval response for %s names no actor", resp.RequestID)
	}

	won, err := b.st.ResolveApproval(resp.RequestID, status, resp.Decision, resp.Actor)
	if err != nil {
		return err
	}
	if !won {
		logging.Approval("ignoring duplicate decision for %s by %s (already resolved)", resp.RequestID, resp.Actor)
		return nil
	}
	if resp.Comment != "" {
		if req, err := b.st.GetApproval(resp.RequestID); err == nil {
			meta := map[string]string{"comment": resp.Comment}
			for k, v := range req.ChannelMetadata {
				meta[k] = v
			}
			if err := b.st.UpdateApprovalChannels(resp.RequestID, meta); err != nil {
				logging.ApprovalWarn("recording comment for %s: %v", resp.RequestID, err)
			}
		}
	}
	return b.finishResolution(ctx, resp.RequestID)
}

// CancelPhase marks every pending request of a phase errored. Called when
// the phase fails or the run aborts while an approval is outstanding.
func (b *Broker) CancelPhase(ctx context.Context, runID, phaseID string) error {
	pending, err := b.st.PendingApprovalsForPhase(runID, phaseID)
	if err != nil {
		return err
	}
	for _, req := range pending {
		won, err := b.st.ResolveApproval(req.ID, run.ApprovalErrored, "", brokerActor)
		if err != nil {
			return err
		}
		if !won {
			continue
		}
		meta := map[string]string{"errored_reason": ErroredPhaseTerminated}
		for k, v := range req.ChannelMetadata {
			meta[k] = v
		}
		if err := b.st.UpdateApprovalChannels(req.ID, meta); err != nil {
			logging.ApprovalWarn("recording errored reason for %s: %v", req.ID, err)
		}
		logging.Approval("request %s errored: %s", req.ID, ErroredPhaseTerminated)
		if err := b.finishResolution(ctx, req.ID); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the background sweeper. Non-blocking; Stop or ctx
// cancellation ends it.
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.runSweeper(ctx)
}

// Stop halts the sweeper and waits for it to exit.
func (b *Broker) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh
}

func (b *Broker) runSweeper(ctx context.Context) {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.Sweep(ctx); err != nil {
				logging.ApprovalWarn("sweep: %v", err)
			}
		}
	}
}

// Sweep resolves every pending request past its timeout with the request's
// recorded default. Exposed so callers can force a pass; the background
// sweeper calls it on a fixed cadence.
func (b *Broker) Sweep(ctx context.Context) error {
	due, err := b.st.PendingApprovalsDue(time.Now().UTC())
	if err != nil {
		return err
	}
	for _, req := range due {
		won, err := b.st.ResolveApproval(req.ID, run.ApprovalTimedOut, req.DefaultOnTimeout, sweeperActor)
		if err != nil {
			return err
		}
		if !won {
			continue
		}
		logging.Approval("request %s timed out, default %s applied", req.ID, req.DefaultOnTimeout)
		if err := b.finishResolution(ctx, req.ID); err != nil {
			return err
		}
	}
	return nil
}

// finishResolution reloads the stored record, mints tokens, wakes waiters,
// and emits the completion notice. Only the goroutine that won the guarded
// resolve reaches here, so each request passes through at most once.
func (b *Broker) finishResolution(ctx context.Context, id string) error {
	req, err := b.st.GetApproval(id)
	if err != nil {
		return err
	}
	res := b.resolution(req)

	b.audit(req, run.AuditApprovalResolved, map[string]string{
		"request_id": req.ID,
		"status":     string(req.Status),
		"decision":   string(req.Decision),
		"actor":      req.Actor,
	})

	b.mu.Lock()
	waiters := b.waiters[id]
	delete(b.waiters, id)
	b.mu.Unlock()
	for _, ch := range waiters {
		ch <- res
	}

	for _, n := range b.notifiers {
		if err := n.NotifyResolved(ctx, req); err != nil {
			logging.ApprovalWarn("notifier %s (resolved %s): %v", n.Name(), id, err)
		}
	}
	return nil
}

// resolution folds the stored record into what waiters receive, minting
// scope tokens for approved requests that name paths.
func (b *Broker) resolution(req *run.ApprovalRequest) Resolution {
	res := Resolution{Request: req, Approved: req.Approved()}
	if res.Approved && b.issuer != nil {
		for _, p := range req.Payload.Paths {
			res.Tokens = append(res.Tokens, b.issuer.GrantException(p, tokenKind(req)))
		}
	}
	return res
}

// tokenKind maps a request to the token classification it unlocks. Scope
// exceptions are the normal case; everything else defaults to scope as the
// narrower grant.
func tokenKind(req *run.ApprovalRequest) workspace.TokenKind {
	if req.Payload.Reason == "protected-path" {
		return workspace.TokenProtectedException
	}
	return workspace.TokenScopeException
}

func (b *Broker) addWaiter(id string) chan Resolution {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Resolution, 1)
	b.waiters[id] = append(b.waiters[id], ch)
	return ch
}

// notifyAll fans the request out to every channel, merging the metadata
// they return (message ids and the like) back onto the stored record.
func (b *Broker) notifyAll(ctx context.Context, req *run.ApprovalRequest) {
	meta := make(map[string]string)
	for _, n := range b.notifiers {
		m, err := n.Notify(ctx, req)
		if err != nil {
			logging.ApprovalWarn("notifier %s (%s): %v", n.Name(), req.ID, err)
			meta[n.Name()+".error"] = err.Error()
			continue
		}
		for k, v := range m {
			meta[k] = v
		}
	}
	if len(meta) == 0 {
		return
	}
	if err := b.st.UpdateApprovalChannels(req.ID, meta); err != nil {
		logging.ApprovalWarn("recording channel metadata for %s: %v", req.ID, err)
	}
}

func (b *Broker) audit(req *run.ApprovalRequest, kind string, detail map[string]string) {
	if _, err := b.st.AppendAudit(run.NewAuditEvent(req.RunID, req.PhaseID, kind, detail)); err != nil {
		logging.ApprovalWarn("audit %s for %s: %v", kind, req.ID, err)
	}
}
