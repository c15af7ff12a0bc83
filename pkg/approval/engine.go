// Package approval provides the quorum engine: it authorizes approvers,
// records approvals and denials, and moves a guard request to its decision.
//
// Every decision runs under the per-request lock shared with the scheduler,
// and every status change goes through the store's guarded Transition, so a
// request is decided exactly once even when callers race or hold stale copies.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm/guard/pkg/audit"
	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
	"github.com/Mindburn-Labs/helm/guard/pkg/store"
)

// Strategy selects how the engine treats an approval whose durable write is
// still pending after the bounded wait.
type Strategy int

const (
	// StrategyRecount recomputes the quorum from the store's merged view.
	StrategyRecount Strategy = iota
	// AssumeTerminalOnSinglePendingWrite commits the decision immediately when
	// quorum is 1 and this is the first approval, and confirms the write in the
	// background.
	AssumeTerminalOnSinglePendingWrite
)

// DefaultWriteWait bounds how long an approval waits for its durable write.
const DefaultWriteWait = 50 * time.Millisecond

// confirmTimeout bounds the background confirmation of an optimistic commit.
const confirmTimeout = 30 * time.Second

// Result is the outcome of ApplyApproval or ApplyDeny.
type Result struct {
	OK       bool
	Terminal bool
	Reason   Reason
	// Request is the canonical state after the call, when it could be read.
	Request *contracts.GuardRequest
}

// Options configures an Engine.
type Options struct {
	WriteWait time.Duration
	Strategy  Strategy
	Locks     *Locks
	Recorder  Recorder
	Audit     audit.Logger
	Logger    *slog.Logger
}

// Engine applies approvals and denials.
type Engine struct {
	store    store.Store
	opts     Options
	clock    func() time.Time
	tracer   trace.Tracer
	logger   *slog.Logger
	recorder Recorder
	audit    audit.Logger

	onDecided func(context.Context, *contracts.GuardRequest)
}

// NewEngine creates an engine over st.
func NewEngine(st store.Store, opts Options) *Engine {
	if opts.WriteWait <= 0 {
		opts.WriteWait = DefaultWriteWait
	}
	if opts.Locks == nil {
		opts.Locks = NewLocks()
	}
	e := &Engine{
		store:    st,
		opts:     opts,
		clock:    time.Now,
		tracer:   otel.Tracer("guard/approval"),
		logger:   opts.Logger,
		recorder: opts.Recorder,
		audit:    opts.Audit,
	}
	if e.logger == nil {
		e.logger = slog.Default().With("component", "approval")
	}
	if e.recorder == nil {
		e.recorder = NopRecorder{}
	}
	if e.audit == nil {
		e.audit = audit.Nop{}
	}
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// OnDecided registers fn to be told about decisions reached in the background,
// after an approval that was still pending when ApplyApproval returned has been
// persisted. It must be called before the engine is used.
func (e *Engine) OnDecided(fn func(context.Context, *contracts.GuardRequest)) {
	e.onDecided = fn
}

func (e *Engine) decided(ctx context.Context, r *contracts.GuardRequest) {
	if e.onDecided != nil {
		e.onDecided(ctx, r)
	}
}

// Locks returns the lock table, for sharing with the scheduler.
func (e *Engine) Locks() *Locks { return e.opts.Locks }

// ApplyApproval records actor's approval on req and decides the request when
// quorum is met. req may be stale; the store copy is authoritative.
func (e *Engine) ApplyApproval(ctx context.Context, req *contracts.GuardRequest, actor string) Result {
	return e.approve(ctx, req, actor, nil)
}

// ApplyOverrideApproval is ApplyApproval carrying the parameter overrides the
// approver submitted, recorded on the approval.
func (e *Engine) ApplyOverrideApproval(ctx context.Context, req *contracts.GuardRequest, actor string, overrides map[string]any) Result {
	return e.approve(ctx, req, actor, overrides)
}

func (e *Engine) approve(ctx context.Context, req *contracts.GuardRequest, actor string, overrides map[string]any) Result {
	ctx, span := e.tracer.Start(ctx, "approval.apply",
		trace.WithAttributes(attribute.String("guard.request_id", req.ID), attribute.String("guard.actor", actor)))
	defer span.End()

	unlock := e.opts.Locks.Lock(req.ID)
	defer unlock()

	canon, err := e.store.GetByID(ctx, req.ID)
	if err != nil {
		e.logger.Error("request lookup failed", "request_id", req.ID, "error", err)
		return Result{Reason: ReasonStoreError}
	}
	log := e.logger.With("request_id", canon.ID, "action", canon.Action, "actor", actor)
	actx := audit.WithActor(ctx, actor)

	if !canon.IsAllowedApprover(actor) {
		e.record(actx, audit.EventAccess, "unauthorized_approval_attempt", canon, nil)
		return Result{Reason: ReasonNotAuthorized, Request: canon}
	}
	if canon.IsTerminal() {
		return Result{Terminal: true, Reason: ReasonTerminal, Request: canon}
	}
	if canon.Status != contracts.StatusReady {
		return Result{Reason: ReasonNotReady, Request: canon}
	}
	has, err := e.store.HasApproval(ctx, canon.ID, actor)
	if err != nil {
		log.Error("approval lookup failed", "error", err)
		return Result{Reason: ReasonStoreError, Request: canon}
	}
	if has {
		return Result{Reason: ReasonDuplicate, Request: canon}
	}

	// Only an approval that passed every gate may carry edited parameters.
	canon, res, ok := e.carryForward(ctx, req, canon)
	if !ok {
		return res
	}
	if canon.IsTerminal() {
		return Result{Terminal: true, Reason: ReasonTerminal, Request: canon}
	}

	prior := canon.ApprovalsCount
	w, err := e.store.AddApproval(ctx, contracts.ApprovalRecord{
		ID:             uuid.NewString(),
		RequestID:      canon.ID,
		ActorID:        actor,
		ActorType:      contracts.ActorHuman,
		Decision:       contracts.DecisionApproved,
		ParamOverrides: overrides,
		CreatedAt:      e.clock().UTC(),
	})
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return Result{Reason: ReasonDuplicate, Request: canon}
	case errors.Is(err, store.ErrTerminal):
		return Result{Terminal: true, Reason: ReasonTerminal, Request: e.reread(ctx, canon)}
	case err != nil:
		log.Error("approval write failed", "error", err)
		return Result{Reason: ReasonStoreError, Request: canon}
	}
	e.record(actx, audit.EventMutation, "approval_recorded", canon, map[string]any{"overrides": len(overrides) > 0})

	settled, werr := store.Await(ctx, w, e.opts.WriteWait)
	if settled && werr != nil {
		switch {
		case errors.Is(werr, store.ErrDuplicate):
			return Result{Reason: ReasonDuplicate, Request: e.reread(ctx, canon)}
		case errors.Is(werr, store.ErrTerminal):
			return Result{Terminal: true, Reason: ReasonTerminal, Request: e.reread(ctx, canon)}
		default:
			log.Error("approval write rejected", "error", werr)
			return Result{Reason: ReasonStoreError, Request: e.reread(ctx, canon)}
		}
	}

	count := -1
	if !settled {
		if e.opts.Strategy != AssumeTerminalOnSinglePendingWrite || canon.MinApprovals != 1 || prior != 0 {
			// Nothing is decided on a write that may still fail; the quorum is
			// recounted once it is durable.
			go e.settle(canon.ID, actor, w)
			return Result{OK: true, Request: e.reread(ctx, canon)}
		}
		count = 1
		go e.confirm(canon, actor, w)
	}

	view, err := e.reconcile(ctx, e.reread(ctx, canon), count)
	if err != nil {
		log.Error("reconcile failed", "error", err)
		return Result{Reason: ReasonStoreError, Request: e.reread(ctx, canon)}
	}
	// A second pass catches drift between the decision and the records.
	if !view.IsTerminal() {
		if again, err := e.reconcile(ctx, view, -1); err == nil {
			view = again
		}
	}
	return Result{OK: true, Terminal: view.IsTerminal(), Request: view}
}

// ApplyDeny denies req on behalf of actor. No approval record is written.
func (e *Engine) ApplyDeny(ctx context.Context, req *contracts.GuardRequest, actor string) Result {
	ctx, span := e.tracer.Start(ctx, "approval.deny",
		trace.WithAttributes(attribute.String("guard.request_id", req.ID), attribute.String("guard.actor", actor)))
	defer span.End()

	unlock := e.opts.Locks.Lock(req.ID)
	defer unlock()

	canon, err := e.store.GetByID(ctx, req.ID)
	if err != nil {
		e.logger.Error("request lookup failed", "request_id", req.ID, "error", err)
		return Result{Reason: ReasonStoreError}
	}
	actx := audit.WithActor(ctx, actor)
	if !canon.IsAllowedApprover(actor) {
		e.record(actx, audit.EventAccess, "unauthorized_deny_attempt", canon, nil)
		return Result{Reason: ReasonNotAuthorized, Request: canon}
	}
	if canon.IsTerminal() {
		return Result{Terminal: true, Reason: ReasonTerminal, Request: canon}
	}

	now := e.clock().UTC()
	view, moved, err := e.store.Transition(ctx, canon.ID, contracts.OpenStatuses, contracts.TerminalPatch(contracts.StatusDenied, now))
	if err != nil {
		e.logger.Error("deny transition failed", "request_id", canon.ID, "error", err)
		return Result{Reason: ReasonStoreError, Request: canon}
	}
	if !moved {
		return Result{Terminal: true, Reason: ReasonTerminal, Request: view}
	}
	e.recorder.Decision(view.Action, contracts.StatusDenied, now.Sub(view.CreatedAt))
	e.record(actx, audit.EventMutation, "request_denied", view, nil)
	return Result{OK: true, Terminal: true, Request: view}
}

// Reconcile recomputes the quorum for id from the stored approvals and
// decides the request if it is met. It is idempotent.
func (e *Engine) Reconcile(ctx context.Context, id string) (*contracts.GuardRequest, error) {
	unlock := e.opts.Locks.Lock(id)
	defer unlock()
	r, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.reconcile(ctx, r, -1)
}

// reconcile brings req in line with its approvals. count < 0 means recount
// from the store; otherwise count is trusted as the optimistic tally.
func (e *Engine) reconcile(ctx context.Context, req *contracts.GuardRequest, count int) (*contracts.GuardRequest, error) {
	if req.IsTerminal() {
		return req, nil
	}
	if count < 0 {
		recs, err := e.store.ApprovalsFor(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		count = store.CountApproved(recs)
	}

	view := req
	if count != req.ApprovalsCount {
		e.logger.Warn("approval count drift corrected", "request_id", req.ID, "stored", req.ApprovalsCount, "counted", count)
		e.recorder.Anomaly("approval_count_drift")
		e.record(ctx, audit.EventSystem, "approval_count_corrected", req, map[string]any{"stored": req.ApprovalsCount, "counted": count})
		v, err := e.store.UpdateFields(ctx, req.ID, contracts.Patch{ApprovalsCount: contracts.Ptr(count)})
		if err != nil {
			return nil, err
		}
		view = v
	}
	if view.Status != contracts.StatusReady || count < view.MinApprovals {
		return view, nil
	}

	now := e.clock().UTC()
	decided, moved, err := e.store.Transition(ctx, view.ID, []contracts.RequestStatus{contracts.StatusReady},
		contracts.TerminalPatch(contracts.StatusApproved, now))
	if err != nil {
		return nil, err
	}
	if moved {
		e.recorder.Decision(decided.Action, contracts.StatusApproved, now.Sub(decided.CreatedAt))
		e.record(ctx, audit.EventMutation, "request_approved", decided, map[string]any{"approvals": decided.ApprovalsCount})
	}
	return decided, nil
}

// confirm waits for an optimistically committed approval to become durable.
// A failure is reported, not reverted.
func (e *Engine) confirm(req *contracts.GuardRequest, actor string, w store.Write) {
	t := time.NewTimer(confirmTimeout)
	defer t.Stop()
	select {
	case <-w.Done():
		if err := w.Err(); err != nil {
			e.logger.Warn("optimistic approval not confirmed", "request_id", req.ID, "actor", actor, "error", err)
			e.recorder.Anomaly("optimistic_unconfirmed")
			e.record(context.Background(), audit.EventSystem, "optimistic_approval_unconfirmed", req, map[string]any{"actor": actor, "error": err.Error()})
		}
	case <-t.C:
		e.logger.Warn("optimistic approval confirmation timed out", "request_id", req.ID, "actor", actor)
		e.recorder.Anomaly("optimistic_timeout")
	}
}

// settle waits for a pending approval write and then recounts the quorum. A
// failed write leaves the request as it was.
func (e *Engine) settle(id, actor string, w store.Write) {
	t := time.NewTimer(confirmTimeout)
	defer t.Stop()
	select {
	case <-w.Done():
	case <-t.C:
		e.logger.Warn("pending approval did not settle", "request_id", id, "actor", actor)
		e.recorder.Anomaly("approval_write_timeout")
		return
	}
	ctx := context.Background()
	if err := w.Err(); err != nil {
		e.logger.Warn("pending approval not persisted", "request_id", id, "actor", actor, "error", err)
		e.recorder.Anomaly("approval_write_failed")
		_ = e.audit.Record(audit.WithActor(ctx, actor), audit.EventSystem, "approval_write_failed",
			audit.RequestResource(id), map[string]any{"error": err.Error()})
		return
	}

	unlock := e.opts.Locks.Lock(id)
	r, err := e.store.GetByID(ctx, id)
	if err != nil {
		unlock()
		e.logger.Error("settle lookup failed", "request_id", id, "error", err)
		return
	}
	wasTerminal := r.IsTerminal()
	view, err := e.reconcile(ctx, r, -1)
	unlock()
	if err != nil {
		e.logger.Error("settle reconcile failed", "request_id", id, "error", err)
		return
	}
	if !wasTerminal && view.IsTerminal() {
		e.decided(ctx, view)
	}
}

// carryForward reconciles the caller's copy req with the store copy canon. A
// copy edited at the current parameter revision holds overrides the store has
// not seen; those are persisted. Copies from an older revision are stale.
func (e *Engine) carryForward(ctx context.Context, req, canon *contracts.GuardRequest) (*contracts.GuardRequest, Result, bool) {
	if req.PayloadHash == "" || req.PayloadHash == canon.PayloadHash || req.ParamsRevision != canon.ParamsRevision {
		return canon, Result{}, true
	}
	updated, err := e.store.UpdateParams(ctx, canon.ID, req.RedactedParams, req.PayloadHash)
	switch {
	case errors.Is(err, store.ErrTerminal):
		if updated == nil {
			updated = e.reread(ctx, canon)
		}
		return updated, Result{}, true
	case err != nil:
		e.logger.Error("carrying forward parameters failed", "request_id", req.ID, "error", err)
		return nil, Result{Reason: ReasonStoreError, Request: canon}, false
	}
	return updated, Result{}, true
}

func (e *Engine) reread(ctx context.Context, fallback *contracts.GuardRequest) *contracts.GuardRequest {
	if r, err := e.store.GetByID(ctx, fallback.ID); err == nil {
		return r
	}
	return fallback
}

func (e *Engine) record(ctx context.Context, typ audit.EventType, event string, r *contracts.GuardRequest, extra map[string]any) {
	meta := map[string]any{"action": r.Action, "status": string(r.Status)}
	for k, v := range extra {
		meta[k] = v
	}
	if err := e.audit.Record(ctx, typ, event, audit.RequestResource(r.ID), meta); err != nil {
		e.logger.Debug("audit record failed", "event", event, "error", err)
	}
}
