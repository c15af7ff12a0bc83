// Package scheduler drives the time-based transitions of guard requests:
// escalation partway through the approval window, the remaining-time display
// bucket, and expiry once the deadline passes.
//
// Ticks never overlap. A tick that is still running when the next one is due
// causes that next one to be skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm/guard/pkg/approval"
	"github.com/Mindburn-Labs/helm/guard/pkg/audit"
	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
	"github.com/Mindburn-Labs/helm/guard/pkg/notify"
	"github.com/Mindburn-Labs/helm/guard/pkg/store"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 5 * time.Second

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration
	// Locks must be the engine's lock table.
	Locks    *approval.Locks
	Notifier notify.Notifier
	Recorder approval.Recorder
	Audit    audit.Logger
	Logger   *slog.Logger
}

// TickResult summarizes one pass over the open requests.
type TickResult struct {
	Skipped   bool
	Scanned   int
	Escalated int
	Refreshed int
	Expired   int
	Errors    int
}

// Scheduler fires escalation and expiry transitions.
type Scheduler struct {
	store    store.Store
	opts     Options
	clock    func() time.Time
	tracer   trace.Tracer
	log      *slog.Logger
	recorder approval.Recorder
	audit    audit.Logger
	notifier notify.Notifier

	running atomic.Bool
	ticks   sync.WaitGroup
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler over st.
func New(st store.Store, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Locks == nil {
		opts.Locks = approval.NewLocks()
	}
	s := &Scheduler{
		store:    st,
		opts:     opts,
		clock:    time.Now,
		tracer:   otel.Tracer("guard/scheduler"),
		log:      opts.Logger,
		recorder: opts.Recorder,
		audit:    opts.Audit,
		notifier: opts.Notifier,
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "scheduler")
	}
	if s.recorder == nil {
		s.recorder = approval.NopRecorder{}
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Start runs the tick loop until ctx is cancelled or Stop is called. Calling
// Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.log.Info("scheduler started", "interval", s.opts.Interval)
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.ticks.Wait()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A slow pass shows up as skipped ticks, not a drifting schedule.
			s.ticks.Add(1)
			go func() {
				defer s.ticks.Done()
				s.Tick(ctx)
			}()
		}
	}
}

// Tick runs one pass over the open requests. It returns immediately with
// Skipped set when another pass is still running.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("tick skipped, previous tick still running")
		return TickResult{Skipped: true}
	}
	defer s.running.Store(false)

	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	var res TickResult
	open, err := s.store.ListOpenRequests(ctx)
	if err != nil {
		s.log.Error("listing open requests failed", "error", err)
		res.Errors++
		return res
	}
	now := s.clock().UTC()
	for _, r := range open {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		if err := s.process(ctx, r.ID, now, &res); err != nil {
			res.Errors++
			s.log.Error("scheduler step failed", "request_id", r.ID, "action", r.Action, "error", err)
		}
	}
	span.SetAttributes(
		attribute.Int("guard.scanned", res.Scanned),
		attribute.Int("guard.escalated", res.Escalated),
		attribute.Int("guard.expired", res.Expired),
	)
	return res
}

// process handles one request under its lock: escalation, then the
// remaining-time bucket, then expiry.
func (s *Scheduler) process(ctx context.Context, id string, now time.Time, res *TickResult) error {
	unlock := s.opts.Locks.Lock(id)
	defer unlock()

	r, err := s.store.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.IsTerminal() {
		return nil
	}

	if r, err = s.escalate(ctx, r, now, res); err != nil {
		return fmt.Errorf("escalate: %w", err)
	}
	if r, err = s.refresh(ctx, r, now, res); err != nil {
		return fmt.Errorf("refresh remaining: %w", err)
	}
	if err = s.expire(ctx, r, now, res); err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	return nil
}

func (s *Scheduler) escalate(ctx context.Context, r *contracts.GuardRequest, now time.Time, res *TickResult) (*contracts.GuardRequest, error) {
	if r.EscalationFired || r.EscalateAt == nil || now.Before(*r.EscalateAt) || !now.Before(r.ExpiresAt) {
		return r, nil
	}
	_, span := s.tracer.Start(ctx, "scheduler.escalate",
		trace.WithAttributes(attribute.String("guard.request_id", r.ID), attribute.String("guard.action", r.Action)))
	defer span.End()

	p := contracts.Patch{EscalationFired: contracts.Ptr(true), EscalatedAt: contracts.Ptr(now)}
	if r.EscalateMinApprovals > r.MinApprovals {
		p.MinApprovals = contracts.Ptr(r.EscalateMinApprovals)
	}
	view, moved, err := s.store.Transition(ctx, r.ID, contracts.OpenStatuses, p)
	if err != nil {
		return r, err
	}
	if !moved {
		return view, nil
	}
	res.Escalated++
	s.recorder.Escalated(view.Action)
	s.record(ctx, "request_escalated", view, map[string]any{"min_approvals": view.MinApprovals})
	s.log.Info("request escalated", "request_id", view.ID, "action", view.Action, "min_approvals", view.MinApprovals)
	s.notifier.Notify(ctx, view.ID, notify.EventEscalated)
	return view, nil
}

func (s *Scheduler) refresh(ctx context.Context, r *contracts.GuardRequest, now time.Time, res *TickResult) (*contracts.GuardRequest, error) {
	remaining := r.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return r, nil
	}
	bucket := int(remaining / time.Minute)
	if r.LastRemainingBucket != nil && bucket >= *r.LastRemainingBucket {
		return r, nil
	}
	view, err := s.store.UpdateFields(ctx, r.ID, contracts.Patch{LastRemainingBucket: contracts.Ptr(bucket)})
	if err != nil {
		return r, err
	}
	res.Refreshed++
	s.notifier.Notify(ctx, view.ID, notify.EventRemaining)
	return view, nil
}

func (s *Scheduler) expire(ctx context.Context, r *contracts.GuardRequest, now time.Time, res *TickResult) error {
	if now.Before(r.ExpiresAt) {
		return nil
	}
	_, span := s.tracer.Start(ctx, "scheduler.expire",
		trace.WithAttributes(attribute.String("guard.request_id", r.ID), attribute.String("guard.action", r.Action)))
	defer span.End()

	view, moved, err := s.store.Transition(ctx, r.ID, contracts.OpenStatuses, contracts.TerminalPatch(contracts.StatusExpired, now))
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	res.Expired++
	s.recorder.Decision(view.Action, contracts.StatusExpired, now.Sub(view.CreatedAt))
	s.record(ctx, "request_expired", view, nil)
	s.log.Info("request expired", "request_id", view.ID, "action", view.Action)
	s.notifier.Notify(ctx, view.ID, notify.EventDecided)
	return nil
}

func (s *Scheduler) record(ctx context.Context, event string, r *contracts.GuardRequest, extra map[string]any) {
	meta := map[string]any{"action": r.Action, "status": string(r.Status)}
	for k, v := range extra {
		meta[k] = v
	}
	if err := s.audit.Record(ctx, audit.EventSystem, event, audit.RequestResource(r.ID), meta); err != nil {
		s.log.Debug("audit record failed", "event", event, "error", err)
	}
}
