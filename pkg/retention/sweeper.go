// Package retention purges decided requests once they age out, optionally
// archiving a summary line for each to a JSONL file first.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm/guard/pkg/audit"
	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
	"github.com/Mindburn-Labs/helm/guard/pkg/store"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = time.Minute

// Recorder receives sweep measurements.
type Recorder interface {
	Archived(ok bool)
	Purged()
}

type nopRecorder struct{}

func (nopRecorder) Archived(bool) {}
func (nopRecorder) Purged()       {}

// Options configures a Sweeper.
type Options struct {
	// MaxAge is how long a decided request is kept. Zero disables sweeping.
	MaxAge   time.Duration
	Interval time.Duration
	// ArchiveFile, when set, receives one JSON line per purged request.
	ArchiveFile string
	Recorder    Recorder
	Audit       audit.Logger
	Logger      *slog.Logger
}

// Record is one archived request.
type Record struct {
	Version    int                     `json:"version"`
	ArchivedAt time.Time               `json:"archivedAt"`
	ID         string                  `json:"id"`
	Action     string                  `json:"action"`
	Status     contracts.RequestStatus `json:"status"`
	DecidedAt  *time.Time              `json:"decided_at,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
}

// Result summarizes one sweep.
type Result struct {
	Skipped  bool
	Scanned  int
	Archived int
	Purged   int
	Errors   int
}

// Sweeper periodically removes aged terminal requests.
type Sweeper struct {
	store  store.Store
	opts   Options
	clock  func() time.Time
	tracer trace.Tracer
	log    *slog.Logger

	running atomic.Bool
	fileMu  sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(st store.Store, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default().With("component", "retention")
	}
	return &Sweeper{
		store:  st,
		opts:   opts,
		clock:  time.Now,
		tracer: otel.Tracer("guard/retention"),
		log:    log,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Enabled reports whether a retention age is configured.
func (s *Sweeper) Enabled() bool { return s.opts.MaxAge > 0 }

// Start runs Sweep every Interval until Stop. It is a no-op when disabled or
// already started.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		t := time.NewTicker(s.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep archives and deletes every terminal request decided (or, lacking a
// decision time, created) at or before now minus MaxAge. A sweep that starts
// while another is running returns immediately with Skipped set.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	if !s.Enabled() {
		return Result{Skipped: true}
	}
	if !s.running.CompareAndSwap(false, true) {
		return Result{Skipped: true}
	}
	defer s.running.Store(false)

	ctx, span := s.tracer.Start(ctx, "retention.sweep")
	defer span.End()

	var res Result
	all, err := s.store.ListAll(ctx)
	if err != nil {
		s.log.Error("retention list failed", "error", err)
		res.Errors++
		return res
	}
	now := s.clock().UTC()
	cutoff := now.Add(-s.opts.MaxAge)
	for _, r := range all {
		res.Scanned++
		if !r.IsTerminal() {
			continue
		}
		at := r.CreatedAt
		if r.DecidedAt != nil {
			at = *r.DecidedAt
		}
		if at.After(cutoff) {
			continue
		}
		if s.opts.ArchiveFile != "" {
			if err := s.archive(r, now); err != nil {
				res.Errors++
				s.opts.Recorder.Archived(false)
				s.log.Warn("archive failed", "request_id", r.ID, "error", err)
				s.record(ctx, "request_archive_failed", r, map[string]any{"error": err.Error()})
			} else {
				res.Archived++
				s.opts.Recorder.Archived(true)
				s.record(ctx, "request_archived", r, nil)
			}
		}
		if err := s.store.Delete(ctx, r.ID); err != nil {
			res.Errors++
			s.log.Warn("purge failed", "request_id", r.ID, "error", err)
			continue
		}
		res.Purged++
		s.opts.Recorder.Purged()
		s.record(ctx, "request_purged", r, nil)
	}
	span.SetAttributes(attribute.Int("guard.purged", res.Purged))
	if res.Purged > 0 || res.Errors > 0 {
		s.log.Info("retention sweep", "scanned", res.Scanned, "archived", res.Archived, "purged", res.Purged, "errors", res.Errors)
	}
	return res
}

func (s *Sweeper) archive(r *contracts.GuardRequest, now time.Time) error {
	line, err := json.Marshal(Record{
		Version:    1,
		ArchivedAt: now,
		ID:         r.ID,
		Action:     r.Action,
		Status:     r.Status,
		DecidedAt:  r.DecidedAt,
		CreatedAt:  r.CreatedAt,
	})
	if err != nil {
		return err
	}
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	f, err := os.OpenFile(s.opts.ArchiveFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	return f.Close()
}

func (s *Sweeper) record(ctx context.Context, event string, r *contracts.GuardRequest, extra map[string]any) {
	meta := map[string]any{"action": r.Action, "status": string(r.Status), "reason": "retention"}
	for k, v := range extra {
		meta[k] = v
	}
	if err := s.opts.Audit.Record(ctx, audit.EventMutation, event, audit.RequestResource(r.ID), meta); err != nil {
		s.log.Debug("audit record failed", "event", event, "error", err)
	}
}
