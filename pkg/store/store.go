// Package store defines the persistence contract for guard requests and
// approvals, with an in-process backend and a Redis backend.
//
// Reads always return detached copies. The stored value is the canonical
// object and callers never mutate it directly: lifecycle fields change through
// UpdateFields and Transition, which enforce the terminal guard.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate approval")
	ErrTerminal  = errors.New("store: request is terminal")
	ErrClosed    = errors.New("store: closed")
)

// Store is the request and approval persistence contract.
type Store interface {
	// CreateRequest persists r, assigning ID and Token when empty.
	CreateRequest(ctx context.Context, r *contracts.GuardRequest) (*contracts.GuardRequest, error)
	GetByID(ctx context.Context, id string) (*contracts.GuardRequest, error)
	GetByToken(ctx context.Context, token string) (*contracts.GuardRequest, error)

	// AddApproval appends rec and recomputes ApprovalsCount. The returned Write
	// settles once the record is durable.
	AddApproval(ctx context.Context, rec contracts.ApprovalRecord) (Write, error)
	HasApproval(ctx context.Context, requestID, actorID string) (bool, error)
	ApprovalsFor(ctx context.Context, requestID string) ([]contracts.ApprovalRecord, error)

	ListOpenRequests(ctx context.Context) ([]*contracts.GuardRequest, error)
	ListLineageRequests(ctx context.Context, lineageID string) ([]*contracts.GuardRequest, error)
	ListAll(ctx context.Context) ([]*contracts.GuardRequest, error)

	// UpdateFields applies a whitelisted patch, best effort.
	UpdateFields(ctx context.Context, id string, p contracts.Patch) (*contracts.GuardRequest, error)
	// Transition applies p only while the request status is one of from. It
	// reports whether the transition happened.
	Transition(ctx context.Context, id string, from []contracts.RequestStatus, p contracts.Patch) (*contracts.GuardRequest, bool, error)

	UpdatePersonaState(ctx context.Context, id, persona string, state contracts.PersonaState) (*contracts.GuardRequest, error)
	// UpdateParams replaces the approver-facing parameters and bumps
	// ParamsRevision. Terminal requests are refused with ErrTerminal.
	UpdateParams(ctx context.Context, id string, params map[string]any, payloadHash string) (*contracts.GuardRequest, error)
	SetChatMessage(ctx context.Context, id, channel, ts string) error

	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// Write is a possibly pending durable write.
type Write interface {
	Done() <-chan struct{}
	// Err is valid once Done is closed.
	Err() error
}

type resolved struct{ err error }

var closedCh = func() chan struct{} { c := make(chan struct{}); close(c); return c }()

func (resolved) Done() <-chan struct{} { return closedCh }
func (r resolved) Err() error          { return r.err }

// Resolved returns an already settled Write.
func Resolved(err error) Write { return resolved{err: err} }

// pending is a Write settled by the backend flusher.
type pending struct {
	done chan struct{}
	err  error
}

func newPending() *pending { return &pending{done: make(chan struct{})} }

func (p *pending) Done() <-chan struct{} { return p.done }
func (p *pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *pending) settle(err error) {
	p.err = err
	close(p.done)
}

// Await waits up to d for w to settle. It reports whether w settled and, if so,
// its error.
func Await(ctx context.Context, w Write, d time.Duration) (bool, error) {
	select {
	case <-w.Done():
		return true, w.Err()
	default:
	}
	if d <= 0 {
		return false, nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.Done():
		return true, w.Err()
	case <-t.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// CountApproved returns the number of distinct actors with an approved record.
func CountApproved(recs []contracts.ApprovalRecord) int {
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		if r.Decision == contracts.DecisionApproved {
			seen[r.ActorID] = struct{}{}
		}
	}
	return len(seen)
}

// transitionAllowed is the guard shared by every backend: the current status
// must be one of from, and approval needs a met quorum.
func transitionAllowed(r *contracts.GuardRequest, from []contracts.RequestStatus, p contracts.Patch) bool {
	if !statusIn(r.Status, from) {
		return false
	}
	if p.Status != nil && *p.Status == contracts.StatusApproved {
		need := r.MinApprovals
		if p.MinApprovals != nil && *p.MinApprovals > need {
			need = *p.MinApprovals
		}
		return r.ApprovalsCount >= need
	}
	return true
}

func statusIn(s contracts.RequestStatus, from []contracts.RequestStatus) bool {
	for _, f := range from {
		if f == s {
			return true
		}
	}
	return false
}
