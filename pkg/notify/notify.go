// Package notify fans guard request state changes out to the surfaces that
// display them: live waiters, the chat webhook and the lifecycle event bus.
//
// Notifiers receive only the request ID and the kind of change. They read the
// current state through the store, so a late or coalesced notification always
// renders the latest canonical request.
package notify

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
)

// Event is the kind of state change.
type Event string

const (
	EventCreated   Event = "created"
	EventUpdated   Event = "updated"
	EventEscalated Event = "escalated"
	EventRemaining Event = "remaining"
	EventDecided   Event = "decided"
)

// Notifier is told about a state change. Implementations must not block the
// caller for long and must not fail it.
type Notifier interface {
	Notify(ctx context.Context, requestID string, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, requestID string, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, requestID string, ev Event) { f(ctx, requestID, ev) }

// Multi notifies each member in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, requestID string, ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, requestID, ev)
		}
	}
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, string, Event) {}

// EventFor picks the event describing r after a change.
func EventFor(r *contracts.GuardRequest) Event {
	if r.IsTerminal() {
		return EventDecided
	}
	return EventUpdated
}

// StateChange is the wire form of a lifecycle event.
type StateChange struct {
	Event          Event                   `json:"event"`
	RequestID      string                  `json:"request_id"`
	Action         string                  `json:"action"`
	Status         contracts.RequestStatus `json:"status"`
	ApprovalsCount int                     `json:"approvals_count"`
	MinApprovals   int                     `json:"min_approvals"`
	LineageID      string                  `json:"lineage_id,omitempty"`
	PolicyHash     string                  `json:"policy_hash,omitempty"`
	DecidedAt      *time.Time              `json:"decided_at,omitempty"`
	At             time.Time               `json:"at"`
}

// NewStateChange describes r at time at.
func NewStateChange(ev Event, r *contracts.GuardRequest, at time.Time) StateChange {
	return StateChange{
		Event:          ev,
		RequestID:      r.ID,
		Action:         r.Action,
		Status:         r.Status,
		ApprovalsCount: r.ApprovalsCount,
		MinApprovals:   r.MinApprovals,
		LineageID:      r.LineageID,
		PolicyHash:     r.PolicyHash,
		DecidedAt:      r.DecidedAt,
		At:             at.UTC(),
	}
}
