package contracts

import "time"

// Patch is a partial update restricted to the mutable lifecycle fields of a
// GuardRequest. Nil fields are left untouched.
type Patch struct {
	Status              *RequestStatus `json:"status,omitempty"`
	ApprovalsCount      *int           `json:"approvals_count,omitempty"`
	DecidedAt           *time.Time     `json:"decided_at,omitempty"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty"`
	EscalateAt          *time.Time     `json:"escalate_at,omitempty"`
	EscalationFired     *bool          `json:"escalation_fired,omitempty"`
	EscalatedAt         *time.Time     `json:"escalated_at,omitempty"`
	MinApprovals        *int           `json:"min_approvals,omitempty"`
	LastRemainingBucket *int           `json:"last_remaining_bucket,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.ApprovalsCount == nil && p.DecidedAt == nil &&
		p.ExpiresAt == nil && p.EscalateAt == nil && p.EscalationFired == nil &&
		p.EscalatedAt == nil && p.MinApprovals == nil && p.LastRemainingBucket == nil
}

// Merge overlays q on p; fields set in q win.
func (p Patch) Merge(q Patch) Patch {
	if q.Status != nil {
		p.Status = q.Status
	}
	if q.ApprovalsCount != nil {
		p.ApprovalsCount = q.ApprovalsCount
	}
	if q.DecidedAt != nil {
		p.DecidedAt = q.DecidedAt
	}
	if q.ExpiresAt != nil {
		p.ExpiresAt = q.ExpiresAt
	}
	if q.EscalateAt != nil {
		p.EscalateAt = q.EscalateAt
	}
	if q.EscalationFired != nil {
		p.EscalationFired = q.EscalationFired
	}
	if q.EscalatedAt != nil {
		p.EscalatedAt = q.EscalatedAt
	}
	if q.MinApprovals != nil {
		p.MinApprovals = q.MinApprovals
	}
	if q.LastRemainingBucket != nil {
		p.LastRemainingBucket = q.LastRemainingBucket
	}
	return p
}

// ApplyTo writes the patch onto r while enforcing the lifecycle invariants:
// a terminal request keeps its status, count, quorum and decision time; the
// escalation latch never resets; the quorum never shrinks; DecidedAt is only
// stamped once. It reports whether anything changed.
func (p Patch) ApplyTo(r *GuardRequest) bool {
	changed := false
	terminal := r.IsTerminal()

	if p.Status != nil && !terminal && *p.Status != r.Status {
		r.Status = *p.Status
		changed = true
	}
	if p.ApprovalsCount != nil && !terminal && *p.ApprovalsCount != r.ApprovalsCount {
		r.ApprovalsCount = *p.ApprovalsCount
		changed = true
	}
	if p.DecidedAt != nil && r.DecidedAt == nil && r.IsTerminal() {
		t := *p.DecidedAt
		r.DecidedAt = &t
		changed = true
	}
	if p.MinApprovals != nil && !terminal && *p.MinApprovals > r.MinApprovals {
		r.MinApprovals = *p.MinApprovals
		changed = true
	}
	if p.EscalationFired != nil && *p.EscalationFired && !r.EscalationFired {
		r.EscalationFired = true
		changed = true
	}
	if p.EscalatedAt != nil && r.EscalatedAt == nil {
		t := *p.EscalatedAt
		r.EscalatedAt = &t
		changed = true
	}
	if p.ExpiresAt != nil && !terminal && !p.ExpiresAt.Equal(r.ExpiresAt) {
		r.ExpiresAt = *p.ExpiresAt
		changed = true
	}
	if p.EscalateAt != nil && !r.EscalationFired {
		t := *p.EscalateAt
		r.EscalateAt = &t
		changed = true
	}
	if p.LastRemainingBucket != nil {
		b := *p.LastRemainingBucket
		r.LastRemainingBucket = &b
		changed = true
	}
	return changed
}

// TerminalPatch builds the patch that moves a request into a terminal status.
func TerminalPatch(status RequestStatus, at time.Time) Patch {
	return Patch{Status: &status, DecidedAt: &at}
}

// Ptr returns a pointer to v. Handy when building patches.
func Ptr[T any](v T) *T { return &v }
