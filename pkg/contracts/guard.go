// Package contracts defines the guard request data model shared by the policy
// evaluator, the stores, the quorum engine and the scheduler.
//
// A GuardRequest is the unit of work: an agent asks for human sign-off on an
// action, approvers decide, and the request ends in exactly one terminal state.
//   - Approvals are append-only facts, idempotent per (request, actor)
//   - DecidedAt is stamped once, on entering a terminal state
//   - MinApprovals only ever grows, and only through escalation
package contracts

import (
	"maps"
	"slices"
	"time"
)

// RequestStatus tracks the lifecycle of a guard request.
type RequestStatus string

const (
	StatusAwaitingPersonas RequestStatus = "awaiting_personas"
	StatusReady            RequestStatus = "ready_for_approval"
	StatusApproved         RequestStatus = "approved"
	StatusDenied           RequestStatus = "denied"
	StatusExpired          RequestStatus = "expired"
)

// Terminal reports whether no further transition is permitted.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// OpenStatuses are the statuses a request may be in before a decision.
var OpenStatuses = []RequestStatus{StatusAwaitingPersonas, StatusReady}

// PersonaState is the acknowledgement state of one required persona.
type PersonaState string

const (
	PersonaPending  PersonaState = "pending"
	PersonaAck      PersonaState = "ack"
	PersonaRejected PersonaState = "rejected"
)

// Decision is the verdict carried by an ApprovalRecord.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// ActorType distinguishes human approvers from persona signals.
type ActorType string

const (
	ActorHuman   ActorType = "human"
	ActorPersona ActorType = "persona"
)

// Origin identifies where the guarded action comes from.
type Origin struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch,omitempty"`
	PR     string `json:"pr,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

// Requester identifies who (or what) asked for sign-off.
type Requester struct {
	ID      string `json:"id"`
	Source  string `json:"source"` // chat, github, agent
	Display string `json:"display,omitempty"`
}

// Link is an optional reference shown to approvers.
type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Meta carries the context an approver needs to decide.
type Meta struct {
	Origin        Origin    `json:"origin"`
	Requester     Requester `json:"requester"`
	Justification string    `json:"justification"`
	Links         []Link    `json:"links,omitempty"`
}

// GuardRequest is a request for human sign-off on a single action.
type GuardRequest struct {
	// Identity
	ID    string `json:"id"`
	Token string `json:"token"` // wait capability, never the ID

	// Classification
	Action         string         `json:"action"`
	PayloadHash    string         `json:"payload_hash"`
	RedactedParams map[string]any `json:"redacted_params"`
	ParamsRevision int            `json:"params_revision"` // bumped on every parameter edit
	Meta           Meta           `json:"meta"`

	// Authorization
	AllowedApproverIDs []string `json:"allowed_approver_ids"`
	MinApprovals       int      `json:"min_approvals"`
	ApprovalsCount     int      `json:"approvals_count"`

	// Persona gating
	RequiredPersonas []string                `json:"required_personas"`
	PersonaState     map[string]PersonaState `json:"persona_state"`

	// Timing
	CreatedAt            time.Time  `json:"created_at"`
	ExpiresAt            time.Time  `json:"expires_at"`
	EscalateAt           *time.Time `json:"escalate_at,omitempty"`
	EscalateMinApprovals int        `json:"escalate_min_approvals,omitempty"`
	EscalationChannel    string     `json:"escalation_channel,omitempty"`
	EscalationFired      bool       `json:"escalation_fired"`
	EscalatedAt          *time.Time `json:"escalated_at,omitempty"`
	DecidedAt            *time.Time `json:"decided_at,omitempty"`
	LastRemainingBucket  *int       `json:"last_remaining_bucket,omitempty"`

	Status RequestStatus `json:"status"`

	// Lineage and provenance
	LineageID  string `json:"lineage_id,omitempty"`
	PolicyHash string `json:"policy_hash"`

	// Parameter overrides
	AllowParamOverrides bool     `json:"allow_param_overrides"`
	OverrideKeys        []string `json:"override_keys,omitempty"`

	// Chat linkage
	ChatChannel   string `json:"chat_channel,omitempty"`
	ChatMessageTS string `json:"chat_message_ts,omitempty"`
}

// IsTerminal reports whether the request has been decided.
func (r *GuardRequest) IsTerminal() bool { return r.Status.Terminal() }

// IsAllowedApprover reports whether actor may decide on this request.
func (r *GuardRequest) IsAllowedApprover(actor string) bool {
	return slices.Contains(r.AllowedApproverIDs, actor)
}

// AllPersonasAcked reports whether every required persona has acknowledged.
func (r *GuardRequest) AllPersonasAcked() bool {
	for _, p := range r.RequiredPersonas {
		if r.PersonaState[p] != PersonaAck {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. Stores hand out clones so that the stored value
// stays the single canonical object.
func (r *GuardRequest) Clone() *GuardRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.RedactedParams = CloneParams(r.RedactedParams)
	c.Meta.Links = slices.Clone(r.Meta.Links)
	c.AllowedApproverIDs = slices.Clone(r.AllowedApproverIDs)
	c.RequiredPersonas = slices.Clone(r.RequiredPersonas)
	c.PersonaState = maps.Clone(r.PersonaState)
	c.OverrideKeys = slices.Clone(r.OverrideKeys)
	c.EscalateAt = cloneTime(r.EscalateAt)
	c.EscalatedAt = cloneTime(r.EscalatedAt)
	c.DecidedAt = cloneTime(r.DecidedAt)
	if r.LastRemainingBucket != nil {
		b := *r.LastRemainingBucket
		c.LastRemainingBucket = &b
	}
	return &c
}

// ApprovalRecord is an append-only decision fact.
type ApprovalRecord struct {
	ID             string         `json:"id"`
	RequestID      string         `json:"request_id"`
	ActorID        string         `json:"actor_id"`
	ActorType      ActorType      `json:"actor_type"`
	Decision       Decision       `json:"decision"`
	ParamOverrides map[string]any `json:"param_overrides,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// PersonaSignal records who moved a persona into its current state.
type PersonaSignal struct {
	RequestID string       `json:"request_id"`
	Persona   string       `json:"persona"`
	ActorID   string       `json:"actor_id"`
	State     PersonaState `json:"state"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// WaitResponse is what a waiting agent receives for its token.
type WaitResponse struct {
	Status         RequestStatus  `json:"status"`
	Approvers      []string       `json:"approvers,omitempty"`
	DecisionParams map[string]any `json:"decisionParams,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	DecidedAt      *time.Time     `json:"decidedAt,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CloneParams deep-copies a JSON-shaped parameter map.
func CloneParams(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneParams(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
