package policy

import (
	"slices"
	"time"
)

// Redaction is the materialized redaction rule. Mode is empty for pass-through.
type Redaction struct {
	Mode string
	Keys []string
}

// Escalation is the materialized escalation block.
type Escalation struct {
	// Before is how long before expiry the escalation fires.
	Before time.Duration
	// MinApprovals is the escalated quorum, zero when the quorum is unchanged.
	MinApprovals int
	Channel      string
}

// Overrides says whether approvers may edit parameters, and which.
type Overrides struct {
	Allow bool
	Keys  []string
}

// ReRequest says whether a request may be re-issued, and how often.
type ReRequest struct {
	Allow    bool
	Cooldown time.Duration
}

// Evaluation is a fully materialized policy decision for one action.
type Evaluation struct {
	Action           string
	Description      string
	MinApprovals     int
	AllowedApprovers []string
	RequiredPersonas []string
	Timeout          time.Duration
	Channel          string
	Escalation       *Escalation
	Redaction        Redaction
	Overrides        Overrides
	ReRequest        ReRequest
	PolicyHash       string
}

// EscalateAt returns when escalation fires for a request created at created,
// or nil when the action has no escalation.
func (e *Evaluation) EscalateAt(created time.Time) *time.Time {
	if e.Escalation == nil {
		return nil
	}
	t := created.Add(e.Timeout - e.Escalation.Before)
	return &t
}

// Evaluate materializes the policy for action. Unknown actions fall back to the
// super-approvers when the document asks for manual handling; otherwise the
// action is denied with ErrDeniedByPolicy.
func Evaluate(action string, doc *Document) (*Evaluation, error) {
	if doc == nil {
		return nil, ErrDeniedByPolicy
	}
	rule, ok := doc.Actions[action]
	if !ok {
		if doc.Defaults.UnknownAction != UnknownManual || len(doc.Defaults.SuperApprovers) == 0 {
			return nil, ErrDeniedByPolicy
		}
		rule = Rule{
			Approvers:           Approvers{AllowIDs: slices.Clone(doc.Defaults.SuperApprovers), MinApprovals: 1},
			AllowParamOverrides: true,
			OverrideKeys:        []string{"reason", "count"},
		}
	}
	return materialize(action, rule, doc), nil
}

func materialize(action string, r Rule, doc *Document) *Evaluation {
	ev := &Evaluation{
		Action:           action,
		Description:      r.Description,
		MinApprovals:     r.Approvers.MinApprovals,
		AllowedApprovers: unionIDs(r.Approvers.AllowIDs, doc.Defaults.SuperApprovers),
		RequiredPersonas: slices.Clone(r.PersonasRequired),
		Timeout:          time.Duration(doc.timeoutFor(r)) * time.Second,
		Channel:          r.Channel,
		Overrides:        Overrides{Allow: r.AllowParamOverrides, Keys: slices.Clone(r.OverrideKeys)},
		ReRequest: ReRequest{
			Allow:    r.AllowReRequest,
			Cooldown: time.Duration(r.ReRequestCooldownSec) * time.Second,
		},
		PolicyHash: doc.Hash,
	}
	if ev.RequiredPersonas == nil {
		ev.RequiredPersonas = []string{}
	}
	if ev.Channel == "" {
		ev.Channel = doc.Routing.DefaultChannel
	}
	if ev.PolicyHash == "" {
		ev.PolicyHash = "unknown"
	}
	if r.RedactParams != nil {
		ev.Redaction = Redaction{Mode: r.RedactParams.Mode, Keys: slices.Clone(r.RedactParams.Keys)}
	}
	if esc := r.Escalation; esc != nil {
		ev.Escalation = &Escalation{
			Before:  time.Duration(esc.EscalateBeforeSec) * time.Second,
			Channel: esc.EscalationChannel,
		}
		if esc.EscalateMinApprovals != nil {
			ev.Escalation.MinApprovals = *esc.EscalateMinApprovals
		}
	}
	return ev
}
