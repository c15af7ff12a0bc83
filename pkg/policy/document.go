// Package policy provides the guard policy document and its evaluator.
//
// A policy document is a YAML file keyed by action name. Each rule fixes who may
// approve, the quorum, how long a request lives, persona gating, redaction,
// escalation, parameter overrides and re-request behavior. Documents are
// validated as a whole: one bad rule rejects the load.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/gowebpki/jcs"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidPolicy marks a document that failed validation.
	ErrInvalidPolicy = errors.New("invalid policy")
	// ErrDeniedByPolicy is returned when no evaluation exists for an action.
	ErrDeniedByPolicy = errors.New("denied by policy")
)

// DefaultTimeoutSec applies when neither the rule nor routing sets a timeout.
const DefaultTimeoutSec = 600

// Redaction modes.
const (
	RedactAllowlist = "allowlist"
	RedactDenylist  = "denylist"
	RedactAll       = "all"
)

// Unknown-action handling.
const (
	UnknownDeny   = "deny"
	UnknownManual = "manual"
)

// Approvers names who may decide and how many must agree.
type Approvers struct {
	AllowIDs     []string `yaml:"allowIds" json:"allowIds,omitempty"`
	AllowHandles []string `yaml:"allowHandles,omitempty" json:"allowHandles,omitempty"`
	MinApprovals int      `yaml:"minApprovals" json:"minApprovals"`
}

// RedactRule controls which parameters approvers get to see.
type RedactRule struct {
	Mode string   `yaml:"mode" json:"mode"`
	Keys []string `yaml:"keys,omitempty" json:"keys,omitempty"`
}

// EscalationRule raises urgency (and optionally quorum) before expiry.
type EscalationRule struct {
	EscalateBeforeSec    int    `yaml:"escalateBeforeSec" json:"escalateBeforeSec"`
	EscalateMinApprovals *int   `yaml:"escalateMinApprovals,omitempty" json:"escalateMinApprovals,omitempty"`
	EscalationChannel    string `yaml:"escalationChannel,omitempty" json:"escalationChannel,omitempty"`
}

// Rule is the policy for one action.
type Rule struct {
	Description          string          `yaml:"description,omitempty" json:"description,omitempty"`
	Approvers            Approvers       `yaml:"approvers" json:"approvers"`
	PersonasRequired     []string        `yaml:"personasRequired,omitempty" json:"personasRequired,omitempty"`
	TimeoutSec           int             `yaml:"timeoutSec,omitempty" json:"timeoutSec,omitempty"`
	RedactParams         *RedactRule     `yaml:"redactParams,omitempty" json:"redactParams,omitempty"`
	Channel              string          `yaml:"channel,omitempty" json:"channel,omitempty"`
	Escalation           *EscalationRule `yaml:"escalation,omitempty" json:"escalation,omitempty"`
	AllowParamOverrides  bool            `yaml:"allowParamOverrides,omitempty" json:"allowParamOverrides,omitempty"`
	OverrideKeys         []string        `yaml:"overrideKeys,omitempty" json:"overrideKeys,omitempty"`
	AllowReRequest       bool            `yaml:"allowReRequest,omitempty" json:"allowReRequest,omitempty"`
	ReRequestCooldownSec int             `yaml:"reRequestCooldownSec,omitempty" json:"reRequestCooldownSec,omitempty"`
}

// Routing holds document-wide delivery defaults.
type Routing struct {
	DefaultChannel    string `yaml:"defaultChannel,omitempty" json:"defaultChannel,omitempty"`
	DMFallbackUser    string `yaml:"dmFallbackUser,omitempty" json:"dmFallbackUser,omitempty"`
	DefaultTimeoutSec int    `yaml:"defaultTimeoutSec,omitempty" json:"defaultTimeoutSec,omitempty"`
}

// Defaults controls unknown-action handling.
type Defaults struct {
	UnknownAction  string   `yaml:"unknownAction,omitempty" json:"unknownAction,omitempty"`
	SuperApprovers []string `yaml:"superApprovers,omitempty" json:"superApprovers,omitempty"`
}

// Document is a complete, versioned policy.
type Document struct {
	Version  string          `yaml:"version,omitempty" json:"version,omitempty"`
	Actions  map[string]Rule `yaml:"actions" json:"actions"`
	Routing  Routing         `yaml:"routing,omitempty" json:"routing,omitempty"`
	Defaults Defaults        `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Hash is the content fingerprint, set by Parse.
	Hash string `yaml:"-" json:"-"`
}

// Parse decodes, validates and fingerprints a YAML policy document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalidPolicy, err)
	}
	if doc.Actions == nil {
		doc.Actions = map[string]Rule{}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	hash, err := fingerprint(&doc)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprint: %v", ErrInvalidPolicy, err)
	}
	doc.Hash = hash
	return &doc, nil
}

// Validate checks every rule. Escalation thresholds are validated here so that a
// bad threshold fails the load rather than a later request.
func (d *Document) Validate() error {
	var errs []error
	switch d.Defaults.UnknownAction {
	case "", UnknownDeny, UnknownManual:
	default:
		errs = append(errs, fmt.Errorf("defaults.unknownAction: unsupported value %q", d.Defaults.UnknownAction))
	}

	names := make([]string, 0, len(d.Actions))
	for name := range d.Actions {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		rule := d.Actions[name]
		if err := d.validateRule(rule); err != nil {
			errs = append(errs, fmt.Errorf("action %q: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, errors.Join(errs...))
	}
	return nil
}

func (d *Document) validateRule(r Rule) error {
	if r.Approvers.MinApprovals < 1 {
		return fmt.Errorf("approvers.minApprovals must be >= 1")
	}
	reachable := len(unionIDs(r.Approvers.AllowIDs, d.Defaults.SuperApprovers))
	if r.Approvers.MinApprovals > reachable {
		return fmt.Errorf("approvers.minApprovals %d exceeds %d reachable approvers", r.Approvers.MinApprovals, reachable)
	}
	if r.TimeoutSec < 0 {
		return fmt.Errorf("timeoutSec must be >= 0")
	}
	if r.RedactParams != nil {
		switch r.RedactParams.Mode {
		case RedactAllowlist, RedactDenylist, RedactAll:
		default:
			return fmt.Errorf("redactParams.mode: unsupported value %q", r.RedactParams.Mode)
		}
	}
	if esc := r.Escalation; esc != nil {
		timeout := d.timeoutFor(r)
		if esc.EscalateBeforeSec <= 0 {
			return fmt.Errorf("escalation.escalateBeforeSec must be > 0")
		}
		if esc.EscalateBeforeSec >= timeout {
			return fmt.Errorf("escalation.escalateBeforeSec must be < timeoutSec (%d)", timeout)
		}
		if esc.EscalateMinApprovals != nil {
			if *esc.EscalateMinApprovals < r.Approvers.MinApprovals {
				return fmt.Errorf("escalation.escalateMinApprovals must be >= approvers.minApprovals")
			}
			if *esc.EscalateMinApprovals > reachable {
				return fmt.Errorf("escalation.escalateMinApprovals %d exceeds %d reachable approvers", *esc.EscalateMinApprovals, reachable)
			}
		}
	}
	if r.ReRequestCooldownSec < 0 {
		return fmt.Errorf("reRequestCooldownSec must be >= 0")
	}
	return nil
}

func (d *Document) timeoutFor(r Rule) int {
	if r.TimeoutSec > 0 {
		return r.TimeoutSec
	}
	if d.Routing.DefaultTimeoutSec > 0 {
		return d.Routing.DefaultTimeoutSec
	}
	return DefaultTimeoutSec
}

// fingerprint hashes the RFC 8785 canonical JSON form of the document so that
// formatting-only edits to the YAML keep the same fingerprint.
func fingerprint(d *Document) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func unionIDs(lists ...[]string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, l := range lists {
		for _, id := range l {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
