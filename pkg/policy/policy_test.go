package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `
version: "1"
routing:
  defaultChannel: "#approvals"
defaults:
  unknownAction: deny
  superApprovers: [root]
actions:
  deploy_prod:
    description: Production deploy
    approvers:
      allowIds: [alice, bob, root]
      minApprovals: 2
    personasRequired: [security]
    timeoutSec: 900
    redactParams:
      mode: denylist
      keys: [token]
    escalation:
      escalateBeforeSec: 300
      escalateMinApprovals: 3
      escalationChannel: "#oncall"
    allowParamOverrides: true
    overrideKeys: [reason]
    allowReRequest: true
    reRequestCooldownSec: 60
  rotate_key:
    approvers:
      allowIds: [carol]
      minApprovals: 1
`

func mustParse(t *testing.T, src string) *Document {
	t.Helper()
	doc, err := Parse([]byte(src))
	require.NoError(t, err)
	return doc
}

func TestEvaluate_KnownAction(t *testing.T) {
	doc := mustParse(t, samplePolicy)

	ev, err := Evaluate("deploy_prod", doc)
	require.NoError(t, err)

	assert.Equal(t, 2, ev.MinApprovals)
	assert.Equal(t, []string{"alice", "bob", "root"}, ev.AllowedApprovers)
	assert.Equal(t, []string{"security"}, ev.RequiredPersonas)
	assert.Equal(t, 900*time.Second, ev.Timeout)
	assert.Equal(t, "#approvals", ev.Channel)
	require.NotNil(t, ev.Escalation)
	assert.Equal(t, 300*time.Second, ev.Escalation.Before)
	assert.Equal(t, 3, ev.Escalation.MinApprovals)
	assert.Equal(t, "#oncall", ev.Escalation.Channel)
	assert.True(t, ev.Overrides.Allow)
	assert.Equal(t, []string{"reason"}, ev.Overrides.Keys)
	assert.True(t, ev.ReRequest.Allow)
	assert.Equal(t, time.Minute, ev.ReRequest.Cooldown)
	assert.Equal(t, doc.Hash, ev.PolicyHash)

	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	at := ev.EscalateAt(created)
	require.NotNil(t, at)
	assert.Equal(t, created.Add(600*time.Second), *at)
}

func TestEvaluate_DefaultTimeoutAndSuperApprovers(t *testing.T) {
	doc := mustParse(t, samplePolicy)

	ev, err := Evaluate("rotate_key", doc)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeoutSec*time.Second, ev.Timeout)
	assert.Equal(t, []string{"carol", "root"}, ev.AllowedApprovers)
	assert.Empty(t, ev.RequiredPersonas)
	assert.Nil(t, ev.Escalation)
	assert.Nil(t, ev.EscalateAt(time.Now()))
}

func TestEvaluate_UnknownAction(t *testing.T) {
	doc := mustParse(t, samplePolicy)
	_, err := Evaluate("drop_database", doc)
	assert.ErrorIs(t, err, ErrDeniedByPolicy)

	doc.Defaults.UnknownAction = UnknownManual
	ev, err := Evaluate("drop_database", doc)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.MinApprovals)
	assert.Equal(t, []string{"root"}, ev.AllowedApprovers)
	assert.True(t, ev.Overrides.Allow)
	assert.Equal(t, []string{"reason", "count"}, ev.Overrides.Keys)

	doc.Defaults.SuperApprovers = nil
	_, err = Evaluate("drop_database", doc)
	assert.ErrorIs(t, err, ErrDeniedByPolicy)
}

func TestParse_RejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		rule string
	}{
		{"zero quorum", `{approvers: {allowIds: [a], minApprovals: 0}}`},
		{"quorum exceeds approvers", `{approvers: {allowIds: [a], minApprovals: 2}}`},
		{"bad redaction mode", `{approvers: {allowIds: [a], minApprovals: 1}, redactParams: {mode: hide}}`},
		{"escalate before zero", `{approvers: {allowIds: [a], minApprovals: 1}, timeoutSec: 60, escalation: {escalateBeforeSec: 0}}`},
		{"escalate after timeout", `{approvers: {allowIds: [a], minApprovals: 1}, timeoutSec: 60, escalation: {escalateBeforeSec: 60}}`},
		{"escalated quorum lower", `{approvers: {allowIds: [a, b], minApprovals: 2}, timeoutSec: 60, escalation: {escalateBeforeSec: 10, escalateMinApprovals: 1}}`},
		{"escalated quorum unreachable", `{approvers: {allowIds: [a], minApprovals: 1}, timeoutSec: 60, escalation: {escalateBeforeSec: 10, escalateMinApprovals: 2}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "actions:\n  act: " + tt.rule + "\n"
			_, err := Parse([]byte(src))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPolicy), "got %v", err)
		})
	}
}

func TestParse_FingerprintIgnoresFormatting(t *testing.T) {
	a := mustParse(t, "actions:\n  x:\n    approvers: {allowIds: [a], minApprovals: 1}\n")
	b := mustParse(t, "# comment\nactions:\n  x:\n    approvers:\n      minApprovals: 1\n      allowIds:\n        - a\n")
	c := mustParse(t, "actions:\n  x:\n    approvers: {allowIds: [a, b], minApprovals: 1}\n")

	assert.Equal(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.Hash, c.Hash)
	assert.Contains(t, a.Hash, "sha256:")
}

func TestRedact(t *testing.T) {
	params := map[string]any{"env": "prod", "token": "s3cret", "count": 3}

	assert.Equal(t, params, Redact(params, Redaction{}))
	assert.Equal(t, map[string]any{"env": "prod", "token": RedactedValue, "count": 3},
		Redact(params, Redaction{Mode: RedactDenylist, Keys: []string{"token"}}))
	assert.Equal(t, map[string]any{"env": "prod", "token": RedactedValue, "count": RedactedValue},
		Redact(params, Redaction{Mode: RedactAllowlist, Keys: []string{"env"}}))
	assert.Equal(t, map[string]any{"env": RedactedValue, "token": RedactedValue, "count": RedactedValue},
		Redact(params, Redaction{Mode: RedactAll}))

	assert.Equal(t, "s3cret", params["token"], "input must not be modified")
}

func TestLoader_ReloadKeepsPreviousOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	loader := NewLoader(path)
	var reloads int
	loader.OnReload(func(*Document) { reloads++ })

	_, err := loader.Evaluate("deploy_prod")
	assert.ErrorIs(t, err, ErrNoPolicy)

	doc, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, reloads)

	require.NoError(t, os.WriteFile(path, []byte("actions:\n  x: {approvers: {minApprovals: 0}}\n"), 0o600))
	require.Error(t, loader.Reload())
	assert.Same(t, doc, loader.Current())
	assert.Equal(t, 1, reloads)

	ev, err := loader.Evaluate("deploy_prod")
	require.NoError(t, err)
	assert.Equal(t, 2, ev.MinApprovals)
}
