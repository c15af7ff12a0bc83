package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/guard/pkg/approval"
	"github.com/Mindburn-Labs/helm/guard/pkg/audit"
	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
	"github.com/Mindburn-Labs/helm/guard/pkg/notify"
	"github.com/Mindburn-Labs/helm/guard/pkg/overrides"
	"github.com/Mindburn-Labs/helm/guard/pkg/policy"
	"github.com/Mindburn-Labs/helm/guard/pkg/store"
)

const testPolicy = `
version: "1"
routing:
  defaultChannel: "#approvals"
  defaultTimeoutSec: 600
actions:
  restart_service:
    approvers:
      allowIds: [alice]
      minApprovals: 1
  deploy_prod:
    approvers:
      allowIds: [alice, bob, carol]
      minApprovals: 2
    personasRequired: [security, sre]
    timeoutSec: 900
    redactParams:
      mode: denylist
      keys: [token]
    escalation:
      escalateBeforeSec: 300
      escalateMinApprovals: 3
      escalationChannel: "#oncall"
  scale_service:
    approvers:
      allowIds: [alice, bob]
      minApprovals: 1
    allowParamOverrides: true
    overrideKeys: [replicas, note]
    allowReRequest: true
    reRequestCooldownSec: 60
  resize_cluster:
    approvers:
      allowIds: [alice, bob]
      minApprovals: 2
    allowParamOverrides: true
    overrideKeys: [replicas]
`

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type backend struct {
	name string
	open func(t *testing.T) store.Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) store.Store { return store.NewMemoryStore() }},
		{"redis", openRedis},
	}
}

func openRedis(t *testing.T) store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStore(client, store.RedisOptions{FlushDelay: time.Millisecond})
	t.Cleanup(func() {
		_ = s.Close()
		_ = client.Close()
	})
	return s
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type auditSink struct {
	mu     sync.Mutex
	events []string
}

func (a *auditSink) Record(_ context.Context, _ audit.EventType, action, _ string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, action)
	return nil
}

func (a *auditSink) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	svc   *Service
	st    store.Store
	clock *clock
	audit *auditSink
	hub   *notify.Hub
}

func newFixture(t *testing.T, st store.Store, opts Options) *fixture {
	t.Helper()
	doc, err := policy.Parse([]byte(testPolicy))
	require.NoError(t, err)
	loader := policy.NewLoader("")
	loader.Set(doc)

	c := &clock{now: t0}
	sink := &auditSink{}
	hub := notify.NewHub()
	opts.Policy = loader
	opts.Audit = sink
	opts.Hub = hub
	if opts.WaitPoll == 0 {
		opts.WaitPoll = 10 * time.Millisecond
	}
	engine := approval.NewEngine(st, approval.Options{Audit: sink}).WithClock(c.Now)
	svc := New(st, engine, opts).WithClock(c.Now)
	return &fixture{svc: svc, st: st, clock: c, audit: sink, hub: hub}
}

func TestCreate(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.open(t), Options{})
			ctx := context.Background()

			params := map[string]any{"service": "api", "token": "s3cret"}
			r, err := f.svc.Create(ctx, CreateInput{
				Action: "deploy_prod",
				Params: params,
				Meta:   contracts.Meta{Requester: contracts.Requester{ID: "agent-7", Source: "agent"}},
			})
			require.NoError(t, err)

			assert.NotEmpty(t, r.ID)
			assert.NotEmpty(t, r.Token)
			assert.Equal(t, contracts.StatusAwaitingPersonas, r.Status)
			assert.Equal(t, policy.RedactedValue, r.RedactedParams["token"])
			assert.Equal(t, "api", r.RedactedParams["service"])
			assert.Equal(t, "s3cret", params["token"], "caller params must not be modified")

			hash, err := PayloadHash(params)
			require.NoError(t, err)
			assert.Equal(t, hash, r.PayloadHash)

			assert.Equal(t, t0.Add(900*time.Second), r.ExpiresAt)
			require.NotNil(t, r.EscalateAt)
			assert.Equal(t, t0.Add(600*time.Second), *r.EscalateAt)
			assert.Equal(t, 3, r.EscalateMinApprovals)
			assert.Equal(t, "#oncall", r.EscalationChannel)
			assert.Equal(t, map[string]contracts.PersonaState{
				"security": contracts.PersonaPending,
				"sre":      contracts.PersonaPending,
			}, r.PersonaState)
			assert.True(t, f.audit.has("request_created"))

			plain, err := f.svc.Create(ctx, CreateInput{Action: "restart_service"})
			require.NoError(t, err)
			assert.Equal(t, contracts.StatusReady, plain.Status)
			assert.Equal(t, "#approvals", plain.ChatChannel)
			assert.Equal(t, t0.Add(600*time.Second), plain.ExpiresAt)
			assert.Nil(t, plain.EscalateAt)
		})
	}
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), Options{})
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{Action: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Create(ctx, CreateInput{Action: "drop_database"})
	assert.ErrorIs(t, err, policy.ErrDeniedByPolicy)

	empty := New(store.NewMemoryStore(), approval.NewEngine(store.NewMemoryStore(), approval.Options{}), Options{})
	_, err = empty.Create(ctx, CreateInput{Action: "restart_service"})
	assert.ErrorIs(t, err, policy.ErrNoPolicy)
}

func TestApproveAndDeny(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.open(t), Options{})
			ctx := context.Background()

			r, err := f.svc.Create(ctx, CreateInput{Action: "restart_service"})
			require.NoError(t, err)

			res, err := f.svc.Approve(ctx, r.ID, "mallory")
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.Equal(t, approval.ReasonNotAuthorized, res.Reason)

			res, err = f.svc.Approve(ctx, r.ID, "alice")
			require.NoError(t, err)
			assert.True(t, res.OK)
			assert.Equal(t, contracts.StatusApproved, res.Request.Status)

			res, err = f.svc.Deny(ctx, r.ID, "alice")
			require.NoError(t, err)
			assert.True(t, res.Terminal)

			_, err = f.svc.Approve(ctx, "missing", "alice")
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestAckPersona(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.open(t), Options{})
			ctx := context.Background()

			r, err := f.svc.Create(ctx, CreateInput{Action: "deploy_prod"})
			require.NoError(t, err)

			res, err := f.svc.Approve(ctx, r.ID, "alice")
			require.NoError(t, err)
			assert.Equal(t, approval.ReasonNotReady, res.Reason)

			_, err = f.svc.AckPersona(ctx, r.ID, "legal", "alice", contracts.PersonaAck)
			assert.ErrorIs(t, err, ErrUnknownPersona)
			_, err = f.svc.AckPersona(ctx, r.ID, "security", "alice", contracts.PersonaPending)
			assert.ErrorIs(t, err, ErrInvalidInput)

			got, err := f.svc.AckPersona(ctx, r.ID, "security", "dana", contracts.PersonaAck)
			require.NoError(t, err)
			assert.Equal(t, contracts.StatusAwaitingPersonas, got.Status)

			got, err = f.svc.AckPersona(ctx, r.ID, "sre", "erin", contracts.PersonaAck)
			require.NoError(t, err)
			assert.Equal(t, contracts.StatusReady, got.Status)
			assert.True(t, f.audit.has("request_ready"))

			// A repeated signal is a no-op.
			got, err = f.svc.AckPersona(ctx, r.ID, "sre", "erin", contracts.PersonaRejected)
			require.NoError(t, err)
			assert.Equal(t, contracts.PersonaAck, got.PersonaState["sre"])
			assert.Equal(t, contracts.StatusReady, got.Status)
		})
	}
}

func TestAckPersona_RejectionDenies(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.open(t), Options{})
			ctx := context.Background()

			r, err := f.svc.Create(ctx, CreateInput{Action: "deploy_prod"})
			require.NoError(t, err)

			got, err := f.svc.AckPersona(ctx, r.ID, "security", "dana", contracts.PersonaRejected)
			require.NoError(t, err)
			assert.Equal(t, contracts.StatusDenied, got.Status)
			require.NotNil(t, got.DecidedAt)
			assert.True(t, f.audit.has("request_denied"))

			_, err = f.svc.AckPersona(ctx, r.ID, "sre", "erin", contracts.PersonaAck)
			assert.ErrorIs(t, err, store.ErrTerminal)
		})
	}
}

func TestReRequest(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.open(t), Options{ReRequestMaxPerDay: 2})
			ctx := context.Background()

			orig, err := f.svc.Create(ctx, CreateInput{Action: "scale_service", Params: map[string]any{"replicas": 3}})
			require.NoError(t, err)
			_, err = f.svc.Deny(ctx, orig.ID, "alice")
			require.NoError(t, err)

			_, err = f.svc.ReRequest(ctx, orig.ID, "agent-7")
			assert.ErrorIs(t, err, ErrCooldown)

			f.clock.Advance(61 * time.Second)
			first, err := f.svc.ReRequest(ctx, orig.ID, "agent-7")
			require.NoError(t, err)
			assert.Equal(t, orig.ID, first.LineageID)
			assert.NotEqual(t, orig.ID, first.ID)
			assert.Equal(t, orig.PayloadHash, first.PayloadHash)
			assert.Equal(t, contracts.StatusReady, first.Status)

			// Cooldown counts from the newest lineage member.
			f.clock.Advance(30 * time.Second)
			_, err = f.svc.ReRequest(ctx, first.ID, "agent-7")
			assert.ErrorIs(t, err, ErrCooldown)

			f.clock.Advance(31 * time.Second)
			second, err := f.svc.ReRequest(ctx, first.ID, "agent-7")
			require.NoError(t, err)
			assert.Equal(t, orig.ID, second.LineageID)

			f.clock.Advance(time.Hour)
			_, err = f.svc.ReRequest(ctx, orig.ID, "agent-7")
			assert.ErrorIs(t, err, ErrReRequestLimit)
			assert.True(t, f.audit.has("rerequest_rejected"))

			// The window rolls.
			f.clock.Advance(24 * time.Hour)
			_, err = f.svc.ReRequest(ctx, orig.ID, "agent-7")
			assert.NoError(t, err)
		})
	}
}

func TestReRequest_NotAllowed(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), Options{})
	ctx := context.Background()

	r, err := f.svc.Create(ctx, CreateInput{Action: "restart_service"})
	require.NoError(t, err)
	_, err = f.svc.ReRequest(ctx, r.ID, "agent-7")
	assert.ErrorIs(t, err, ErrReRequestNotAllowed)

	_, err = f.svc.ReRequest(ctx, "", "agent-7")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestApplyOverrides(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.open(t), Options{})
			ctx := context.Background()

			r, err := f.svc.Create(ctx, CreateInput{Action: "scale_service", Params: map[string]any{"replicas": 3, "zone": "eu"}})
			require.NoError(t, err)

			res, diff, err := f.svc.ApplyOverrides(ctx, r.ID, "alice", map[string]any{"replicas": "5"})
			require.NoError(t, err)
			assert.True(t, res.OK)
			assert.Equal(t, []string{"replicas"}, diff.Keys())
			require.NotNil(t, res.Request)
			assert.Equal(t, contracts.StatusApproved, res.Request.Status)
			assert.Equal(t, float64(5), res.Request.RedactedParams["replicas"])
			assert.Equal(t, "eu", res.Request.RedactedParams["zone"])
			assert.NotEqual(t, r.PayloadHash, res.Request.PayloadHash)
			assert.True(t, f.audit.has("override_applied"))

			view, err := f.svc.Status(ctx, r.Token)
			require.NoError(t, err)
			assert.Equal(t, float64(5), view.DecisionParams["replicas"])
			assert.Equal(t, []string{"alice"}, view.Approvers)
		})
	}
}

func TestApplyOverrides_Rejected(t *testing.T) {
	dir := t.TempDir()
	schema := `{"type":"object","properties":{"replicas":{"type":"integer","minimum":1,"maximum":10}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scale_service.json"), []byte(schema), 0o600))

	f := newFixture(t, store.NewMemoryStore(), Options{Overrides: overrides.NewValidator(dir, overrides.Limits{MaxChars: 40})})
	ctx := context.Background()

	r, err := f.svc.Create(ctx, CreateInput{Action: "scale_service", Params: map[string]any{"replicas": 3}})
	require.NoError(t, err)

	cases := []struct {
		name      string
		submitted map[string]any
		want      error
	}{
		{"unchanged", map[string]any{"replicas": 3}, overrides.ErrNoChanges},
		{"key not allowed", map[string]any{"zone": "us"}, overrides.ErrKeyNotAllowed},
		{"schema", map[string]any{"replicas": 50}, overrides.ErrSchema},
		{"too large", map[string]any{"note": "this note is far longer than the configured limit"}, overrides.ErrTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, _, err := f.svc.ApplyOverrides(ctx, r.ID, "alice", tc.submitted)
			assert.ErrorIs(t, err, tc.want)
			assert.False(t, res.OK)
		})
	}

	res, _, err := f.svc.ApplyOverrides(ctx, r.ID, "mallory", map[string]any{"replicas": 4})
	require.NoError(t, err)
	assert.Equal(t, approval.ReasonNotAuthorized, res.Reason)
	assert.True(t, f.audit.has("unauthorized_override_attempt"))

	got, err := f.st.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusReady, got.Status)
	assert.Equal(t, r.PayloadHash, got.PayloadHash)

	plain, err := f.svc.Create(ctx, CreateInput{Action: "restart_service", Params: map[string]any{"replicas": 3}})
	require.NoError(t, err)
	_, _, err = f.svc.ApplyOverrides(ctx, plain.ID, "alice", map[string]any{"replicas": 4})
	assert.ErrorIs(t, err, overrides.ErrDisabled)
}

func TestApplyOverrides_DuplicateApprover(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.open(t), Options{})
			ctx := context.Background()

			r, err := f.svc.Create(ctx, CreateInput{Action: "resize_cluster", Params: map[string]any{"replicas": 3}})
			require.NoError(t, err)
			res, err := f.svc.Approve(ctx, r.ID, "alice")
			require.NoError(t, err)
			require.True(t, res.OK)

			res, _, err = f.svc.ApplyOverrides(ctx, r.ID, "alice", map[string]any{"replicas": 99})
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.Equal(t, approval.ReasonDuplicate, res.Reason)
			assert.False(t, f.audit.has("override_applied"))
			assert.True(t, f.audit.has("override_rejected"))

			got, err := f.st.GetByID(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, contracts.StatusReady, got.Status)
			assert.Equal(t, r.PayloadHash, got.PayloadHash)
			assert.EqualValues(t, 3, got.RedactedParams["replicas"])
			assert.Zero(t, got.ParamsRevision)
			assert.Equal(t, 1, got.ApprovalsCount)
		})
	}
}

func TestWait(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.open(t), Options{WaitPoll: time.Hour})
			ctx := context.Background()

			r, err := f.svc.Create(ctx, CreateInput{Action: "restart_service", Params: map[string]any{"service": "api"}})
			require.NoError(t, err)

			done := make(chan *contracts.WaitResponse, 1)
			go func() {
				resp, err := f.svc.Wait(ctx, r.Token)
				assert.NoError(t, err)
				done <- resp
			}()

			require.Eventually(t, func() bool { return f.hub.Subscribers(r.ID) > 0 }, time.Second, 5*time.Millisecond)
			_, err = f.svc.Approve(ctx, r.ID, "alice")
			require.NoError(t, err)

			select {
			case resp := <-done:
				assert.Equal(t, contracts.StatusApproved, resp.Status)
				assert.Equal(t, []string{"alice"}, resp.Approvers)
				assert.Equal(t, "api", resp.DecisionParams["service"])
				require.NotNil(t, resp.DecidedAt)
			case <-time.After(2 * time.Second):
				t.Fatal("wait did not return after approval")
			}
			assert.Zero(t, f.hub.Subscribers(r.ID))
		})
	}
}

func TestWait_Timeout(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), Options{})
	r, err := f.svc.Create(context.Background(), CreateInput{Action: "restart_service"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	resp, err := f.svc.Wait(ctx, r.Token)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, resp)
	assert.Equal(t, contracts.StatusReady, resp.Status)
	assert.Nil(t, resp.DecisionParams)

	_, err = f.svc.Wait(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPayloadHash_Canonical(t *testing.T) {
	a, err := PayloadHash(map[string]any{"b": 1, "a": []any{"x", 2.5}})
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"a":["x",2.5],"b":1}`), &decoded))
	b, err := PayloadHash(decoded)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, a)
}
