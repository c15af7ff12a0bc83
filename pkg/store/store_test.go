package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"redis", func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStore(client, RedisOptions{FlushDelay: 5 * time.Millisecond})
			t.Cleanup(func() {
				_ = s.Close()
				_ = client.Close()
			})
			return s
		}},
	}
}

func newRequest(minApprovals int) *contracts.GuardRequest {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &contracts.GuardRequest{
		Action:             "deploy_prod",
		PayloadHash:        "sha256:abc",
		RedactedParams:     map[string]any{"env": "prod"},
		AllowedApproverIDs: []string{"alice", "bob", "carol"},
		MinApprovals:       minApprovals,
		RequiredPersonas:   []string{},
		PersonaState:       map[string]contracts.PersonaState{},
		CreatedAt:          now,
		ExpiresAt:          now.Add(10 * time.Minute),
		Status:             contracts.StatusReady,
		PolicyHash:         "sha256:policy",
	}
}

func approval(id, actor string) contracts.ApprovalRecord {
	return contracts.ApprovalRecord{
		RequestID: id,
		ActorID:   actor,
		ActorType: contracts.ActorHuman,
		Decision:  contracts.DecisionApproved,
		CreatedAt: time.Now().UTC(),
	}
}

func settle(t *testing.T, w Write) error {
	t.Helper()
	select {
	case <-w.Done():
		return w.Err()
	case <-time.After(2 * time.Second):
		t.Fatal("write did not settle")
		return nil
	}
}

func TestStore_CreateAndLookup(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)

			created, err := s.CreateRequest(ctx, newRequest(1))
			require.NoError(t, err)
			require.NotEmpty(t, created.ID)
			require.NotEmpty(t, created.Token)
			assert.NotEqual(t, created.ID, created.Token)

			byID, err := s.GetByID(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, created.Action, byID.Action)

			byToken, err := s.GetByToken(ctx, created.Token)
			require.NoError(t, err)
			assert.Equal(t, created.ID, byToken.ID)

			_, err = s.GetByID(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetByToken(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ReadsAreDetached(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			created, err := s.CreateRequest(ctx, newRequest(1))
			require.NoError(t, err)

			got, err := s.GetByID(ctx, created.ID)
			require.NoError(t, err)
			got.Status = contracts.StatusApproved
			got.RedactedParams["env"] = "tampered"

			again, err := s.GetByID(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, contracts.StatusReady, again.Status)
			assert.Equal(t, "prod", again.RedactedParams["env"])
		})
	}
}

func TestStore_AddApprovalCountsDistinctActors(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			req, err := s.CreateRequest(ctx, newRequest(2))
			require.NoError(t, err)

			w, err := s.AddApproval(ctx, approval(req.ID, "alice"))
			require.NoError(t, err)

			// Pending writes are visible to reads before they settle.
			view, err := s.GetByID(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, view.ApprovalsCount)
			require.NoError(t, settle(t, w))

			_, err = s.AddApproval(ctx, approval(req.ID, "alice"))
			assert.ErrorIs(t, err, ErrDuplicate)

			w, err = s.AddApproval(ctx, approval(req.ID, "bob"))
			require.NoError(t, err)
			require.NoError(t, settle(t, w))

			got, err := s.GetByID(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, got.ApprovalsCount)

			recs, err := s.ApprovalsFor(ctx, req.ID)
			require.NoError(t, err)
			assert.Len(t, recs, 2)
			assert.Equal(t, 2, CountApproved(recs))

			has, err := s.HasApproval(ctx, req.ID, "bob")
			require.NoError(t, err)
			assert.True(t, has)
			has, err = s.HasApproval(ctx, req.ID, "carol")
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestStore_TransitionGuard(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			req, err := s.CreateRequest(ctx, newRequest(1))
			require.NoError(t, err)

			now := time.Now().UTC()
			got, ok, err := s.Transition(ctx, req.ID, contracts.OpenStatuses, contracts.TerminalPatch(contracts.StatusDenied, now))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, contracts.StatusDenied, got.Status)
			require.NotNil(t, got.DecidedAt)

			// A second terminal transition is refused and leaves the decision intact.
			got, ok, err = s.Transition(ctx, req.ID, contracts.OpenStatuses, contracts.TerminalPatch(contracts.StatusApproved, now.Add(time.Second)))
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, contracts.StatusDenied, got.Status)
			assert.True(t, got.DecidedAt.Equal(now))

			_, err = s.AddApproval(ctx, approval(req.ID, "alice"))
			assert.ErrorIs(t, err, ErrTerminal)

			_, err = s.UpdatePersonaState(ctx, req.ID, "security", contracts.PersonaAck)
			assert.ErrorIs(t, err, ErrTerminal)

			open, err := s.ListOpenRequests(ctx)
			require.NoError(t, err)
			assert.Empty(t, open)
		})
	}
}

func TestStore_UpdateFieldsRespectsInvariants(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			req, err := s.CreateRequest(ctx, newRequest(2))
			require.NoError(t, err)

			got, err := s.UpdateFields(ctx, req.ID, contracts.Patch{
				MinApprovals:    contracts.Ptr(3),
				EscalationFired: contracts.Ptr(true),
			})
			require.NoError(t, err)
			assert.Equal(t, 3, got.MinApprovals)
			assert.True(t, got.EscalationFired)

			got, err = s.UpdateFields(ctx, req.ID, contracts.Patch{
				MinApprovals:    contracts.Ptr(1),
				EscalationFired: contracts.Ptr(false),
			})
			require.NoError(t, err)
			assert.Equal(t, 3, got.MinApprovals, "quorum never shrinks")
			assert.True(t, got.EscalationFired, "escalation latch never resets")
		})
	}
}

func TestStore_PersonaParamsAndChat(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			r := newRequest(1)
			r.RequiredPersonas = []string{"security"}
			r.PersonaState = map[string]contracts.PersonaState{"security": contracts.PersonaPending}
			r.Status = contracts.StatusAwaitingPersonas
			req, err := s.CreateRequest(ctx, r)
			require.NoError(t, err)

			got, err := s.UpdatePersonaState(ctx, req.ID, "security", contracts.PersonaAck)
			require.NoError(t, err)
			assert.Equal(t, contracts.PersonaAck, got.PersonaState["security"])

			got, err = s.UpdateParams(ctx, req.ID, map[string]any{"env": "staging"}, "sha256:new")
			require.NoError(t, err)
			assert.Equal(t, "staging", got.RedactedParams["env"])
			assert.Equal(t, "sha256:new", got.PayloadHash)

			require.NoError(t, s.SetChatMessage(ctx, req.ID, "#approvals", "1700000000.0001"))
			got, err = s.GetByID(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, "1700000000.0001", got.ChatMessageTS)
		})
	}
}

func TestStore_LineageAndDelete(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			first := newRequest(1)
			first.LineageID = "lin-1"
			a, err := s.CreateRequest(ctx, first)
			require.NoError(t, err)
			second := newRequest(1)
			second.LineageID = "lin-1"
			second.CreatedAt = first.CreatedAt.Add(time.Second)
			_, err = s.CreateRequest(ctx, second)
			require.NoError(t, err)
			_, err = s.CreateRequest(ctx, newRequest(1))
			require.NoError(t, err)

			lineage, err := s.ListLineageRequests(ctx, "lin-1")
			require.NoError(t, err)
			require.Len(t, lineage, 2)
			assert.Equal(t, a.ID, lineage[0].ID)

			all, err := s.ListAll(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			require.NoError(t, s.Delete(ctx, a.ID))
			_, err = s.GetByID(ctx, a.ID)
			assert.True(t, errors.Is(err, ErrNotFound))
			_, err = s.GetByToken(ctx, a.Token)
			assert.True(t, errors.Is(err, ErrNotFound))
			lineage, err = s.ListLineageRequests(ctx, "lin-1")
			require.NoError(t, err)
			assert.Len(t, lineage, 1)
		})
	}
}

func TestRedisStore_FlushCoalescesAndPersists(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client, RedisOptions{FlushDelay: time.Hour})
	req, err := s.CreateRequest(ctx, newRequest(1))
	require.NoError(t, err)

	w, err := s.AddApproval(ctx, approval(req.ID, "alice"))
	require.NoError(t, err)
	_, ok, err := s.Transition(ctx, req.ID, []contracts.RequestStatus{contracts.StatusReady},
		contracts.TerminalPatch(contracts.StatusApproved, time.Now().UTC()))
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-w.Done():
		t.Fatal("write settled before flush")
	default:
	}

	// Close drains the queue even though the flush timer has not fired.
	require.NoError(t, s.Close())
	require.NoError(t, settle(t, w))

	fresh := NewRedisStore(client, RedisOptions{})
	got, err := fresh.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, got.Status)
	assert.Equal(t, 1, got.ApprovalsCount)
	require.NotNil(t, got.DecidedAt)

	open, err := fresh.ListOpenRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRedisStore_DurableTerminalRejectsLateApproval(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisStore(client, RedisOptions{FlushDelay: time.Hour})
	b := NewRedisStore(client, RedisOptions{FlushDelay: time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })

	req, err := a.CreateRequest(ctx, newRequest(1))
	require.NoError(t, err)

	w, err := a.AddApproval(ctx, approval(req.ID, "alice"))
	require.NoError(t, err)

	// Another process decides first.
	_, ok, err := b.Transition(ctx, req.ID, contracts.OpenStatuses, contracts.TerminalPatch(contracts.StatusDenied, time.Now().UTC()))
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		got, err := NewRedisStore(client, RedisOptions{}).GetByID(ctx, req.ID)
		return err == nil && got.Status == contracts.StatusDenied
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, settle(t, w), ErrTerminal)

	got, err := NewRedisStore(client, RedisOptions{}).GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDenied, got.Status)
	assert.Equal(t, 0, got.ApprovalsCount)
}

func TestAwait(t *testing.T) {
	ok, err := Await(context.Background(), Resolved(nil), 0)
	assert.True(t, ok)
	assert.NoError(t, err)

	p := newPending()
	ok, err = Await(context.Background(), p, 5*time.Millisecond)
	assert.False(t, ok)
	assert.NoError(t, err)

	go p.settle(ErrDuplicate)
	ok, err = Await(context.Background(), p, time.Second)
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrDuplicate)
}
