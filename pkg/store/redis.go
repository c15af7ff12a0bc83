package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
)

// RedisOptions tunes the Redis backend.
type RedisOptions struct {
	// Prefix namespaces every key. Defaults to "guard".
	Prefix string
	// FlushDelay is the coalescing window for queued writes. Defaults to 20ms.
	FlushDelay time.Duration
	// MaxRetries bounds optimistic transaction retries per flush. Defaults to 5.
	MaxRetries int
	// FlushTimeout bounds one flush. Defaults to 5s.
	FlushTimeout time.Duration
	Logger       *slog.Logger
}

func (o *RedisOptions) defaults() {
	if o.Prefix == "" {
		o.Prefix = "guard"
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = 20 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "store.redis")
	}
}

// RedisStore is the asynchronous backend. Request documents are JSON strings,
// approvals live in a per-request hash keyed by actor. Lifecycle patches and
// approvals are queued and flushed per request in a single WATCH/MULTI
// transaction; until then an in-process overlay makes them visible to reads.
type RedisStore struct {
	client      redis.UniversalClient
	ownsClient  bool
	opts        RedisOptions
	requestLock keyedMutex

	mu       sync.Mutex
	overlays map[string]*overlay
	closed   bool
	wg       sync.WaitGroup
}

type batch struct {
	patches   []contracts.Patch
	approvals []contracts.ApprovalRecord
	writes    []*pending
}

type overlay struct {
	queued   *batch
	inflight *batch
	timer    *time.Timer
	flushing bool
}

// snapshot is the pending state of one request at a point in time.
type snapshot struct {
	patches   []contracts.Patch
	approvals []contracts.ApprovalRecord
}

// NewRedisStore wraps an existing client. The caller keeps ownership of it.
func NewRedisStore(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	opts.defaults()
	return &RedisStore{
		client:   client,
		opts:     opts,
		overlays: make(map[string]*overlay),
	}
}

// OpenRedisStore dials url (redis://...) and owns the resulting client.
func OpenRedisStore(url string, opts RedisOptions) (*RedisStore, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	s := NewRedisStore(redis.NewClient(o), opts)
	s.ownsClient = true
	return s, nil
}

func (s *RedisStore) key(parts ...string) string {
	k := s.opts.Prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) reqKey(id string) string       { return s.key("req", id) }
func (s *RedisStore) tokenKey(token string) string  { return s.key("token", token) }
func (s *RedisStore) approvalsKey(id string) string { return s.key("approvals", id) }
func (s *RedisStore) lineageKey(lid string) string  { return s.key("lineage", lid) }
func (s *RedisStore) openKey() string               { return s.key("open") }
func (s *RedisStore) allKey() string                { return s.key("all") }

func (s *RedisStore) CreateRequest(ctx context.Context, r *contracts.GuardRequest) (*contracts.GuardRequest, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	c := r.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Token == "" {
		c.Token = uuid.NewString()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("store: encode request: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.reqKey(c.ID), payload, 0)
		pipe.Set(ctx, s.tokenKey(c.Token), c.ID, 0)
		pipe.SAdd(ctx, s.allKey(), c.ID)
		if !c.IsTerminal() {
			pipe.SAdd(ctx, s.openKey(), c.ID)
		}
		if c.LineageID != "" {
			pipe.SAdd(ctx, s.lineageKey(c.LineageID), c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: create request: %w", err)
	}
	return c, nil
}

func (s *RedisStore) GetByID(ctx context.Context, id string) (*contracts.GuardRequest, error) {
	snap := s.snapshot(id)
	doc, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	if err := s.merge(ctx, doc, snap); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *RedisStore) GetByToken(ctx context.Context, token string) (*contracts.GuardRequest, error) {
	id, err := s.client.Get(ctx, s.tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get token: %w", err)
	}
	return s.GetByID(ctx, id)
}

// AddApproval validates against the merged view and queues the record. The
// returned Write settles when the flush that carries it commits.
func (s *RedisStore) AddApproval(ctx context.Context, rec contracts.ApprovalRecord) (Write, error) {
	unlock := s.requestLock.Lock(rec.RequestID)
	defer unlock()

	if s.isClosed() {
		return nil, ErrClosed
	}
	view, err := s.GetByID(ctx, rec.RequestID)
	if err != nil {
		return nil, err
	}
	if view.IsTerminal() {
		return nil, ErrTerminal
	}
	has, err := s.HasApproval(ctx, rec.RequestID, rec.ActorID)
	if err != nil {
		return nil, err
	}
	if has {
		return nil, ErrDuplicate
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	w := newPending()
	s.enqueue(rec.RequestID, func(b *batch) {
		b.approvals = append(b.approvals, rec)
		b.writes = append(b.writes, w)
	})
	return w, nil
}

func (s *RedisStore) HasApproval(ctx context.Context, requestID, actorID string) (bool, error) {
	for _, a := range s.snapshot(requestID).approvals {
		if a.ActorID == actorID {
			return true, nil
		}
	}
	ok, err := s.client.HExists(ctx, s.approvalsKey(requestID), actorID).Result()
	if err != nil {
		return false, fmt.Errorf("store: has approval: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) ApprovalsFor(ctx context.Context, requestID string) ([]contracts.ApprovalRecord, error) {
	snap := s.snapshot(requestID)
	recs, err := s.durableApprovals(ctx, s.client, requestID)
	if err != nil {
		return nil, err
	}
	return mergeApprovals(recs, snap.approvals), nil
}

func (s *RedisStore) ListOpenRequests(ctx context.Context) ([]*contracts.GuardRequest, error) {
	all, err := s.listSet(ctx, s.openKey())
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, r := range all {
		if !r.IsTerminal() {
			open = append(open, r)
		}
	}
	return open, nil
}

func (s *RedisStore) ListLineageRequests(ctx context.Context, lineageID string) ([]*contracts.GuardRequest, error) {
	if lineageID == "" {
		return nil, nil
	}
	return s.listSet(ctx, s.lineageKey(lineageID))
}

func (s *RedisStore) ListAll(ctx context.Context) ([]*contracts.GuardRequest, error) {
	return s.listSet(ctx, s.allKey())
}

func (s *RedisStore) listSet(ctx context.Context, setKey string) ([]*contracts.GuardRequest, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", setKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	snaps := make([]snapshot, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		snaps[i] = s.snapshot(id)
		keys[i] = s.reqKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", setKey, err)
	}
	out := make([]*contracts.GuardRequest, 0, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var doc contracts.GuardRequest
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			s.opts.Logger.Warn("skipping undecodable request", "request_id", ids[i], "error", err)
			continue
		}
		if err := s.merge(ctx, &doc, snaps[i]); err != nil {
			return nil, err
		}
		out = append(out, &doc)
	}
	sortByCreated(out)
	return out, nil
}

// UpdateFields queues p and returns the merged view.
func (s *RedisStore) UpdateFields(ctx context.Context, id string, p contracts.Patch) (*contracts.GuardRequest, error) {
	unlock := s.requestLock.Lock(id)
	defer unlock()

	view, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Empty() {
		return view, nil
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	s.enqueue(id, func(b *batch) { b.patches = append(b.patches, p) })
	p.ApprovalsCount = nil
	p.ApplyTo(view)
	return view, nil
}

// Transition checks the guard against the merged view and queues p. The
// durable write re-applies the terminal guard when it commits.
func (s *RedisStore) Transition(ctx context.Context, id string, from []contracts.RequestStatus, p contracts.Patch) (*contracts.GuardRequest, bool, error) {
	unlock := s.requestLock.Lock(id)
	defer unlock()

	view, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !transitionAllowed(view, from, p) {
		return view, false, nil
	}
	if s.isClosed() {
		return nil, false, ErrClosed
	}
	s.enqueue(id, func(b *batch) { b.patches = append(b.patches, p) })
	p.ApprovalsCount = nil
	p.ApplyTo(view)
	return view, true, nil
}

func (s *RedisStore) UpdatePersonaState(ctx context.Context, id, persona string, state contracts.PersonaState) (*contracts.GuardRequest, error) {
	return s.mutate(ctx, id, func(doc *contracts.GuardRequest) error {
		if doc.PersonaState == nil {
			doc.PersonaState = make(map[string]contracts.PersonaState)
		}
		doc.PersonaState[persona] = state
		return nil
	}, true)
}

func (s *RedisStore) UpdateParams(ctx context.Context, id string, params map[string]any, payloadHash string) (*contracts.GuardRequest, error) {
	return s.mutate(ctx, id, func(doc *contracts.GuardRequest) error {
		doc.RedactedParams = contracts.CloneParams(params)
		doc.PayloadHash = payloadHash
		doc.ParamsRevision++
		return nil
	}, true)
}

func (s *RedisStore) SetChatMessage(ctx context.Context, id, channel, ts string) error {
	_, err := s.mutate(ctx, id, func(doc *contracts.GuardRequest) error {
		doc.ChatChannel = channel
		doc.ChatMessageTS = ts
		return nil
	}, false)
	return err
}

// mutate rewrites non-lifecycle fields synchronously under WATCH. When
// openOnly is set a request that is terminal in the merged view is refused.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*contracts.GuardRequest) error, openOnly bool) (*contracts.GuardRequest, error) {
	unlock := s.requestLock.Lock(id)
	defer unlock()

	if openOnly {
		view, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if view.IsTerminal() {
			return view, ErrTerminal
		}
	}
	key := s.reqKey(id)
	txf := func(tx *redis.Tx) error {
		doc, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}
	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	doc, err := s.load(ctx, s.client, id)
	if err != nil {
		return err
	}
	var dropped *batch
	s.mu.Lock()
	if ov := s.overlays[id]; ov != nil {
		if ov.timer != nil && ov.timer.Stop() {
			ov.timer = nil
			s.wg.Done()
		}
		dropped, ov.queued = ov.queued, nil
		if !ov.flushing {
			delete(s.overlays, id)
		}
	}
	s.mu.Unlock()
	if dropped != nil {
		for _, w := range dropped.writes {
			w.settle(ErrNotFound)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.reqKey(id), s.tokenKey(doc.Token), s.approvalsKey(id))
		pipe.SRem(ctx, s.allKey(), id)
		pipe.SRem(ctx, s.openKey(), id)
		if doc.LineageID != "" {
			pipe.SRem(ctx, s.lineageKey(doc.LineageID), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.client.Ping(ctx).Err()
}

// Close flushes every queued write, then releases the client if owned.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var ids []string
	for id, ov := range s.overlays {
		if ov.timer != nil && ov.timer.Stop() {
			ov.timer = nil
			s.wg.Done()
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.flush(id)
	}
	s.wg.Wait()
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

func (s *RedisStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// enqueue adds work to the request's queued batch and arms the flush timer.
func (s *RedisStore) enqueue(id string, fn func(*batch)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov := s.overlays[id]
	if ov == nil {
		ov = &overlay{}
		s.overlays[id] = ov
	}
	if ov.queued == nil {
		ov.queued = &batch{}
	}
	fn(ov.queued)
	s.scheduleLocked(id, ov)
}

func (s *RedisStore) scheduleLocked(id string, ov *overlay) {
	if ov.timer != nil || ov.flushing {
		return
	}
	s.wg.Add(1)
	ov.timer = time.AfterFunc(s.opts.FlushDelay, func() {
		defer s.wg.Done()
		s.flush(id)
	})
}

// flush commits queued batches for id until none remain. Batches for one
// request are committed strictly in order.
func (s *RedisStore) flush(id string) {
	for {
		s.mu.Lock()
		ov := s.overlays[id]
		if ov == nil {
			s.mu.Unlock()
			return
		}
		ov.timer = nil
		if ov.queued == nil || ov.flushing {
			if ov.queued == nil && !ov.flushing && ov.inflight == nil {
				delete(s.overlays, id)
			}
			s.mu.Unlock()
			return
		}
		b := ov.queued
		ov.queued = nil
		ov.inflight = b
		ov.flushing = true
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.FlushTimeout)
		results, err := s.commit(ctx, id, b)
		cancel()
		for i, w := range b.writes {
			switch {
			case err != nil:
				w.settle(err)
			default:
				w.settle(results[i])
			}
		}
		if err != nil {
			s.opts.Logger.Error("write-behind flush failed", "request_id", id, "approvals", len(b.approvals), "error", err)
		}

		s.mu.Lock()
		ov.inflight = nil
		ov.flushing = false
		if ov.queued == nil {
			delete(s.overlays, id)
			s.mu.Unlock()
			return
		}
		if !s.closed {
			s.scheduleLocked(id, ov)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// commit writes one batch: approvals first, then patches, in a single
// optimistic transaction. It returns one result per queued approval.
func (s *RedisStore) commit(ctx context.Context, id string, b *batch) ([]error, error) {
	reqKey, apKey := s.reqKey(id), s.approvalsKey(id)
	results := make([]error, len(b.approvals))

	txf := func(tx *redis.Tx) error {
		doc, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		recs, err := s.durableApprovals(ctx, tx, id)
		if err != nil {
			return err
		}
		wasTerminal := doc.IsTerminal()
		seen := make(map[string]struct{}, len(recs))
		for _, r := range recs {
			seen[r.ActorID] = struct{}{}
		}
		var fresh []contracts.ApprovalRecord
		for i, a := range b.approvals {
			switch _, dup := seen[a.ActorID]; {
			case wasTerminal:
				results[i] = ErrTerminal
			case dup:
				results[i] = ErrDuplicate
			default:
				results[i] = nil
				seen[a.ActorID] = struct{}{}
				fresh = append(fresh, a)
				recs = append(recs, a)
			}
		}
		if !wasTerminal {
			doc.ApprovalsCount = CountApproved(recs)
		}
		applyPatches(doc, b.patches)
		for _, p := range b.patches {
			if p.Status != nil && p.Status.Terminal() && *p.Status != doc.Status {
				s.opts.Logger.Warn("queued transition not applied, durable state already decided",
					"request_id", id, "wanted", *p.Status, "status", doc.Status)
			}
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, a := range fresh {
				raw, err := json.Marshal(a)
				if err != nil {
					return err
				}
				pipe.HSet(ctx, apKey, a.ActorID, raw)
			}
			pipe.Set(ctx, reqKey, payload, 0)
			if doc.IsTerminal() {
				pipe.SRem(ctx, s.openKey(), id)
			}
			return nil
		})
		return err
	}
	if err := s.watch(ctx, txf, reqKey, apKey); err != nil {
		return nil, err
	}
	return results, nil
}

// watch runs txf under WATCH, retrying on optimistic lock failure.
func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		err = s.client.Watch(ctx, txf, keys...)
		if err == nil || !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
	return fmt.Errorf("store: transaction retries exhausted: %w", err)
}

func (s *RedisStore) snapshot(id string) snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap snapshot
	ov := s.overlays[id]
	if ov == nil {
		return snap
	}
	for _, b := range []*batch{ov.inflight, ov.queued} {
		if b == nil {
			continue
		}
		snap.patches = append(snap.patches, b.patches...)
		snap.approvals = append(snap.approvals, b.approvals...)
	}
	return snap
}

// merge overlays pending state onto a durable document. Patches go
// through ApplyTo, so a durable terminal state is never regressed.
func (s *RedisStore) merge(ctx context.Context, doc *contracts.GuardRequest, snap snapshot) error {
	if len(snap.approvals) > 0 && !doc.IsTerminal() {
		recs, err := s.durableApprovals(ctx, s.client, doc.ID)
		if err != nil {
			return err
		}
		doc.ApprovalsCount = CountApproved(mergeApprovals(recs, snap.approvals))
	}
	applyPatches(doc, snap.patches)
	return nil
}

// applyPatches applies queued patches in order. ApprovalsCount is always
// derived from the approval records, never taken from a patch.
func applyPatches(doc *contracts.GuardRequest, patches []contracts.Patch) {
	for _, p := range patches {
		p.ApprovalsCount = nil
		p.ApplyTo(doc)
	}
}

func (s *RedisStore) load(ctx context.Context, c reader, id string) (*contracts.GuardRequest, error) {
	raw, err := c.Get(ctx, s.reqKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	var doc contracts.GuardRequest
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", id, err)
	}
	return &doc, nil
}

func (s *RedisStore) durableApprovals(ctx context.Context, c reader, id string) ([]contracts.ApprovalRecord, error) {
	m, err := c.HGetAll(ctx, s.approvalsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: approvals %s: %w", id, err)
	}
	out := make([]contracts.ApprovalRecord, 0, len(m))
	for actor, raw := range m {
		var rec contracts.ApprovalRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("store: decode approval %s/%s: %w", id, actor, err)
		}
		out = append(out, rec)
	}
	sortApprovals(out)
	return out, nil
}

// reader is the read surface shared by the client and a WATCH transaction.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// mergeApprovals appends pending records whose actor is not yet durable.
func mergeApprovals(durable, pending []contracts.ApprovalRecord) []contracts.ApprovalRecord {
	seen := make(map[string]struct{}, len(durable))
	for _, r := range durable {
		seen[r.ActorID] = struct{}{}
	}
	out := durable
	for _, r := range pending {
		if _, ok := seen[r.ActorID]; ok {
			continue
		}
		seen[r.ActorID] = struct{}{}
		out = append(out, r)
	}
	sortApprovals(out)
	return out
}

func sortApprovals(recs []contracts.ApprovalRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ActorID < recs[j].ActorID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

// keyedMutex serializes check-then-enqueue sequences per request.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*refMutex)
	}
	l := k.m[key]
	if l == nil {
		l = &refMutex{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
