package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
)

// MemoryStore is the synchronous in-process backend. Every write is durable
// when the call returns.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]*contracts.GuardRequest
	byToken   map[string]string
	approvals map[string][]contracts.ApprovalRecord
	closed    bool
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]*contracts.GuardRequest),
		byToken:   make(map[string]string),
		approvals: make(map[string][]contracts.ApprovalRecord),
	}
}

func (s *MemoryStore) CreateRequest(_ context.Context, r *contracts.GuardRequest) (*contracts.GuardRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	c := r.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Token == "" {
		c.Token = uuid.NewString()
	}
	s.requests[c.ID] = c
	s.byToken[c.Token] = c.ID
	return c.Clone(), nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*contracts.GuardRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) GetByToken(ctx context.Context, token string) (*contracts.GuardRequest, error) {
	s.mu.RLock()
	id, ok := s.byToken[token]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *MemoryStore) AddApproval(_ context.Context, rec contracts.ApprovalRecord) (Write, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[rec.RequestID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.IsTerminal() {
		return nil, ErrTerminal
	}
	list := s.approvals[rec.RequestID]
	for _, a := range list {
		if a.ActorID == rec.ActorID {
			return nil, ErrDuplicate
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	list = append(list, rec)
	s.approvals[rec.RequestID] = list
	r.ApprovalsCount = CountApproved(list)
	return Resolved(nil), nil
}

func (s *MemoryStore) HasApproval(_ context.Context, requestID, actorID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.approvals[requestID] {
		if a.ActorID == actorID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ApprovalsFor(_ context.Context, requestID string) ([]contracts.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.approvals[requestID]), nil
}

func (s *MemoryStore) ListOpenRequests(_ context.Context) ([]*contracts.GuardRequest, error) {
	return s.list(func(r *contracts.GuardRequest) bool { return !r.IsTerminal() }), nil
}

func (s *MemoryStore) ListLineageRequests(_ context.Context, lineageID string) ([]*contracts.GuardRequest, error) {
	if lineageID == "" {
		return nil, nil
	}
	return s.list(func(r *contracts.GuardRequest) bool { return r.LineageID == lineageID }), nil
}

func (s *MemoryStore) ListAll(_ context.Context) ([]*contracts.GuardRequest, error) {
	return s.list(func(*contracts.GuardRequest) bool { return true }), nil
}

func (s *MemoryStore) list(keep func(*contracts.GuardRequest) bool) []*contracts.GuardRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.GuardRequest
	for _, r := range s.requests {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sortByCreated(out)
	return out
}

func (s *MemoryStore) UpdateFields(_ context.Context, id string, p contracts.Patch) (*contracts.GuardRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.ApplyTo(r)
	return r.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from []contracts.RequestStatus, p contracts.Patch) (*contracts.GuardRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !transitionAllowed(r, from, p) {
		return r.Clone(), false, nil
	}
	p.ApplyTo(r)
	return r.Clone(), true, nil
}

func (s *MemoryStore) UpdatePersonaState(_ context.Context, id, persona string, state contracts.PersonaState) (*contracts.GuardRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.IsTerminal() {
		return r.Clone(), ErrTerminal
	}
	if r.PersonaState == nil {
		r.PersonaState = make(map[string]contracts.PersonaState)
	}
	r.PersonaState[persona] = state
	return r.Clone(), nil
}

func (s *MemoryStore) UpdateParams(_ context.Context, id string, params map[string]any, payloadHash string) (*contracts.GuardRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.IsTerminal() {
		return r.Clone(), ErrTerminal
	}
	r.RedactedParams = contracts.CloneParams(params)
	r.PayloadHash = payloadHash
	r.ParamsRevision++
	return r.Clone(), nil
}

func (s *MemoryStore) SetChatMessage(_ context.Context, id, channel, ts string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.ChatChannel = channel
	r.ChatMessageTS = ts
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byToken, r.Token)
	delete(s.requests, id)
	delete(s.approvals, id)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sortByCreated(rs []*contracts.GuardRequest) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}
