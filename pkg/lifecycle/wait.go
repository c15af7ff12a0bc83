package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
	"github.com/Mindburn-Labs/helm/guard/pkg/notify"
	"github.com/Mindburn-Labs/helm/guard/pkg/store"
)

// Status returns the wait view of the request holding token.
func (s *Service) Status(ctx context.Context, token string) (*contracts.WaitResponse, error) {
	r, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, r)
}

// Wait blocks until the request holding token is decided or ctx is done. On
// cancellation it returns the latest view together with the context error.
func (s *Service) Wait(ctx context.Context, token string) (*contracts.WaitResponse, error) {
	r, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if r.IsTerminal() {
		return s.view(ctx, r)
	}

	var signals chan notify.Message
	if s.opts.Hub != nil {
		signals = s.opts.Hub.Subscribe(r.ID, 4)
		defer s.opts.Hub.Unsubscribe(r.ID, signals)
	}
	poll := time.NewTicker(s.opts.WaitPoll)
	defer poll.Stop()

	for {
		// Re-read after subscribing so a decision in between is not missed.
		if fresh, err := s.store.GetByID(ctx, r.ID); err == nil {
			r = fresh
		} else if errors.Is(err, store.ErrNotFound) {
			return &contracts.WaitResponse{Status: contracts.StatusExpired, Reason: "not_found"}, nil
		}
		if r.IsTerminal() {
			return s.view(ctx, r)
		}
		select {
		case <-ctx.Done():
			v, _ := s.view(context.WithoutCancel(ctx), r)
			return v, ctx.Err()
		case <-signals:
		case <-poll.C:
		}
	}
}

// view builds the wait response for r. Approvers are the actors holding an
// approved record; decision params are set once the request is approved.
func (s *Service) view(ctx context.Context, r *contracts.GuardRequest) (*contracts.WaitResponse, error) {
	resp := &contracts.WaitResponse{Status: r.Status, DecidedAt: r.DecidedAt}
	recs, err := s.store.ApprovalsFor(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Decision == contracts.DecisionApproved {
			resp.Approvers = append(resp.Approvers, rec.ActorID)
		}
	}
	if r.Status == contracts.StatusApproved {
		resp.DecisionParams = contracts.CloneParams(r.RedactedParams)
	}
	return resp, nil
}
