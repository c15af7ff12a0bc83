package lifecycle

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm/guard/pkg/approval"
	"github.com/Mindburn-Labs/helm/guard/pkg/audit"
	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
	"github.com/Mindburn-Labs/helm/guard/pkg/notify"
	"github.com/Mindburn-Labs/helm/guard/pkg/overrides"
	"github.com/Mindburn-Labs/helm/guard/pkg/store"
)

// Approve records actor's approval on request id. The error is non-nil only
// when the request cannot be found; every other outcome is in the Result.
func (s *Service) Approve(ctx context.Context, id, actor string) (approval.Result, error) {
	req, err := s.store.GetByID(ctx, id)
	if err != nil {
		return approval.Result{}, err
	}
	res := s.engine.ApplyApproval(ctx, req, actor)
	s.after(ctx, id, res)
	return res, nil
}

// Deny denies request id on behalf of actor.
func (s *Service) Deny(ctx context.Context, id, actor string) (approval.Result, error) {
	req, err := s.store.GetByID(ctx, id)
	if err != nil {
		return approval.Result{}, err
	}
	res := s.engine.ApplyDeny(ctx, req, actor)
	s.after(ctx, id, res)
	return res, nil
}

func (s *Service) after(ctx context.Context, id string, res approval.Result) {
	if !res.OK || res.Request == nil {
		return
	}
	s.notifier.Notify(ctx, id, notify.EventFor(res.Request))
}

// AckPersona moves persona on request id to state on behalf of actor. Once
// every required persona has acknowledged, the request opens for approval. A
// rejection denies the request.
func (s *Service) AckPersona(ctx context.Context, id, persona, actor string, state contracts.PersonaState) (*contracts.GuardRequest, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.persona", trace.WithAttributes(
		attribute.String("guard.request_id", id), attribute.String("guard.persona", persona)))
	defer span.End()

	if state != contracts.PersonaAck && state != contracts.PersonaRejected {
		return nil, fmt.Errorf("%w: persona state %q", ErrInvalidInput, state)
	}
	unlock := s.engine.Locks().Lock(id)
	defer unlock()

	r, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(r.RequiredPersonas, persona) {
		return r, ErrUnknownPersona
	}
	if r.IsTerminal() {
		return r, store.ErrTerminal
	}
	if r.PersonaState[persona] != contracts.PersonaPending {
		return r, nil
	}

	r, err = s.store.UpdatePersonaState(ctx, id, persona, state)
	if err != nil {
		return r, err
	}
	actx := audit.WithActor(ctx, actor)
	s.recorder.PersonaSignal(r.Action, persona, state)
	s.record(actx, audit.EventMutation, "persona_"+string(state), r, map[string]any{"persona": persona})

	now := s.clock().UTC()
	switch {
	case state == contracts.PersonaRejected:
		view, moved, err := s.store.Transition(ctx, id, contracts.OpenStatuses, contracts.TerminalPatch(contracts.StatusDenied, now))
		if err != nil {
			return r, err
		}
		r = view
		if moved {
			s.recorder.Decision(r.Action, contracts.StatusDenied, now.Sub(r.CreatedAt))
			s.record(actx, audit.EventMutation, "request_denied", r, map[string]any{"persona": persona})
		}
	case r.Status == contracts.StatusAwaitingPersonas && r.AllPersonasAcked():
		ready := contracts.StatusReady
		view, moved, err := s.store.Transition(ctx, id, []contracts.RequestStatus{contracts.StatusAwaitingPersonas}, contracts.Patch{Status: &ready})
		if err != nil {
			return r, err
		}
		r = view
		if moved {
			s.record(actx, audit.EventMutation, "request_ready", r, nil)
		}
	}
	s.notifier.Notify(ctx, id, notify.EventFor(r))
	return r, nil
}

// ApplyOverrides edits the displayed parameters of request id and records the
// edit as actor's approval. Validation failures are returned as errors
// wrapping the overrides sentinels; approval outcomes are in the Result.
func (s *Service) ApplyOverrides(ctx context.Context, id, actor string, submitted map[string]any) (approval.Result, overrides.Diff, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.overrides", trace.WithAttributes(attribute.String("guard.request_id", id)))
	defer span.End()

	r, err := s.store.GetByID(ctx, id)
	if err != nil {
		return approval.Result{}, nil, err
	}
	actx := audit.WithActor(ctx, actor)
	if !r.IsAllowedApprover(actor) {
		s.record(actx, audit.EventAccess, "unauthorized_override_attempt", r, nil)
		return approval.Result{Reason: approval.ReasonNotAuthorized, Request: r}, nil, nil
	}
	if r.IsTerminal() {
		return approval.Result{Terminal: true, Reason: approval.ReasonTerminal, Request: r}, nil, nil
	}
	if r.Status != contracts.StatusReady {
		return approval.Result{Reason: approval.ReasonNotReady, Request: r}, nil, nil
	}

	diff, err := s.validateOverrides(r, submitted)
	if err != nil {
		reason := overrides.Reason(err)
		s.recorder.Override(r.Action, "rejected", reason)
		s.record(actx, audit.EventPolicy, "override_rejected", r, map[string]any{"reason": reason, "error": err.Error()})
		return approval.Result{Request: r}, nil, err
	}

	edited := r.Clone()
	if edited.RedactedParams == nil {
		edited.RedactedParams = map[string]any{}
	}
	maps.Copy(edited.RedactedParams, diff.Values())
	if edited.PayloadHash, err = PayloadHash(edited.RedactedParams); err != nil {
		return approval.Result{Request: r}, nil, fmt.Errorf("%w: params: %v", ErrInvalidInput, err)
	}

	// The engine adopts the edited parameters under the request lock before
	// recording the approval.
	res := s.engine.ApplyOverrideApproval(ctx, edited, actor, diff.Values())
	switch {
	case !res.OK:
		s.recorder.Override(r.Action, "rejected", string(res.Reason))
		s.record(actx, audit.EventPolicy, "override_rejected", r, map[string]any{"reason": string(res.Reason)})
	case res.Request == nil || res.Request.PayloadHash != edited.PayloadHash:
		// Lost to a concurrent edit.
		s.recorder.Override(r.Action, "rejected", "conflict")
	default:
		s.recorder.Override(r.Action, "applied", "")
		s.record(actx, audit.EventMutation, "override_applied", r, map[string]any{"keys": diff.Keys(), "diff": diff})
		s.notifier.Notify(ctx, id, notify.EventUpdated)
	}
	s.after(ctx, id, res)
	return res, diff, nil
}

func (s *Service) validateOverrides(r *contracts.GuardRequest, submitted map[string]any) (overrides.Diff, error) {
	if !r.AllowParamOverrides || len(r.OverrideKeys) == 0 {
		return nil, overrides.ErrDisabled
	}
	diff, err := overrides.Compute(r.RedactedParams, submitted, r.OverrideKeys)
	if err != nil {
		return nil, err
	}
	if err := s.opts.Overrides.Validate(r.Action, diff); err != nil {
		return nil, err
	}
	return diff, nil
}
