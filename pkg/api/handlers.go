package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/helm/guard/pkg/approval"
	"github.com/Mindburn-Labs/helm/guard/pkg/audit"
	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
	"github.com/Mindburn-Labs/helm/guard/pkg/lifecycle"
	"github.com/Mindburn-Labs/helm/guard/pkg/overrides"
	"github.com/Mindburn-Labs/helm/guard/pkg/policy"
	"github.com/Mindburn-Labs/helm/guard/pkg/store"
)

// CreateResponse is returned for new requests and re-requests.
type CreateResponse struct {
	Token     string                  `json:"token"`
	RequestID string                  `json:"requestId"`
	LineageID string                  `json:"lineageId,omitempty"`
	Status    contracts.RequestStatus `json:"status"`
	ExpiresAt time.Time               `json:"expiresAt"`
	Policy    PolicySummary           `json:"policy"`
}

// PolicySummary echoes the policy applied to a new request.
type PolicySummary struct {
	MinApprovals     int      `json:"minApprovals"`
	RequiredPersonas []string `json:"requiredPersonas"`
	TimeoutSec       int      `json:"timeoutSec"`
}

// DecisionResponse reports the outcome of an approve, deny or override call.
type DecisionResponse struct {
	OK       bool                    `json:"ok"`
	Terminal bool                    `json:"terminal"`
	Reason   approval.Reason         `json:"reason,omitempty"`
	Message  string                  `json:"message,omitempty"`
	Status   contracts.RequestStatus `json:"status,omitempty"`
	Changed  []string                `json:"changed,omitempty"`
}

type actorBody struct {
	Actor string `json:"actor"`
}

func newCreateResponse(r *contracts.GuardRequest) CreateResponse {
	return CreateResponse{
		Token:     r.Token,
		RequestID: r.ID,
		LineageID: r.LineageID,
		Status:    r.Status,
		ExpiresAt: r.ExpiresAt,
		Policy: PolicySummary{
			MinApprovals:     r.MinApprovals,
			RequiredPersonas: r.RequiredPersonas,
			TimeoutSec:       int(r.ExpiresAt.Sub(r.CreatedAt) / time.Second),
		},
	}
}

func newDecisionResponse(res approval.Result) DecisionResponse {
	out := DecisionResponse{OK: res.OK, Terminal: res.Terminal, Reason: res.Reason}
	if !res.OK && res.Reason != "" {
		out.Message = approval.Message(res.Reason)
	}
	if res.Request != nil {
		out.Status = res.Request.Status
	}
	return out
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.CreateInput
	if !decode(w, r, &in) {
		return
	}
	req, err := s.opts.Service.Create(r.Context(), in)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCreateResponse(req))
}

func (s *Server) reRequest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		OriginalRequestID string `json:"originalRequestId"`
		Actor             string `json:"actor"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.OriginalRequestID == "" || in.Actor == "" {
		WriteBadRequest(w, r, "missing_fields", "originalRequestId and actor are required")
		return
	}
	req, err := s.opts.Service.ReRequest(r.Context(), in.OriginalRequestID, in.Actor)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCreateResponse(req))
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.opts.Service.Approve)
}

func (s *Server) deny(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.opts.Service.Deny)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) (approval.Result, error)) {
	var in actorBody
	if !decode(w, r, &in) {
		return
	}
	if in.Actor == "" {
		WriteBadRequest(w, r, "missing_fields", "actor is required")
		return
	}
	res, err := fn(r.Context(), chi.URLParam(r, "id"), in.Actor)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDecisionResponse(res))
}

func (s *Server) persona(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Actor string                 `json:"actor"`
		State contracts.PersonaState `json:"state"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Actor == "" {
		WriteBadRequest(w, r, "missing_fields", "actor is required")
		return
	}
	if in.State == "" {
		in.State = contracts.PersonaAck
	}
	req, err := s.opts.Service.AckPersona(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "persona"), in.Actor, in.State)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       req.Status,
		"personaState": req.PersonaState,
	})
}

func (s *Server) applyOverrides(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Actor  string         `json:"actor"`
		Params map[string]any `json:"params"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Actor == "" || len(in.Params) == 0 {
		WriteBadRequest(w, r, "missing_fields", "actor and params are required")
		return
	}
	res, diff, err := s.opts.Service.ApplyOverrides(r.Context(), chi.URLParam(r, "id"), in.Actor, in.Params)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	out := newDecisionResponse(res)
	out.Changed = diff.Keys()
	writeJSON(w, http.StatusOK, out)
}

// schema returns the override schema for an action, reduced to its type and
// properties.
func (s *Server) schema(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	raw, ok := s.opts.Overrides.Schema(action)
	if !ok {
		WriteNotFound(w, r, "no override schema for action")
		return
	}
	var doc struct {
		Type       any                       `json:"type"`
		Properties map[string]map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		WriteInternal(w, r, err)
		return
	}
	for _, p := range doc.Properties {
		delete(p, "errorMessage")
	}
	if doc.Properties == nil {
		doc.Properties = map[string]map[string]any{}
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) reloadPolicy(w http.ResponseWriter, r *http.Request) {
	if s.opts.AdminToken == "" {
		WriteNotFound(w, r, "admin endpoint disabled")
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Admin-Token")), []byte(s.opts.AdminToken)) != 1 {
		_ = s.opts.Audit.Record(r.Context(), audit.EventAccess, "admin_unauthorized", "policy", map[string]any{"ip": clientIP(r)})
		WriteError(w, r, http.StatusUnauthorized, "unauthorized", "invalid admin token")
		return
	}
	if s.opts.Policy == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "no_policy", "policy loader not configured")
		return
	}
	if err := s.opts.Policy.Reload(); err != nil {
		s.opts.Recorder.PolicyReload(false)
		_ = s.opts.Audit.Record(r.Context(), audit.EventPolicy, "policy_reload_failed", "policy",
			map[string]any{"source": "api", "error": err.Error()})
		WriteError(w, r, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}
	s.opts.Overrides.Reset()
	doc := s.opts.Policy.Current()
	s.opts.Recorder.PolicyReload(true)
	_ = s.opts.Audit.Record(r.Context(), audit.EventPolicy, "policy_reloaded", "policy",
		map[string]any{"source": "api", "actions": len(doc.Actions), "hash": doc.Hash})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "actions": len(doc.Actions), "hash": doc.Hash})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	policyOK := s.opts.Policy != nil && s.opts.Policy.Current() != nil
	ctx, cancel := context.WithTimeout(r.Context(), DefaultReadyTimeout)
	defer cancel()
	storeErr := s.opts.Service.Store().Ping(ctx)

	body := map[string]string{"status": "ok", "policy": "loaded", "store": "ok", "backend": s.opts.Backend}
	if !policyOK {
		body["policy"] = "missing"
	}
	if storeErr != nil {
		body["store"] = "error"
	}
	status := http.StatusOK
	if !policyOK || storeErr != nil {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// writeLifecycleError maps lifecycle, policy, store and override errors to
// problem responses.
func (s *Server) writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidInput):
		WriteBadRequest(w, r, "invalid_payload", err.Error())
	case errors.Is(err, policy.ErrDeniedByPolicy):
		WriteError(w, r, http.StatusForbidden, "policy_denied", "action is not permitted by policy")
	case errors.Is(err, policy.ErrNoPolicy):
		WriteError(w, r, http.StatusServiceUnavailable, "no_policy", "no policy loaded")
	case errors.Is(err, lifecycle.ErrReRequestNotAllowed):
		WriteError(w, r, http.StatusForbidden, "not_allowed", err.Error())
	case errors.Is(err, lifecycle.ErrCooldown):
		WriteTooManyRequests(w, r, "cooldown", time.Second)
	case errors.Is(err, lifecycle.ErrReRequestLimit):
		WriteTooManyRequests(w, r, "rate_limited", time.Hour)
	case errors.Is(err, lifecycle.ErrUnknownPersona):
		WriteBadRequest(w, r, "unknown_persona", err.Error())
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, r, "request not found")
	case errors.Is(err, store.ErrTerminal):
		WriteError(w, r, http.StatusConflict, "terminal", approval.Message(approval.ReasonTerminal))
	case isOverrideError(err):
		WriteError(w, r, http.StatusUnprocessableEntity, overrides.Reason(err), err.Error())
	default:
		WriteInternal(w, r, err)
	}
}

func isOverrideError(err error) bool {
	for _, e := range []error{overrides.ErrDisabled, overrides.ErrNoChanges, overrides.ErrKeyNotAllowed,
		overrides.ErrTooManyKeys, overrides.ErrTooLarge, overrides.ErrSchema} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
