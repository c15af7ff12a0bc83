// Package lifecycle orchestrates guard requests for the transport layer:
// creation from policy, re-requests, approvals, persona acknowledgements,
// parameter overrides and waiting for a decision.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm/guard/pkg/approval"
	"github.com/Mindburn-Labs/helm/guard/pkg/audit"
	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
	"github.com/Mindburn-Labs/helm/guard/pkg/notify"
	"github.com/Mindburn-Labs/helm/guard/pkg/overrides"
	"github.com/Mindburn-Labs/helm/guard/pkg/policy"
	"github.com/Mindburn-Labs/helm/guard/pkg/store"
)

var (
	ErrInvalidInput        = errors.New("lifecycle: invalid input")
	ErrReRequestNotAllowed = errors.New("lifecycle: re-request not allowed by policy")
	ErrCooldown            = errors.New("lifecycle: re-request cooldown active")
	ErrReRequestLimit      = errors.New("lifecycle: re-request daily limit reached")
	ErrUnknownPersona      = errors.New("lifecycle: persona not required by request")
)

// DefaultReRequestMaxPerDay is how many re-requests a lineage may add in a
// rolling 24 hours.
const DefaultReRequestMaxPerDay = 5

// PolicySource evaluates the current policy for an action. *policy.Loader
// satisfies it.
type PolicySource interface {
	Evaluate(action string) (*policy.Evaluation, error)
}

// CreateInput is what an agent submits to ask for sign-off.
type CreateInput struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Meta   contracts.Meta `json:"meta"`
}

// Options configures a Service.
type Options struct {
	Policy    PolicySource
	Overrides *overrides.Validator
	Notifier  notify.Notifier
	Hub       *notify.Hub
	Recorder  approval.Recorder
	Audit     audit.Logger
	Logger    *slog.Logger

	ReRequestMaxPerDay int
	// WaitPoll bounds how long Wait sleeps between store reads when no hub
	// signal arrives. Default 1s.
	WaitPoll time.Duration
}

// Service is the lifecycle orchestrator.
type Service struct {
	store    store.Store
	engine   *approval.Engine
	opts     Options
	clock    func() time.Time
	tracer   trace.Tracer
	log      *slog.Logger
	recorder approval.Recorder
	audit    audit.Logger
	notifier notify.Notifier
}

// New creates a service. The engine must be built over the same store.
func New(st store.Store, engine *approval.Engine, opts Options) *Service {
	if opts.ReRequestMaxPerDay <= 0 {
		opts.ReRequestMaxPerDay = DefaultReRequestMaxPerDay
	}
	if opts.WaitPoll <= 0 {
		opts.WaitPoll = time.Second
	}
	if opts.Overrides == nil {
		opts.Overrides = overrides.NewValidator("", overrides.Limits{})
	}
	s := &Service{
		store:    st,
		engine:   engine,
		opts:     opts,
		clock:    time.Now,
		tracer:   otel.Tracer("guard/lifecycle"),
		log:      opts.Logger,
		recorder: opts.Recorder,
		audit:    opts.Audit,
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "lifecycle")
	}
	if s.recorder == nil {
		s.recorder = approval.NopRecorder{}
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	var fan notify.Multi
	if opts.Hub != nil {
		fan = append(fan, opts.Hub)
	}
	if opts.Notifier != nil {
		fan = append(fan, opts.Notifier)
	}
	s.notifier = fan
	engine.OnDecided(func(ctx context.Context, r *contracts.GuardRequest) {
		s.notifier.Notify(ctx, r.ID, notify.EventFor(r))
	})
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Store returns the backing store.
func (s *Service) Store() store.Store { return s.store }

// Create evaluates the policy for in.Action and persists a new request.
func (s *Service) Create(ctx context.Context, in CreateInput) (*contracts.GuardRequest, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.create", trace.WithAttributes(attribute.String("guard.action", in.Action)))
	defer span.End()

	if strings.TrimSpace(in.Action) == "" {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	if in.Params == nil {
		in.Params = map[string]any{}
	}
	ev, err := s.evaluate(in.Action)
	if err != nil {
		return nil, err
	}
	hash, err := PayloadHash(in.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: params: %v", ErrInvalidInput, err)
	}
	r := s.build(ev, policy.Redact(in.Params, ev.Redaction), hash, in.Meta)
	created, err := s.store.CreateRequest(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	span.SetAttributes(attribute.String("guard.request_id", created.ID))
	s.recorder.RequestCreated(created.Action)
	s.record(ctx, audit.EventMutation, "request_created", created, nil)
	s.log.Info("request created", "request_id", created.ID, "action", created.Action, "status", created.Status)
	s.notifier.Notify(ctx, created.ID, notify.EventCreated)
	return created, nil
}

// ReRequest issues a fresh request for the same action and parameters as
// originalID, sharing its lineage.
func (s *Service) ReRequest(ctx context.Context, originalID, actor string) (*contracts.GuardRequest, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.rerequest", trace.WithAttributes(attribute.String("guard.original_id", originalID)))
	defer span.End()

	if originalID == "" || actor == "" {
		return nil, fmt.Errorf("%w: original request and actor are required", ErrInvalidInput)
	}
	original, err := s.store.GetByID(ctx, originalID)
	if err != nil {
		return nil, err
	}
	ev, err := s.evaluate(original.Action)
	if err != nil {
		return nil, err
	}
	if !ev.ReRequest.Allow {
		return nil, ErrReRequestNotAllowed
	}

	lineageID := original.LineageID
	if lineageID == "" {
		lineageID = original.ID
	}
	lineage, err := s.store.ListLineageRequests(ctx, lineageID)
	if err != nil {
		return nil, fmt.Errorf("list lineage: %w", err)
	}
	now := s.clock().UTC()
	recent := 0
	last := original
	for _, r := range lineage {
		if r.ID == lineageID {
			continue
		}
		if !r.CreatedAt.Before(now.Add(-24 * time.Hour)) {
			recent++
		}
		if r.CreatedAt.After(last.CreatedAt) {
			last = r
		}
	}
	if recent >= s.opts.ReRequestMaxPerDay {
		s.record(audit.WithActor(ctx, actor), audit.EventPolicy, "rerequest_rejected", original, map[string]any{"reason": "rate_limited"})
		return nil, ErrReRequestLimit
	}
	if ev.ReRequest.Cooldown > 0 && now.Sub(last.CreatedAt) < ev.ReRequest.Cooldown {
		s.record(audit.WithActor(ctx, actor), audit.EventPolicy, "rerequest_rejected", original, map[string]any{"reason": "cooldown"})
		return nil, ErrCooldown
	}

	hash, err := PayloadHash(original.RedactedParams)
	if err != nil {
		return nil, err
	}
	r := s.build(ev, contracts.CloneParams(original.RedactedParams), hash, original.Meta)
	r.LineageID = lineageID
	created, err := s.store.CreateRequest(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	s.recorder.RequestCreated(created.Action)
	s.record(audit.WithActor(ctx, actor), audit.EventMutation, "request_rerequested", created,
		map[string]any{"lineage_id": lineageID, "original_id": original.ID})
	s.notifier.Notify(ctx, created.ID, notify.EventCreated)
	return created, nil
}

func (s *Service) evaluate(action string) (*policy.Evaluation, error) {
	if s.opts.Policy == nil {
		return nil, policy.ErrNoPolicy
	}
	return s.opts.Policy.Evaluate(action)
}

func (s *Service) build(ev *policy.Evaluation, params map[string]any, hash string, meta contracts.Meta) *contracts.GuardRequest {
	now := s.clock().UTC()
	r := &contracts.GuardRequest{
		Token:               uuid.NewString(),
		Action:              ev.Action,
		PayloadHash:         hash,
		RedactedParams:      params,
		Meta:                meta,
		AllowedApproverIDs:  ev.AllowedApprovers,
		MinApprovals:        ev.MinApprovals,
		RequiredPersonas:    ev.RequiredPersonas,
		PersonaState:        make(map[string]contracts.PersonaState, len(ev.RequiredPersonas)),
		CreatedAt:           now,
		ExpiresAt:           now.Add(ev.Timeout),
		EscalateAt:          ev.EscalateAt(now),
		Status:              contracts.StatusReady,
		PolicyHash:          ev.PolicyHash,
		AllowParamOverrides: ev.Overrides.Allow,
		OverrideKeys:        ev.Overrides.Keys,
		ChatChannel:         ev.Channel,
	}
	for _, p := range ev.RequiredPersonas {
		r.PersonaState[p] = contracts.PersonaPending
	}
	if len(ev.RequiredPersonas) > 0 {
		r.Status = contracts.StatusAwaitingPersonas
	}
	if esc := ev.Escalation; esc != nil {
		r.EscalateMinApprovals = esc.MinApprovals
		r.EscalationChannel = esc.Channel
	}
	return r
}

// PayloadHash is the sha256 of the RFC 8785 canonical JSON of params.
func PayloadHash(params map[string]any) (string, error) {
	raw, err := json.Marshal(params)
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

func (s *Service) record(ctx context.Context, typ audit.EventType, event string, r *contracts.GuardRequest, extra map[string]any) {
	meta := map[string]any{"action": r.Action, "status": string(r.Status)}
	for k, v := range extra {
		meta[k] = v
	}
	if err := s.audit.Record(ctx, typ, event, audit.RequestResource(r.ID), meta); err != nil {
		s.log.Debug("audit record failed", "event", event, "error", err)
	}
}
