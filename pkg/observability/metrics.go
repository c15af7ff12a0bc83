package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
)

// Guard attribute keys.
var (
	AttrAction  = attribute.Key("guard.action")
	AttrOutcome = attribute.Key("guard.outcome")
	AttrPersona = attribute.Key("guard.persona")
	AttrState   = attribute.Key("guard.state")
	AttrReason  = attribute.Key("guard.reason")
	AttrKind    = attribute.Key("guard.kind")
)

// OpenLister is the part of the store the pending gauges read.
type OpenLister interface {
	ListOpenRequests(ctx context.Context) ([]*contracts.GuardRequest, error)
}

// Metrics holds the guard instruments. It satisfies approval.Recorder and
// retention.Recorder.
type Metrics struct {
	created     metric.Int64Counter
	decisions   metric.Int64Counter
	latency     metric.Float64Histogram
	escalations metric.Int64Counter
	personas    metric.Int64Counter
	overrides   metric.Int64Counter
	reloads     metric.Int64Counter
	anomalies   metric.Int64Counter
	archived    metric.Int64Counter
	purged      metric.Int64Counter
	limited     metric.Int64Counter
}

// NewMetrics registers the instruments on meter. When open is non-nil the
// pending gauges are observed from it on every collection.
func NewMetrics(meter metric.Meter, open OpenLister) (*Metrics, error) {
	m := &Metrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.created, "guard.requests.created", "Guard requests created"},
		{&m.decisions, "guard.decisions", "Terminal decisions by outcome"},
		{&m.escalations, "guard.escalations", "Escalations fired"},
		{&m.personas, "guard.persona.signals", "Persona acknowledgements and rejections"},
		{&m.overrides, "guard.overrides", "Parameter override submissions by outcome"},
		{&m.reloads, "guard.policy.reloads", "Policy reload attempts"},
		{&m.anomalies, "guard.anomalies", "Consistency anomalies corrected"},
		{&m.archived, "guard.retention.archived", "Requests archived by the retention sweeper"},
		{&m.purged, "guard.retention.purged", "Requests purged by the retention sweeper"},
		{&m.limited, "guard.rate_limited", "Requests rejected by the rate limiter"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	m.latency, err = meter.Float64Histogram("guard.decision.latency",
		metric.WithDescription("Time from creation to terminal decision"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, err
	}

	if open == nil {
		return m, nil
	}
	pending, err := meter.Int64ObservableGauge("guard.requests.pending",
		metric.WithDescription("Open guard requests by action"))
	if err != nil {
		return nil, err
	}
	personaPending, err := meter.Int64ObservableGauge("guard.personas.pending",
		metric.WithDescription("Pending persona acknowledgements by action and persona"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		reqs, err := open.ListOpenRequests(ctx)
		if err != nil {
			return err
		}
		type personaKey struct{ action, persona string }
		byAction := map[string]int64{}
		byPersona := map[personaKey]int64{}
		for _, r := range reqs {
			byAction[r.Action]++
			for p, st := range r.PersonaState {
				if st == contracts.PersonaPending {
					byPersona[personaKey{r.Action, p}]++
				}
			}
		}
		for a, n := range byAction {
			o.ObserveInt64(pending, n, metric.WithAttributes(AttrAction.String(a)))
		}
		for k, n := range byPersona {
			o.ObserveInt64(personaPending, n, metric.WithAttributes(AttrAction.String(k.action), AttrPersona.String(k.persona)))
		}
		return nil
	}, pending, personaPending)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RequestCreated(action string) {
	m.created.Add(context.Background(), 1, metric.WithAttributes(AttrAction.String(action)))
}

func (m *Metrics) Decision(action string, outcome contracts.RequestStatus, latency time.Duration) {
	attrs := metric.WithAttributes(AttrAction.String(action), AttrOutcome.String(string(outcome)))
	m.decisions.Add(context.Background(), 1, attrs)
	m.latency.Record(context.Background(), latency.Seconds(), attrs)
}

func (m *Metrics) Escalated(action string) {
	m.escalations.Add(context.Background(), 1, metric.WithAttributes(AttrAction.String(action)))
}

func (m *Metrics) PersonaSignal(action, persona string, state contracts.PersonaState) {
	m.personas.Add(context.Background(), 1, metric.WithAttributes(
		AttrAction.String(action), AttrPersona.String(persona), AttrState.String(string(state))))
}

func (m *Metrics) Override(action, outcome, reason string) {
	m.overrides.Add(context.Background(), 1, metric.WithAttributes(
		AttrAction.String(action), AttrOutcome.String(outcome), AttrReason.String(reason)))
}

func (m *Metrics) PolicyReload(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.reloads.Add(context.Background(), 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) Anomaly(kind string) {
	m.anomalies.Add(context.Background(), 1, metric.WithAttributes(AttrKind.String(kind)))
}

func (m *Metrics) Archived(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.archived.Add(context.Background(), 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) Purged() {
	m.purged.Add(context.Background(), 1)
}

// RateLimited counts a request rejected on route.
func (m *Metrics) RateLimited(route string) {
	m.limited.Add(context.Background(), 1, metric.WithAttributes(attribute.String("http.route", route)))
}
