package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Mindburn-Labs/helm/guard/pkg/approval"
	"github.com/Mindburn-Labs/helm/guard/pkg/audit"
	"github.com/Mindburn-Labs/helm/guard/pkg/lifecycle"
	"github.com/Mindburn-Labs/helm/guard/pkg/notify"
	"github.com/Mindburn-Labs/helm/guard/pkg/overrides"
	"github.com/Mindburn-Labs/helm/guard/pkg/policy"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// Defaults.
const (
	DefaultLongPoll       = 2500 * time.Millisecond
	DefaultHeartbeat      = 25 * time.Second
	DefaultReadyTimeout   = 500 * time.Millisecond
	DefaultStreamWriteTTL = 5 * time.Second
)

// PolicyReloader is the part of *policy.Loader the admin and readiness
// endpoints use.
type PolicyReloader interface {
	Reload() error
	Current() *policy.Document
}

// RateLimitCounter is told about every rejected request.
type RateLimitCounter interface {
	RateLimited(route string)
}

// Options configures a Server.
type Options struct {
	Service   *lifecycle.Service
	Policy    PolicyReloader
	Overrides *overrides.Validator
	Hub       *notify.Hub
	Limiter   Limiter
	Recorder  approval.Recorder
	Counter   RateLimitCounter
	Audit     audit.Logger
	Logger    *slog.Logger

	AdminToken string
	Backend    string
	// LongPoll bounds GET /api/guard/wait.
	LongPoll  time.Duration
	Heartbeat time.Duration
	// WSOrigins are the accepted WebSocket origin patterns.
	WSOrigins []string
}

// Server is the guard HTTP transport.
type Server struct {
	opts Options
	log  *slog.Logger
}

func NewServer(opts Options) *Server {
	if opts.LongPoll <= 0 {
		opts.LongPoll = DefaultLongPoll
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Recorder == nil {
		opts.Recorder = approval.NopRecorder{}
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Overrides == nil {
		opts.Overrides = overrides.NewValidator("", overrides.Limits{})
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default().With("component", "api")
	}
	return &Server{opts: opts, log: log}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(exposeRequestID)
	r.Use(middleware.Recoverer)
	r.Use(otelhttp.NewMiddleware("guard",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.Method + " " + r.URL.Path })))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.readyz)
	r.Get("/api/schemas/{action}", s.schema)
	r.Post("/api/admin/reload-policy", s.reloadPolicy)

	r.Route("/api/guard", func(r chi.Router) {
		r.With(s.rateLimit("create")).Post("/request", s.create)
		r.With(s.rateLimit("rerequest")).Post("/rerequest", s.reRequest)
		r.Get("/wait", s.waitLongPoll)
		r.Post("/wait", s.waitStatus)
		r.Get("/wait-sse", s.waitSSE)
		r.Get("/ws", s.waitWebSocket)

		r.Route("/requests/{id}", func(r chi.Router) {
			r.Post("/approve", s.approve)
			r.Post("/deny", s.deny)
			r.Post("/personas/{persona}", s.persona)
			r.Post("/overrides", s.applyOverrides)
		})
	})
	return r
}

func exposeRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.opts.Limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			ok, retry, err := s.opts.Limiter.Allow(r.Context(), route+":"+clientIP(r))
			if err != nil {
				// Fail open.
				s.log.Warn("rate limiter unavailable", "route", route, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				if s.opts.Counter != nil {
					s.opts.Counter.RateLimited(route)
				}
				_ = s.opts.Audit.Record(r.Context(), audit.EventAccess, "rate_limited", "route:"+route,
					map[string]any{"ip": clientIP(r)})
				WriteTooManyRequests(w, r, "rate_limited", retry)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, r, "invalid_payload", err.Error())
		return false
	}
	return true
}
