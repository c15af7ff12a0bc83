package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm/guard/pkg/api"
	"github.com/Mindburn-Labs/helm/guard/pkg/approval"
	"github.com/Mindburn-Labs/helm/guard/pkg/audit"
	"github.com/Mindburn-Labs/helm/guard/pkg/config"
	"github.com/Mindburn-Labs/helm/guard/pkg/lifecycle"
	"github.com/Mindburn-Labs/helm/guard/pkg/notify"
	"github.com/Mindburn-Labs/helm/guard/pkg/observability"
	"github.com/Mindburn-Labs/helm/guard/pkg/overrides"
	"github.com/Mindburn-Labs/helm/guard/pkg/policy"
	"github.com/Mindburn-Labs/helm/guard/pkg/retention"
	"github.com/Mindburn-Labs/helm/guard/pkg/scheduler"
	"github.com/Mindburn-Labs/helm/guard/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// app is the wired server. Close releases everything in reverse order of
// construction.
type app struct {
	cfg       *config.Config
	handler   http.Handler
	loader    *policy.Loader
	scheduler *scheduler.Scheduler
	retention *retention.Sweeper
	auditLog  audit.Logger
	metrics   *observability.Metrics
	closers   []func(context.Context) error
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close shuts down the background workers, then the sinks and stores.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// buildApp wires every component for cfg. The background workers are not
// started.
func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "guard",
		ServiceVersion: observability.DefaultConfig().ServiceVersion,
		Environment:    os.Getenv("GUARD_ENV"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       cfg.OTelInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	a.onClose(obs.Shutdown)

	// Store.
	var st store.Store
	var redisClient *redis.Client
	switch cfg.StoreBackend {
	case config.BackendRedis:
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("redis url: %w", perr)
		}
		redisClient = redis.NewClient(opts)
		a.onClose(func(context.Context) error { return redisClient.Close() })
		st = store.NewRedisStore(redisClient, store.RedisOptions{})
	default:
		st = store.NewMemoryStore()
	}
	a.onClose(func(context.Context) error { return st.Close() })

	metrics, err := observability.NewMetrics(obs.Meter(), st)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	a.metrics = metrics

	// Audit: always the structured log stream, plus SQL when configured.
	sinks := []audit.Logger{audit.NewLogger()}
	if dsn := cfg.AuditDatabaseURL; dsn != "" || cfg.AuditSQLitePath != "" {
		if dsn == "" {
			dsn = cfg.AuditSQLitePath
		}
		db, dialect, oerr := audit.OpenSQL(dsn)
		if oerr != nil {
			return nil, oerr
		}
		sqlSink, serr := audit.NewSQLLogger(ctx, db, dialect)
		if serr != nil {
			_ = db.Close()
			return nil, serr
		}
		a.onClose(func(context.Context) error { return sqlSink.Close() })
		sinks = append(sinks, sqlSink)
		slog.Info("audit store enabled", "dialect", dialect)
	}
	a.auditLog = audit.Multi(sinks...)

	// Policy.
	a.loader = policy.NewLoader(cfg.PolicyPath)
	if _, err := a.loader.Load(); err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	validator := overrides.NewValidator(cfg.OverrideSchemaDir, overrides.Limits{
		MaxKeys:  cfg.OverrideMaxKeys,
		MaxChars: cfg.OverrideMaxChars,
	})
	a.loader.OnReload(func(*policy.Document) { validator.Reset() })

	// Notifications.
	hub := notify.NewHub()
	var external notify.Multi
	if cfg.ChatWebhookURL != "" {
		chat := notify.NewChatQueue(st, notify.ChatOptions{URL: cfg.ChatWebhookURL})
		a.onClose(func(context.Context) error { return chat.Close() })
		external = append(external, chat)
	}
	if len(cfg.KafkaBrokers) > 0 {
		pub, kerr := notify.NewKafkaPublisher(notify.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, st)
		if kerr != nil {
			return nil, fmt.Errorf("kafka: %w", kerr)
		}
		a.onClose(func(context.Context) error { return pub.Close() })
		external = append(external, pub)
	}

	// Decisions.
	strategy := approval.StrategyRecount
	if cfg.OptimisticSingleApproval {
		strategy = approval.AssumeTerminalOnSinglePendingWrite
	}
	engine := approval.NewEngine(st, approval.Options{
		WriteWait: cfg.ApprovalWriteWait,
		Strategy:  strategy,
		Recorder:  metrics,
		Audit:     a.auditLog,
	})
	svc := lifecycle.New(st, engine, lifecycle.Options{
		Policy:             a.loader,
		Overrides:          validator,
		Notifier:           external,
		Hub:                hub,
		Recorder:           metrics,
		Audit:              a.auditLog,
		ReRequestMaxPerDay: cfg.ReRequestMaxPerDay,
	})

	a.scheduler = scheduler.New(st, scheduler.Options{
		Interval: cfg.SchedulerInterval,
		Locks:    engine.Locks(),
		Notifier: append(notify.Multi{hub}, external...),
		Recorder: metrics,
		Audit:    a.auditLog,
	})
	a.retention = retention.New(st, retention.Options{
		MaxAge:      cfg.RetentionMaxAge,
		Interval:    cfg.RetentionSweepInterval,
		ArchiveFile: cfg.RetentionArchiveFile,
		Recorder:    metrics,
		Audit:       a.auditLog,
	})

	var limiter api.Limiter
	if redisClient != nil {
		limiter = api.NewRedisLimiter(redisClient, "guard:ratelimit", cfg.RateLimitRPS, cfg.RateLimitBurst)
	} else {
		limiter = api.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	a.handler = api.NewServer(api.Options{
		Service:    svc,
		Policy:     a.loader,
		Overrides:  validator,
		Hub:        hub,
		Limiter:    limiter,
		Recorder:   metrics,
		Counter:    metrics,
		Audit:      a.auditLog,
		AdminToken: cfg.AdminToken,
		Backend:    cfg.StoreBackend,
	}).Handler()
	return a, nil
}

// start launches the scheduler, the retention sweeper and the policy watcher.
func (a *app) start(ctx context.Context) {
	if err := a.loader.Watch(ctx); err != nil {
		slog.Warn("policy watch disabled", "error", err)
	}
	a.scheduler.Start(ctx)
	a.onClose(func(context.Context) error { a.scheduler.Stop(); return nil })
	if a.retention.Enabled() {
		a.retention.Start(ctx)
		a.onClose(func(context.Context) error { a.retention.Stop(); return nil })
	}
}

// reloadPolicy re-reads the policy file on SIGHUP.
func (a *app) reloadPolicy() {
	if err := a.loader.Reload(); err != nil {
		a.metrics.PolicyReload(false)
		_ = a.auditLog.Record(context.Background(), audit.EventPolicy, "policy_reload_failed", "policy",
			map[string]any{"source": "signal", "error": err.Error()})
		return
	}
	doc := a.loader.Current()
	a.metrics.PolicyReload(true)
	_ = a.auditLog.Record(context.Background(), audit.EventPolicy, "policy_reloaded", "policy",
		map[string]any{"source": "signal", "actions": len(doc.Actions), "hash": doc.Hash})
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	slog.SetDefault(newLogger(cfg.LogLevel, os.Stdout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "guard: %v\n", err)
		return 1
	}
	a.start(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("guard listening", "addr", srv.Addr, "backend", cfg.StoreBackend, "lite", cfg.Lite(),
			"tls", cfg.TLSCertFile != "")
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	code := 0
loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				a.reloadPolicy()
				continue
			}
			slog.Info("shutting down", "signal", sig.String())
			break loop
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				slog.Error("server failed", "error", err)
				code = 1
			}
			break loop
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	cancel()
	if err := a.Close(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
		code = 1
	}
	return code
}
