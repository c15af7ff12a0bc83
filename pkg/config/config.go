// Package config loads server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	PolicyPath string

	StoreBackend string
	RedisURL     string

	SchedulerInterval        time.Duration
	ApprovalWriteWait        time.Duration
	OptimisticSingleApproval bool

	OverrideMaxKeys   int
	OverrideMaxChars  int
	OverrideSchemaDir string

	ReRequestMaxPerDay int

	RateLimitRPS   float64
	RateLimitBurst int

	AdminToken string

	AuditDatabaseURL string
	AuditSQLitePath  string

	RetentionMaxAge        time.Duration
	RetentionSweepInterval time.Duration
	RetentionArchiveFile   string

	KafkaBrokers []string
	KafkaTopic   string

	ChatWebhookURL string

	OTelEnabled  bool
	OTLPEndpoint string
	OTelInsecure bool

	TLSCertFile string
	TLSKeyFile  string
}

// Load loads configuration from environment variables. Out-of-range numbers
// are clamped rather than rejected.
func Load() *Config {
	backend := strings.ToLower(env("STORE_BACKEND", BackendMemory))
	if backend != BackendRedis {
		backend = BackendMemory
	}
	return &Config{
		Port:     env("PORT", "8080"),
		LogLevel: strings.ToUpper(env("LOG_LEVEL", "INFO")),

		PolicyPath: env("POLICY_PATH", "policy.yaml"),

		StoreBackend: backend,
		RedisURL:     env("REDIS_URL", "redis://localhost:6379/0"),

		SchedulerInterval:        millis("SCHEDULER_INTERVAL_MS", 5000, 100, 60_000),
		ApprovalWriteWait:        millis("APPROVAL_WRITE_WAIT_MS", 50, 1, 5000),
		OptimisticSingleApproval: boolean("OPTIMISTIC_SINGLE_APPROVAL", false),

		OverrideMaxKeys:   clampInt(integer("OVERRIDE_MAX_KEYS", 8), 1, 64),
		OverrideMaxChars:  clampInt(integer("OVERRIDE_MAX_CHARS", 2000), 16, 100_000),
		OverrideSchemaDir: env("OVERRIDE_SCHEMA_DIR", ""),

		ReRequestMaxPerDay: clampInt(integer("REREQUEST_MAX_PER_DAY", 5), 1, 1000),

		RateLimitRPS:   clampFloat(float("RATE_LIMIT_RPS", 5), 0, 10_000),
		RateLimitBurst: clampInt(integer("RATE_LIMIT_BURST", 10), 1, 100_000),

		AdminToken: os.Getenv("ADMIN_TOKEN"),

		AuditDatabaseURL: os.Getenv("AUDIT_DATABASE_URL"),
		AuditSQLitePath:  os.Getenv("AUDIT_SQLITE_PATH"),

		RetentionMaxAge:        seconds("RETENTION_MAX_AGE_SEC", 0, 0, 365*24*3600),
		RetentionSweepInterval: seconds("RETENTION_SWEEP_INTERVAL_SEC", 60, 1, 24*3600),
		RetentionArchiveFile:   os.Getenv("RETENTION_ARCHIVE_FILE"),

		KafkaBrokers: list("KAFKA_BROKERS"),
		KafkaTopic:   env("KAFKA_TOPIC", "guard.lifecycle"),

		ChatWebhookURL: os.Getenv("CHAT_WEBHOOK_URL"),

		OTelEnabled:  boolean("OTEL_ENABLED", false),
		OTLPEndpoint: env("OTLP_ENDPOINT", "localhost:4317"),
		OTelInsecure: boolean("OTEL_INSECURE", false),

		TLSCertFile: os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:  os.Getenv("TLS_KEY_FILE"),
	}
}

// Lite reports whether the server runs without external infrastructure.
func (c *Config) Lite() bool {
	return c.StoreBackend == BackendMemory && c.AuditDatabaseURL == "" && len(c.KafkaBrokers) == 0
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func integer(key string, def int) int {
	n, err := strconv.Atoi(env(key, ""))
	if err != nil {
		return def
	}
	return n
}

func float(key string, def float64) float64 {
	f, err := strconv.ParseFloat(env(key, ""), 64)
	if err != nil {
		return def
	}
	return f
}

func boolean(key string, def bool) bool {
	b, err := strconv.ParseBool(env(key, ""))
	if err != nil {
		return def
	}
	return b
}

func millis(key string, def, lo, hi int) time.Duration {
	return time.Duration(clampInt(integer(key, def), lo, hi)) * time.Millisecond
}

func seconds(key string, def, lo, hi int) time.Duration {
	return time.Duration(clampInt(integer(key, def), lo, hi)) * time.Second
}

func list(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func clampFloat(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
