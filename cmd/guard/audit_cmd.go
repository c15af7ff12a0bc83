package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/helm/guard/pkg/audit"
)

// runAuditCmd implements `guard audit export`.
//
// Usage:
//
//	guard audit export --since 2026-01-01T00:00:00Z --event request_approved
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "export" {
		_, _ = fmt.Fprintln(stderr, "Usage: guard audit export [--dsn DSN] [--since T] [--until T] [--event E] [--action A] [--limit N]")
		return 2
	}

	cmd := flag.NewFlagSet("audit export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		dsn    string
		since  string
		until  string
		filter audit.Filter
	)
	cmd.StringVar(&dsn, "dsn", auditDSN(), "Audit database (postgres:// URL or SQLite path)")
	cmd.StringVar(&since, "since", "", "Only events at or after this RFC 3339 time")
	cmd.StringVar(&until, "until", "", "Only events before this RFC 3339 time")
	cmd.StringVar(&filter.Event, "event", "", "Audit event name, e.g. request_approved")
	cmd.StringVar(&filter.Action, "action", "", "Guarded action name")
	cmd.IntVar(&filter.Limit, "limit", 0, "Maximum events (0 = no limit)")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if dsn == "" {
		_, _ = fmt.Fprintln(stderr, "Error: no audit database (set AUDIT_DATABASE_URL, AUDIT_SQLITE_PATH or --dsn)")
		return 2
	}
	var err error
	if filter.Since, err = parseTime(since); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --since: %v\n", err)
		return 2
	}
	if filter.Until, err = parseTime(until); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --until: %v\n", err)
		return 2
	}

	ctx := context.Background()
	db, dialect, err := audit.OpenSQL(dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	sink, err := audit.NewSQLLogger(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = sink.Close() }()

	n, err := audit.Export(ctx, sink, filter, stdout)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stderr, "exported %d events\n", n)
	return 0
}

func auditDSN() string {
	if v := os.Getenv("AUDIT_DATABASE_URL"); v != "" {
		return v
	}
	return os.Getenv("AUDIT_SQLITE_PATH")
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
