package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// tsLayout is fixed width so that text comparison orders by time.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SQLLogger persists audit events to a SQL table. It works against SQLite in
// lite mode and Postgres otherwise.
type SQLLogger struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens the database for dsn. A postgres:// DSN selects Postgres,
// anything else is treated as a SQLite path.
func OpenSQL(dsn string) (*sql.DB, Dialect, error) {
	dialect, driver := DialectSQLite, "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect, driver = DialectPostgres, "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("audit: open %s: %w", dialect, err)
	}
	return db, dialect, nil
}

// NewSQLLogger wraps db and creates the audit table if missing.
func NewSQLLogger(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLLogger, error) {
	l := &SQLLogger{db: db, dialect: dialect}
	if err := l.migrate(ctx); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return l, nil
}

func (l *SQLLogger) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS guard_audit (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		event_type TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		guard_action TEXT NOT NULL DEFAULT '',
		metadata TEXT
	);`
	_, err := l.db.ExecContext(ctx, query)
	return err
}

// ph returns the n-th (1-based) placeholder for the dialect.
func (l *SQLLogger) ph(n int) string {
	if l.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (l *SQLLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	return l.Insert(ctx, newEvent(ctx, eventType, action, resource, metadata))
}

// Insert stores a fully formed event.
func (l *SQLLogger) Insert(ctx context.Context, e Event) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}
	guardAction, _ := e.Metadata["action"].(string)
	query := fmt.Sprintf(`INSERT INTO guard_audit (id, ts, event_type, action, resource, actor_id, guard_action, metadata)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		l.ph(1), l.ph(2), l.ph(3), l.ph(4), l.ph(5), l.ph(6), l.ph(7), l.ph(8))
	_, err = l.db.ExecContext(ctx, query,
		e.ID, e.Timestamp.UTC().Format(tsLayout), string(e.Type), e.Action, e.Resource, e.ActorID, guardAction, string(metaJSON))
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Filter narrows a Query.
type Filter struct {
	Since *time.Time
	Until *time.Time
	// Event matches the audit action, e.g. "request_approved".
	Event string
	// Action matches the guarded action name.
	Action string
	Limit  int
}

// Query returns matching events in time order.
func (l *SQLLogger) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, l.ph(len(args))))
	}
	if f.Since != nil {
		add("ts >= %s", f.Since.UTC().Format(tsLayout))
	}
	if f.Until != nil {
		add("ts <= %s", f.Until.UTC().Format(tsLayout))
	}
	if f.Event != "" {
		add("action = %s", f.Event)
	}
	if f.Action != "" {
		add("guard_action = %s", f.Action)
	}

	query := "SELECT id, ts, event_type, action, resource, actor_id, metadata FROM guard_audit"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT " + l.ph(len(args))
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			ts       string
			typ      string
			metaJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &typ, &e.Action, &e.Resource, &e.ActorID, &metaJSON); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Type = EventType(typ)
		e.Timestamp, _ = time.Parse(tsLayout, ts)
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Close closes the underlying database.
func (l *SQLLogger) Close() error { return l.db.Close() }
