package audit_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/guard/pkg/audit"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	ctx := audit.WithActor(context.Background(), "alice")
	err := logger.Record(ctx, audit.EventMutation, "request_approved", audit.RequestResource("r1"), map[string]any{"action": "deploy"})
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))), &event))
	assert.Equal(t, audit.EventMutation, event.Type)
	assert.Equal(t, "request_approved", event.Action)
	assert.Equal(t, "request:r1", event.Resource)
	assert.Equal(t, "alice", event.ActorID)
	assert.Equal(t, "deploy", event.Metadata["action"])
	assert.Len(t, event.ID, 36)
}

func TestLogger_DefaultsToSystemActor(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, audit.NewLoggerWithWriter(&buf).Record(context.Background(), audit.EventSystem, "request_expired", "request:r2", nil))
	assert.Contains(t, buf.String(), `"actor_id":"system"`)
}

type failing struct{}

func (failing) Record(context.Context, audit.EventType, string, string, map[string]any) error {
	return errors.New("sink down")
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	var a, b bytes.Buffer
	m := audit.Multi(audit.NewLoggerWithWriter(&a), nil, failing{}, audit.NewLoggerWithWriter(&b))

	err := m.Record(context.Background(), audit.EventPolicy, "policy_reloaded", "policy", nil)
	require.Error(t, err)
	assert.Contains(t, a.String(), "policy_reloaded")
	assert.Contains(t, b.String(), "policy_reloaded")
}

func TestSQLLogger_SQLiteRoundTripAndExport(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	l, err := audit.NewSQLLogger(ctx, db, audit.DialectSQLite)
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []audit.Event{
		{ID: "e1", ActorID: "agent", Type: audit.EventMutation, Action: "request_created", Resource: "request:r1", Timestamp: base, Metadata: map[string]any{"action": "deploy"}},
		{ID: "e2", ActorID: "alice", Type: audit.EventMutation, Action: "request_approved", Resource: "request:r1", Timestamp: base.Add(time.Minute), Metadata: map[string]any{"action": "deploy"}},
		{ID: "e3", ActorID: "system", Type: audit.EventSystem, Action: "request_expired", Resource: "request:r2", Timestamp: base.Add(2 * time.Minute), Metadata: map[string]any{"action": "rotate"}},
	}
	for _, e := range events {
		require.NoError(t, l.Insert(ctx, e))
	}

	got, err := l.Query(ctx, audit.Filter{Action: "deploy"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.True(t, got[0].Timestamp.Equal(base))

	since := base.Add(30 * time.Second)
	got, err = l.Query(ctx, audit.Filter{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e2", got[0].ID)

	var out bytes.Buffer
	n, err := audit.Export(ctx, l, audit.Filter{Event: "request_expired"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, out.String(), `"id":"e3"`)

	until := base
	_, err = audit.Export(ctx, l, audit.Filter{Since: &since, Until: &until}, &out)
	assert.ErrorIs(t, err, audit.ErrInvalidTimeRange)

	_, err = audit.Export(ctx, nil, audit.Filter{}, &out)
	assert.ErrorIs(t, err, audit.ErrStoreNotConfigured)
}

func TestSQLLogger_PostgresPlaceholders(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS guard_audit").WillReturnResult(sqlmock.NewResult(0, 0))
	l, err := audit.NewSQLLogger(ctx, db, audit.DialectPostgres)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO guard_audit .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8\)`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "MUTATION", "request_denied", "request:r9", "bob", "deploy", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	err = l.Record(audit.WithActor(ctx, "bob"), audit.EventMutation, "request_denied", "request:r9", map[string]any{"action": "deploy"})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .* FROM guard_audit WHERE action = \$1 ORDER BY ts ASC LIMIT \$2`).
		WithArgs("request_denied", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "ts", "event_type", "action", "resource", "actor_id", "metadata"}).
			AddRow("e9", "2026-03-01T10:00:00.000000000Z", "MUTATION", "request_denied", "request:r9", "bob", `{"action":"deploy"}`))
	got, err := l.Query(ctx, audit.Filter{Event: "request_denied", Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].ActorID)
	assert.Equal(t, "deploy", got[0].Metadata["action"])

	require.NoError(t, mock.ExpectationsWereMet())
}
