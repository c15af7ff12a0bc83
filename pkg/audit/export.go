package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

var (
	// ErrInvalidTimeRange is returned when since is after until.
	ErrInvalidTimeRange = errors.New("audit: since must be before until")
	// ErrStoreNotConfigured is returned when export runs without a SQL store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

// Export writes matching events to w as JSON lines and returns how many were
// written.
func Export(ctx context.Context, l *SQLLogger, f Filter, w io.Writer) (int, error) {
	if l == nil {
		return 0, ErrStoreNotConfigured
	}
	if f.Since != nil && f.Until != nil && f.Since.After(*f.Until) {
		return 0, ErrInvalidTimeRange
	}
	events, err := l.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for i, e := range events {
		if err := enc.Encode(e); err != nil {
			return i, err
		}
	}
	return len(events), nil
}
