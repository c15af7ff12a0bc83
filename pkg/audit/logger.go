// Package audit records the guard's decision trail: who asked, who approved or
// denied, what was overridden, and what the scheduler did on its own.
//
// Audit events are distinct from operational logs. They are written as JSON
// lines and optionally persisted to SQL for later export.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventSystem   EventType = "SYSTEM"
	EventPolicy   EventType = "POLICY"
)

// Event represents a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error
}

type actorKey struct{}

// WithActor attaches the acting principal to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the acting principal, or "system".
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}

// RequestResource names the audit resource for a guard request.
func RequestResource(id string) string { return "request:" + id }

func newEvent(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		ActorID:   ActorFrom(ctx),
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// logger implements Logger, writing structured JSON to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	event := newEvent(ctx, eventType, action, resource, metadata)

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// Multi fans an event out to every logger and joins their errors.
func Multi(loggers ...Logger) Logger {
	var ls []Logger
	for _, l := range loggers {
		if l != nil {
			ls = append(ls, l)
		}
	}
	return multi(ls)
}

type multi []Logger

func (m multi) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	var errs []error
	for _, l := range m {
		if err := l.Record(ctx, eventType, action, resource, metadata); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, EventType, string, string, map[string]any) error { return nil }
