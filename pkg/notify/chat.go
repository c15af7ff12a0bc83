package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
	"github.com/Mindburn-Labs/helm/guard/pkg/store"
)

// ChatOptions configures a ChatQueue.
type ChatOptions struct {
	URL       string
	Client    *http.Client
	Debounce  time.Duration // coalescing window, default 25ms
	BaseDelay time.Duration // first 429 backoff, default 300ms
	MaxDelay  time.Duration // backoff cap, default 5s
	Jitter    time.Duration // default 150ms
	// MaxAttempts bounds rate-limited retries of one message, default 5.
	MaxAttempts int
	Logger      *slog.Logger
}

func (o *ChatOptions) defaults() {
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if o.Debounce <= 0 {
		o.Debounce = 25 * time.Millisecond
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 300 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Second
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	} else if o.Jitter == 0 {
		o.Jitter = 150 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "chat_queue")
	}
}

// ChatMessage is the JSON document posted to the chat webhook.
type ChatMessage struct {
	RequestID        string                            `json:"request_id"`
	Event            Event                             `json:"event"`
	Channel          string                            `json:"channel,omitempty"`
	MessageTS        string                            `json:"ts,omitempty"`
	Text             string                            `json:"text"`
	Action           string                            `json:"action"`
	Status           contracts.RequestStatus           `json:"status"`
	ApprovalsCount   int                               `json:"approvals_count"`
	MinApprovals     int                               `json:"min_approvals"`
	RemainingMinutes *int                              `json:"remaining_minutes,omitempty"`
	Personas         map[string]contracts.PersonaState `json:"personas,omitempty"`
	Params           map[string]any                    `json:"params,omitempty"`
	Escalation       *EscalationNotice                 `json:"escalation,omitempty"`
}

// EscalationNotice is attached when the request escalated since the last post.
type EscalationNotice struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// chatReply is the optional webhook response linking the posted message.
type chatReply struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

type chatItem struct {
	id        string
	ev        Event
	escalated bool
	attempts  int
}

// ChatQueue posts request cards to a chat webhook. Bursts of notifications for
// the same request are coalesced into one post of the latest state, and a 429
// response backs the queue off exponentially.
type ChatQueue struct {
	store store.Store
	opts  ChatOptions
	log   *slog.Logger
	clock func() time.Time

	mu        sync.Mutex
	items     map[string]*chatItem
	order     []string
	scheduled bool
	draining  bool
	closed    bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewChatQueue(st store.Store, opts ChatOptions) *ChatQueue {
	opts.defaults()
	return &ChatQueue{
		store: st,
		opts:  opts,
		log:   opts.Logger,
		clock: time.Now,
		items: map[string]*chatItem{},
		stop:  make(chan struct{}),
	}
}

// WithClock overrides the clock for deterministic testing.
func (q *ChatQueue) WithClock(clock func() time.Time) *ChatQueue {
	q.clock = clock
	return q
}

// Notify implements Notifier.
func (q *ChatQueue) Notify(_ context.Context, requestID string, ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if it, ok := q.items[requestID]; ok {
		it.ev = ev
		it.escalated = it.escalated || ev == EventEscalated
	} else {
		q.items[requestID] = &chatItem{id: requestID, ev: ev, escalated: ev == EventEscalated}
		q.order = append(q.order, requestID)
	}
	if !q.draining && !q.scheduled {
		q.scheduled = true
		q.wg.Add(1)
		time.AfterFunc(q.opts.Debounce, q.drain)
	}
}

// Len returns the number of queued posts.
func (q *ChatQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Close stops the queue. Queued posts are dropped.
func (q *ChatQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

func (q *ChatQueue) drain() {
	defer q.wg.Done()
	q.mu.Lock()
	q.scheduled = false
	q.draining = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if q.closed || len(q.order) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		id := q.order[0]
		q.order = q.order[1:]
		it := q.items[id]
		delete(q.items, id)
		q.mu.Unlock()

		wait, retry := q.send(it)
		if !retry {
			continue
		}
		it.attempts++
		if it.attempts >= q.opts.MaxAttempts {
			q.log.Warn("chat update dropped after rate limiting", "request_id", it.id, "attempts", it.attempts)
			continue
		}
		q.requeueFront(it)
		select {
		case <-time.After(wait):
		case <-q.stop:
		}
	}
}

// requeueFront puts a rate-limited item back at the head, folding in anything
// queued for the same request meanwhile.
func (q *ChatQueue) requeueFront(it *chatItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if newer, ok := q.items[it.id]; ok {
		newer.escalated = newer.escalated || it.escalated
		newer.attempts = it.attempts
		return
	}
	q.items[it.id] = it
	q.order = append([]string{it.id}, q.order...)
}

func (q *ChatQueue) send(it *chatItem) (time.Duration, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r, err := q.store.GetByID(ctx, it.id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			q.log.Warn("chat update skipped", "request_id", it.id, "error", err)
		}
		return 0, false
	}
	body, err := json.Marshal(q.render(r, it))
	if err != nil {
		return 0, false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.opts.URL, bytes.NewReader(body))
	if err != nil {
		q.log.Error("chat request build failed", "error", err)
		return 0, false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := q.opts.Client.Do(req)
	if err != nil {
		q.log.Warn("chat update failed", "request_id", it.id, "error", err)
		return 0, false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return q.backoff(it.attempts+1, resp.Header.Get("Retry-After")), true
	case resp.StatusCode >= 300:
		q.log.Warn("chat update rejected", "request_id", it.id, "status", resp.StatusCode)
		return 0, false
	}
	if r.ChatMessageTS == "" {
		var reply chatReply
		if b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil && json.Unmarshal(b, &reply) == nil && reply.TS != "" {
			if err := q.store.SetChatMessage(ctx, r.ID, reply.Channel, reply.TS); err != nil {
				q.log.Debug("linking chat message failed", "request_id", r.ID, "error", err)
			}
		}
	}
	return 0, false
}

func (q *ChatQueue) backoff(attempt int, retryAfter string) time.Duration {
	if s, err := strconv.Atoi(retryAfter); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	d := q.opts.BaseDelay << (attempt - 1)
	if d > q.opts.MaxDelay || d <= 0 {
		d = q.opts.MaxDelay
	}
	if q.opts.Jitter > 0 {
		d += rand.N(q.opts.Jitter)
	}
	return d
}

func (q *ChatQueue) render(r *contracts.GuardRequest, it *chatItem) ChatMessage {
	msg := ChatMessage{
		RequestID:      r.ID,
		Event:          it.ev,
		Channel:        r.ChatChannel,
		MessageTS:      r.ChatMessageTS,
		Text:           headline(r),
		Action:         r.Action,
		Status:         r.Status,
		ApprovalsCount: r.ApprovalsCount,
		MinApprovals:   r.MinApprovals,
		Personas:       r.PersonaState,
		Params:         r.RedactedParams,
	}
	now := q.clock()
	if !r.IsTerminal() && now.Before(r.ExpiresAt) {
		m := int(r.ExpiresAt.Sub(now) / time.Minute)
		msg.RemainingMinutes = &m
	}
	if it.escalated {
		minutes := int(r.ExpiresAt.Sub(now).Round(time.Minute) / time.Minute)
		if minutes < 0 {
			minutes = 0
		}
		msg.Escalation = &EscalationNotice{
			Channel: r.EscalationChannel,
			Text: fmt.Sprintf("Escalation: request %s will expire in ~%dm. Approvals needed: %d/%d.",
				r.Action, minutes, r.ApprovalsCount, r.MinApprovals),
		}
	}
	return msg
}

func headline(r *contracts.GuardRequest) string {
	switch r.Status {
	case contracts.StatusApproved:
		return fmt.Sprintf("Approved: %s", r.Action)
	case contracts.StatusDenied:
		return fmt.Sprintf("Denied: %s", r.Action)
	case contracts.StatusExpired:
		return fmt.Sprintf("Expired: %s", r.Action)
	case contracts.StatusAwaitingPersonas:
		return fmt.Sprintf("Awaiting personas: %s", r.Action)
	default:
		return fmt.Sprintf("Approval required: %s (%d/%d)", r.Action, r.ApprovalsCount, r.MinApprovals)
	}
}
