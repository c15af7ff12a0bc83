package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
	"github.com/Mindburn-Labs/helm/guard/pkg/notify"
	"github.com/Mindburn-Labs/helm/guard/pkg/store"
)

// waitLongPoll returns the decision for ?token= as soon as it exists, or the
// current state once LongPoll elapses.
func (s *Server) waitLongPoll(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		WriteBadRequest(w, r, "missing_token", "token is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.LongPoll)
	defer cancel()
	view, err := s.opts.Service.Wait(ctx, token)
	if err != nil && (view == nil || !errors.Is(err, context.DeadlineExceeded)) {
		s.writeWaitError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// waitStatus returns the current state for a token without blocking.
func (s *Server) waitStatus(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Token == "" {
		WriteBadRequest(w, r, "missing_token", "token is required")
		return
	}
	view, err := s.opts.Service.Status(r.Context(), in.Token)
	if err != nil {
		s.writeWaitError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) writeWaitError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, r, "unknown token")
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	WriteInternal(w, r, err)
}

// subscribe resolves token and subscribes to its request's state changes.
// The returned stop function must be called when done.
func (s *Server) subscribe(ctx context.Context, token string) (*contracts.GuardRequest, <-chan notify.Message, func(), error) {
	req, err := s.opts.Service.Store().GetByToken(ctx, token)
	if err != nil {
		return nil, nil, nil, err
	}
	if s.opts.Hub == nil {
		return req, nil, func() {}, nil
	}
	ch := s.opts.Hub.Subscribe(req.ID, 16)
	return req, ch, func() { s.opts.Hub.Unsubscribe(req.ID, ch) }, nil
}

// state reads the current view; a request that has disappeared is reported
// as expired.
func (s *Server) state(ctx context.Context, token string) *contracts.WaitResponse {
	view, err := s.opts.Service.Status(ctx, token)
	if err != nil {
		return &contracts.WaitResponse{Status: contracts.StatusExpired, Reason: "not_found"}
	}
	return view
}

// waitSSE streams "state" events for ?token= until the request is decided,
// with a "heartbeat" event every Heartbeat.
func (s *Server) waitSSE(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		WriteBadRequest(w, r, "missing_token", "token is required")
		return
	}
	ctx := r.Context()
	_, signals, stop, err := s.subscribe(ctx, token)
	if err != nil {
		s.writeWaitError(w, r, err)
		return
	}
	defer stop()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) error {
		data := ""
		if v != nil {
			b, err := json.Marshal(v)
			if err != nil {
				return err
			}
			data = fmt.Sprintf("data: %s\n", b)
		}
		if _, err := fmt.Fprintf(w, "event: %s\n%s\n", event, data); err != nil {
			return err
		}
		return rc.Flush()
	}
	emit := func() (done bool) {
		view := s.state(ctx, token)
		if err := send("state", view); err != nil {
			return true
		}
		return view.Status.Terminal()
	}

	if emit() {
		return
	}
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := send("heartbeat", nil); err != nil {
				return
			}
		case _, ok := <-signals:
			if !ok || emit() {
				return
			}
		}
	}
}

// waitWebSocket pushes the state for ?token= as JSON messages until the
// request is decided.
func (s *Server) waitWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		WriteBadRequest(w, r, "missing_token", "token is required")
		return
	}
	_, signals, stop, err := s.subscribe(r.Context(), token)
	if err != nil {
		s.writeWaitError(w, r, err)
		return
	}
	defer stop()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.WSOrigins})
	if err != nil {
		return
	}
	ctx := conn.CloseRead(r.Context())

	emit := func() (done bool, err error) {
		view := s.state(ctx, token)
		writeCtx, cancel := context.WithTimeout(ctx, DefaultStreamWriteTTL)
		defer cancel()
		if err := wsjson.Write(writeCtx, conn, view); err != nil {
			return true, err
		}
		return view.Status.Terminal(), nil
	}

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()
	done, err := emit()
	for !done {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, DefaultStreamWriteTTL)
			err = conn.Ping(pingCtx)
			cancel()
			done = err != nil
		case _, ok := <-signals:
			if !ok {
				done = true
				break
			}
			done, err = emit()
		}
	}
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "write_failed")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "decided")
}
