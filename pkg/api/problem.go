// Package api is the HTTP transport for guard: request creation, decisions,
// persona signals, overrides, waiting (long poll, SSE, WebSocket) and admin.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// ProblemDetail implements RFC 7807. All error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Code is a stable machine-readable reason, e.g. "cooldown".
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes a problem response enriched with the request path and
// request ID.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	problem := &ProblemDetail{
		Type:    fmt.Sprintf("https://guard.dev/errors/%d", status),
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  detail,
		Code:    code,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, code, detail string) {
	WriteError(w, r, http.StatusBadRequest, code, detail)
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "not_found", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After of at least one second.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, code string, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	WriteError(w, r, http.StatusTooManyRequests, code, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged, never sent to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, "internal", "An unexpected error occurred. Please try again later.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
