// Package middleware provides the HTTP middleware chain: request id
// propagation, panic recovery, and per-node poll rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/fleetworks/helmsman/internal/errors"
)

// ErrorResponse is the JSON envelope every middleware failure uses.
type ErrorResponse = apperrors.HTTPErrorResponse

type ctxKey int

const requestIDKey ctxKey = 0

// RequestIDHeader is honored when the caller supplies its own id.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each request an id, preferring the caller's.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request id set by RequestID, if any.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Recovery converts handler panics into a JSON 500 so one bad request
// can never take the control server down.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeError(w, http.StatusInternalServerError, apperrors.CodeInternal,
					fmt.Sprintf("panic: %v", rec), nil, GetRequestID(r.Context()))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Logging emits one structured line per request.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", GetRequestID(r.Context())))
		})
	}
}

// PollLimiter rate-limits heartbeat polls per node so a misconfigured
// agent stuck in a tight loop cannot monopolize the server.
func PollLimiter(pollsPerSecond float64, burst int) func(http.Handler) http.Handler {
	limiters := &nodeLimiters{
		rate:  rate.Limit(pollsPerSecond),
		burst: burst,
		byID:  make(map[string]*rate.Limiter),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nodeID := chi.URLParam(r, "nodeID")
			if nodeID != "" && !limiters.get(nodeID).Allow() {
				writeError(w, http.StatusTooManyRequests, apperrors.CodeBadRequest,
					fmt.Sprintf("node %s is polling faster than the allowed rate", nodeID),
					map[string]any{"nodeId": nodeID}, GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type nodeLimiters struct {
	mu    sync.Mutex
	rate  rate.Limit
	burst int
	byID  map[string]*rate.Limiter
}

func (n *nodeLimiters) get(nodeID string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.byID[nodeID]
	if !ok {
		l = rate.NewLimiter(n.rate, n.burst)
		n.byID[nodeID] = l
	}
	return l
}

// writeError mirrors the shared envelope but stamps the request id the
// RequestID middleware attached upstream.
func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: apperrors.HTTPErrorDetail{
			Code:      code,
			Message:   message,
			RequestID: requestID,
			Details:   details,
		},
	})
}
