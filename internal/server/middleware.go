package server

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/xrouter/llmgw/pkg/llm"
)

// slowRequestThreshold is the processing time above which a request is
// logged as slow.
const slowRequestThreshold = time.Second

type requestIDKey struct{}

// RequestIDFrom returns the request id attached by [RequestID].
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID accepts an inbound X-Request-ID header or mints a fresh id,
// echoes it on the response, and flags slow requests.
func RequestID(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)

			start := time.Now()
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), requestIDKey{}, id)))

			if elapsed := time.Since(start); elapsed > slowRequestThreshold {
				log.Warn("slow request",
					"request_id", id,
					"method", r.Method,
					"path", r.URL.Path,
					"duration", elapsed)
			}
		})
	}
}

// recoverer turns panics into the standard error envelope instead of a
// dropped connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("panic while serving request",
					"request_id", RequestIDFrom(r.Context()),
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()))
				s.writeError(w, r, llm.NewError(500, "Internal server error",
					map[string]any{"error": "unexpected panic"}))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
