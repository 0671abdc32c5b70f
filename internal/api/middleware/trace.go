// Package middleware provides HTTP middleware shared by the API routes.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/captionq/internal/api/shared"
	"github.com/phrazzld/captionq/internal/platform/logger"
)

// NewTraceMiddleware assigns each request a trace ID, reusing chi's request
// ID when present, and stores a logger annotated with it in the context.
func NewTraceMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context(), chimiddleware.GetReqID(r.Context()))
			reqLog := log.With("trace_id", shared.GetTraceID(ctx))
			ctx = logger.WithLogger(ctx, reqLog)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger logs one line per request with its status and duration.
// It must run after NewTraceMiddleware.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.FromContextOrDefault(r.Context(), slog.Default()).DebugContext(r.Context(), "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String())
	})
}
