// Package middleware holds HTTP middleware shared by every route.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/consistency/internal/api/shared"
	"github.com/phrazzld/consistency/internal/platform/logger"
)

// TraceHeader carries a caller-supplied trace ID. Peers forward it so a
// heartbeat can be followed across nodes.
const TraceHeader = "X-Trace-ID"

// TraceMiddleware adds a trace ID to the request context and echoes it in
// the response headers. An incoming TraceHeader is reused.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if incoming := r.Header.Get(TraceHeader); incoming != "" {
			ctx = shared.WithTraceID(ctx, incoming)
		} else {
			ctx = shared.SetTraceID(ctx)
		}
		w.Header().Set(TraceHeader, shared.GetTraceID(ctx))

		logger.FromContext(ctx).Debug("request started",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
