package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/depotlab/commons/pkg/contextkeys"
	"github.com/depotlab/commons/pkg/observability"
)

const requestIDHeader = "X-Request-ID"

// RequestID assigns each request a correlation id, honoring one supplied
// by the gateway, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, requestID)

		ctx := contextkeys.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// AccessLog writes one structured log line per request with the request
// id, caller identity, status and duration.
func AccessLog(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			ctx := r.Context()
			entry := observability.LoggerWithTraceContext(ctx, logger)
			entry.WithFields(map[string]interface{}{
				"request_id":  contextkeys.GetRequestID(ctx),
				"identity":    contextkeys.GetIdentity(ctx).Ref(),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("Request")
		})
	}
}
