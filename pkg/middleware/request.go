package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/brayalter/vmwatch/pkg/logging"
	"github.com/google/uuid"
)

type contextKey string

const RequestIDContextKey contextKey = "request_id"

// RequestIDHeader carries the request ID in and out
const RequestIDHeader = "X-Request-ID"

// RequestID keeps the caller's X-Request-ID or assigns a new one, and echoes
// it on the response
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), RequestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the request context
func GetRequestID(r *http.Request) string {
	if id, ok := r.Context().Value(RequestIDContextKey).(string); ok {
		return id
	}
	return ""
}

// AccessLog logs one line per request. Health and metrics scrapes are logged
// at debug level.
func AccessLog(logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			fields := map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   sw.status,
				"duration": time.Since(start).Round(time.Microsecond).String(),
				"remote":   r.RemoteAddr,
			}
			if id := GetRequestID(r); id != "" {
				fields["request_id"] = id
			}

			switch {
			case sw.status >= 500:
				logger.Error("HTTP request failed", fields)
			case r.URL.Path == "/health" || r.URL.Path == "/metrics":
				logger.Debug("HTTP request", fields)
			default:
				logger.Info("HTTP request", fields)
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
