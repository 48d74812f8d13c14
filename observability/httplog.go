package observability

import (
	"database/sql"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/extractkit/pekserve/kit"
)

// RequestLogger is chi middleware that records every request to the
// http_request_logs table and emits a structured log line. Persistence
// happens on the request goroutine after the response is written; a
// failing observability store never fails the request.
func RequestLogger(db *sql.DB, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			traceID := kit.GetTraceID(r.Context())

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", duration,
				"trace_id", traceID)

			// Client address as resolved upstream (trace middleware),
			// falling back to the raw connection address.
			ip := kit.GetRemoteAddr(r.Context())
			if ip == "" {
				ip = r.RemoteAddr
				if host, _, err := net.SplitHostPort(ip); err == nil {
					ip = host
				}
			}

			if _, err := db.Exec(`
				INSERT INTO http_request_logs (trace_id, method, path, status_code, duration_ms, ip_address, user_agent)
				VALUES (?,?,?,?,?,?,?)`,
				traceID, r.Method, r.URL.Path, status, duration.Milliseconds(), ip, r.UserAgent()); err != nil {
				logger.Warn("http request log insert failed", "error", err)
			}
		})
	}
}
