package api

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
)

// responseRecorder remembers what the handler sent. status stays 0 until
// the header is written.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (r *responseRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

// routeOf returns the mux pattern that served r. ServeMux sets it on the
// request it was handed, so it is only known after routing.
func routeOf(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.Pattern
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func accessAttrs(r *http.Request, rw *responseRecorder, reqID string, start time.Time) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("route", routeOf(r)),
		slog.String("path", r.URL.Path),
		slog.Int("status", rw.code()),
		slog.Int("bytes", rw.bytes),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if id := r.PathValue("id"); id != "" {
		key := "image_id"
		if strings.Contains(r.Pattern, "/api/tasks/") {
			key = "task_id"
		}
		attrs = append(attrs, slog.String(key, id))
	}
	if r.URL.RawQuery != "" {
		attrs = append(attrs, slog.String("query", r.URL.RawQuery))
	}
	return attrs
}

// requestLogger tags every request with an X-Request-Id, recovers handler
// panics and writes one access line per request. Lines for routed requests
// carry the matched route and the task or image id it addressed.
func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := requestID(r)
		w.Header().Set("X-Request-Id", reqID)
		rw := &responseRecorder{ResponseWriter: w}

		defer func() {
			if p := recover(); p != nil {
				logger.Error("handler panicked",
					"request_id", reqID,
					"route", routeOf(r),
					"panic", p,
					"stack", string(debug.Stack()),
				)
				if rw.status == 0 {
					writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
				}
			}
			status := rw.code()
			logger.LogAttrs(r.Context(), levelFor(status), "api request", accessAttrs(r, rw, reqID, start)...)
		}()

		next.ServeHTTP(rw, r)
	})
}
