package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Logger writes one structured line per request. Server errors log at error
// level, client errors at warn, and health probes at debug.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		entry := &logEntry{}

		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), logEntryKey, entry)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		}
		if entry.actorID != "" {
			attrs = append(attrs, slog.String("actor_id", entry.actorID))
		}

		slog.LogAttrs(r.Context(), requestLevel(r, status), "request", attrs...)
	})
}

// logEntry collects fields learned further down the chain, such as the
// caller resolved by Authenticate.
type logEntry struct {
	actorID string
}

func noteActor(ctx context.Context, actorID string) {
	if e, ok := ctx.Value(logEntryKey).(*logEntry); ok {
		e.actorID = actorID
	}
}

func loggedActor(ctx context.Context) string {
	if e, ok := ctx.Value(logEntryKey).(*logEntry); ok {
		return e.actorID
	}
	return ""
}

func requestLevel(r *http.Request, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case strings.HasPrefix(r.URL.Path, "/health"):
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
