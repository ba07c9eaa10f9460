package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Timeout bounds each request with a deadline. If the handler has not
// written anything when the deadline passes, the client gets a 504; a
// handler that already started its response keeps the connection.
func Timeout(limit time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), limit)
			defer cancel()

			rec := &writeRecorder{ResponseWriter: w}
			done := make(chan struct{})
			go func() {
				next.ServeHTTP(rec, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if !rec.wrote {
					slog.Warn("request deadline exceeded",
						"method", r.Method, "path", r.URL.Path, "limit", limit)
					http.Error(w, `{"error":"request timeout"}`, http.StatusGatewayTimeout)
				}
			}
		})
	}
}

type writeRecorder struct {
	http.ResponseWriter
	wrote bool
}

func (r *writeRecorder) WriteHeader(code int) {
	r.wrote = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *writeRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}
