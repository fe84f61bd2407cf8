package cache

import (
	"bytes"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HeaderStatus reports HIT or MISS on cached routes.
const HeaderStatus = "X-Cache"

// Middleware serves GET requests from c keyed by the request URI. Misses
// run the handler and store successful JSON responses for ttl. Cache
// errors never fail the request.
func Middleware(c Cache, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			key := r.URL.RequestURI()

			body, ok, err := c.Get(r.Context(), key)
			if err != nil {
				logger.Warn("cache read failed", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderStatus, "HIT")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(body)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			w.Header().Set(HeaderStatus, "MISS")
			next.ServeHTTP(rec, r)

			if rec.status != http.StatusOK || !strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
				return
			}
			if err := c.Set(r.Context(), key, rec.body.Bytes(), ttl); err != nil {
				logger.Warn("cache write failed", "key", key, "error", err)
			}
		})
	}
}

// recorder forwards the response while keeping a copy of the body.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
