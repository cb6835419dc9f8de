package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cortexgw/cortex/internal/api/reqid"
)

// responseWriter captures the status code and byte count while keeping
// http.Flusher reachable for SSE streams.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logger emits one structured line per request. Level escalates with the
// response status so 5xx noise is visible without grepping.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		evt := log.Info()
		switch {
		case rw.statusCode >= 500:
			evt = log.Error()
		case rw.statusCode >= 400:
			evt = log.Warn()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Int("bytes", rw.bytes).
			Dur("duration", time.Since(start)).
			Str("request_id", reqid.FromContext(r.Context())).
			Str("remote", r.RemoteAddr).
			Msg("Request")
	})
}
