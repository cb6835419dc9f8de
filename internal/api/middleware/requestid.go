package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/cortexgw/cortex/internal/api/reqid"
)

// RequestID assigns every request a correlation id. A client-supplied
// x-request-id is honored so ids stay stable across proxies; otherwise a
// fresh UUID is minted. The id is echoed back on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(reqid.Header)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(reqid.Header, id)
		next.ServeHTTP(w, r.WithContext(reqid.WithRequestID(r.Context(), id)))
	})
}
