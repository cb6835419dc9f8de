package middleware

import (
	"net/http"

	"github.com/cortexgw/cortex/internal/api/render"
	"github.com/cortexgw/cortex/internal/auth"
	"github.com/cortexgw/cortex/internal/metrics"
	"github.com/cortexgw/cortex/internal/sessions"
	"github.com/cortexgw/cortex/pkg/apierror"
)

// RequireAPIKey authenticates the inference surface with a bearer token.
// Every decision is counted: allows by credential provider, blocks by
// rejection kind.
func RequireAPIKey(keys *auth.KeyService, met *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := keys.VerifyToken(r.Context(), auth.BearerToken(r))
			if err != nil {
				if met != nil {
					met.AuthBlocked.WithLabelValues(string(apierror.From(err).Kind)).Inc()
				}
				render.Error(w, r, err)
				return
			}
			if met != nil {
				met.AuthAllowed.WithLabelValues(id.Provider).Inc()
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// RequireScope gates a route on a key scope. Must run after RequireAPIKey.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.FromContext(r.Context())
			if !ok {
				render.Error(w, r, apierror.New(apierror.AuthMissing, "missing bearer token"))
				return
			}
			if err := auth.RequireScope(id, scope); err != nil {
				render.Error(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSession authenticates the admin surface with the session cookie.
func RequireSession(svc *sessions.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(sessions.CookieName)
			if err != nil {
				render.Error(w, r, apierror.New(apierror.AuthMissing, "missing session cookie"))
				return
			}
			sess, err := svc.Get(r.Context(), cookie.Value)
			if err != nil {
				render.Error(w, r, err)
				return
			}
			id := &auth.Identity{
				UserID:   sess.UserID,
				Role:     sess.Role,
				Provider: "session",
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin restricts a route to admin-role sessions. Must run after
// RequireSession.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			render.Error(w, r, apierror.New(apierror.AuthMissing, "missing session cookie"))
			return
		}
		if id.Role != "admin" {
			render.Error(w, r, apierror.New(apierror.AuthScope, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
