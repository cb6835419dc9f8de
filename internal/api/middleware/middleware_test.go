package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cortexgw/cortex/internal/api/reqid"
	"github.com/cortexgw/cortex/internal/auth"
	"github.com/cortexgw/cortex/internal/metrics"
	"github.com/cortexgw/cortex/internal/sessions"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/internal/usage"
	"github.com/cortexgw/cortex/pkg/models"
)

// counterValue sums one counter family across all label sets.
func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	fams, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var total float64
	for _, fam := range fams {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = reqid.FromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("no request id in context")
	}
	if got := rec.Header().Get(reqid.Header); got != seen {
		t.Fatalf("response header %q does not match context id %q", got, seen)
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = reqid.FromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(reqid.Header, "upstream-abc")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "upstream-abc" {
		t.Fatalf("client id not honored: got %q", seen)
	}
}

func TestRequireAPIKey(t *testing.T) {
	s := store.NewMemoryStore()
	raw, key, err := auth.Mint("test", []string{"chat"}, 1, 0, nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := s.CreateKey(context.Background(), key); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	met := metrics.New()
	var id *auth.Identity
	h := RequireAPIKey(auth.NewKeyService(s, false), met)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ = auth.FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid key: status %d", rec.Code)
	}
	if id == nil || id.Provider != "apikey" {
		t.Fatalf("identity not attached: %+v", id)
	}

	// Missing credentials produce the error envelope.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status %d", rec.Code)
	}
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error envelope: %v", err)
	}
	if body.Error.Code != http.StatusUnauthorized || body.Error.Message == "" {
		t.Fatalf("envelope = %+v", body.Error)
	}

	// Both decisions were counted.
	if got := counterValue(t, met, "gateway_key_auth_allowed_total"); got != 1 {
		t.Fatalf("allowed counter = %v, want 1", got)
	}
	if got := counterValue(t, met, "gateway_key_auth_blocked_total"); got != 1 {
		t.Fatalf("blocked counter = %v, want 1", got)
	}
}

func TestRateLimitedRequestStillRecorded(t *testing.T) {
	s := store.NewMemoryStore()
	recorder := usage.NewRecorder(s, 16, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { recorder.Run(ctx); close(done) }()

	l := NewLimiter(nil, 1, 1, 8)
	h := RateLimit(l, recorder)(okHandler())

	id := &auth.Identity{KeyID: 42, Provider: "apikey"}
	var last int
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req.WithContext(auth.WithIdentity(req.Context(), id)))
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", last)
	}

	cancel()
	<-done

	records, err := s.ListUsage(context.Background(), store.UsageFilter{KeyID: 42})
	if err != nil {
		t.Fatalf("ListUsage: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d usage records, want 1 for the limited request", len(records))
	}
	if records[0].Status != http.StatusTooManyRequests {
		t.Fatalf("record status = %d, want 429", records[0].Status)
	}
}

func TestRequireScopeMiddleware(t *testing.T) {
	handler := RequireScope("embeddings")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/embeddings", nil)
	ctx := auth.WithIdentity(req.Context(), &auth.Identity{Scopes: []string{"chat"}})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong scope: status %d, want 403", rec.Code)
	}

	ctx = auth.WithIdentity(req.Context(), &auth.Identity{Scopes: []string{"embeddings"}})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusOK {
		t.Fatalf("granted scope: status %d", rec.Code)
	}
}

func TestRequireSessionAndAdmin(t *testing.T) {
	svc := sessions.New(time.Hour)
	sess := svc.Create(context.Background(), &models.User{ID: 7, Role: "member"})

	h := RequireSession(svc)(RequireAdmin(okHandler()))

	// No cookie.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/models", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no cookie: status %d", rec.Code)
	}

	// Member session hits the admin gate.
	req := httptest.NewRequest(http.MethodGet, "/admin/models", nil)
	req.AddCookie(&http.Cookie{Name: sessions.CookieName, Value: sess.ID})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member session: status %d, want 403", rec.Code)
	}

	admin := svc.Create(context.Background(), &models.User{ID: 8, Role: "admin"})
	req = httptest.NewRequest(http.MethodGet, "/admin/models", nil)
	req.AddCookie(&http.Cookie{Name: sessions.CookieName, Value: admin.ID})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin session: status %d", rec.Code)
	}
}
