package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cortexgw/cortex/internal/api/handlers"
	"github.com/cortexgw/cortex/internal/api/middleware"
	"github.com/cortexgw/cortex/internal/auth"
	"github.com/cortexgw/cortex/internal/config"
	"github.com/cortexgw/cortex/internal/container"
	"github.com/cortexgw/cortex/internal/deploy"
	"github.com/cortexgw/cortex/internal/gateway"
	"github.com/cortexgw/cortex/internal/gpu"
	"github.com/cortexgw/cortex/internal/health"
	"github.com/cortexgw/cortex/internal/inspector"
	"github.com/cortexgw/cortex/internal/metrics"
	"github.com/cortexgw/cortex/internal/registry"
	"github.com/cortexgw/cortex/internal/selector"
	"github.com/cortexgw/cortex/internal/sessions"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/internal/usage"
	"github.com/cortexgw/cortex/pkg/models"
)

type fakeRuntime struct{}

func (fakeRuntime) Run(context.Context, *container.LaunchSpec) (string, error) { return "deadbeef", nil }
func (fakeRuntime) Stop(context.Context, string) error                         { return nil }
func (fakeRuntime) Alive(context.Context, string) (bool, error)                { return true, nil }
func (fakeRuntime) Logs(context.Context, string, int) (string, error)          { return "", nil }

type env struct {
	t         *testing.T
	srv       *httptest.Server
	store     *store.MemoryStore
	modelsDir string
	cookie    *http.Cookie
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New(st)
	keys := auth.NewKeyService(st, false)
	sess := sessions.New(time.Hour)
	br := selector.NewBreaker(5, time.Minute)
	sel := selector.New(reg, br)
	lim := middleware.NewLimiter(nil, 1000, 1000, 8)
	rec := usage.NewRecorder(st, 64, 1)
	met := metrics.New()
	gw := gateway.New(reg, sel, lim, rec, met, gateway.Config{})
	poller := health.New(reg, br, health.Config{})
	ctrl := container.New(reg, fakeRuntime{}, container.Config{})

	modelsDir := t.TempDir()
	cfg := &config.Config{
		Version:     "test",
		CORSOrigins: []string{"*"},
	}
	h := &handlers.Handlers{
		Registry:   reg,
		Controller: ctrl,
		Selector:   sel,
		Health:     poller,
		Store:      st,
		Keys:       keys,
		Sessions:   sess,
		Inspector:  inspector.New(modelsDir),
		GPU:        gpu.NewProber(),
		Scraper:    metrics.NewEngineScraper(reg),
		Runner:     deploy.NewRunner(),
		Jobs:       deploy.NewJobs(st, reg, modelsDir, t.TempDir()),
		Recorder:   rec,
		Config:     cfg,
		Version:    cfg.Version,
	}
	handler := New(Deps{
		Handlers: h,
		Gateway:  gw,
		Metrics:  met,
		Keys:     keys,
		Sessions: sess,
		Limiter:  lim,
		Config:   cfg,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &env{t: t, srv: srv, store: st, modelsDir: modelsDir}
}

// seedAdmin creates an admin user plus a bootstrap key and logs in.
func (e *env) seedAdmin() string {
	e.t.Helper()
	u := &models.User{Email: "root@local", Name: "Root", Role: "admin"}
	if err := e.store.CreateUser(context.Background(), u); err != nil {
		e.t.Fatalf("create user: %v", err)
	}
	raw, key, err := auth.Mint("bootstrap", []string{"*"}, u.ID, 0, nil)
	if err != nil {
		e.t.Fatalf("mint: %v", err)
	}
	if err := e.store.CreateKey(context.Background(), key); err != nil {
		e.t.Fatalf("create key: %v", err)
	}
	e.login(raw)
	return raw
}

func (e *env) login(token string) {
	e.t.Helper()
	resp, _ := e.do(http.MethodPost, "/admin/auth/login", map[string]string{"token": token})
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == sessions.CookieName {
			e.cookie = c
			return
		}
	}
	e.t.Fatal("login set no session cookie")
}

func (e *env) do(method, path string, body any) (*http.Response, []byte) {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.cookie != nil {
		req.AddCookie(e.cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func decodeInto(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
}

func TestLoginIssuesSessionCookie(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin()

	resp, data := e.do(http.MethodGet, "/admin/auth/me", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d, want 200", resp.StatusCode)
	}
	var me models.User
	decodeInto(t, data, &me)
	if me.Email != "root@local" {
		t.Fatalf("me email = %q, want root@local", me.Email)
	}
}

func TestLoginRejectsUnknownToken(t *testing.T) {
	e := newEnv(t)
	resp, data := e.do(http.MethodPost, "/admin/auth/login", map[string]string{"token": "ck-nope"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", resp.StatusCode, data)
	}
}

func TestAdminRequiresSession(t *testing.T) {
	e := newEnv(t)
	resp, data := e.do(http.MethodGet, "/admin/models", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var envl struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
		Request string `json:"request_id"`
	}
	decodeInto(t, data, &envl)
	if envl.Error.Code != http.StatusUnauthorized || envl.Request == "" {
		t.Fatalf("unexpected envelope: %s", data)
	}
}

func TestMemberSessionForbidden(t *testing.T) {
	e := newEnv(t)
	u := &models.User{Email: "dev@local", Name: "Dev", Role: "member"}
	if err := e.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	raw, key, _ := auth.Mint("dev", []string{"*"}, u.ID, 0, nil)
	if err := e.store.CreateKey(context.Background(), key); err != nil {
		t.Fatalf("create key: %v", err)
	}
	e.login(raw)

	resp, _ := e.do(http.MethodGet, "/admin/models", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestKeyLifecycle(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin()

	resp, data := e.do(http.MethodPost, "/admin/keys", map[string]any{
		"name":   "ci",
		"scopes": []string{"chat"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, data)
	}
	var created struct {
		Key   models.ApiKey `json:"key"`
		Token string        `json:"token"`
	}
	decodeInto(t, data, &created)
	if !strings.HasPrefix(created.Token, "ck-") {
		t.Fatalf("token = %q, want ck- prefix", created.Token)
	}
	if created.Key.Hash != "" {
		t.Fatal("create response leaked the key hash")
	}

	resp, data = e.do(http.MethodGet, "/admin/keys", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if bytes.Contains(data, []byte(auth.HashToken(created.Token))) {
		t.Fatal("list response leaked a key hash")
	}

	resp, data = e.do(http.MethodPatch, "/admin/keys/2", map[string]any{"disabled": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d: %s", resp.StatusCode, data)
	}
	var patched models.ApiKey
	decodeInto(t, data, &patched)
	if !patched.Disabled {
		t.Fatal("patch did not disable the key")
	}

	resp, _ = e.do(http.MethodDelete, "/admin/keys/2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = e.do(http.MethodGet, "/admin/keys/2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted status = %d, want 404", resp.StatusCode)
	}
}

func TestModelCRUDAndArchive(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin()

	resp, data := e.do(http.MethodPost, "/admin/models", map[string]any{
		"name":        "Llama 8B",
		"served_name": "llama-8b",
		"engine":      "transformers-server",
		"repo_id":     "meta-llama/Llama-3.1-8B-Instruct",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, data)
	}
	var m models.Model
	decodeInto(t, data, &m)
	if m.State != models.StateStopped {
		t.Fatalf("new model state = %s, want stopped", m.State)
	}

	resp, data = e.do(http.MethodPatch, "/admin/models/1", map[string]any{"name": "Llama"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d: %s", resp.StatusCode, data)
	}
	decodeInto(t, data, &m)
	if m.Name != "Llama" {
		t.Fatalf("patched name = %q", m.Name)
	}

	resp, data = e.do(http.MethodPost, "/admin/models/1/archive", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive status = %d: %s", resp.StatusCode, data)
	}
	decodeInto(t, data, &m)
	if m.State != models.StateArchived {
		t.Fatalf("state = %s, want archived", m.State)
	}

	// Archived models are hidden from the default listing.
	resp, data = e.do(http.MethodGet, "/admin/models", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list []models.Model
	decodeInto(t, data, &list)
	if len(list) != 0 {
		t.Fatalf("default list has %d models, want 0", len(list))
	}

	resp, _ = e.do(http.MethodDelete, "/admin/models/1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func TestUsageSurface(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin()

	now := time.Now().UTC()
	records := []models.UsageRecord{
		{KeyID: 1, ServedName: "m1", Task: models.TaskChat, PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30, LatencyMS: 100, TTFTMS: 40, Status: 200, RequestID: "r1", CreatedAt: now},
		{KeyID: 1, ServedName: "m1", Task: models.TaskChat, PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10, LatencyMS: 300, Status: 502, RequestID: "r2", CreatedAt: now},
	}
	if err := e.store.InsertUsage(context.Background(), records); err != nil {
		t.Fatalf("insert usage: %v", err)
	}

	resp, data := e.do(http.MethodGet, "/admin/usage?limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d: %s", resp.StatusCode, data)
	}
	var listed struct {
		Records []models.UsageRecord `json:"records"`
	}
	decodeInto(t, data, &listed)
	if len(listed.Records) != 2 {
		t.Fatalf("listed %d records, want 2", len(listed.Records))
	}

	resp, data = e.do(http.MethodGet, "/admin/usage/aggregate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("aggregate status = %d", resp.StatusCode)
	}
	var agg store.UsageAggregate
	decodeInto(t, data, &agg)
	if agg.Requests != 2 || agg.TotalTokens != 40 || agg.ErrorCount != 1 {
		t.Fatalf("aggregate = %+v", agg)
	}

	resp, data = e.do(http.MethodGet, "/admin/usage/series?interval_minutes=60", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("series status = %d: %s", resp.StatusCode, data)
	}
	var series struct {
		Series []struct {
			Requests int64 `json:"requests"`
		} `json:"series"`
	}
	decodeInto(t, data, &series)
	if len(series.Series) != 1 || series.Series[0].Requests != 2 {
		t.Fatalf("series = %s", data)
	}

	resp, data = e.do(http.MethodGet, "/admin/usage/latency", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("latency status = %d", resp.StatusCode)
	}
	var pct struct {
		Samples int   `json:"samples"`
		P50     int64 `json:"p50_ms"`
	}
	decodeInto(t, data, &pct)
	if pct.Samples != 2 {
		t.Fatalf("latency samples = %d, want 2", pct.Samples)
	}

	// TTFT excludes the record without a sample.
	resp, data = e.do(http.MethodGet, "/admin/usage/ttft", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ttft status = %d", resp.StatusCode)
	}
	decodeInto(t, data, &pct)
	if pct.Samples != 1 {
		t.Fatalf("ttft samples = %d, want 1", pct.Samples)
	}

	resp, data = e.do(http.MethodGet, "/admin/usage/export", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("export content type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("export has %d lines, want header + 2 rows", len(lines))
	}
}

func TestDeploymentEstimateSize(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin()

	path := filepath.Join(e.modelsDir, "weights.gguf")
	if err := os.WriteFile(path, make([]byte, 2048), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	resp, data := e.do(http.MethodPost, "/admin/deployment/estimate-size", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d: %s", resp.StatusCode, data)
	}
	var job deploy.Job
	decodeInto(t, data, &job)

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, data = e.do(http.MethodGet, "/admin/deployment/jobs/"+job.ID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get job status = %d", resp.StatusCode)
		}
		decodeInto(t, data, &job)
		if job.Status == deploy.StatusCompleted {
			break
		}
		if job.Status == deploy.StatusFailed || time.Now().After(deadline) {
			t.Fatalf("job did not complete: %+v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.BytesWritten != 2048 {
		t.Fatalf("estimated bytes = %d, want 2048", job.BytesWritten)
	}
}

func TestDeployOptionsRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin()

	resp, data := e.do(http.MethodPut, "/admin/deployment/options", map[string]any{"include_keys": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d: %s", resp.StatusCode, data)
	}
	resp, data = e.do(http.MethodGet, "/admin/deployment/options", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var opts map[string]any
	decodeInto(t, data, &opts)
	if opts["include_keys"] != true {
		t.Fatalf("options = %v", opts)
	}
}

func TestDatabaseDumpBeforeExport(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin()
	resp, _ := e.do(http.MethodGet, "/admin/deployment/database-dump", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSystemEndpoints(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin()

	resp, data := e.do(http.MethodGet, "/admin/system/capabilities", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capabilities status = %d: %s", resp.StatusCode, data)
	}
	var caps map[string]any
	decodeInto(t, data, &caps)
	if caps["version"] != "test" {
		t.Fatalf("capabilities version = %v", caps["version"])
	}

	resp, data = e.do(http.MethodGet, "/admin/system/gpus", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("gpus status = %d", resp.StatusCode)
	}
	var gpus struct {
		GPUs []gpu.Device `json:"gpus"`
	}
	decodeInto(t, data, &gpus)

	resp, _ = e.do(http.MethodGet, "/admin/system/throughput", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("throughput status = %d", resp.StatusCode)
	}
	resp, _ = e.do(http.MethodGet, "/admin/system/host/summary", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("host summary status = %d", resp.StatusCode)
	}
	resp, _ = e.do(http.MethodGet, "/admin/system/host/trends?hours=6", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("host trends status = %d", resp.StatusCode)
	}
}

func TestHealthVersionAndMetrics(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	resp, _ = e.do(http.MethodGet, "/version", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("version status = %d", resp.StatusCode)
	}
	resp, data := e.do(http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if !bytes.Contains(data, []byte("gateway_")) {
		t.Fatal("metrics output has no gateway series")
	}
}
