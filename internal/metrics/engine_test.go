package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/cortexgw/cortex/internal/registry"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/models"
)

const vllmScrape = `# HELP vllm:num_requests_running Number of requests currently running.
# TYPE vllm:num_requests_running gauge
vllm:num_requests_running{model_name="m1"} 3
# TYPE vllm:num_requests_waiting gauge
vllm:num_requests_waiting{model_name="m1"} 2
# TYPE vllm:prompt_tokens_total counter
vllm:prompt_tokens_total{model_name="m1"} 1200
# TYPE vllm:generation_tokens_total counter
vllm:generation_tokens_total{model_name="m1"} 800
# TYPE vllm:time_to_first_token_seconds histogram
vllm:time_to_first_token_seconds_bucket{model_name="m1",le="0.1"} 8
vllm:time_to_first_token_seconds_bucket{model_name="m1",le="+Inf"} 10
vllm:time_to_first_token_seconds_sum{model_name="m1"} 2.5
vllm:time_to_first_token_seconds_count{model_name="m1"} 10
# TYPE vllm:gpu_cache_usage_perc gauge
vllm:gpu_cache_usage_perc{model_name="m1"} 0.42
`

func seedRunning(t *testing.T, reg *registry.Registry, servedName string, port int) *models.Model {
	t.Helper()
	ctx := context.Background()
	m, err := reg.Create(ctx, registry.CreateInput{
		Name: servedName, ServedName: servedName, Engine: models.EngineTransformers,
		RepoID: "org/" + servedName, ImageTag: "vllm/vllm-openai:v0.8.4",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.SetState(ctx, m.ID, models.StateStarting, ""); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := reg.SetRuntime(ctx, m.ID, "transformers-server-model-1", port); err != nil {
		t.Fatalf("SetRuntime: %v", err)
	}
	for _, st := range []models.ModelState{models.StateLoading, models.StateRunning} {
		if err := reg.SetState(ctx, m.ID, st, ""); err != nil {
			t.Fatalf("SetState %s: %v", st, err)
		}
	}
	got, _ := reg.Get(ctx, m.ID)
	return got
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse %q: %v", srv.URL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("port %q: %v", u.Port(), err)
	}
	return port
}

func TestCollectNormalizesVLLM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(vllmScrape))
	}))
	defer srv.Close()

	reg := registry.New(store.NewMemoryStore())
	seedRunning(t, reg, "m1", serverPort(t, srv))

	stats, err := NewEngineScraper(reg).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("got %d entries, want 1", len(stats))
	}
	st := stats[0]
	if st.Error != "" {
		t.Fatalf("unexpected scrape error: %s", st.Error)
	}
	if st.RequestsRunning != 3 || st.RequestsWaiting != 2 {
		t.Errorf("queue stats = %v/%v, want 3/2", st.RequestsRunning, st.RequestsWaiting)
	}
	if st.PromptTokensTotal != 1200 || st.GenerationTokensTotal != 800 {
		t.Errorf("token totals = %v/%v", st.PromptTokensTotal, st.GenerationTokensTotal)
	}
	if st.TTFTSeconds != 0.25 {
		t.Errorf("ttft = %v, want 0.25", st.TTFTSeconds)
	}
	if st.KVCacheUtilization != 0.42 {
		t.Errorf("kv cache = %v, want 0.42", st.KVCacheUtilization)
	}
}

func TestCollectFailedScrapeIsInline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(vllmScrape))
	}))
	port := serverPort(t, srv)
	srv.Close() // backend is down

	reg := registry.New(store.NewMemoryStore())
	seedRunning(t, reg, "m1", port)

	stats, err := NewEngineScraper(reg).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect must not fail on a dead backend: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("got %d entries, want 1", len(stats))
	}
	if stats[0].Error == "" {
		t.Error("dead backend should carry an inline error")
	}
}

func TestCollectSkipsNonRunningModels(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	if _, err := reg.Create(context.Background(), registry.CreateInput{
		Name: "idle", ServedName: "idle", Engine: models.EngineGGUF,
		LocalPath: "/models/idle.gguf", ImageTag: "ghcr.io/ggml-org/llama.cpp:server-cuda-b5200",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stats, err := NewEngineScraper(reg).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(stats) != 0 {
		t.Fatalf("stopped models must not be scraped, got %d entries", len(stats))
	}
}
