package container

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cortexgw/cortex/internal/registry"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

// fakeRuntime is an in-memory Runtime for controller tests.
type fakeRuntime struct {
	mu       sync.Mutex
	alive    map[string]bool
	logs     map[string]string
	runCalls int
	runErr   error
	stopped  []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{alive: make(map[string]bool), logs: make(map[string]string)}
}

func (f *fakeRuntime) Run(_ context.Context, spec *LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	if f.runErr != nil {
		return "", f.runErr
	}
	f.alive[spec.ContainerName] = true
	return "abc123def456", nil
}

func (f *fakeRuntime) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	delete(f.alive, name)
	return nil
}

func (f *fakeRuntime) Alive(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[name], nil
}

func (f *fakeRuntime) Logs(_ context.Context, name string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[name], nil
}

func (f *fakeRuntime) kill(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, name)
}

func fastConfig() Config {
	return Config{
		ModelsDir:          "/srv/models",
		HFCacheDir:         "/srv/hf",
		QuickDeathWindow:   40 * time.Millisecond,
		QuickDeathInterval: 10 * time.Millisecond,
		ReadinessWindow:    80 * time.Millisecond,
		ReadinessInterval:  10 * time.Millisecond,
	}
}

func seedModel(t *testing.T, reg *registry.Registry, engine models.EngineKind) *models.Model {
	t.Helper()
	in := registry.CreateInput{
		Name: "m", ServedName: "m1", Engine: engine,
		ImageTag: "vllm/vllm-openai:v0.8.4",
	}
	if engine == models.EngineGGUF {
		in.LocalPath = "m1/model.gguf"
		in.ImageTag = "ghcr.io/ggml-org/llama.cpp:server-cuda-b5200"
	} else {
		in.RepoID = "org/m1"
	}
	m, err := reg.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

func TestStartQuickDeathMarksFailed(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	rt := newFakeRuntime()
	c := New(reg, rt, fastConfig())
	ctx := context.Background()
	m := seedModel(t, reg, models.EngineTransformers)

	if err := c.Start(ctx, m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	name := "transformers-server-model-" + strconv.FormatInt(m.ID, 10)
	rt.mu.Lock()
	rt.logs[name] = "torch.OutOfMemoryError: CUDA out of memory"
	rt.mu.Unlock()
	rt.kill(name)

	waitForState(t, reg, m.ID, models.StateFailed, time.Second)
	got, _ := reg.Get(ctx, m.ID)
	if got.LastError == "" {
		t.Error("quick death should record an error")
	}
}

func TestStartReadinessTimeoutStaysLoading(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	rt := newFakeRuntime()
	c := New(reg, rt, fastConfig())
	ctx := context.Background()
	m := seedModel(t, reg, models.EngineTransformers)

	// Health endpoint that never becomes ready.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := c.Start(ctx, m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, _ := reg.Get(ctx, m.ID)
	c.verifyStartup(ctx, m.ID, got.ContainerName, srv.URL)

	got, _ = reg.Get(ctx, m.ID)
	if got.State != models.StateLoading {
		t.Errorf("state = %s, want loading after readiness timeout", got.State)
	}
}

func TestStartBecomesRunningOnHealth(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	rt := newFakeRuntime()
	c := New(reg, rt, fastConfig())
	ctx := context.Background()
	m := seedModel(t, reg, models.EngineTransformers)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := c.Start(ctx, m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, _ := reg.Get(ctx, m.ID)
	c.verifyStartup(ctx, m.ID, got.ContainerName, srv.URL)

	got, _ = reg.Get(ctx, m.ID)
	if got.State != models.StateRunning {
		t.Errorf("state = %s, want running", got.State)
	}
}

func TestOfflineTokenizerGate(t *testing.T) {
	cfg := fastConfig()
	cfg.OfflineMode = true
	reg := registry.New(store.NewMemoryStore())
	rt := newFakeRuntime()
	c := New(reg, rt, cfg)
	ctx := context.Background()

	m, err := reg.Create(ctx, registry.CreateInput{
		Name: "m", ServedName: "m1", Engine: models.EngineGGUF,
		LocalPath: "m1/model.gguf",
		ImageTag:  "ghcr.io/ggml-org/llama.cpp:server-cuda-b5200",
		Config:    models.ModelConfig{TokenizerRepo: "org/tokenizer"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = c.Start(ctx, m.ID)
	ae := apierror.From(err)
	if ae.Kind != apierror.ValidationError {
		t.Fatalf("got %v, want validation_error", err)
	}
	if _, ok := ae.Fields["config.tokenizer_repo"]; !ok {
		t.Errorf("fields = %v, want tokenizer_repo named", ae.Fields)
	}
	if rt.runCalls != 0 {
		t.Error("gate must fire before any container is launched")
	}
	got, _ := reg.Get(ctx, m.ID)
	if got.State != models.StateStopped {
		t.Errorf("state = %s, want stopped", got.State)
	}

	// A local tokenizer path satisfies the gate.
	_, err = reg.Update(ctx, m.ID, registry.UpdateInput{
		Config: &models.ModelConfig{TokenizerRepo: "org/tokenizer", TokenizerPath: "m1/tokenizer"},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := c.Start(ctx, m.ID); err != nil {
		t.Fatalf("Start after fixing tokenizer: %v", err)
	}
}

func TestStopReleasesContainerAndPort(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	rt := newFakeRuntime()
	c := New(reg, rt, fastConfig())
	ctx := context.Background()
	m := seedModel(t, reg, models.EngineTransformers)

	if err := c.Start(ctx, m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, _ := reg.Get(ctx, m.ID)
	name, port := got.ContainerName, got.Port

	if err := c.Stop(ctx, m.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, _ = reg.Get(ctx, m.ID)
	if got.State != models.StateStopped || got.Port != 0 || got.ContainerName != "" {
		t.Errorf("after stop: state=%s port=%d container=%q", got.State, got.Port, got.ContainerName)
	}
	if alive, _ := rt.Alive(ctx, name); alive {
		t.Error("container still alive after stop")
	}

	// Released port is reallocatable.
	c.ports.Reserve(port)
	c.ports.Release(port)

	// Stop is idempotent.
	if err := c.Stop(ctx, m.ID); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestDryRun(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	c := New(reg, newFakeRuntime(), fastConfig())
	ctx := context.Background()

	m, err := reg.Create(ctx, registry.CreateInput{
		Name: "m", ServedName: "m1", Engine: models.EngineTransformers,
		RepoID: "org/m1", ImageTag: "vllm/vllm-openai:v0.8.4",
		Config: models.ModelConfig{
			ContextLength: 4096, TensorParallel: 1,
			ParamsBillion: 7, Dtype: "bf16",
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := c.DryRun(ctx, m.ID)
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	joined := strings.Join(res.Command, " ")
	for _, want := range []string{"--tensor-parallel-size 1", "--max-model-len 4096"} {
		if !strings.Contains(joined, want) {
			t.Errorf("command %q missing %q", joined, want)
		}
	}
	if res.Estimate.RequiredVRAMGB < 13 || res.Estimate.RequiredVRAMGB > 25 {
		t.Errorf("7B BF16 estimate = %.1f GB, outside plausible range", res.Estimate.RequiredVRAMGB)
	}
}

func TestDiagnose(t *testing.T) {
	cases := []struct {
		logs string
		kind string
	}{
		{"OSError: meta-llama/foo is not a local folder", "tokenizer_missing_offline"},
		{"NCCL error: watchdog timeout", "collective_ops_timeout"},
		{"RuntimeError: CUDA driver version is insufficient", "driver_mismatch"},
		{"torch.OutOfMemoryError: CUDA out of memory", "out_of_memory"},
		{"error while memory profiling", "memory_profile_error"},
		{"gguf_init: invalid magic characters", "legacy_file_format"},
		{"listen tcp: address already in use", "port_conflict"},
		{"all fine here", ""},
	}
	for _, tc := range cases {
		d := Diagnose(tc.logs)
		if tc.kind == "" {
			if d != nil {
				t.Errorf("Diagnose(%q) = %v, want nil", tc.logs, d)
			}
			continue
		}
		if d == nil || d.Kind != tc.kind {
			t.Errorf("Diagnose(%q) = %v, want kind %s", tc.logs, d, tc.kind)
		}
		if d != nil && d.Fix == "" {
			t.Errorf("diagnosis %s carries no fix text", d.Kind)
		}
	}
}

// ── helpers ─────────────────────────────────────────────────

func waitForState(t *testing.T, reg *registry.Registry, id int64, want models.ModelState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m, err := reg.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if m.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	m, _ := reg.Get(context.Background(), id)
	t.Fatalf("state = %s, want %s within %s", m.State, want, timeout)
}
