// Package container launches and stops the backend model containers.
//
// The controller is the only writer of a model's lifecycle state. It
// builds the engine command line deterministically from the model's
// configuration bundle, allocates host ports, and runs a two-phase
// startup verification:
//
//	start handler
//	    └─► Controller.Start(id)
//	            ├─► BuildSpec (args, env, mounts, GPU selection)
//	            ├─► Runtime.Run (docker run)
//	            └─► verifyStartup
//	                    ├─ quick-death window: container exits ⇒ failed
//	                    └─ readiness window: /health 2xx ⇒ running
//
// A readiness timeout without container death leaves the model in
// loading; the health poller keeps probing out-of-band.
package container

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/cortexgw/cortex/internal/registry"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

// Config tunes the controller.
type Config struct {
	ModelsDir   string
	HFCacheDir  string
	OfflineMode bool
	BasePort    int

	QuickDeathWindow   time.Duration
	QuickDeathInterval time.Duration
	ReadinessWindow    time.Duration
	ReadinessInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.BasePort == 0 {
		c.BasePort = 8001
	}
	if c.QuickDeathWindow == 0 {
		c.QuickDeathWindow = 5 * time.Second
	}
	if c.QuickDeathInterval == 0 {
		c.QuickDeathInterval = 500 * time.Millisecond
	}
	if c.ReadinessWindow == 0 {
		c.ReadinessWindow = 12 * time.Second
	}
	if c.ReadinessInterval == 0 {
		c.ReadinessInterval = 2 * time.Second
	}
}

// portAllocator hands out sequential host ports for model containers.
type portAllocator struct {
	mu   sync.Mutex
	next int
	used map[int]bool
}

func newPortAllocator(start int) *portAllocator {
	return &portAllocator{next: start, used: make(map[int]bool)}
}

func (pa *portAllocator) Allocate() int {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	for pa.used[pa.next] {
		pa.next++
	}
	port := pa.next
	pa.used[port] = true
	pa.next++
	return port
}

func (pa *portAllocator) Reserve(port int) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	pa.used[port] = true
}

func (pa *portAllocator) Release(port int) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	delete(pa.used, port)
}

// Controller manages model container lifecycles.
type Controller struct {
	registry *registry.Registry
	runtime  Runtime
	cfg      Config
	ports    *portAllocator
	httpc    *http.Client

	// locks serializes lifecycle operations per model. Distinct models
	// start and stop concurrently.
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates a controller. Probe requests retry transient connection
// failures; a backend that is still binding its port looks identical to
// a dead one on the first attempt.
func New(reg *registry.Registry, runtime Runtime, cfg Config) *Controller {
	cfg.applyDefaults()
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = 3 * time.Second
	rc.Logger = nil
	return &Controller{
		registry: reg,
		runtime:  runtime,
		cfg:      cfg,
		ports:    newPortAllocator(cfg.BasePort),
		httpc:    rc.StandardClient(),
		locks:    make(map[int64]*sync.Mutex),
	}
}

func (c *Controller) lockFor(id int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[id]
	if !ok {
		m = &sync.Mutex{}
		c.locks[id] = m
	}
	return m
}

// BaseURL is the gateway-side address of a model's backend.
func BaseURL(m *models.Model) string {
	return fmt.Sprintf("http://127.0.0.1:%d", m.Port)
}

// ── Lifecycle ───────────────────────────────────────────────

// Start launches the container for a stopped or failed model. It returns
// once the container is created; readiness verification continues in the
// background and transitions loading → running (or failed on quick death).
func (c *Controller) Start(ctx context.Context, id int64) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.State.Active() {
		return apierror.Newf(apierror.StateConflict, "model is already %s", m.State)
	}
	if m.State == models.StateArchived {
		return apierror.New(apierror.ModelArchived, "un-archive the model before starting it")
	}
	if err := c.offlineTokenizerGate(m); err != nil {
		return err
	}

	port := c.ports.Allocate()
	spec, err := BuildSpec(m, port, c.cfg.ModelsDir, c.cfg.HFCacheDir)
	if err != nil {
		c.ports.Release(port)
		return apierror.Validation(map[string]string{"config.gpus": err.Error()})
	}

	if err := c.registry.SetState(ctx, id, models.StateStarting, ""); err != nil {
		c.ports.Release(port)
		return err
	}
	if err := c.registry.SetRuntime(ctx, id, spec.ContainerName, port); err != nil {
		c.ports.Release(port)
		return err
	}

	// Clear any leftover container from a previous crash under this name.
	_ = c.runtime.Stop(ctx, spec.ContainerName)

	if _, err := c.runtime.Run(ctx, spec); err != nil {
		c.ports.Release(port)
		_ = c.registry.SetState(ctx, id, models.StateFailed, err.Error())
		return apierror.Wrap(apierror.Internal, "container launch failed", err)
	}
	if err := c.registry.SetState(ctx, id, models.StateLoading, ""); err != nil {
		return err
	}

	go c.verifyStartup(context.Background(), id, spec.ContainerName,
		fmt.Sprintf("http://127.0.0.1:%d", port))
	return nil
}

// Stop stops and removes the model's container. It never touches model
// files on disk.
func (c *Controller) Stop(ctx context.Context, id int64) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return c.stopLocked(ctx, id)
}

func (c *Controller) stopLocked(ctx context.Context, id int64) error {
	m, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.State == models.StateStopped {
		return nil
	}
	if !m.State.Active() && m.State != models.StateFailed {
		return apierror.Newf(apierror.StateConflict, "cannot stop a model in state %s", m.State)
	}
	if m.ContainerName != "" {
		if err := c.runtime.Stop(ctx, m.ContainerName); err != nil {
			log.Warn().Err(err).Int64("model_id", id).Msg("Container stop reported an error")
		}
	}
	if m.Port != 0 {
		c.ports.Release(m.Port)
	}
	return c.registry.SetState(ctx, id, models.StateStopped, "")
}

// Apply restarts the model so a changed configuration takes effect.
func (c *Controller) Apply(ctx context.Context, id int64) error {
	lock := c.lockFor(id)
	lock.Lock()
	m, err := c.registry.Get(ctx, id)
	if err != nil {
		lock.Unlock()
		return err
	}
	if m.State.Active() {
		if err := c.stopLocked(ctx, id); err != nil {
			lock.Unlock()
			return err
		}
	}
	lock.Unlock()
	return c.Start(ctx, id)
}

// Delete removes the model row and any container. Permitted only for
// archived models; the model directory on disk is never touched.
func (c *Controller) Delete(ctx context.Context, id int64) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	// Best-effort container cleanup under the stable name.
	_ = c.runtime.Stop(ctx, ContainerName(m))
	return c.registry.Delete(ctx, id)
}

// Reconcile runs at boot: models recorded as active are checked against
// the runtime. Live containers keep their port reservation; dead ones are
// marked failed with a note.
func (c *Controller) Reconcile(ctx context.Context) error {
	active, err := c.registry.List(ctx, store.ModelFilter{})
	if err != nil {
		return err
	}
	for i := range active {
		m := &active[i]
		if !m.State.Active() {
			continue
		}
		alive, err := c.runtime.Alive(ctx, m.ContainerName)
		if err != nil {
			log.Warn().Err(err).Int64("model_id", m.ID).Msg("Reconcile liveness check failed")
			continue
		}
		if alive {
			c.ports.Reserve(m.Port)
			log.Info().Int64("model_id", m.ID).Str("container", m.ContainerName).
				Msg("Adopted running container")
			continue
		}
		if err := c.registry.SetState(ctx, m.ID, models.StateFailed,
			"container not running after gateway restart"); err != nil {
			log.Warn().Err(err).Int64("model_id", m.ID).Msg("Reconcile state update failed")
		}
	}
	return nil
}

// StopAll stops every active container. Called on shutdown.
func (c *Controller) StopAll(ctx context.Context) {
	active, err := c.registry.List(ctx, store.ModelFilter{})
	if err != nil {
		log.Warn().Err(err).Msg("StopAll could not list models")
		return
	}
	for i := range active {
		if !active[i].State.Active() {
			continue
		}
		if err := c.Stop(ctx, active[i].ID); err != nil {
			log.Warn().Err(err).Int64("model_id", active[i].ID).Msg("Failed to stop model during shutdown")
		}
	}
}

// ── Startup verification ────────────────────────────────────

// verifyStartup implements the two-phase readiness protocol. Phase one
// watches for quick death; phase two polls /health. A readiness timeout
// leaves the model in loading.
func (c *Controller) verifyStartup(ctx context.Context, id int64, containerName, baseURL string) {
	deadline := time.Now().Add(c.cfg.QuickDeathWindow)
	for time.Now().Before(deadline) {
		time.Sleep(c.cfg.QuickDeathInterval)
		alive, err := c.runtime.Alive(ctx, containerName)
		if err != nil {
			continue
		}
		if !alive {
			c.failWithLogs(ctx, id, containerName, "container exited during startup")
			return
		}
	}

	deadline = time.Now().Add(c.cfg.ReadinessWindow)
	for time.Now().Before(deadline) {
		if c.probeHealth(ctx, baseURL) {
			if err := c.registry.SetState(ctx, id, models.StateRunning, ""); err != nil {
				log.Warn().Err(err).Int64("model_id", id).Msg("Could not promote model to running")
			}
			return
		}
		alive, err := c.runtime.Alive(ctx, containerName)
		if err == nil && !alive {
			c.failWithLogs(ctx, id, containerName, "container exited while loading")
			return
		}
		time.Sleep(c.cfg.ReadinessInterval)
	}
	log.Info().Int64("model_id", id).
		Msg("Model still loading after readiness window, health poller takes over")
}

func (c *Controller) failWithLogs(ctx context.Context, id int64, containerName, reason string) {
	logs, _ := c.runtime.Logs(ctx, containerName, 100)
	msg := reason
	if diag := Diagnose(logs); diag != nil {
		msg = reason + ": " + diag.Kind + " — " + diag.Fix
	}
	m, err := c.registry.Get(ctx, id)
	if err == nil && m.Port != 0 {
		c.ports.Release(m.Port)
	}
	if err := c.registry.SetState(ctx, id, models.StateFailed, msg); err != nil {
		log.Warn().Err(err).Int64("model_id", id).Msg("Could not mark model failed")
	}
}

func (c *Controller) probeHealth(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ── Inspection operations ───────────────────────────────────

// DryRunResult is the response of a dry-run: the assembled command vector
// plus the VRAM estimate.
type DryRunResult struct {
	Command  []string            `json:"command"`
	Env      map[string]string   `json:"env"`
	Estimate models.VRAMEstimate `json:"estimate"`
}

// DryRun assembles the launch command without starting anything.
func (c *Controller) DryRun(ctx context.Context, id int64) (*DryRunResult, error) {
	m, err := c.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	port := m.Port
	if port == 0 {
		port = c.cfg.BasePort
	}
	spec, err := BuildSpec(m, port, c.cfg.ModelsDir, c.cfg.HFCacheDir)
	if err != nil {
		return nil, apierror.Validation(map[string]string{"config.gpus": err.Error()})
	}
	return &DryRunResult{
		Command:  spec.CommandLine(),
		Env:      spec.Env,
		Estimate: EstimateVRAM(m),
	}, nil
}

// LogsResult carries the log tail and an optional diagnosis.
type LogsResult struct {
	Logs      string     `json:"logs"`
	Diagnosis *Diagnosis `json:"diagnosis,omitempty"`
}

// Logs returns the container log tail, optionally matched against the
// diagnosis pattern table.
func (c *Controller) Logs(ctx context.Context, id int64, diagnose bool, tail int) (*LogsResult, error) {
	m, err := c.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	name := m.ContainerName
	if name == "" {
		name = ContainerName(m)
	}
	if tail <= 0 {
		tail = 200
	}
	logs, err := c.runtime.Logs(ctx, name, tail)
	if err != nil && logs == "" {
		return nil, apierror.Wrap(apierror.Internal, "could not read container logs", err)
	}
	res := &LogsResult{Logs: logs}
	if diagnose {
		res.Diagnosis = Diagnose(logs)
	}
	return res, nil
}

// TestResult reports a live round-trip against the backend.
type TestResult struct {
	Success   bool   `json:"success"`
	Status    int    `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Test sends a probe request to a running model's backend and reports
// status and latency.
func (c *Controller) Test(ctx context.Context, id int64) (*TestResult, error) {
	m, err := c.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.State != models.StateRunning {
		return nil, apierror.Newf(apierror.ModelNotReady, "%s", m.State)
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, BaseURL(m)+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return &TestResult{Success: false, LatencyMS: elapsed, Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	return &TestResult{
		Success:   resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:    resp.StatusCode,
		LatencyMS: elapsed,
	}, nil
}

// ReadinessResult is the on-demand readiness view of one model.
type ReadinessResult struct {
	State   models.ModelState `json:"state"`
	Healthy bool              `json:"healthy"`
	Status  int               `json:"status,omitempty"`
}

// Readiness probes the backend right now instead of waiting for the next
// poller tick.
func (c *Controller) Readiness(ctx context.Context, id int64) (*ReadinessResult, error) {
	m, err := c.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &ReadinessResult{State: m.State}
	if !m.State.Active() || m.Port == 0 {
		return res, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, BaseURL(m)+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return res, nil
	}
	resp.Body.Close()
	res.Status = resp.StatusCode
	res.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	return res, nil
}

// ── Offline tokenizer gate ──────────────────────────────────

// offlineTokenizerGate refuses to start a local GGUF model that would need
// a remote tokenizer download under offline policy. This is a pre-start
// check so the operator hears about it before any container is launched.
func (c *Controller) offlineTokenizerGate(m *models.Model) error {
	if !c.cfg.OfflineMode {
		return nil
	}
	if m.Engine != models.EngineGGUF || m.LocalPath == "" {
		return nil
	}
	if !strings.HasSuffix(strings.ToLower(m.LocalPath), ".gguf") {
		return nil
	}
	if m.Config.TokenizerRepo != "" && m.Config.TokenizerPath == "" {
		return apierror.Validation(map[string]string{
			"config.tokenizer_repo": "remote tokenizer repo cannot be fetched in offline mode",
			"config.tokenizer_path": "set a local tokenizer config path, or pre-cache the tokenizer repo in the HF cache",
		})
	}
	return nil
}
