// Package health runs the background poller that probes active backends
// and maintains the in-memory health snapshots the routing layer reads.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cortexgw/cortex/internal/container"
	"github.com/cortexgw/cortex/internal/registry"
	"github.com/cortexgw/cortex/internal/selector"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/models"
)

// Config tunes the poller.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	// FailureFlagThreshold is how many consecutive probe failures flag a
	// running backend as unhealthy. Flagging is observational; the
	// controller owns stop.
	FailureFlagThreshold int
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.FailureFlagThreshold == 0 {
		c.FailureFlagThreshold = 3
	}
}

// Poller probes every active backend at a fixed interval. Probes for
// distinct backends run concurrently; probes for the same backend are
// serialized through a per-URL mutex.
type Poller struct {
	registry *registry.Registry
	breaker  *selector.Breaker
	cfg      Config
	httpc    *http.Client

	mu        sync.RWMutex
	snapshots map[string]*models.HealthSnapshot

	probeMu sync.Mutex
	probes  map[string]*sync.Mutex
}

// New creates a poller feeding the given breaker.
func New(reg *registry.Registry, breaker *selector.Breaker, cfg Config) *Poller {
	cfg.applyDefaults()
	return &Poller{
		registry:  reg,
		breaker:   breaker,
		cfg:       cfg,
		httpc:     &http.Client{Timeout: cfg.ProbeTimeout},
		snapshots: make(map[string]*models.HealthSnapshot),
		probes:    make(map[string]*sync.Mutex),
	}
}

// Run blocks, polling until the context is cancelled. In-flight probes
// abort with the context, so shutdown completes within one interval.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", p.cfg.Interval).Msg("Health poller started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Health poller stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one polling round. Exported so tests and the on-demand
// readiness path can drive the poller synchronously.
func (p *Poller) Tick(ctx context.Context) {
	active, err := p.registry.List(ctx, store.ModelFilter{})
	if err != nil {
		log.Warn().Err(err).Msg("Health poll could not list models")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range active {
		m := active[i]
		if !m.State.Active() || m.Port == 0 {
			continue
		}
		g.Go(func() error {
			p.probeOne(gctx, &m)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) probeLock(baseURL string) *sync.Mutex {
	p.probeMu.Lock()
	defer p.probeMu.Unlock()
	mu, ok := p.probes[baseURL]
	if !ok {
		mu = &sync.Mutex{}
		p.probes[baseURL] = mu
	}
	return mu
}

func (p *Poller) probeOne(ctx context.Context, m *models.Model) {
	baseURL := container.BaseURL(m)
	lock := p.probeLock(baseURL)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	status, err := p.probe(ctx, baseURL)
	latency := time.Since(start)
	healthy := err == nil && status >= 200 && status < 300

	snap := p.update(baseURL, status, latency, healthy)

	if healthy {
		p.breaker.RecordSuccess(baseURL)
		if m.State == models.StateLoading {
			if err := p.registry.SetState(ctx, m.ID, models.StateRunning, ""); err != nil {
				log.Warn().Err(err).Int64("model_id", m.ID).Msg("Could not promote loading model")
			} else {
				log.Info().Int64("model_id", m.ID).Str("served_name", m.ServedName).
					Msg("Model became ready")
			}
		}
		return
	}

	p.breaker.RecordFailure(baseURL)
	if m.State == models.StateRunning && snap.ConsecFails == p.cfg.FailureFlagThreshold {
		log.Warn().Int64("model_id", m.ID).Str("served_name", m.ServedName).
			Int("consecutive_failures", snap.ConsecFails).
			Msg("Running model flagged unhealthy")
	}
}

func (p *Poller) probe(ctx context.Context, baseURL string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// update folds one probe result into the snapshot and returns a copy.
func (p *Poller) update(baseURL string, status int, latency time.Duration, healthy bool) models.HealthSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snapshots[baseURL]
	if !ok {
		snap = &models.HealthSnapshot{BaseURL: baseURL}
		p.snapshots[baseURL] = snap
	}
	snap.LastProbeAt = time.Now().UTC()
	snap.LastStatus = status
	snap.Healthy = healthy
	if healthy {
		snap.ConsecFails = 0
		if snap.RollingLatency == 0 {
			snap.RollingLatency = latency
		} else {
			// Exponentially weighted: 3/4 old, 1/4 new.
			snap.RollingLatency = (snap.RollingLatency*3 + latency) / 4
		}
	} else {
		snap.ConsecFails++
	}
	return *snap
}

// Snapshot returns the last view of one backend, if probed.
func (p *Poller) Snapshot(baseURL string) (models.HealthSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.snapshots[baseURL]
	if !ok {
		return models.HealthSnapshot{}, false
	}
	return *snap, true
}

// Snapshots returns a copy of every backend's last view.
func (p *Poller) Snapshots() []models.HealthSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.HealthSnapshot, 0, len(p.snapshots))
	for _, snap := range p.snapshots {
		out = append(out, *snap)
	}
	return out
}

// Forget drops the snapshot for a stopped backend.
func (p *Poller) Forget(baseURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.snapshots, baseURL)
}
