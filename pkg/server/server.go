// Package server is the public entry point for composing the CORTEX
// gateway. It wires the store, the container controller, the health
// poller, the routing layer, and the admin surface into one http.Handler
// plus the background loops that keep them current.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/cortexgw/cortex/internal/api"
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
	"github.com/cortexgw/cortex/internal/retention"
	"github.com/cortexgw/cortex/internal/selector"
	"github.com/cortexgw/cortex/internal/sessions"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/internal/telemetry"
	"github.com/cortexgw/cortex/internal/usage"
)

// Server holds the initialized gateway.
type Server struct {
	Handler http.Handler
	Store   store.Store
	Config  *config.Config
	Port    int

	// ShutdownFunc stops background loops, drains the usage recorder,
	// and flushes telemetry. Running model containers are left alone;
	// Reconcile adopts them on the next boot.
	ShutdownFunc func(context.Context) error
}

// New initializes the gateway from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st := openStore(ctx, cfg)
	reg := registry.New(st)
	keys := auth.NewKeyService(st, cfg.Auth.DevAllowAllKeys)
	sess := sessions.New(cfg.Auth.SessionTTL)

	breaker := selector.NewBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)
	sel := selector.New(reg, breaker)
	poller := health.New(reg, breaker, health.Config{
		Interval:             cfg.Health.Interval,
		ProbeTimeout:         cfg.Health.ProbeTimeout,
		FailureFlagThreshold: cfg.Health.FailureFlagThreshold,
	})

	ctrl := container.New(reg, openRuntime(), container.Config{
		ModelsDir:   cfg.Paths.ModelsDir,
		HFCacheDir:  cfg.Paths.HFCacheDir,
		OfflineMode: cfg.OfflineMode,
	})
	if err := ctrl.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("Boot reconcile did not complete")
	}

	limiter := middleware.NewLimiter(openRedis(ctx, cfg),
		cfg.Gateway.RPSLimit, cfg.Gateway.RPSBurst, cfg.Gateway.MaxConcurrentStreams)

	met := metrics.New()
	recorder := usage.NewRecorder(st, cfg.Usage.QueueSize, cfg.Usage.Workers)
	recorder.PublishDropsTo(met.UsageDropped)
	gw := gateway.New(reg, sel, limiter, recorder, met, gateway.Config{
		RequestTimeout:       cfg.Gateway.RequestTimeout,
		StreamIdleTimeout:    cfg.Gateway.StreamIdleTimeout,
		InternalBackendToken: cfg.Auth.InternalBackendToken,
	})

	runner := deploy.NewRunner()
	jobs := deploy.NewJobs(st, reg, cfg.Paths.ModelsDir, cfg.Paths.ExportDir)
	janitor := retention.New(st, cfg.Usage.RetentionDays)

	h := &handlers.Handlers{
		Registry:   reg,
		Controller: ctrl,
		Selector:   sel,
		Health:     poller,
		Store:      st,
		Keys:       keys,
		Sessions:   sess,
		Inspector:  inspector.New(modelsBaseDir(ctx, st, cfg)),
		GPU:        gpu.NewProber(),
		Scraper:    metrics.NewEngineScraper(reg),
		Runner:     runner,
		Jobs:       jobs,
		Recorder:   recorder,
		Config:     cfg,
		Version:    cfg.Version,
	}
	handler := api.New(api.Deps{
		Handlers: h,
		Gateway:  gw,
		Metrics:  met,
		Keys:     keys,
		Sessions: sess,
		Limiter:  limiter,
		Config:   cfg,
	})

	// Background loops live until shutdown.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	recorderDone := make(chan struct{})
	go func() {
		recorder.Run(bgCtx)
		close(recorderDone)
	}()
	go poller.Run(bgCtx)
	go janitor.Run(bgCtx)
	go sess.Run(bgCtx, time.Hour)
	go publishHealthGauge(bgCtx, poller, met, cfg.Health.Interval)

	shutdown := func(ctx context.Context) error {
		bgCancel()
		select {
		case <-recorderDone:
		case <-ctx.Done():
			log.Warn().Msg("Shutdown deadline hit before usage recorder drained")
		}
		if err := telemetryShutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
		return st.Close()
	}

	return &Server{
		Handler:      handler,
		Store:        st,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// openStore connects to PostgreSQL, falling back to the in-memory store
// so a bare `cortex` binary still comes up for development.
func openStore(ctx context.Context, cfg *config.Config) store.Store {
	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		log.Warn().Err(err).Msg("PostgreSQL unavailable, using in-memory store (state is lost on restart)")
		return store.NewMemoryStore()
	}
	if err := pg.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("Migrations failed, using in-memory store")
		pg.Close()
		return store.NewMemoryStore()
	}
	log.Info().Msg("PostgreSQL store initialized")
	return pg
}

// openRedis returns a verified client, or nil to run rate limiting on
// the in-process fallback.
func openRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).
			Msg("Redis unavailable, rate limits are per-process only")
		client.Close()
		return nil
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis counter store initialized")
	return client
}

// openRuntime prefers the docker CLI; without it, lifecycle operations
// fail cleanly while the rest of the gateway keeps serving.
func openRuntime() container.Runtime {
	rt, err := container.NewDockerRuntime()
	if err != nil {
		log.Warn().Err(err).Msg("Docker unavailable, model lifecycle operations are disabled")
		return unavailableRuntime{}
	}
	return rt
}

type unavailableRuntime struct{}

func (unavailableRuntime) Run(context.Context, *container.LaunchSpec) (string, error) {
	return "", fmt.Errorf("docker is not available on this host")
}
func (unavailableRuntime) Stop(context.Context, string) error { return nil }
func (unavailableRuntime) Alive(context.Context, string) (bool, error) {
	return false, nil
}
func (unavailableRuntime) Logs(context.Context, string, int) (string, error) {
	return "", fmt.Errorf("docker is not available on this host")
}

// modelsBaseDir honors the operator's config_kv override when present.
func modelsBaseDir(ctx context.Context, st store.Store, cfg *config.Config) string {
	if dir, err := st.GetConfigValue(ctx, "models_base_dir"); err == nil && dir != "" {
		return dir
	}
	return cfg.Paths.ModelsDir
}

// publishHealthGauge mirrors poller snapshots into the Prometheus
// per-backend health gauge.
func publishHealthGauge(ctx context.Context, poller *health.Poller, met *metrics.Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, snap := range poller.Snapshots() {
				v := 0.0
				if snap.Healthy {
					v = 1.0
				}
				met.UpstreamHealth.WithLabelValues(snap.BaseURL).Set(v)
			}
		}
	}
}
