// Package api assembles the HTTP surface: the OpenAI-compatible /v1
// routes, the session-authenticated /admin console API, the Prometheus
// scrape endpoint, and the health/version probes.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cortexgw/cortex/internal/api/handlers"
	"github.com/cortexgw/cortex/internal/api/middleware"
	"github.com/cortexgw/cortex/internal/api/render"
	"github.com/cortexgw/cortex/internal/auth"
	"github.com/cortexgw/cortex/internal/config"
	"github.com/cortexgw/cortex/internal/gateway"
	"github.com/cortexgw/cortex/internal/metrics"
	"github.com/cortexgw/cortex/internal/sessions"
)

// Deps are the wired components the router mounts.
type Deps struct {
	Handlers *handlers.Handlers
	Gateway  *gateway.Gateway
	Metrics  *metrics.Metrics
	Keys     *auth.KeyService
	Sessions *sessions.Service
	Limiter  *middleware.Limiter
	Config   *config.Config
}

// New builds the full route table.
func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		render.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/version", func(w http.ResponseWriter, req *http.Request) {
		render.JSON(w, http.StatusOK, map[string]string{"version": d.Handlers.Version})
	})
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	// Public inference surface: API-key authenticated, rate limited.
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(d.Keys, d.Metrics))
		r.Use(middleware.RateLimit(d.Limiter, d.Handlers.Recorder))
		d.Gateway.Routes(r)
	})

	// Admin console surface: cookie sessions, admin role required past
	// login.
	r.Route("/admin", func(r chi.Router) {
		h := d.Handlers

		r.Post("/auth/login", h.Login)
		r.Post("/auth/logout", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession(d.Sessions))
			r.Use(middleware.RequireAdmin)

			r.Get("/auth/me", h.Me)

			r.Route("/models", func(r chi.Router) {
				r.Get("/", h.ListModels)
				r.Post("/", h.CreateModel)
				r.Get("/metrics", h.ModelMetrics)
				r.Get("/local-folders", h.LocalFolders)
				r.Get("/inspect-folder", h.InspectFolder)
				r.Get("/base-dir", h.GetBaseDir)
				r.Put("/base-dir", h.SetBaseDir)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetModel)
					r.Patch("/", h.UpdateModel)
					r.Delete("/", h.DeleteModel)
					r.Post("/start", h.StartModel)
					r.Post("/stop", h.StopModel)
					r.Post("/apply", h.ApplyModel)
					r.Post("/archive", h.ArchiveModel)
					r.Post("/unarchive", h.UnarchiveModel)
					r.Post("/dry-run", h.DryRunModel)
					r.Post("/test", h.TestModel)
					r.Get("/logs", h.ModelLogs)
					r.Get("/readiness", h.ModelReadiness)
				})
			})

			r.Route("/keys", func(r chi.Router) {
				r.Get("/", h.ListKeys)
				r.Post("/", h.CreateKey)
				r.Get("/lookup", h.LookupKeys)
				r.Get("/{id}", h.GetKey)
				r.Patch("/{id}", h.UpdateKey)
				r.Delete("/{id}", h.DeleteKey)
			})

			r.Route("/users", func(r chi.Router) {
				r.Get("/", h.ListUsers)
				r.Post("/", h.CreateUser)
				r.Get("/lookup", h.LookupUsers)
				r.Get("/{id}", h.GetUser)
				r.Patch("/{id}", h.UpdateUser)
				r.Delete("/{id}", h.DeleteUser)
			})

			r.Route("/orgs", func(r chi.Router) {
				r.Get("/", h.ListOrgs)
				r.Post("/", h.CreateOrg)
				r.Get("/lookup", h.LookupOrgs)
				r.Get("/{id}", h.GetOrg)
				r.Patch("/{id}", h.UpdateOrg)
				r.Delete("/{id}", h.DeleteOrg)
			})

			r.Route("/system", func(r chi.Router) {
				r.Get("/capabilities", h.Capabilities)
				r.Get("/throughput", h.Throughput)
				r.Get("/gpus", h.GPUs)
				r.Get("/host/summary", h.HostSummary)
				r.Get("/host/trends", h.HostTrends)
			})

			r.Route("/usage", func(r chi.Router) {
				r.Get("/", h.ListUsage)
				r.Get("/series", h.UsageSeries)
				r.Get("/aggregate", h.AggregateUsage)
				r.Get("/latency", h.UsageLatency)
				r.Get("/ttft", h.UsageTTFT)
				r.Get("/export", h.ExportUsage)
			})

			r.Route("/deployment", func(r chi.Router) {
				r.Post("/export", h.DeployExport)
				r.Post("/export-model/{id}", h.DeployExportModel)
				r.Post("/import-model", h.DeployImportModel)
				r.Post("/restore-database", h.DeployRestoreDB)
				r.Post("/estimate-size", h.DeployEstimateSize)
				r.Get("/status", h.DeployStatus)
				r.Get("/options", h.GetDeployOptions)
				r.Put("/options", h.SetDeployOptions)
				r.Get("/jobs", h.DeployJobs)
				r.Get("/jobs/{id}", h.DeployJob)
				r.Delete("/jobs/{id}", h.CancelDeployJob)
				r.Get("/model-manifests", h.DeployModelManifests)
				r.Get("/database-dump", h.DeployDatabaseDump)
			})
		})
	})

	return r
}
