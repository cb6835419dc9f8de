// Package handlers implements the /admin surface: model lifecycle, key
// and account management, usage reporting, system introspection, and
// deployment jobs. All state flows through the injected dependencies;
// there is no package-level mutable state.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cortexgw/cortex/internal/api/render"
	"github.com/cortexgw/cortex/internal/auth"
	"github.com/cortexgw/cortex/internal/config"
	"github.com/cortexgw/cortex/internal/container"
	"github.com/cortexgw/cortex/internal/deploy"
	"github.com/cortexgw/cortex/internal/gpu"
	"github.com/cortexgw/cortex/internal/health"
	"github.com/cortexgw/cortex/internal/inspector"
	"github.com/cortexgw/cortex/internal/metrics"
	"github.com/cortexgw/cortex/internal/registry"
	"github.com/cortexgw/cortex/internal/selector"
	"github.com/cortexgw/cortex/internal/sessions"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/internal/usage"
	"github.com/cortexgw/cortex/pkg/apierror"
)

// Handlers bundles every admin-surface dependency.
type Handlers struct {
	Registry   *registry.Registry
	Controller *container.Controller
	Selector   *selector.Selector
	Health     *health.Poller
	Store      store.Store
	Keys       *auth.KeyService
	Sessions   *sessions.Service
	Inspector  *inspector.Inspector
	GPU        *gpu.Prober
	Scraper    *metrics.EngineScraper
	Runner     *deploy.Runner
	Jobs       *deploy.Jobs
	Recorder   *usage.Recorder
	Config     *config.Config
	Version    string
}

// decode parses a JSON body, rejecting unknown fields so configuration
// typos fail loudly instead of silently dropping.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierror.Newf(apierror.ValidationError, "invalid request body: %v", err)
	}
	return nil
}

// pathID parses the {id} route parameter.
func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apierror.Validation(map[string]string{"id": "must be a positive integer"})
	}
	return id, nil
}

// ok writes a bare success acknowledgment.
func ok(w http.ResponseWriter) {
	render.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
