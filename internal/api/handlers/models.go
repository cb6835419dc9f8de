package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cortexgw/cortex/internal/api/render"
	"github.com/cortexgw/cortex/internal/registry"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

// modelsBaseDirKey is the config_kv key overriding the models directory.
const modelsBaseDirKey = "models_base_dir"

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	filter := store.ModelFilter{
		IncludeArchived: r.URL.Query().Get("include_archived") == "true",
	}
	if s := r.URL.Query().Get("state"); s != "" {
		filter.State = models.ModelState(s)
	}
	if e := r.URL.Query().Get("engine"); e != "" {
		filter.Engine = models.EngineKind(e)
	}
	list, err := h.Registry.List(r.Context(), filter)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, list)
}

func (h *Handlers) CreateModel(w http.ResponseWriter, r *http.Request) {
	var in registry.CreateInput
	if err := decode(r, &in); err != nil {
		render.Error(w, r, err)
		return
	}
	m, err := h.Registry.Create(r.Context(), in)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusCreated, m)
}

func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	m, err := h.Registry.Get(r.Context(), id)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, m)
}

func (h *Handlers) UpdateModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	var in registry.UpdateInput
	if err := decode(r, &in); err != nil {
		render.Error(w, r, err)
		return
	}
	m, err := h.Registry.Update(r.Context(), id, in)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, m)
}

// DeleteModel removes an archived model's row. Files on disk are never
// touched.
func (h *Handlers) DeleteModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if err := h.Controller.Delete(r.Context(), id); err != nil {
		render.Error(w, r, err)
		return
	}
	ok(w)
}

// ── lifecycle ───────────────────────────────────────────────

func (h *Handlers) StartModel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Controller.Start)
}

func (h *Handlers) StopModel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Controller.Stop)
}

// ApplyModel restarts a model so pending configuration takes effect.
func (h *Handlers) ApplyModel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Controller.Apply)
}

func (h *Handlers) ArchiveModel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Registry.Archive)
}

func (h *Handlers) UnarchiveModel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Registry.Unarchive)
}

func (h *Handlers) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int64) error) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if err := op(r.Context(), id); err != nil {
		render.Error(w, r, err)
		return
	}
	m, err := h.Registry.Get(r.Context(), id)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, m)
}

// ── observation ─────────────────────────────────────────────

func (h *Handlers) DryRunModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	result, err := h.Controller.DryRun(r.Context(), id)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, result)
}

func (h *Handlers) TestModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	result, err := h.Controller.Test(r.Context(), id)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, result)
}

func (h *Handlers) ModelLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	tail := 100
	if t := r.URL.Query().Get("tail"); t != "" {
		if n, err := strconv.Atoi(t); err == nil && n > 0 {
			tail = n
		}
	}
	diagnose := r.URL.Query().Get("diagnose") == "true"
	result, err := h.Controller.Logs(r.Context(), id, diagnose, tail)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, result)
}

func (h *Handlers) ModelReadiness(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	result, err := h.Controller.Readiness(r.Context(), id)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, result)
}

// ModelMetrics aggregates each running backend's engine metrics.
func (h *Handlers) ModelMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Scraper.Collect(r.Context())
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]any{"models": stats})
}

// ── folders ─────────────────────────────────────────────────

func (h *Handlers) LocalFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := h.Inspector.ListFolders()
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]any{
		"base_dir": h.Inspector.BaseDir(),
		"folders":  folders,
	})
}

func (h *Handlers) InspectFolder(w http.ResponseWriter, r *http.Request) {
	report, err := h.Inspector.Inspect(r.URL.Query().Get("folder"))
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, report)
}

func (h *Handlers) GetBaseDir(w http.ResponseWriter, r *http.Request) {
	dir, err := h.Store.GetConfigValue(r.Context(), modelsBaseDirKey)
	if err != nil || dir == "" {
		dir = h.Inspector.BaseDir()
	}
	render.JSON(w, http.StatusOK, map[string]string{"base_dir": dir})
}

// SetBaseDir persists the operator's models directory override. It takes
// effect for inspection on the next restart.
func (h *Handlers) SetBaseDir(w http.ResponseWriter, r *http.Request) {
	var in struct {
		BaseDir string `json:"base_dir"`
	}
	if err := decode(r, &in); err != nil {
		render.Error(w, r, err)
		return
	}
	if in.BaseDir == "" {
		render.Error(w, r, apierror.Validation(map[string]string{"base_dir": "is required"}))
		return
	}
	if err := h.Store.SetConfigValue(r.Context(), modelsBaseDirKey, in.BaseDir); err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]string{"base_dir": in.BaseDir})
}
