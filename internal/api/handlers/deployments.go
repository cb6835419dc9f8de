package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cortexgw/cortex/internal/api/render"
	"github.com/cortexgw/cortex/internal/deploy"
	"github.com/cortexgw/cortex/pkg/apierror"
)

// deploymentOptionsKey is the config_kv key holding operator deployment
// preferences as a JSON object.
const deploymentOptionsKey = "deployment_options"

const (
	instanceManifestPrefix = "cortex-export-"
	modelManifestPrefix    = "cortex-model-"
)

// startJob is the shared start path: 202 with the job snapshot, or 409
// when a job of the same kind is already active.
func (h *Handlers) startJob(w http.ResponseWriter, r *http.Request, kind deploy.Kind, fn deploy.Fn) {
	job, err := h.Runner.Start(kind, fn)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusAccepted, job)
}

func (h *Handlers) DeployExport(w http.ResponseWriter, r *http.Request) {
	h.startJob(w, r, deploy.KindExportInstance, h.Jobs.ExportInstance())
}

func (h *Handlers) DeployExportModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	h.startJob(w, r, deploy.KindExportModel, h.Jobs.ExportModel(id))
}

func (h *Handlers) DeployImportModel(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Manifest string `json:"manifest"`
	}
	if err := decode(r, &in); err != nil {
		render.Error(w, r, err)
		return
	}
	path, err := h.Jobs.ManifestPath(in.Manifest)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	h.startJob(w, r, deploy.KindImport, h.Jobs.ImportManifest(path))
}

func (h *Handlers) DeployRestoreDB(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Manifest string `json:"manifest"`
	}
	if err := decode(r, &in); err != nil {
		render.Error(w, r, err)
		return
	}
	path, err := h.Jobs.ManifestPath(in.Manifest)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	h.startJob(w, r, deploy.KindRestoreDB, h.Jobs.RestoreDB(path))
}

func (h *Handlers) DeployEstimateSize(w http.ResponseWriter, r *http.Request) {
	h.startJob(w, r, deploy.KindEstimateSize, h.Jobs.EstimateSize())
}

// DeployStatus summarizes the job table: counts by status plus any
// currently running jobs.
func (h *Handlers) DeployStatus(w http.ResponseWriter, r *http.Request) {
	jobs := h.Runner.List()
	counts := map[deploy.Status]int{}
	active := []*deploy.Job{}
	for _, j := range jobs {
		counts[j.Status]++
		if j.Status == deploy.StatusRunning || j.Status == deploy.StatusPending {
			active = append(active, j)
		}
	}
	render.JSON(w, http.StatusOK, map[string]any{
		"jobs_by_status": counts,
		"active":         active,
	})
}

func (h *Handlers) DeployJobs(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, http.StatusOK, map[string]any{"jobs": h.Runner.List()})
}

func (h *Handlers) DeployJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Runner.Get(chi.URLParam(r, "id"))
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, job)
}

// CancelDeployJob requests cancellation; the job body observes it at its
// next suspension point.
func (h *Handlers) CancelDeployJob(w http.ResponseWriter, r *http.Request) {
	if err := h.Runner.Cancel(chi.URLParam(r, "id")); err != nil {
		render.Error(w, r, err)
		return
	}
	ok(w)
}

func (h *Handlers) DeployModelManifests(w http.ResponseWriter, r *http.Request) {
	manifests, err := h.Jobs.Manifests(modelManifestPrefix)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]any{"manifests": manifests})
}

// DeployDatabaseDump reports the most recent full-instance export.
func (h *Handlers) DeployDatabaseDump(w http.ResponseWriter, r *http.Request) {
	manifests, err := h.Jobs.Manifests(instanceManifestPrefix)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if len(manifests) == 0 {
		render.Error(w, r, apierror.New(apierror.NotFound, "no database dump has been exported"))
		return
	}
	render.JSON(w, http.StatusOK, manifests[0])
}

func (h *Handlers) GetDeployOptions(w http.ResponseWriter, r *http.Request) {
	raw, err := h.Store.GetConfigValue(r.Context(), deploymentOptionsKey)
	if err != nil || raw == "" {
		render.JSON(w, http.StatusOK, map[string]any{})
		return
	}
	var opts map[string]any
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		render.JSON(w, http.StatusOK, map[string]any{})
		return
	}
	render.JSON(w, http.StatusOK, opts)
}

func (h *Handlers) SetDeployOptions(w http.ResponseWriter, r *http.Request) {
	var opts map[string]any
	if err := decode(r, &opts); err != nil {
		render.Error(w, r, err)
		return
	}
	raw, err := json.Marshal(opts)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if err := h.Store.SetConfigValue(r.Context(), deploymentOptionsKey, string(raw)); err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, opts)
}
