// Package registry is the source of truth for configured models. It owns
// the model rows, validates configuration on create and update, and
// serializes lifecycle state transitions. The container controller is the
// only caller of SetState; the router only reads.
package registry

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

var servedNameRE = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// transitions enumerates the legal lifecycle edges. Anything not listed
// fails with state_conflict.
var transitions = map[models.ModelState][]models.ModelState{
	models.StateStopped:  {models.StateStarting, models.StateArchived},
	models.StateStarting: {models.StateLoading, models.StateFailed, models.StateStopped},
	models.StateLoading:  {models.StateRunning, models.StateFailed, models.StateStopped},
	models.StateRunning:  {models.StateStopped, models.StateFailed},
	models.StateFailed:   {models.StateStarting, models.StateStopped, models.StateArchived},
	models.StateArchived: {models.StateStopped},
}

func legalTransition(from, to models.ModelState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Registry mediates all model-row access.
type Registry struct {
	store store.Store

	// stateMu serializes transitions per model id so concurrent SetState
	// calls cannot interleave a read-check-write.
	mu      sync.Mutex
	stateMu map[int64]*sync.Mutex
}

// New creates a registry backed by the given store.
func New(s store.Store) *Registry {
	return &Registry{store: s, stateMu: make(map[int64]*sync.Mutex)}
}

func (r *Registry) lockFor(id int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.stateMu[id]
	if !ok {
		m = &sync.Mutex{}
		r.stateMu[id] = m
	}
	return m
}

// ── CRUD ────────────────────────────────────────────────────

// CreateInput is the admin-facing payload for registering a model.
type CreateInput struct {
	Name       string             `json:"name"`
	ServedName string             `json:"served_name"`
	Engine     models.EngineKind  `json:"engine"`
	RepoID     string             `json:"repo_id"`
	LocalPath  string             `json:"local_path"`
	ImageTag   string             `json:"image_tag"`
	Config     models.ModelConfig `json:"config"`
	Enabled    *bool              `json:"enabled"`
}

// Create validates and persists a new model in state stopped.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*models.Model, error) {
	if fields := validate(in); len(fields) > 0 {
		return nil, apierror.Validation(fields)
	}
	m := &models.Model{
		Name:       in.Name,
		ServedName: in.ServedName,
		Engine:     in.Engine,
		RepoID:     in.RepoID,
		LocalPath:  in.LocalPath,
		ImageTag:   in.ImageTag,
		Config:     in.Config,
		State:      models.StateStopped,
		Enabled:    true,
	}
	if in.Enabled != nil {
		m.Enabled = *in.Enabled
	}
	if err := r.store.CreateModel(ctx, m); err != nil {
		var conflict *store.ErrConflict
		if errors.As(err, &conflict) {
			return nil, apierror.Validation(map[string]string{
				"served_name": "already in use by a non-archived model",
			})
		}
		return nil, err
	}
	log.Info().Int64("model_id", m.ID).Str("served_name", m.ServedName).
		Str("engine", string(m.Engine)).Msg("Model created")
	return m, nil
}

// UpdateInput patches a model. Nil fields are left unchanged.
type UpdateInput struct {
	Name       *string             `json:"name"`
	ServedName *string             `json:"served_name"`
	RepoID     *string             `json:"repo_id"`
	LocalPath  *string             `json:"local_path"`
	ImageTag   *string             `json:"image_tag"`
	Config     *models.ModelConfig `json:"config"`
	Enabled    *bool               `json:"enabled"`
}

// Update applies a patch. Config changes take effect on the next start or
// apply; a running container keeps its launch-time configuration.
func (r *Registry) Update(ctx context.Context, id int64, in UpdateInput) (*models.Model, error) {
	m, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		m.Name = *in.Name
	}
	if in.ServedName != nil {
		m.ServedName = *in.ServedName
	}
	if in.RepoID != nil {
		m.RepoID = *in.RepoID
	}
	if in.LocalPath != nil {
		m.LocalPath = *in.LocalPath
	}
	if in.ImageTag != nil {
		m.ImageTag = *in.ImageTag
	}
	if in.Config != nil {
		m.Config = *in.Config
	}
	if in.Enabled != nil {
		m.Enabled = *in.Enabled
	}
	if fields := validate(CreateInput{
		Name: m.Name, ServedName: m.ServedName, Engine: m.Engine,
		RepoID: m.RepoID, LocalPath: m.LocalPath, ImageTag: m.ImageTag,
		Config: m.Config,
	}); len(fields) > 0 {
		return nil, apierror.Validation(fields)
	}
	if err := r.store.UpdateModel(ctx, m); err != nil {
		var conflict *store.ErrConflict
		if errors.As(err, &conflict) {
			return nil, apierror.Validation(map[string]string{
				"served_name": "already in use by a non-archived model",
			})
		}
		return nil, err
	}
	return m, nil
}

// Get fetches a model by id, mapping missing rows to model_not_found.
func (r *Registry) Get(ctx context.Context, id int64) (*models.Model, error) {
	m, err := r.store.GetModel(ctx, id)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, apierror.Newf(apierror.ModelNotFound, "model %d", id)
		}
		return nil, err
	}
	return m, nil
}

// GetByServedName resolves a client-visible model name among non-archived
// rows.
func (r *Registry) GetByServedName(ctx context.Context, servedName string) (*models.Model, error) {
	m, err := r.store.GetModelByServedName(ctx, servedName)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, apierror.New(apierror.ModelNotFound, servedName)
		}
		return nil, err
	}
	return m, nil
}

// List returns models matching the filter.
func (r *Registry) List(ctx context.Context, filter store.ModelFilter) ([]models.Model, error) {
	return r.store.ListModels(ctx, filter)
}

// Archive hides a model from routing and listings. Only stopped or failed
// models may be archived; files on disk are untouched.
func (r *Registry) Archive(ctx context.Context, id int64) error {
	return r.SetState(ctx, id, models.StateArchived, "")
}

// Unarchive returns an archived model to stopped.
func (r *Registry) Unarchive(ctx context.Context, id int64) error {
	return r.SetState(ctx, id, models.StateStopped, "")
}

// Delete removes the model row. Permitted only for archived models. Model
// files on disk are the operator's property and are never touched.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	m, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.State != models.StateArchived {
		return apierror.Newf(apierror.StateConflict,
			"delete requires state archived, model is %s", m.State)
	}
	return r.store.DeleteModel(ctx, id)
}

// ── State machine ───────────────────────────────────────────

// SetState is the sole writer of the lifecycle state. Transitions on one
// model are serialized; illegal edges fail with state_conflict. errText is
// recorded on the row (cleared when empty and the transition leaves failed).
func (r *Registry) SetState(ctx context.Context, id int64, to models.ModelState, errText string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.State == to {
		return nil
	}
	if !legalTransition(m.State, to) {
		return apierror.Newf(apierror.StateConflict, "cannot transition %s -> %s", m.State, to)
	}
	from := m.State
	m.State = to
	if errText != "" {
		m.LastError = errText
	} else if from == models.StateFailed {
		m.LastError = ""
	}
	if !to.Active() {
		m.Port = 0
		m.ContainerName = ""
	}
	if err := r.store.UpdateModel(ctx, m); err != nil {
		return err
	}
	evt := log.Info().Int64("model_id", id).Str("from", string(from)).Str("to", string(to))
	if errText != "" {
		evt = evt.Str("error", errText)
	}
	evt.Msg("Model state changed")
	return nil
}

// SetRuntime records the container binding chosen by the controller.
func (r *Registry) SetRuntime(ctx context.Context, id int64, containerName string, port int) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	m.ContainerName = containerName
	m.Port = port
	return r.store.UpdateModel(ctx, m)
}

// ── Validation ──────────────────────────────────────────────

func validate(in CreateInput) map[string]string {
	fields := make(map[string]string)
	if in.Name == "" {
		fields["name"] = "required"
	}
	if !servedNameRE.MatchString(in.ServedName) {
		fields["served_name"] = "must match [A-Za-z0-9._-]{1,128}"
	}
	if !in.Engine.Valid() {
		fields["engine"] = "must be transformers-server or gguf-server"
	}
	switch {
	case in.RepoID == "" && in.LocalPath == "":
		fields["repo_id"] = "exactly one of repo_id or local_path is required"
	case in.RepoID != "" && in.LocalPath != "":
		fields["repo_id"] = "repo_id and local_path are mutually exclusive"
	}
	if in.Config.ContextLength < 0 {
		fields["config.context_length"] = "must be non-negative"
	}
	if in.Config.TensorParallel < 0 {
		fields["config.tensor_parallel"] = "must be non-negative"
	}
	if in.Config.GPULayers < 0 {
		fields["config.gpu_layers"] = "must be non-negative"
	}
	if _, err := models.NormalizeGPUs(in.Config.GPUs); err != nil {
		fields["config.gpus"] = err.Error()
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}
