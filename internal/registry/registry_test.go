package registry

import (
	"context"
	"testing"

	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(store.NewMemoryStore())
}

func createModel(t *testing.T, r *Registry, servedName string) *models.Model {
	t.Helper()
	m, err := r.Create(context.Background(), CreateInput{
		Name:       servedName,
		ServedName: servedName,
		Engine:     models.EngineTransformers,
		RepoID:     "org/" + servedName,
		ImageTag:   "v0.8.4",
	})
	if err != nil {
		t.Fatalf("Create(%q): %v", servedName, err)
	}
	return m
}

func TestCreateValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{
			name:  "missing name",
			in:    CreateInput{ServedName: "m1", Engine: models.EngineGGUF, LocalPath: "/models/m1"},
			field: "name",
		},
		{
			name:  "bad served name",
			in:    CreateInput{Name: "m", ServedName: "bad name!", Engine: models.EngineGGUF, LocalPath: "/models/m1"},
			field: "served_name",
		},
		{
			name:  "unknown engine",
			in:    CreateInput{Name: "m", ServedName: "m1", Engine: "triton", LocalPath: "/models/m1"},
			field: "engine",
		},
		{
			name:  "no source",
			in:    CreateInput{Name: "m", ServedName: "m1", Engine: models.EngineGGUF},
			field: "repo_id",
		},
		{
			name: "both sources",
			in: CreateInput{Name: "m", ServedName: "m1", Engine: models.EngineGGUF,
				RepoID: "org/m1", LocalPath: "/models/m1"},
			field: "repo_id",
		},
		{
			name: "bad gpus encoding",
			in: CreateInput{Name: "m", ServedName: "m1", Engine: models.EngineGGUF,
				LocalPath: "/models/m1",
				Config:    models.ModelConfig{GPUs: "not json"}},
			field: "config.gpus",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Create(ctx, tc.in)
			ae := apierror.From(err)
			if ae.Kind != apierror.ValidationError {
				t.Fatalf("got kind %s, want validation_error", ae.Kind)
			}
			if _, ok := ae.Fields[tc.field]; !ok {
				t.Errorf("expected field %q in %v", tc.field, ae.Fields)
			}
		})
	}
}

func TestServedNameUniqueness(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first := createModel(t, r, "llama-8b")

	_, err := r.Create(ctx, CreateInput{
		Name: "dup", ServedName: "llama-8b",
		Engine: models.EngineGGUF, LocalPath: "/models/llama-8b",
	})
	if !apierror.IsKind(err, apierror.ValidationError) {
		t.Fatalf("duplicate create: got %v, want validation_error", err)
	}

	// Archiving the first frees the served name.
	if err := r.Archive(ctx, first.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := r.Create(ctx, CreateInput{
		Name: "dup", ServedName: "llama-8b",
		Engine: models.EngineGGUF, LocalPath: "/models/llama-8b",
	}); err != nil {
		t.Fatalf("create after archive: %v", err)
	}
}

func TestStateMachineLegality(t *testing.T) {
	all := []models.ModelState{
		models.StateStopped, models.StateStarting, models.StateLoading,
		models.StateRunning, models.StateFailed, models.StateArchived,
	}
	legal := map[models.ModelState]map[models.ModelState]bool{
		models.StateStopped:  {models.StateStarting: true, models.StateArchived: true},
		models.StateStarting: {models.StateLoading: true, models.StateFailed: true, models.StateStopped: true},
		models.StateLoading:  {models.StateRunning: true, models.StateFailed: true, models.StateStopped: true},
		models.StateRunning:  {models.StateStopped: true, models.StateFailed: true},
		models.StateFailed:   {models.StateStarting: true, models.StateStopped: true, models.StateArchived: true},
		models.StateArchived: {models.StateStopped: true},
	}

	ctx := context.Background()
	for _, from := range all {
		for _, to := range all {
			if from == to {
				continue
			}
			r := newTestRegistry(t)
			m := createModel(t, r, "m1")
			// Force the starting state directly in the store.
			m.State = from
			if from.Active() {
				m.Port = 8001
				m.ContainerName = "transformers-server-model-1"
			}
			if err := r.store.UpdateModel(ctx, m); err != nil {
				t.Fatalf("seed state %s: %v", from, err)
			}

			err := r.SetState(ctx, m.ID, to, "")
			if legal[from][to] {
				if err != nil {
					t.Errorf("%s -> %s: unexpected error %v", from, to, err)
				}
				got, _ := r.Get(ctx, m.ID)
				if got.State != to {
					t.Errorf("%s -> %s: state is %s", from, to, got.State)
				}
			} else {
				if !apierror.IsKind(err, apierror.StateConflict) {
					t.Errorf("%s -> %s: got %v, want state_conflict", from, to, err)
				}
			}
		}
	}
}

func TestSetStateClearsRuntimeBinding(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := createModel(t, r, "m1")

	if err := r.SetState(ctx, m.ID, models.StateStarting, ""); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := r.SetRuntime(ctx, m.ID, "transformers-server-model-1", 8001); err != nil {
		t.Fatalf("SetRuntime: %v", err)
	}
	if err := r.SetState(ctx, m.ID, models.StateFailed, "container exited"); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	got, err := r.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Port != 0 || got.ContainerName != "" {
		t.Errorf("runtime binding not cleared: port=%d container=%q", got.Port, got.ContainerName)
	}
	if got.LastError != "container exited" {
		t.Errorf("last error = %q", got.LastError)
	}

	// Recovering via start clears the stale error.
	if err := r.SetState(ctx, m.ID, models.StateStarting, ""); err != nil {
		t.Fatalf("restart: %v", err)
	}
	got, _ = r.Get(ctx, m.ID)
	if got.LastError != "" {
		t.Errorf("last error not cleared on recovery: %q", got.LastError)
	}
}

func TestDeleteRequiresArchived(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := createModel(t, r, "m1")

	if err := r.Delete(ctx, m.ID); !apierror.IsKind(err, apierror.StateConflict) {
		t.Fatalf("delete of stopped model: got %v, want state_conflict", err)
	}
	if err := r.Archive(ctx, m.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := r.Delete(ctx, m.ID); err != nil {
		t.Fatalf("delete of archived model: %v", err)
	}
	if _, err := r.Get(ctx, m.ID); !apierror.IsKind(err, apierror.ModelNotFound) {
		t.Fatalf("get after delete: got %v, want model_not_found", err)
	}
}
