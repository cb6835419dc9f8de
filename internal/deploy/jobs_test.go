package deploy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cortexgw/cortex/internal/auth"
	"github.com/cortexgw/cortex/internal/registry"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/models"
)

func newJobs(t *testing.T) (*Jobs, store.Store, string) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New(s)
	exportDir := t.TempDir()
	return NewJobs(s, reg, t.TempDir(), exportDir), s, exportDir
}

func seedModel(t *testing.T, s store.Store, servedName string) *models.Model {
	t.Helper()
	m := &models.Model{
		Name: servedName, ServedName: servedName,
		Engine: models.EngineTransformers, RepoID: "org/" + servedName,
		State: models.StateStopped,
	}
	if err := s.CreateModel(context.Background(), m); err != nil {
		t.Fatalf("CreateModel: %v", err)
	}
	return m
}

func runJob(t *testing.T, fn Fn) *Reporter {
	t.Helper()
	rep := &Reporter{j: &job{}}
	if err := fn(context.Background(), rep); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	return rep
}

func singleExport(t *testing.T, dir string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("export dir holds %d files, want 1", len(entries))
	}
	return filepath.Join(dir, entries[0].Name())
}

func TestExportInstanceWritesManifest(t *testing.T) {
	jobs, s, exportDir := newJobs(t)
	seedModel(t, s, "m1")
	seedModel(t, s, "m2")

	rep := runJob(t, jobs.ExportInstance())
	if rep.j.bytesWritten == 0 {
		t.Error("bytes counter not advanced")
	}

	data, err := os.ReadFile(singleExport(t, exportDir))
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("manifest parse: %v", err)
	}
	if m.Version != manifestVersion || len(m.Models) != 2 {
		t.Fatalf("manifest = version %d, %d models", m.Version, len(m.Models))
	}
}

func TestImportManifestSkipsConflicts(t *testing.T) {
	source, s, exportDir := newJobs(t)
	seedModel(t, s, "m1")
	seedModel(t, s, "m2")
	runJob(t, source.ExportInstance())
	manifest := singleExport(t, exportDir)

	dest, ds, _ := newJobs(t)
	seedModel(t, ds, "m1") // collides with the manifest

	runJob(t, dest.ImportManifest(manifest))

	list, err := ds.ListModels(context.Background(), store.ModelFilter{})
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d models, want 2 (m1 kept, m2 imported)", len(list))
	}
	for _, m := range list {
		if m.State != models.StateStopped {
			t.Errorf("%s imported in state %s, want stopped", m.ServedName, m.State)
		}
	}
}

func TestImportedModelLosesRuntimeBinding(t *testing.T) {
	source, s, exportDir := newJobs(t)
	m := seedModel(t, s, "m1")
	m.State = models.StateRunning
	m.Port = 8001
	m.ContainerName = "transformers-server-model-1"
	if err := s.UpdateModel(context.Background(), m); err != nil {
		t.Fatalf("UpdateModel: %v", err)
	}
	runJob(t, source.ExportInstance())

	dest, ds, _ := newJobs(t)
	runJob(t, dest.ImportManifest(singleExport(t, exportDir)))

	list, _ := ds.ListModels(context.Background(), store.ModelFilter{})
	if len(list) != 1 {
		t.Fatalf("got %d models", len(list))
	}
	got := list[0]
	if got.State != models.StateStopped || got.Port != 0 || got.ContainerName != "" {
		t.Errorf("imported runtime binding not cleared: %+v", got)
	}
}

func TestRestoreDBPreservesKeyHashes(t *testing.T) {
	source, s, exportDir := newJobs(t)
	seedModel(t, s, "m1")
	raw, key, err := auth.Mint("ci", []string{"*"}, 0, 0, nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := s.CreateKey(context.Background(), key); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	runJob(t, source.ExportInstance())

	dest, ds, _ := newJobs(t)
	runJob(t, dest.RestoreDB(singleExport(t, exportDir)))

	restored, err := ds.ListKeys(context.Background())
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(restored) != 1 {
		t.Fatalf("got %d keys, want 1", len(restored))
	}
	if restored[0].Hash != key.Hash {
		t.Fatalf("restored hash = %q, want %q", restored[0].Hash, key.Hash)
	}
	// The original raw token must still authenticate against the
	// restored store.
	if _, err := auth.NewKeyService(ds, false).VerifyToken(context.Background(), raw); err != nil {
		t.Fatalf("restored key does not authenticate: %v", err)
	}
}

func TestEstimateSizeCountsBytes(t *testing.T) {
	s := store.NewMemoryStore()
	modelsDir := t.TempDir()
	jobs := NewJobs(s, registry.New(s), modelsDir, t.TempDir())

	os.Mkdir(filepath.Join(modelsDir, "m"), 0o755)
	os.WriteFile(filepath.Join(modelsDir, "m", "w.gguf"), make([]byte, 2048), 0o644)
	os.WriteFile(filepath.Join(modelsDir, "top.bin"), make([]byte, 1024), 0o644)

	rep := runJob(t, jobs.EstimateSize())
	if rep.j.bytesWritten != 3072 {
		t.Fatalf("estimated %d bytes, want 3072", rep.j.bytesWritten)
	}
}
