package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cortexgw/cortex/internal/registry"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

// manifestVersion guards against importing manifests written by a future
// format.
const manifestVersion = 1

// Manifest is the portable export format. Raw key tokens are never
// exported; only hashes travel, so restored keys keep working.
type Manifest struct {
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exported_at"`
	Models     []models.Model `json:"models"`
	Keys       []ManifestKey  `json:"keys,omitempty"`
}

// ManifestKey is the key row as it travels in a manifest. The API row
// type hides Hash from JSON; here it must be carried or restored keys
// could never authenticate.
type ManifestKey struct {
	models.ApiKey
	Hash string `json:"hash"`
}

func manifestKeys(keys []models.ApiKey) []ManifestKey {
	out := make([]ManifestKey, len(keys))
	for i, k := range keys {
		out[i] = ManifestKey{ApiKey: k, Hash: k.Hash}
	}
	return out
}

// Jobs builds the runnable job bodies over the gateway's stores.
type Jobs struct {
	store     store.Store
	registry  *registry.Registry
	modelsDir string
	exportDir string
}

func NewJobs(s store.Store, reg *registry.Registry, modelsDir, exportDir string) *Jobs {
	return &Jobs{store: s, registry: reg, modelsDir: modelsDir, exportDir: exportDir}
}

// ExportInstance writes the full instance manifest (all models and key
// rows) to the export directory.
func (j *Jobs) ExportInstance() Fn {
	return func(ctx context.Context, rep *Reporter) error {
		rep.Step("collecting models")
		list, err := j.store.ListModels(ctx, store.ModelFilter{IncludeArchived: true})
		if err != nil {
			return err
		}
		rep.Progress(0.3)

		rep.Step("collecting keys")
		keys, err := j.store.ListKeys(ctx)
		if err != nil {
			return err
		}
		rep.Progress(0.5)

		rep.Step("writing manifest")
		m := Manifest{
			Version:    manifestVersion,
			ExportedAt: time.Now().UTC(),
			Models:     list,
			Keys:       manifestKeys(keys),
		}
		path := filepath.Join(j.exportDir, fmt.Sprintf("cortex-export-%s.json", time.Now().UTC().Format("20060102-150405")))
		n, err := j.writeManifest(path, &m)
		if err != nil {
			return err
		}
		rep.AddBytes(n)
		rep.Log("wrote " + path)
		rep.Progress(1)
		return nil
	}
}

// ExportModel writes a single-model manifest.
func (j *Jobs) ExportModel(id int64) Fn {
	return func(ctx context.Context, rep *Reporter) error {
		rep.Step("loading model")
		m, err := j.registry.Get(ctx, id)
		if err != nil {
			return err
		}
		rep.Progress(0.5)

		rep.Step("writing manifest")
		manifest := Manifest{
			Version:    manifestVersion,
			ExportedAt: time.Now().UTC(),
			Models:     []models.Model{*m},
		}
		path := filepath.Join(j.exportDir, fmt.Sprintf("cortex-model-%s.json", m.ServedName))
		n, err := j.writeManifest(path, &manifest)
		if err != nil {
			return err
		}
		rep.AddBytes(n)
		rep.Log("wrote " + path)
		rep.Progress(1)
		return nil
	}
}

// ImportManifest creates the manifest's models, skipping served names
// that already exist. Imported models always land stopped.
func (j *Jobs) ImportManifest(path string) Fn {
	return func(ctx context.Context, rep *Reporter) error {
		rep.Step("reading manifest")
		m, err := j.readManifest(path)
		if err != nil {
			return err
		}

		rep.Step("importing models")
		for i := range m.Models {
			if err := ctx.Err(); err != nil {
				return err
			}
			src := &m.Models[i]
			imported := *src
			imported.ID = 0
			imported.State = models.StateStopped
			imported.Port = 0
			imported.ContainerName = ""
			imported.LastError = ""
			if err := j.store.CreateModel(ctx, &imported); err != nil {
				var conflict *store.ErrConflict
				if errors.As(err, &conflict) {
					rep.Log(fmt.Sprintf("skipped %s: served name already in use", src.ServedName))
					continue
				}
				return err
			}
			rep.Log("imported " + imported.ServedName)
			rep.Progress(float64(i+1) / float64(len(m.Models)))
		}
		return nil
	}
}

// RestoreDB replays a full-instance manifest: models plus key rows.
func (j *Jobs) RestoreDB(path string) Fn {
	return func(ctx context.Context, rep *Reporter) error {
		if err := j.ImportManifest(path)(ctx, rep); err != nil {
			return err
		}
		rep.Step("restoring keys")
		m, err := j.readManifest(path)
		if err != nil {
			return err
		}
		for i := range m.Keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := m.Keys[i].ApiKey
			key.Hash = m.Keys[i].Hash
			key.ID = 0
			if err := j.store.CreateKey(ctx, &key); err != nil {
				rep.Log(fmt.Sprintf("skipped key %s: %v", key.Prefix, err))
			}
		}
		rep.Progress(1)
		return nil
	}
}

// EstimateSize walks the models directory and reports the total bytes an
// export would cover.
func (j *Jobs) EstimateSize() Fn {
	return func(ctx context.Context, rep *Reporter) error {
		rep.Step("walking models directory")
		var total int64
		err := filepath.WalkDir(j.modelsDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			total += info.Size()
			return nil
		})
		if err != nil {
			return err
		}
		rep.AddBytes(total)
		rep.Log(fmt.Sprintf("models directory holds %d bytes", total))
		rep.Progress(1)
		return nil
	}
}

// ManifestInfo describes one manifest file on disk.
type ManifestInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Manifests lists manifest files in the export directory whose names
// start with prefix, newest first. A missing directory is an empty list.
func (j *Jobs) Manifests(prefix string) ([]ManifestInfo, error) {
	entries, err := os.ReadDir(j.exportDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []ManifestInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := []ManifestInfo{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ManifestInfo{
			Name:       e.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ModifiedAt.After(out[b].ModifiedAt) })
	return out, nil
}

// ManifestPath resolves a manifest filename inside the export directory.
// Only bare filenames are accepted; paths cannot escape the directory.
func (j *Jobs) ManifestPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", apierror.Validation(map[string]string{"manifest": "must be a manifest filename"})
	}
	path := filepath.Join(j.exportDir, name)
	if _, err := os.Stat(path); err != nil {
		return "", apierror.Newf(apierror.NotFound, "manifest %s not found", name)
	}
	return path, nil
}

func (j *Jobs) writeManifest(path string, m *Manifest) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (j *Jobs) readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Version > manifestVersion {
		return nil, fmt.Errorf("manifest version %d is newer than supported %d", m.Version, manifestVersion)
	}
	return &m, nil
}
