package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexgw/cortex/pkg/models"
)

func model(name string) *models.Model {
	return &models.Model{
		Name: name, ServedName: name,
		Engine: models.EngineTransformers, RepoID: "org/" + name,
		State: models.StateStopped,
	}
}

func TestModelCRUDAndServedNameUniqueness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	m := model("llama")
	require.NoError(t, s.CreateModel(ctx, m))
	require.NotZero(t, m.ID)
	require.False(t, m.CreatedAt.IsZero())

	// A live served name cannot be reused.
	var conflict *ErrConflict
	require.ErrorAs(t, s.CreateModel(ctx, model("llama")), &conflict)
	assert.Equal(t, "model", conflict.Entity)

	// Archiving frees the name for a replacement.
	m.State = models.StateArchived
	require.NoError(t, s.UpdateModel(ctx, m))
	require.NoError(t, s.CreateModel(ctx, model("llama")))

	// Served-name resolution skips the archived row.
	got, err := s.GetModelByServedName(ctx, "llama")
	require.NoError(t, err)
	assert.NotEqual(t, m.ID, got.ID)
	assert.Equal(t, models.StateStopped, got.State)

	// Archived rows are hidden unless asked for.
	list, err := s.ListModels(ctx, ModelFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = s.ListModels(ctx, ModelFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.DeleteModel(ctx, got.ID))
	var notFound *ErrNotFound
	require.ErrorAs(t, s.DeleteModel(ctx, got.ID), &notFound)
}

func TestModelListFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := model("a")
	a.Enabled = true
	require.NoError(t, s.CreateModel(ctx, a))
	b := model("b")
	b.Engine = models.EngineGGUF
	require.NoError(t, s.CreateModel(ctx, b))

	list, err := s.ListModels(ctx, ModelFilter{Engine: models.EngineGGUF})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ServedName)

	list, err = s.ListModels(ctx, ModelFilter{EnabledOnly: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ServedName)
}

func TestKeyStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	k := &models.ApiKey{Name: "ci", Prefix: "ck-0123456", Hash: "h1", UserID: 3}
	require.NoError(t, s.CreateKey(ctx, k))
	require.NotZero(t, k.ID)

	// Prefix lookup returns all candidates sharing the short prefix.
	k2 := &models.ApiKey{Name: "ci-2", Prefix: "ck-0123456", Hash: "h2"}
	require.NoError(t, s.CreateKey(ctx, k2))
	candidates, err := s.GetKeysByPrefix(ctx, "ck-0123456")
	require.NoError(t, err)
	assert.Len(t, candidates, 2)

	at := time.Now().UTC()
	require.NoError(t, s.TouchKey(ctx, k.ID, at))
	got, err := s.GetKey(ctx, k.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.Equal(t, at, *got.LastUsedAt)

	require.NoError(t, s.DeleteKey(ctx, k.ID))
	_, err = s.GetKey(ctx, k.ID)
	var notFound *ErrNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestUserEmailUniqueness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	u := &models.User{Email: "ops@example.com", Role: "admin"}
	require.NoError(t, s.CreateUser(ctx, u))

	var conflict *ErrConflict
	require.ErrorAs(t, s.CreateUser(ctx, &models.User{Email: "ops@example.com"}), &conflict)

	got, err := s.GetUserByEmail(ctx, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestUsageListAggregateAndRetention(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertUsage(ctx, []models.UsageRecord{
		{KeyID: 1, ServedName: "m1", Status: 200, PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30, LatencyMS: 100, TTFTMS: 40, CreatedAt: base},
		{KeyID: 1, ServedName: "m1", Status: 500, LatencyMS: 300, CreatedAt: base.Add(time.Minute)},
		{KeyID: 2, ServedName: "m2", Status: 200, TotalTokens: 5, LatencyMS: 50, CreatedAt: base.Add(2 * time.Minute)},
	}))

	// Listing is newest-first and honors the key filter.
	list, err := s.ListUsage(ctx, UsageFilter{KeyID: 1})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 500, list[0].Status)

	list, err = s.ListUsage(ctx, UsageFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "m2", list[0].ServedName)

	agg, err := s.AggregateUsage(ctx, UsageFilter{KeyID: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, agg.Requests)
	assert.EqualValues(t, 30, agg.TotalTokens)
	assert.EqualValues(t, 1, agg.ErrorCount)
	assert.InDelta(t, 200, agg.AvgLatencyMS, 0.01)
	// Zero TTFT samples are excluded from the average.
	assert.InDelta(t, 40, agg.AvgTTFTMS, 0.01)

	removed, err := s.DeleteUsageBefore(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
	list, err = s.ListUsage(ctx, UsageFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConfigKV(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetConfigValue(ctx, "models_base_dir")
	var notFound *ErrNotFound
	require.ErrorAs(t, err, &notFound)

	require.NoError(t, s.SetConfigValue(ctx, "models_base_dir", "/srv/models"))
	require.NoError(t, s.SetConfigValue(ctx, "models_base_dir", "/srv/models2"))
	v, err := s.GetConfigValue(ctx, "models_base_dir")
	require.NoError(t, err)
	assert.Equal(t, "/srv/models2", v)
}
