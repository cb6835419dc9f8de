// Package store provides the storage interface and implementations for the
// CORTEX gateway. The in-memory store backs tests and zero-config runs;
// PostgreSQL backs production deployments.
package store

import (
	"context"
	"time"

	"github.com/cortexgw/cortex/pkg/models"
)

// Store is the primary storage interface for the gateway. All handler and
// component code depends on this interface, making it easy to swap between
// in-memory (tests) and PostgreSQL (production) implementations.
type Store interface {
	ModelStore
	ApiKeyStore
	UserStore
	OrgStore
	UsageStore
	ConfigKVStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// ── Model Store ─────────────────────────────────────────────

// ModelFilter defines optional filters for listing models.
type ModelFilter struct {
	State           models.ModelState // exact match
	Engine          models.EngineKind // exact match
	IncludeArchived bool
	EnabledOnly     bool
}

type ModelStore interface {
	ListModels(ctx context.Context, filter ModelFilter) ([]models.Model, error)
	GetModel(ctx context.Context, id int64) (*models.Model, error)
	// GetModelByServedName resolves among non-archived rows only.
	GetModelByServedName(ctx context.Context, servedName string) (*models.Model, error)
	CreateModel(ctx context.Context, m *models.Model) error
	UpdateModel(ctx context.Context, m *models.Model) error
	DeleteModel(ctx context.Context, id int64) error
}

// ── API Key Store ───────────────────────────────────────────

type ApiKeyStore interface {
	ListKeys(ctx context.Context) ([]models.ApiKey, error)
	GetKey(ctx context.Context, id int64) (*models.ApiKey, error)
	// GetKeysByPrefix returns candidate keys sharing the short prefix;
	// the caller verifies the hash.
	GetKeysByPrefix(ctx context.Context, prefix string) ([]models.ApiKey, error)
	CreateKey(ctx context.Context, k *models.ApiKey) error
	UpdateKey(ctx context.Context, k *models.ApiKey) error
	DeleteKey(ctx context.Context, id int64) error
	TouchKey(ctx context.Context, id int64, at time.Time) error
}

// ── User / Org Stores ───────────────────────────────────────

type UserStore interface {
	ListUsers(ctx context.Context) ([]models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	UpdateUser(ctx context.Context, u *models.User) error
	DeleteUser(ctx context.Context, id int64) error
}

type OrgStore interface {
	ListOrgs(ctx context.Context) ([]models.Organization, error)
	GetOrg(ctx context.Context, id int64) (*models.Organization, error)
	CreateOrg(ctx context.Context, o *models.Organization) error
	UpdateOrg(ctx context.Context, o *models.Organization) error
	DeleteOrg(ctx context.Context, id int64) error
}

// ── Usage Store ─────────────────────────────────────────────

// UsageFilter selects usage records for listing and aggregation.
type UsageFilter struct {
	KeyID      int64
	ServedName string
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// UsageAggregate is a rollup over a filtered set of usage records.
type UsageAggregate struct {
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
	AvgTTFTMS        float64 `json:"avg_ttft_ms"`
	ErrorCount       int64   `json:"error_count"`
}

type UsageStore interface {
	// InsertUsage appends records. Callers batch; the store must not
	// deduplicate.
	InsertUsage(ctx context.Context, records []models.UsageRecord) error
	ListUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error)
	AggregateUsage(ctx context.Context, filter UsageFilter) (*UsageAggregate, error)
	// DeleteUsageBefore trims records older than cutoff and returns the
	// number removed.
	DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ── Config KV Store ─────────────────────────────────────────

// ConfigKVStore persists small operator-set values (models base dir,
// deployment options).
type ConfigKVStore interface {
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when a uniqueness constraint is violated.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}
