package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cortexgw/cortex/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store. It backs tests and
// zero-configuration development runs.
type MemoryStore struct {
	mu sync.RWMutex

	models map[int64]*models.Model
	keys   map[int64]*models.ApiKey
	users  map[int64]*models.User
	orgs   map[int64]*models.Organization
	usage  []models.UsageRecord
	kv     map[string]string

	nextModelID int64
	nextKeyID   int64
	nextUserID  int64
	nextOrgID   int64
	nextUsageID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		models: make(map[int64]*models.Model),
		keys:   make(map[int64]*models.ApiKey),
		users:  make(map[int64]*models.User),
		orgs:   make(map[int64]*models.Organization),
		kv:     make(map[string]string),
	}
}

func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Close() error                  { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// ── Models ──────────────────────────────────────────────────

func (s *MemoryStore) ListModels(_ context.Context, filter ModelFilter) ([]models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Model
	for _, m := range s.models {
		if !filter.IncludeArchived && m.State == models.StateArchived {
			continue
		}
		if filter.State != "" && m.State != filter.State {
			continue
		}
		if filter.Engine != "" && m.Engine != filter.Engine {
			continue
		}
		if filter.EnabledOnly && !m.Enabled {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetModel(_ context.Context, id int64) (*models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "model", Key: strconv.FormatInt(id, 10)}
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetModelByServedName(_ context.Context, servedName string) (*models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.models {
		if m.ServedName == servedName && m.State != models.StateArchived {
			cp := *m
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "model", Key: servedName}
}

func (s *MemoryStore) CreateModel(_ context.Context, m *models.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.models {
		if existing.ServedName == m.ServedName && existing.State != models.StateArchived {
			return &ErrConflict{Entity: "model", Key: m.ServedName}
		}
	}
	s.nextModelID++
	m.ID = s.nextModelID
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	cp := *m
	s.models[m.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateModel(_ context.Context, m *models.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.models[m.ID]; !ok {
		return &ErrNotFound{Entity: "model", Key: strconv.FormatInt(m.ID, 10)}
	}
	for _, existing := range s.models {
		if existing.ID != m.ID && existing.ServedName == m.ServedName && existing.State != models.StateArchived && m.State != models.StateArchived {
			return &ErrConflict{Entity: "model", Key: m.ServedName}
		}
	}
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	s.models[m.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteModel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.models[id]; !ok {
		return &ErrNotFound{Entity: "model", Key: strconv.FormatInt(id, 10)}
	}
	delete(s.models, id)
	return nil
}

// ── API Keys ────────────────────────────────────────────────

func (s *MemoryStore) ListKeys(context.Context) ([]models.ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ApiKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetKey(_ context.Context, id int64) (*models.ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "api_key", Key: strconv.FormatInt(id, 10)}
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) GetKeysByPrefix(_ context.Context, prefix string) ([]models.ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ApiKey
	for _, k := range s.keys {
		if k.Prefix == prefix {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateKey(_ context.Context, k *models.ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextKeyID++
	k.ID = s.nextKeyID
	k.CreatedAt = time.Now().UTC()
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateKey(_ context.Context, k *models.ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[k.ID]; !ok {
		return &ErrNotFound{Entity: "api_key", Key: strconv.FormatInt(k.ID, 10)}
	}
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteKey(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[id]; !ok {
		return &ErrNotFound{Entity: "api_key", Key: strconv.FormatInt(id, 10)}
	}
	delete(s.keys, id)
	return nil
}

func (s *MemoryStore) TouchKey(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[id]; ok {
		k.LastUsedAt = &at
	}
	return nil
}

// ── Users ───────────────────────────────────────────────────

func (s *MemoryStore) ListUsers(context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "user", Key: strconv.FormatInt(id, 10)}
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "user", Key: email}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Email == u.Email {
			return &ErrConflict{Entity: "user", Key: u.Email}
		}
	}
	s.nextUserID++
	u.ID = s.nextUserID
	u.CreatedAt = time.Now().UTC()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; !ok {
		return &ErrNotFound{Entity: "user", Key: strconv.FormatInt(u.ID, 10)}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return &ErrNotFound{Entity: "user", Key: strconv.FormatInt(id, 10)}
	}
	delete(s.users, id)
	return nil
}

// ── Orgs ────────────────────────────────────────────────────

func (s *MemoryStore) ListOrgs(context.Context) ([]models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Organization, 0, len(s.orgs))
	for _, o := range s.orgs {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetOrg(_ context.Context, id int64) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orgs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "organization", Key: strconv.FormatInt(id, 10)}
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) CreateOrg(_ context.Context, o *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextOrgID++
	o.ID = s.nextOrgID
	o.CreatedAt = time.Now().UTC()
	cp := *o
	s.orgs[o.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateOrg(_ context.Context, o *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orgs[o.ID]; !ok {
		return &ErrNotFound{Entity: "organization", Key: strconv.FormatInt(o.ID, 10)}
	}
	cp := *o
	s.orgs[o.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteOrg(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orgs[id]; !ok {
		return &ErrNotFound{Entity: "organization", Key: strconv.FormatInt(id, 10)}
	}
	delete(s.orgs, id)
	return nil
}

// ── Usage ───────────────────────────────────────────────────

func (s *MemoryStore) InsertUsage(_ context.Context, records []models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		s.nextUsageID++
		r.ID = s.nextUsageID
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		s.usage = append(s.usage, r)
	}
	return nil
}

func (s *MemoryStore) ListUsage(_ context.Context, filter UsageFilter) ([]models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.UsageRecord
	for i := len(s.usage) - 1; i >= 0; i-- {
		r := s.usage[i]
		if !usageMatches(r, filter) {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AggregateUsage(_ context.Context, filter UsageFilter) (*UsageAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := &UsageAggregate{}
	var latencySum, ttftSum, ttftCount int64
	for _, r := range s.usage {
		if !usageMatches(r, filter) {
			continue
		}
		agg.Requests++
		agg.PromptTokens += int64(r.PromptTokens)
		agg.CompletionTokens += int64(r.CompletionTokens)
		agg.TotalTokens += int64(r.TotalTokens)
		latencySum += r.LatencyMS
		if r.TTFTMS > 0 {
			ttftSum += r.TTFTMS
			ttftCount++
		}
		if r.Status >= 400 {
			agg.ErrorCount++
		}
	}
	if agg.Requests > 0 {
		agg.AvgLatencyMS = float64(latencySum) / float64(agg.Requests)
	}
	if ttftCount > 0 {
		agg.AvgTTFTMS = float64(ttftSum) / float64(ttftCount)
	}
	return agg, nil
}

func (s *MemoryStore) DeleteUsageBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []models.UsageRecord
	var removed int64
	for _, r := range s.usage {
		if r.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.usage = kept
	return removed, nil
}

func usageMatches(r models.UsageRecord, filter UsageFilter) bool {
	if filter.KeyID != 0 && r.KeyID != filter.KeyID {
		return false
	}
	if filter.ServedName != "" && r.ServedName != filter.ServedName {
		return false
	}
	if filter.Since != nil && r.CreatedAt.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && r.CreatedAt.After(*filter.Until) {
		return false
	}
	return true
}

// ── Config KV ───────────────────────────────────────────────

func (s *MemoryStore) GetConfigValue(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.kv[key]
	if !ok {
		return "", &ErrNotFound{Entity: "config", Key: key}
	}
	return v, nil
}

func (s *MemoryStore) SetConfigValue(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv[key] = value
	return nil
}
