package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/cortexgw/cortex/pkg/models"
)

// PostgresStore is the pgx-backed production Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and returns a ready store.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// schema is applied idempotently at startup. The models directory on disk is
// intentionally absent here: model files are the operator's property and are
// never touched by the database layer.
const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'member',
	org_id BIGINT REFERENCES organizations(id),
	disabled BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS api_keys (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	prefix TEXT NOT NULL,
	hash TEXT NOT NULL,
	scopes JSONB NOT NULL DEFAULT '[]',
	user_id BIGINT REFERENCES users(id),
	org_id BIGINT REFERENCES organizations(id),
	disabled BOOLEAN NOT NULL DEFAULT false,
	expires_at TIMESTAMPTZ,
	last_used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS api_keys_prefix_idx ON api_keys (prefix);
CREATE TABLE IF NOT EXISTS cortex_models (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	served_name TEXT NOT NULL,
	engine TEXT NOT NULL,
	repo_id TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL DEFAULT '',
	image_tag TEXT NOT NULL DEFAULT '',
	config JSONB NOT NULL DEFAULT '{}',
	state TEXT NOT NULL DEFAULT 'stopped',
	last_error TEXT NOT NULL DEFAULT '',
	port INT NOT NULL DEFAULT 0,
	container_name TEXT NOT NULL DEFAULT '',
	enabled BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS cortex_models_served_name_live_idx
	ON cortex_models (served_name) WHERE state <> 'archived';
CREATE TABLE IF NOT EXISTS usage (
	id BIGSERIAL PRIMARY KEY,
	key_id BIGINT NOT NULL DEFAULT 0,
	served_name TEXT NOT NULL,
	task TEXT NOT NULL,
	prompt_tokens INT NOT NULL DEFAULT 0,
	completion_tokens INT NOT NULL DEFAULT 0,
	total_tokens INT NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	ttft_ms BIGINT NOT NULL DEFAULT 0,
	status INT NOT NULL,
	request_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS usage_created_at_idx ON usage (created_at);
CREATE INDEX IF NOT EXISTS usage_key_id_idx ON usage (key_id);
CREATE TABLE IF NOT EXISTS config_kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	log.Info().Msg("Database schema applied")
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── Models ──────────────────────────────────────────────────

const modelColumns = `id, name, served_name, engine, repo_id, local_path, image_tag,
	config, state, last_error, port, container_name, enabled, created_at, updated_at`

func scanModel(row pgx.Row) (*models.Model, error) {
	var m models.Model
	var cfg []byte
	err := row.Scan(&m.ID, &m.Name, &m.ServedName, &m.Engine, &m.RepoID, &m.LocalPath,
		&m.ImageTag, &cfg, &m.State, &m.LastError, &m.Port, &m.ContainerName,
		&m.Enabled, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &m.Config); err != nil {
			return nil, fmt.Errorf("decode model config: %w", err)
		}
	}
	return &m, nil
}

func (s *PostgresStore) ListModels(ctx context.Context, filter ModelFilter) ([]models.Model, error) {
	q := `SELECT ` + modelColumns + ` FROM cortex_models WHERE 1=1`
	var args []any
	if !filter.IncludeArchived {
		q += ` AND state <> 'archived'`
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		q += ` AND state = $` + strconv.Itoa(len(args))
	}
	if filter.Engine != "" {
		args = append(args, string(filter.Engine))
		q += ` AND engine = $` + strconv.Itoa(len(args))
	}
	if filter.EnabledOnly {
		q += ` AND enabled`
	}
	q += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetModel(ctx context.Context, id int64) (*models.Model, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+modelColumns+` FROM cortex_models WHERE id = $1`, id)
	m, err := scanModel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "model", Key: strconv.FormatInt(id, 10)}
	}
	return m, err
}

func (s *PostgresStore) GetModelByServedName(ctx context.Context, servedName string) (*models.Model, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+modelColumns+` FROM cortex_models WHERE served_name = $1 AND state <> 'archived'`, servedName)
	m, err := scanModel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "model", Key: servedName}
	}
	return m, err
}

func (s *PostgresStore) CreateModel(ctx context.Context, m *models.Model) error {
	cfg, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("encode model config: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO cortex_models (name, served_name, engine, repo_id, local_path, image_tag,
			config, state, last_error, port, container_name, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id, created_at, updated_at`,
		m.Name, m.ServedName, m.Engine, m.RepoID, m.LocalPath, m.ImageTag,
		cfg, m.State, m.LastError, m.Port, m.ContainerName, m.Enabled)
	if err := row.Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return &ErrConflict{Entity: "model", Key: m.ServedName}
		}
		return err
	}
	return nil
}

func (s *PostgresStore) UpdateModel(ctx context.Context, m *models.Model) error {
	cfg, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("encode model config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE cortex_models SET name=$2, served_name=$3, engine=$4, repo_id=$5,
			local_path=$6, image_tag=$7, config=$8, state=$9, last_error=$10,
			port=$11, container_name=$12, enabled=$13, updated_at=now()
		WHERE id = $1`,
		m.ID, m.Name, m.ServedName, m.Engine, m.RepoID, m.LocalPath, m.ImageTag,
		cfg, m.State, m.LastError, m.Port, m.ContainerName, m.Enabled)
	if err != nil {
		if isUniqueViolation(err) {
			return &ErrConflict{Entity: "model", Key: m.ServedName}
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "model", Key: strconv.FormatInt(m.ID, 10)}
	}
	return nil
}

func (s *PostgresStore) DeleteModel(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cortex_models WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "model", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

// ── API Keys ────────────────────────────────────────────────

const keyColumns = `id, name, prefix, hash, scopes, COALESCE(user_id,0), COALESCE(org_id,0),
	disabled, expires_at, last_used_at, created_at`

func scanKey(row pgx.Row) (*models.ApiKey, error) {
	var k models.ApiKey
	var scopes []byte
	err := row.Scan(&k.ID, &k.Name, &k.Prefix, &k.Hash, &scopes, &k.UserID, &k.OrgID,
		&k.Disabled, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &k.Scopes); err != nil {
			return nil, fmt.Errorf("decode key scopes: %w", err)
		}
	}
	return &k, nil
}

func (s *PostgresStore) ListKeys(ctx context.Context) ([]models.ApiKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+keyColumns+` FROM api_keys ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ApiKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetKey(ctx context.Context, id int64) (*models.ApiKey, error) {
	k, err := scanKey(s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "api_key", Key: strconv.FormatInt(id, 10)}
	}
	return k, err
}

func (s *PostgresStore) GetKeysByPrefix(ctx context.Context, prefix string) ([]models.ApiKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE prefix = $1`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ApiKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateKey(ctx context.Context, k *models.ApiKey) error {
	scopes, err := json.Marshal(k.Scopes)
	if err != nil {
		return err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO api_keys (name, prefix, hash, scopes, user_id, org_id, disabled, expires_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,0),NULLIF($6,0),$7,$8)
		RETURNING id, created_at`,
		k.Name, k.Prefix, k.Hash, scopes, k.UserID, k.OrgID, k.Disabled, k.ExpiresAt)
	return row.Scan(&k.ID, &k.CreatedAt)
}

func (s *PostgresStore) UpdateKey(ctx context.Context, k *models.ApiKey) error {
	scopes, err := json.Marshal(k.Scopes)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET name=$2, scopes=$3, disabled=$4, expires_at=$5 WHERE id = $1`,
		k.ID, k.Name, scopes, k.Disabled, k.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "api_key", Key: strconv.FormatInt(k.ID, 10)}
	}
	return nil
}

func (s *PostgresStore) DeleteKey(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "api_key", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

func (s *PostgresStore) TouchKey(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

// ── Users ───────────────────────────────────────────────────

const userColumns = `id, email, name, role, COALESCE(org_id,0), disabled, created_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.OrgID, &u.Disabled, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "user", Key: strconv.FormatInt(id, 10)}
	}
	return u, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "user", Key: email}
	}
	return u, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (email, name, role, org_id, disabled)
		VALUES ($1,$2,$3,NULLIF($4,0),$5) RETURNING id, created_at`,
		u.Email, u.Name, u.Role, u.OrgID, u.Disabled)
	if err := row.Scan(&u.ID, &u.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return &ErrConflict{Entity: "user", Key: u.Email}
		}
		return err
	}
	return nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *models.User) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET email=$2, name=$3, role=$4, org_id=NULLIF($5,0), disabled=$6 WHERE id = $1`,
		u.ID, u.Email, u.Name, u.Role, u.OrgID, u.Disabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "user", Key: strconv.FormatInt(u.ID, 10)}
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "user", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

// ── Orgs ────────────────────────────────────────────────────

func (s *PostgresStore) ListOrgs(ctx context.Context) ([]models.Organization, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, created_at FROM organizations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Organization
	for rows.Next() {
		var o models.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrg(ctx context.Context, id int64) (*models.Organization, error) {
	var o models.Organization
	err := s.pool.QueryRow(ctx, `SELECT id, name, created_at FROM organizations WHERE id = $1`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "organization", Key: strconv.FormatInt(id, 10)}
	}
	return &o, err
}

func (s *PostgresStore) CreateOrg(ctx context.Context, o *models.Organization) error {
	return s.pool.QueryRow(ctx, `INSERT INTO organizations (name) VALUES ($1) RETURNING id, created_at`,
		o.Name).Scan(&o.ID, &o.CreatedAt)
}

func (s *PostgresStore) UpdateOrg(ctx context.Context, o *models.Organization) error {
	tag, err := s.pool.Exec(ctx, `UPDATE organizations SET name=$2 WHERE id = $1`, o.ID, o.Name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "organization", Key: strconv.FormatInt(o.ID, 10)}
	}
	return nil
}

func (s *PostgresStore) DeleteOrg(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "organization", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

// ── Usage ───────────────────────────────────────────────────

func (s *PostgresStore) InsertUsage(ctx context.Context, records []models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO usage (key_id, served_name, task, prompt_tokens, completion_tokens,
				total_tokens, latency_ms, ttft_ms, status, request_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,COALESCE(NULLIF($11, '0001-01-01'::timestamptz), now()))`,
			r.KeyID, r.ServedName, r.Task, r.PromptTokens, r.CompletionTokens,
			r.TotalTokens, r.LatencyMS, r.TTFTMS, r.Status, r.RequestID, r.CreatedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func usageWhere(filter UsageFilter) (string, []any) {
	q := ` WHERE 1=1`
	var args []any
	if filter.KeyID != 0 {
		args = append(args, filter.KeyID)
		q += ` AND key_id = $` + strconv.Itoa(len(args))
	}
	if filter.ServedName != "" {
		args = append(args, filter.ServedName)
		q += ` AND served_name = $` + strconv.Itoa(len(args))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		q += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		q += ` AND created_at <= $` + strconv.Itoa(len(args))
	}
	return q, args
}

func (s *PostgresStore) ListUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error) {
	where, args := usageWhere(filter)
	q := `SELECT id, key_id, served_name, task, prompt_tokens, completion_tokens,
		total_tokens, latency_ms, ttft_ms, status, request_id, created_at FROM usage` + where +
		` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.KeyID, &r.ServedName, &r.Task, &r.PromptTokens,
			&r.CompletionTokens, &r.TotalTokens, &r.LatencyMS, &r.TTFTMS, &r.Status,
			&r.RequestID, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AggregateUsage(ctx context.Context, filter UsageFilter) (*UsageAggregate, error) {
	where, args := usageWhere(filter)
	var agg UsageAggregate
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0),
			COALESCE(SUM(total_tokens),0),
			COALESCE(AVG(latency_ms),0),
			COALESCE(AVG(ttft_ms) FILTER (WHERE ttft_ms > 0),0),
			COUNT(*) FILTER (WHERE status >= 400)
		FROM usage`+where, args...).
		Scan(&agg.Requests, &agg.PromptTokens, &agg.CompletionTokens, &agg.TotalTokens,
			&agg.AvgLatencyMS, &agg.AvgTTFTMS, &agg.ErrorCount)
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (s *PostgresStore) DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM usage WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ── Config KV ───────────────────────────────────────────────

func (s *PostgresStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config_kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &ErrNotFound{Entity: "config", Key: key}
	}
	return v, err
}

func (s *PostgresStore) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO config_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value)
	return err
}
