// Package auth verifies the two credential kinds accepted at the public
// surface: API keys (bearer tokens for /v1/*) and admin session cookies.
// Raw key tokens are never persisted; only a SHA-256 hash plus a short
// non-secret prefix used for lookup.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

const (
	tokenPrefix = "ck-"
	// prefixLen is how many leading token characters are stored in clear
	// for candidate lookup.
	prefixLen = 11
)

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	KeyID    int64
	UserID   int64
	Role     string
	Scopes   []string
	Provider string // "apikey", "session", or "dev"
}

// RateKey is the stable identifier rate limits are keyed on.
func (id *Identity) RateKey() string {
	switch id.Provider {
	case "session":
		return "user:" + strconv.FormatInt(id.UserID, 10)
	case "dev":
		return "dev"
	default:
		return "key:" + strconv.FormatInt(id.KeyID, 10)
	}
}

// HasScope mirrors models.ApiKey scope semantics for an identity.
func (id *Identity) HasScope(scope string) bool {
	if len(id.Scopes) == 0 {
		return true
	}
	for _, s := range id.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// HashToken is the canonical token digest used for storage and compare.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Mint generates a fresh raw token and the key row to persist. The raw
// token is returned exactly once and never stored.
func Mint(name string, scopes []string, userID, orgID int64, expiresAt *time.Time) (string, *models.ApiKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, err
	}
	raw := tokenPrefix + hex.EncodeToString(buf)
	key := &models.ApiKey{
		Name:      name,
		Prefix:    raw[:prefixLen],
		Hash:      HashToken(raw),
		Scopes:    scopes,
		UserID:    userID,
		OrgID:     orgID,
		ExpiresAt: expiresAt,
	}
	return raw, key, nil
}

// KeyService verifies bearer tokens against the key store.
type KeyService struct {
	store       store.Store
	devAllowAll bool
}

// NewKeyService creates a verifier. devAllowAll accepts any bearer token —
// a development escape hatch, never enabled in production.
func NewKeyService(s store.Store, devAllowAll bool) *KeyService {
	if devAllowAll {
		log.Warn().Msg("GATEWAY_DEV_ALLOW_ALL_KEYS is enabled: any bearer token is accepted")
	}
	return &KeyService{store: s, devAllowAll: devAllowAll}
}

// VerifyToken authenticates a raw bearer token.
func (s *KeyService) VerifyToken(ctx context.Context, raw string) (*Identity, error) {
	if raw == "" {
		return nil, apierror.New(apierror.AuthMissing, "missing bearer token")
	}
	if len(raw) >= prefixLen {
		candidates, err := s.store.GetKeysByPrefix(ctx, raw[:prefixLen])
		if err != nil {
			return nil, err
		}
		hash := HashToken(raw)
		for i := range candidates {
			k := &candidates[i]
			if subtle.ConstantTimeCompare([]byte(hash), []byte(k.Hash)) != 1 {
				continue
			}
			if k.Disabled {
				return nil, apierror.New(apierror.AuthInvalid, "key is disabled")
			}
			if k.Expired(time.Now()) {
				return nil, apierror.New(apierror.AuthExpired, "key has expired")
			}
			if err := s.store.TouchKey(ctx, k.ID, time.Now().UTC()); err != nil {
				log.Warn().Err(err).Int64("key_id", k.ID).Msg("Could not record key usage")
			}
			return &Identity{
				KeyID:    k.ID,
				UserID:   k.UserID,
				Scopes:   k.Scopes,
				Provider: "apikey",
			}, nil
		}
	}
	if s.devAllowAll {
		return &Identity{Provider: "dev"}, nil
	}
	return nil, apierror.New(apierror.AuthInvalid, "unknown API key")
}

// RequireScope enforces a scope on an already-authenticated identity.
func RequireScope(id *Identity, scope string) error {
	if !id.HasScope(scope) {
		return apierror.Newf(apierror.AuthScope, "key lacks scope %q", scope)
	}
	return nil
}

// BearerToken extracts the bearer token from a request. The api_key query
// parameter is accepted for SSE clients that cannot set headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if k := r.URL.Query().Get("api_key"); k != "" {
		return k
	}
	return ""
}

// ── context plumbing ────────────────────────────────────────

type ctxKey struct{}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the authenticated identity, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok
}

