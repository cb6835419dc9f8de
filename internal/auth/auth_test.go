package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/apierror"
)

func mintAndStore(t *testing.T, s store.Store, scopes []string, expiresAt *time.Time) string {
	t.Helper()
	raw, key, err := Mint("test key", scopes, 1, 0, expiresAt)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := s.CreateKey(context.Background(), key); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	return raw
}

func TestMintShape(t *testing.T) {
	raw, key, err := Mint("k", nil, 1, 0, nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !strings.HasPrefix(raw, "ck-") {
		t.Errorf("raw token = %q, want ck- prefix", raw)
	}
	if key.Hash == raw || strings.Contains(key.Hash, raw) {
		t.Error("raw token must not appear in the stored hash")
	}
	if key.Prefix != raw[:len(key.Prefix)] {
		t.Errorf("prefix %q is not a prefix of the token", key.Prefix)
	}
	if key.Hash != HashToken(raw) {
		t.Error("stored hash does not match HashToken")
	}
}

func TestVerifyToken(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewKeyService(s, false)
	ctx := context.Background()
	raw := mintAndStore(t, s, []string{"chat"}, nil)

	id, err := svc.VerifyToken(ctx, raw)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if id.Provider != "apikey" || id.KeyID == 0 {
		t.Errorf("identity = %+v", id)
	}
	if !id.HasScope("chat") || id.HasScope("admin") {
		t.Error("scope semantics wrong")
	}

	// Usage is recorded.
	k, err := s.GetKey(ctx, id.KeyID)
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if k.LastUsedAt == nil {
		t.Error("last_used_at not touched")
	}

	if _, err := svc.VerifyToken(ctx, ""); !apierror.IsKind(err, apierror.AuthMissing) {
		t.Errorf("empty token: %v", err)
	}
	if _, err := svc.VerifyToken(ctx, "ck-0000000000000000"); !apierror.IsKind(err, apierror.AuthInvalid) {
		t.Errorf("unknown token: %v", err)
	}
	// Same prefix, wrong remainder.
	if _, err := svc.VerifyToken(ctx, raw[:len(raw)-2]+"zz"); !apierror.IsKind(err, apierror.AuthInvalid) {
		t.Errorf("tampered token: %v", err)
	}
}

func TestVerifyTokenDisabledAndExpired(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewKeyService(s, false)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	expired := mintAndStore(t, s, nil, &past)
	if _, err := svc.VerifyToken(ctx, expired); !apierror.IsKind(err, apierror.AuthExpired) {
		t.Errorf("expired key: %v", err)
	}

	raw := mintAndStore(t, s, nil, nil)
	keys, _ := s.ListKeys(ctx)
	for i := range keys {
		if keys[i].Hash == HashToken(raw) {
			keys[i].Disabled = true
			if err := s.UpdateKey(ctx, &keys[i]); err != nil {
				t.Fatalf("UpdateKey: %v", err)
			}
		}
	}
	if _, err := svc.VerifyToken(ctx, raw); !apierror.IsKind(err, apierror.AuthInvalid) {
		t.Errorf("disabled key: %v", err)
	}
}

func TestDevAllowAll(t *testing.T) {
	svc := NewKeyService(store.NewMemoryStore(), true)
	id, err := svc.VerifyToken(context.Background(), "anything-goes")
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if id.Provider != "dev" {
		t.Errorf("provider = %q", id.Provider)
	}
}

func TestRequireScope(t *testing.T) {
	id := &Identity{Scopes: []string{"chat"}}
	if err := RequireScope(id, "chat"); err != nil {
		t.Errorf("granted scope rejected: %v", err)
	}
	if err := RequireScope(id, "embeddings"); !apierror.IsKind(err, apierror.AuthScope) {
		t.Errorf("missing scope: %v", err)
	}
}
