package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/llmrelay/llmrelay/internal/userstore"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnsureRootAdminIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first, err := store.EnsureRootAdmin(ctx, "Admin@Example.com")
	if err != nil {
		t.Fatalf("EnsureRootAdmin: %v", err)
	}
	if first.Email != "admin@example.com" {
		t.Fatalf("email not normalized: %q", first.Email)
	}
	if first.Role != userstore.RoleRootAdmin {
		t.Fatalf("unexpected role %q", first.Role)
	}

	second, err := store.EnsureRootAdmin(ctx, "other@example.com")
	if err != nil {
		t.Fatalf("EnsureRootAdmin second: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same admin row, got %d and %d", first.ID, second.ID)
	}
	if second.Email != "other@example.com" {
		t.Fatalf("email not updated: %q", second.Email)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	admin, err := store.EnsureRootAdmin(ctx, "admin@example.com")
	if err != nil {
		t.Fatalf("EnsureRootAdmin: %v", err)
	}

	key, secret, err := store.CreateAPIKey(ctx, admin.ID, "cli", []string{"chat", "models"}, nil)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if secret == "" {
		t.Fatal("empty secret")
	}

	gotKey, gotUser, err := store.LookupAPIKey(ctx, secret)
	if err != nil {
		t.Fatalf("LookupAPIKey: %v", err)
	}
	if gotKey == nil || gotUser == nil {
		t.Fatal("lookup returned nil for valid secret")
	}
	if gotKey.ID != key.ID || gotUser.ID != admin.ID {
		t.Fatalf("lookup mismatch: key=%d user=%d", gotKey.ID, gotUser.ID)
	}
	if len(gotKey.Scopes) != 2 || gotKey.Scopes[0] != "chat" {
		t.Fatalf("unexpected scopes %v", gotKey.Scopes)
	}

	if k, u, err := store.LookupAPIKey(ctx, "rly_bogus"); err != nil || k != nil || u != nil {
		t.Fatalf("expected nil for unknown secret, got key=%v user=%v err=%v", k, u, err)
	}
}

func TestExpiredAPIKeyRejected(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	admin, err := store.EnsureRootAdmin(ctx, "admin@example.com")
	if err != nil {
		t.Fatalf("EnsureRootAdmin: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	_, secret, err := store.CreateAPIKey(ctx, admin.ID, "stale", nil, &past)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	key, user, err := store.LookupAPIKey(ctx, secret)
	if err != nil {
		t.Fatalf("LookupAPIKey: %v", err)
	}
	if key != nil || user != nil {
		t.Fatal("expired key must not resolve")
	}
}
