package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	gateway "github.com/clauderun/claudegate/internal"
)

// fakeKeyStore is a minimal inline fake for testing KeyManager.
type fakeKeyStore struct {
	created  *gateway.APIKey
	revoked  string
	createFn func(context.Context, *gateway.APIKey) error
	revokeFn func(context.Context, string) error
}

func (s *fakeKeyStore) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	if s.createFn != nil {
		return s.createFn(ctx, key)
	}
	s.created = key
	return nil
}
func (s *fakeKeyStore) GetKey(context.Context, string) (*gateway.APIKey, error) {
	return nil, gateway.ErrNotFound
}
func (s *fakeKeyStore) GetKeyByHash(context.Context, string) (*gateway.APIKey, error) {
	return nil, gateway.ErrNotFound
}
func (s *fakeKeyStore) ListKeys(context.Context, string, int, int) ([]*gateway.APIKey, error) {
	return nil, nil
}
func (s *fakeKeyStore) RevokeKey(ctx context.Context, id string) error {
	if s.revokeFn != nil {
		return s.revokeFn(ctx, id)
	}
	s.revoked = id
	return nil
}
func (s *fakeKeyStore) TouchKeyUsed(context.Context, string, time.Time, int) error { return nil }

func TestCreateKey(t *testing.T) {
	t.Parallel()

	store := &fakeKeyStore{}
	km := NewKeyManager(store)

	plaintext, key, err := km.CreateKey(context.Background(), CreateKeyOpts{ProjectID: "proj-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plaintext, gateway.APIKeyPrefix) {
		t.Errorf("plaintext should have %s prefix, got %q", gateway.APIKeyPrefix, plaintext)
	}
	if key.KeyHash == "" {
		t.Error("key hash should be set")
	}
	if key.KeyHash != gateway.HashKey(plaintext) {
		t.Error("key hash should match HashKey(plaintext)")
	}
	if key.Role != "member" {
		t.Errorf("default role = %q, want member", key.Role)
	}
	if key.RateLimitPerMin != 60 {
		t.Errorf("default rate limit = %d, want 60", key.RateLimitPerMin)
	}
	if key.ProjectID != "proj-1" {
		t.Errorf("project_id = %q, want proj-1", key.ProjectID)
	}
	if store.created == nil {
		t.Error("store.CreateKey should have been called")
	}
}

func TestCreateKey_WithOpts(t *testing.T) {
	t.Parallel()

	store := &fakeKeyStore{}
	km := NewKeyManager(store)

	_, key, err := km.CreateKey(context.Background(), CreateKeyOpts{
		ProjectID:       "proj-2",
		Role:            "admin",
		RateLimitPerMin: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if key.Role != "admin" {
		t.Errorf("role = %q, want admin", key.Role)
	}
	if key.RateLimitPerMin != 100 {
		t.Errorf("rate_limit_per_min = %d, want 100", key.RateLimitPerMin)
	}
}

func TestCreateKey_StoreError(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("db failure")
	store := &fakeKeyStore{
		createFn: func(context.Context, *gateway.APIKey) error { return storeErr },
	}
	km := NewKeyManager(store)

	_, _, err := km.CreateKey(context.Background(), CreateKeyOpts{ProjectID: "proj-1"})
	if !errors.Is(err, storeErr) {
		t.Errorf("err = %v, want %v", err, storeErr)
	}
}

func TestRevokeKey(t *testing.T) {
	t.Parallel()

	store := &fakeKeyStore{}
	km := NewKeyManager(store)

	if err := km.RevokeKey(context.Background(), "key-123"); err != nil {
		t.Fatal(err)
	}
	if store.revoked != "key-123" {
		t.Errorf("revoked = %q, want key-123", store.revoked)
	}
}

func TestRevokeKey_StoreError(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("revoke failed")
	store := &fakeKeyStore{
		revokeFn: func(context.Context, string) error { return storeErr },
	}
	km := NewKeyManager(store)

	err := km.RevokeKey(context.Background(), "key-123")
	if !errors.Is(err, storeErr) {
		t.Errorf("err = %v, want %v", err, storeErr)
	}
}
