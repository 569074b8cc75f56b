// Package app implements application-level services for the claudegate gateway.
package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/storage"
)

// KeyManager handles API key lifecycle for the admin API.
type KeyManager struct {
	store storage.APIKeyStore
}

// NewKeyManager returns a KeyManager backed by store.
func NewKeyManager(store storage.APIKeyStore) *KeyManager {
	return &KeyManager{store: store}
}

// CreateKeyOpts configures a new API key.
type CreateKeyOpts struct {
	ProjectID       string
	Role            string // defaults to "member"
	RateLimitPerMin int    // defaults to 60
}

// CreateKey generates a new API key, stores its hash, and returns the
// plaintext (shown once) along with the persisted APIKey record.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *gateway.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}

	plaintext := gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	hash := gateway.HashKey(plaintext)

	role := opts.Role
	if role == "" {
		role = "member"
	}
	rpm := opts.RateLimitPerMin
	if rpm == 0 {
		rpm = 60
	}

	key := &gateway.APIKey{
		ID:              uuid.New().String(),
		KeyHash:         hash,
		KeyPrefix:       plaintext[:min(len(plaintext), 12)],
		ProjectID:       opts.ProjectID,
		Role:            role,
		RateLimitPerMin: rpm,
		CreatedAt:       time.Now().UTC(),
	}

	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	return plaintext, key, nil
}

// RevokeKey marks the API key with the given ID as revoked.
func (km *KeyManager) RevokeKey(ctx context.Context, id string) error {
	return km.store.RevokeKey(ctx, id)
}
