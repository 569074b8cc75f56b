// Package auth implements API key authentication for the gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/apierr"
	"github.com/clauderun/claudegate/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using API keys with the "cc_" prefix.
// It caches resolved API keys in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	store       storage.APIKeyStore
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.APIKeyStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header,
// validates it against the store, and returns the caller's Identity.
// Only keys with the "cc_" prefix are handled; all others fail with
// apierr.AuthMissing/AuthInvalid.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	header := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(header, "Bearer ")
	if header == "" || raw == header {
		return nil, apierr.New(apierr.AuthMissing, "missing bearer token")
	}
	if !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, apierr.New(apierr.AuthInvalid, "malformed api key")
	}

	hash := gateway.HashKey(raw)

	if key, ok := a.cache.GetIfPresent(hash); ok {
		return a.toIdentity(key)
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, apierr.New(apierr.AuthInvalid, "unknown api key")
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, apierr.New(apierr.AuthInvalid, "unknown api key")
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	return a.toIdentity(key)
}

func (a *APIKeyAuth) toIdentity(key *gateway.APIKey) (*gateway.Identity, error) {
	if key.Revoked() {
		return nil, apierr.New(apierr.AuthRevoked, "api key has been revoked")
	}
	return &gateway.Identity{
		KeyID:           key.ID,
		KeyPrefix:       key.KeyPrefix,
		ProjectID:       key.ProjectID,
		Role:            key.Role,
		RateLimitPerMin: int64(key.RateLimitPerMin),
	}, nil
}

// InvalidateByKeyID removes a cached API key by its key ID.
// Used when admin operations (revoke, rotate) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}
