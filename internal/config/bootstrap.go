// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/storage"
)

// presets maps a config-file profile name to the built-in permission tier it
// seeds. Unknown names fall back to FreeProfile with a warning.
var presets = map[string]gateway.PermissionProfile{
	"free":       gateway.FreeProfile,
	"pro":        gateway.ProProfile,
	"enterprise": gateway.EnterpriseProfile,
}

// Bootstrap seeds the database from the config file on first run. Existing
// keys are left untouched; only keys absent from the store are created.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := gateway.HashKey(k.Key)
		if _, err := store.GetKeyByHash(ctx, hash); err == nil {
			continue // already seeded
		}

		prefix := k.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}
		role := k.Role
		if role == "" {
			role = "member"
		}
		rpm := k.RateLimitPerMin
		if rpm == 0 {
			rpm = 60
		}

		key := &gateway.APIKey{
			ID:              uuid.NewString(),
			KeyHash:         hash,
			KeyPrefix:       prefix,
			ProjectID:       k.ProjectID,
			Role:            role,
			RateLimitPerMin: rpm,
			CreatedAt:       time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}

		profile, ok := presets[k.Profile]
		if !ok {
			slog.Warn("unknown permission profile in config, defaulting to free", "name", k.Name, "profile", k.Profile)
			profile = gateway.FreeProfile
		}
		profile.KeyID = key.ID
		if err := store.UpsertProfile(ctx, &profile); err != nil {
			return err
		}

		if cfg.Budget.DefaultMonthlyQuotaUSD > 0 && k.ProjectID != "" {
			if err := store.SetMonthlyQuota(ctx, k.ProjectID, cfg.Budget.DefaultMonthlyQuotaUSD); err != nil {
				return err
			}
		}
	}
	return nil
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("config: crypto/rand unavailable: " + err.Error())
	}
	return gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
