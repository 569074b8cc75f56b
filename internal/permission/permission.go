// Package permission resolves and enforces per-key permission profiles.
package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/apierr"
	"github.com/clauderun/claudegate/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up profile edits promptly
	cacheMaxLen = 10_000
)

// Service resolves permission profiles by key ID, caching lookups the same
// way auth.APIKeyAuth caches key lookups.
type Service struct {
	store storage.PermissionStore
	cache *otter.Cache[string, *gateway.PermissionProfile]
}

// New creates a Service backed by store.
func New(store storage.PermissionStore) (*Service, error) {
	c, err := otter.New(&otter.Options[string, *gateway.PermissionProfile]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.PermissionProfile](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create permission cache: %w", err)
	}
	return &Service{store: store, cache: c}, nil
}

// Profile returns the resolved permission profile for a key, caching it.
func (s *Service) Profile(ctx context.Context, keyID string) (*gateway.PermissionProfile, error) {
	if p, ok := s.cache.GetIfPresent(keyID); ok {
		return p, nil
	}
	p, err := s.store.GetProfile(ctx, keyID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			fallback := gateway.FreeProfile
			fallback.KeyID = keyID
			return &fallback, nil
		}
		return nil, err
	}
	s.cache.Set(keyID, p)
	return p, nil
}

// Invalidate drops a key's cached profile, used after UpsertProfile.
func (s *Service) Invalidate(keyID string) {
	s.cache.Invalidate(keyID)
}

// CheckTask validates a requested tool/agent/skill set against the key's
// profile, returning a typed PermissionDenied error naming the first
// disallowed field. It also rejects requests exceeding MaxConcurrentTasks
// when currentConcurrent is provided by the caller's own task tracking.
//
// requestedTimeout and requestedMaxCost are the caller's requested caps for
// this task; a zero value means the caller did not ask for one and the
// profile's default applies silently. A nonzero value exceeding the
// profile's MaxExecutionSeconds/MaxCostPerTask is rejected with
// PermissionDenied naming the offending field, rather than being clamped --
// callers that don't submit agentic tasks (e.g. the /v1/process,
// /v1/batch, /v1/chat/completions paths) pass zero for both and skip this
// check entirely.
func (s *Service) CheckTask(ctx context.Context, keyID string, tools, agents, skills []string, currentConcurrent int, requestedTimeout time.Duration, requestedMaxCost float64) (*gateway.PermissionProfile, *apierr.Error) {
	profile, err := s.Profile(ctx, keyID)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}

	if field, ok := profile.CheckTools(tools, agents, skills); !ok {
		return nil, apierr.New(apierr.PermissionDenied, "requested "+field+" not permitted for this key").WithField(field)
	}

	if profile.MaxConcurrentTasks > 0 && currentConcurrent >= profile.MaxConcurrentTasks {
		return nil, apierr.New(apierr.RateLimited, "max concurrent tasks reached for this key").WithField("max_concurrent_tasks")
	}

	if profile.MaxExecutionSeconds > 0 && requestedTimeout > time.Duration(profile.MaxExecutionSeconds)*time.Second {
		return nil, apierr.New(apierr.PermissionDenied, "requested timeout exceeds max_execution_seconds for this key").WithField("timeout_seconds")
	}

	if profile.MaxCostPerTask > 0 && requestedMaxCost > profile.MaxCostPerTask {
		return nil, apierr.New(apierr.PermissionDenied, "requested max_cost exceeds max_cost_per_task for this key").WithField("max_cost")
	}

	return profile, nil
}
