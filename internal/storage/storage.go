// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/clauderun/claudegate/internal"
)

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, projectID string, offset, limit int) ([]*gateway.APIKey, error)
	RevokeKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string, windowStart time.Time, count int) error
}

// PermissionStore manages per-key permission profile persistence.
type PermissionStore interface {
	GetProfile(ctx context.Context, keyID string) (*gateway.PermissionProfile, error)
	UpsertProfile(ctx context.Context, p *gateway.PermissionProfile) error
}

// UsageStore manages usage record persistence and aggregation.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	SumCostForPeriod(ctx context.Context, projectID, period string) (float64, error)
	Aggregate(ctx context.Context, projectID, period string) (*gateway.UsageAggregate, error)
}

// BudgetStore manages per-project monthly quota persistence.
type BudgetStore interface {
	GetMonthlyQuota(ctx context.Context, projectID string) (quotaUSD float64, unlimited bool, err error)
	SetMonthlyQuota(ctx context.Context, projectID string, quotaUSD float64) error
}

// AuditStore appends audit-log entries keyed by task id and API key.
type AuditStore interface {
	InsertAudit(ctx context.Context, entries []gateway.AuditEntry) error
}

// Store combines all storage interfaces.
type Store interface {
	APIKeyStore
	PermissionStore
	UsageStore
	BudgetStore
	AuditStore
	Close() error
	Ping(ctx context.Context) error
}
