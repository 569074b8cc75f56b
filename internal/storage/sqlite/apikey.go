package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/clauderun/claudegate/internal"
)

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	role := key.Role
	if role == "" {
		role = "member"
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, project_id, role,
		 rate_limit_per_min, last_window_start, request_count_in_window, created_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.ProjectID, role,
		key.RateLimitPerMin, timeToStr(&key.LastWindowStart), key.RequestCountInWindow,
		key.CreatedAt.UTC().Format(time.RFC3339), timeToStr(key.RevokedAt),
	)
	return err
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx, selectKeyCols+`FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx, selectKeyCols+`FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// ListKeys returns API keys for a project.
func (s *Store) ListKeys(ctx context.Context, projectID string, offset, limit int) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		selectKeyCols+`FROM api_keys WHERE project_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		projectID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeKey stamps a key's revoked_at in place. Revoked keys are never deleted.
func (s *Store) RevokeKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed atomically advances the per-key rate-limit window counters.
func (s *Store) TouchKeyUsed(ctx context.Context, id string, windowStart time.Time, count int) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_window_start = ?, request_count_in_window = ? WHERE id = ?`,
		windowStart.UTC().Format(time.RFC3339), count, id,
	)
	return err
}

const selectKeyCols = `SELECT id, key_hash, key_prefix, project_id, role,
	 rate_limit_per_min, last_window_start, request_count_in_window, created_at, revoked_at `

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func scanKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var lastWindowStart, createdAt, revokedAt sql.NullString

	err := sc.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.ProjectID, &k.Role,
		&k.RateLimitPerMin, &lastWindowStart, &k.RequestCountInWindow,
		&createdAt, &revokedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if t := parseTime(lastWindowStart); t != nil {
		k.LastWindowStart = *t
	}
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	k.RevokedAt = parseTime(revokedAt)
	return &k, nil
}

// helpers shared by all sqlite storage files.

func timeToStr(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
