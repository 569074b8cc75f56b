package sqlite

import (
	"context"
	"database/sql"
)

// GetMonthlyQuota returns a project's configured monthly cap, or
// unlimited=true if the project has never had a quota set.
func (s *Store) GetMonthlyQuota(ctx context.Context, projectID string) (quotaUSD float64, unlimited bool, err error) {
	var q sql.NullFloat64
	err = s.read.QueryRowContext(ctx,
		`SELECT monthly_quota_usd FROM budgets WHERE project_id = ?`, projectID,
	).Scan(&q)
	if err == sql.ErrNoRows {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !q.Valid {
		return 0, true, nil
	}
	return q.Float64, false, nil
}

// SetMonthlyQuota creates or updates a project's monthly cap. A project
// row is implicitly created on first reference, per spec.
func (s *Store) SetMonthlyQuota(ctx context.Context, projectID string, quotaUSD float64) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO budgets (project_id, monthly_quota_usd) VALUES (?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET monthly_quota_usd = excluded.monthly_quota_usd`,
		projectID, quotaUSD,
	)
	return err
}
