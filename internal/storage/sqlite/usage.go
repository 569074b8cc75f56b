package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/clauderun/claudegate/internal"
)

// InsertUsage batch-inserts usage records in a single multi-row INSERT,
// avoiding N round-trips for large batches.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 8
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.ProjectID, r.Timestamp.UTC().Format(time.RFC3339), r.Model,
			r.InputTokens, r.OutputTokens, r.CostUSD, string(r.Source),
		)
	}

	query := `INSERT INTO usage_records
		(id, project_id, created_at, model, input_tokens, output_tokens, cost_usd, source)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumCostForPeriod returns the committed cost for a project within the
// given "YYYY-MM" period.
func (s *Store) SumCostForPeriod(ctx context.Context, projectID, period string) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records
		 WHERE project_id = ? AND strftime('%Y-%m', created_at) = ?`,
		projectID, period,
	).Scan(&total)
	return total, err
}

// Aggregate returns full usage totals for a project and period.
func (s *Store) Aggregate(ctx context.Context, projectID, period string) (*gateway.UsageAggregate, error) {
	agg := &gateway.UsageAggregate{ProjectID: projectID, Period: period}
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(cost_usd), 0), COUNT(*)
		 FROM usage_records WHERE project_id = ? AND strftime('%Y-%m', created_at) = ?`,
		projectID, period,
	).Scan(&agg.InputTokens, &agg.OutputTokens, &agg.TotalCostUSD, &agg.RequestCount)
	if err != nil {
		return nil, err
	}
	return agg, nil
}
