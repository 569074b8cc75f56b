package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/clauderun/claudegate/internal"
)

// InsertAudit batch-inserts audit-log entries.
func (s *Store) InsertAudit(ctx context.Context, entries []gateway.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	placeholders := make([]string, len(entries))
	args := make([]any, 0, len(entries)*6)
	for i, e := range entries {
		placeholders[i] = "(?, ?, ?, ?, ?, ?)"
		args = append(args, e.ID, e.TaskID, e.KeyID, e.Action, e.Detail, e.Timestamp.UTC().Format(time.RFC3339))
	}
	query := `INSERT INTO audit_log (id, task_id, key_id, action, detail, created_at) VALUES ` +
		strings.Join(placeholders, ", ")
	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}
