package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedSessions  int64 `json:"purged_sessions"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

// RunRetention deletes stopped sessions and audit rows older than days.
// Live sessions are kept regardless of age. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var result RetentionResult
	if days <= 0 {
		return result, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	res, err := s.db.ExecContext(ctx, `DELETE FROM session_history WHERE status = 'stopped' AND updated_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge session_history: %w", err)
	}
	result.PurgedSessions, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.Format("2006-01-02 15:04:05"))
	if err != nil {
		return result, fmt.Errorf("purge audit_log: %w", err)
	}
	result.PurgedAuditLogs, _ = res.RowsAffected()
	return result, nil
}
