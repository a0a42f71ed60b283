package metering

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLSessionSource reads running sessions from the compute_sessions table.
// Deployments that keep session state elsewhere supply their own
// SessionSource instead.
type SQLSessionSource struct {
	db *sql.DB
}

// NewSQLSessionSource creates a session source backed by Postgres.
func NewSQLSessionSource(db *sql.DB) *SQLSessionSource {
	return &SQLSessionSource{db: db}
}

// ListRunning returns every session currently in the running state, joined
// with the owning organization's external customer ID for usage mirroring.
func (s *SQLSessionSource) ListRunning(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cs.id, cs.organization_id, COALESCE(ob.external_customer_id, ''),
		       cs.started_at, cs.last_billed_at
		FROM compute_sessions cs
		JOIN organization_billing ob ON ob.organization_id = cs.organization_id
		WHERE cs.status = 'running'
		ORDER BY cs.started_at`)
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var lastBilled sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.OrganizationID, &sess.ExternalCustomerID,
			&sess.StartedAt, &lastBilled); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if lastBilled.Valid {
			sess.LastBilledAt = lastBilled.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// MarkBilled advances a session's billing checkpoint.
func (s *SQLSessionSource) MarkBilled(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE compute_sessions SET last_billed_at = $1 WHERE id = $2`, at, sessionID)
	if err != nil {
		return fmt.Errorf("mark session billed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}
