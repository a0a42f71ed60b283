package enforce

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// SessionTerminator is the default SandboxProvider, operating on the
// compute_sessions table. Deployments with an external session runtime
// register their own providers alongside or instead of it.
type SessionTerminator struct {
	db *sql.DB
}

// NewSessionTerminator creates the table-backed provider.
func NewSessionTerminator(db *sql.DB) *SessionTerminator {
	return &SessionTerminator{db: db}
}

// Terminate stops every running or paused session the organization owns.
func (t *SessionTerminator) Terminate(ctx context.Context, orgID string) error {
	return t.setStatus(ctx, orgID, "terminated", []string{"running", "paused"})
}

// Pause suspends every running session the organization owns.
func (t *SessionTerminator) Pause(ctx context.Context, orgID string) error {
	return t.setStatus(ctx, orgID, "paused", []string{"running"})
}

func (t *SessionTerminator) setStatus(ctx context.Context, orgID, status string, from []string) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE compute_sessions
		SET status = $1
		WHERE organization_id = $2 AND status = ANY($3)`,
		status, orgID, pq.Array(from))
	if err != nil {
		return fmt.Errorf("set sessions %s for %s: %w", status, orgID, err)
	}
	return nil
}
