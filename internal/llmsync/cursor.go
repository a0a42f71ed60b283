package llmsync

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Cursor is an organization's high-water mark through the proxy's spend
// log. It only ever moves forward.
type Cursor struct {
	OrganizationID   string
	LastStartTime    time.Time
	LastRequestID    string
	RecordsProcessed int64
	SyncedAt         time.Time
}

// CursorStore persists spend cursors in PostgreSQL.
type CursorStore struct {
	db *sql.DB
}

// NewCursorStore creates a cursor store over a shared database handle.
func NewCursorStore(db *sql.DB) *CursorStore {
	return &CursorStore{db: db}
}

// Get loads an organization's cursor, or nil when it has never synced.
func (s *CursorStore) Get(ctx context.Context, orgID string) (*Cursor, error) {
	var c Cursor
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, last_start_time, last_request_id, records_processed, synced_at
		FROM llm_spend_cursors
		WHERE organization_id = $1
	`, orgID).Scan(&c.OrganizationID, &c.LastStartTime, &c.LastRequestID, &c.RecordsProcessed, &c.SyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("cursor load failed: %w", err)
	}
	return &c, nil
}

// Advance moves the cursor forward to (startTime, requestID) and adds
// processed to the running record count. The monotonicity guard lives in
// the statement itself: an upsert that would move the cursor backward, from
// a redelivered job or a stale overlapping window, updates nothing.
func (s *CursorStore) Advance(ctx context.Context, orgID string, startTime time.Time, requestID string, processed int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_spend_cursors (
			organization_id, last_start_time, last_request_id, records_processed, synced_at
		) VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (organization_id) DO UPDATE SET
			last_start_time = EXCLUDED.last_start_time,
			last_request_id = EXCLUDED.last_request_id,
			records_processed = llm_spend_cursors.records_processed + EXCLUDED.records_processed,
			synced_at = NOW()
		WHERE (EXCLUDED.last_start_time, EXCLUDED.last_request_id)
		    > (llm_spend_cursors.last_start_time, llm_spend_cursors.last_request_id)
	`, orgID, startTime, requestID, processed)
	if err != nil {
		return fmt.Errorf("cursor advance failed: %w", err)
	}
	return nil
}
