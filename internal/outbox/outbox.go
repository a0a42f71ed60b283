// Package outbox implements the durable retry queue for billing-provider
// calls.
//
// Local effects (ledger inserts, balance decrements) always commit first;
// the matching provider call is then attempted inline, and on failure the
// intent is persisted as an outbox entry. The replay job re-sends pending
// entries until the provider confirms them or the per-entry attempt budget
// runs out. Replays never re-derive the billing decision: the payload
// carries everything needed to repeat the exact call, and the provider-side
// idempotency key keeps repeats harmless.
//
// Succeeded entries are retained rather than deleted; pruning the audit
// window is an operator concern outside this engine.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Status is an outbox entry's delivery state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Op names the provider call an entry replays.
type Op string

const (
	// OpReportUsage mirrors locally-deducted credits to the provider.
	OpReportUsage Op = "report_usage"
	// OpTopUp retries a credit purchase.
	OpTopUp Op = "top_up"
)

// Payload is the serialized intent of one provider call.
type Payload struct {
	Op         Op              `json:"op"`
	CustomerID string          `json:"customer_id"`
	Credits    decimal.Decimal `json:"credits"`
	// IdempotencyKey is forwarded to the provider so replays of a
	// partially-delivered call cannot double-apply.
	IdempotencyKey string `json:"idempotency_key"`
}

// Entry is one pending or settled provider call.
type Entry struct {
	ID             uuid.UUID
	OrganizationID string
	Payload        Payload
	Status         Status
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
}

// Store persists outbox entries in PostgreSQL.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates an outbox store over a shared database handle.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, log: logger.With().Str("component", "outbox").Logger()}
}

// Enqueue persists the intent of a provider call that failed at write time.
func (s *Store) Enqueue(ctx context.Context, orgID string, payload Payload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox payload marshal failed: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO billing_outbox (
			id, organization_id, payload, status, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 0, NOW(), NOW())
	`, uuid.New(), orgID, raw, string(StatusPending))
	if err != nil {
		return fmt.Errorf("outbox enqueue failed: %w", err)
	}

	s.log.Info().
		Str("organization_id", orgID).
		Str("op", string(payload.Op)).
		Str("credits", payload.Credits.String()).
		Msg("provider call parked in outbox")
	return nil
}

// ListPending returns up to limit pending entries, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, payload, status, attempts, last_error, created_at
		FROM billing_outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox list failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			raw     []byte
			status  string
			lastErr sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &raw, &status, &e.Attempts, &lastErr, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox scan failed: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			return nil, fmt.Errorf("outbox payload unmarshal failed for %s: %w", e.ID, err)
		}
		e.Status = Status(status)
		if lastErr.Valid {
			e.LastError = &lastErr.String
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox iteration failed: %w", err)
	}
	return entries, nil
}

// MarkSucceeded records a confirmed delivery.
func (s *Store) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE billing_outbox
		SET status = 'succeeded', updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("outbox mark succeeded failed: %w", err)
	}
	return nil
}

// RecordFailure increments the attempt counter and stores the error. Once
// attempts reach maxAttempts the entry is abandoned as failed; retries never
// fabricate success.
func (s *Store) RecordFailure(ctx context.Context, id uuid.UUID, callErr error, maxAttempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE billing_outbox
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE 'pending' END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, callErr.Error(), maxAttempts)
	if err != nil {
		return fmt.Errorf("outbox record failure failed: %w", err)
	}
	return nil
}
