// Package ledger owns the billing event ledger and the shadow balance store.
//
// This is the core financial engine of Tollgate. Every charge in the system
// flows through this package. Two stores work together:
//
// 1. PostgreSQL - durable source of truth: the append-only event ledger, the
// idempotency-key dedup table, and the per-organization shadow balance.
// 2. Redis - optional hot mirror of shadow balances for sub-millisecond
// admission reads. The mirror is best-effort and may be stale; PostgreSQL
// always wins.
//
// The one primitive everything hangs off is DeductBatch: insert a batch of
// candidate events with insert-or-ignore semantics on the idempotency key,
// and decrement the shadow balance by the credits of the rows that were
// genuinely new, all in a single transaction. Because duplicate inserts are
// inherently safe no-ops and the decrement only ever reflects new rows, the
// metering cycle and the LLM spend sync can race each other on the same
// organization with no lock: the unique constraint on the idempotency key is
// the only coordination mechanism.
//
// Duplicate job delivery composes the same way. The external scheduler is
// at-least-once; a redelivered tick resubmits the same keys, the ledger
// absorbs them, and the balance moves exactly once.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tollgate-dev/tollgate/internal/metrics"
	"github.com/tollgate-dev/tollgate/internal/state"
)

// ErrOrgNotFound is returned when an organization has no billing record.
var ErrOrgNotFound = errors.New("organization billing record not found")

// OrgBilling is one organization's billing record.
type OrgBilling struct {
	OrganizationID     string
	ExternalCustomerID *string
	ShadowBalance      decimal.Decimal
	State              state.State
	GraceExpiresAt     *time.Time
	LastReconciledAt   *time.Time
}

// Billable reports whether the periodic jobs should visit this organization.
func (o OrgBilling) Billable() bool {
	return state.Billable(o.State)
}

// Store provides all ledger and shadow-balance operations.
//
// Thread safety: all methods are safe for concurrent use; the database
// connection pool and the transaction semantics of DeductBatch handle
// concurrent access.
type Store struct {
	db    *sql.DB
	redis *redis.Client // nil disables the mirror
	log   zerolog.Logger

	blockThreshold decimal.Decimal
	now            func() time.Time
}

// NewStore creates a Store over an existing database handle. The Redis
// client is optional; pass nil to run without the balance mirror.
func NewStore(db *sql.DB, rdb *redis.Client, blockThreshold decimal.Decimal, logger zerolog.Logger) *Store {
	return &Store{
		db:             db,
		redis:          rdb,
		log:            logger.With().Str("component", "ledger").Logger(),
		blockThreshold: blockThreshold,
		now:            time.Now,
	}
}

// Open connects to PostgreSQL with pool settings tuned for many short
// transactions, and verifies connectivity.
func Open(ctx context.Context, postgresURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return db, nil
}

// DeductBatch atomically applies a batch of candidate events to an
// organization's ledger and shadow balance.
//
// In one transaction it:
//  1. claims the batch's idempotency keys with INSERT ... ON CONFLICT DO
//     NOTHING, learning which submissions are genuinely new;
//  2. appends ledger rows for the new submissions only;
//  3. decrements the shadow balance by the sum of the new rows' credits.
//
// A resubmitted batch (scheduler redelivery, overlapping sync windows, a
// racing duplicate job) reports zero inserted and zero deducted. The
// returned enforcement signals are computed from the post-deduction balance
// and lifecycle state.
func (s *Store) DeductBatch(ctx context.Context, orgID string, events []Event) (*DeductResult, error) {
	start := time.Now()

	for i := range events {
		if events[i].IdempotencyKey == "" {
			return nil, fmt.Errorf("event %d has no idempotency key", i)
		}
		if events[i].ID == uuid.Nil {
			events[i].ID = uuid.New()
		}
		if events[i].CreatedAt.IsZero() {
			events[i].CreatedAt = s.now().UTC()
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	claimed := map[string]bool{}
	if len(events) > 0 {
		if claimed, err = claimKeys(ctx, tx, events); err != nil {
			return nil, err
		}
	}

	inserted := make([]Event, 0, len(claimed))
	total := decimal.Zero
	for _, ev := range events {
		if claimed[ev.IdempotencyKey] {
			inserted = append(inserted, ev)
			total = total.Add(ev.Credits)
		}
	}

	if len(inserted) > 0 {
		if err := insertEvents(ctx, tx, orgID, inserted); err != nil {
			return nil, err
		}
	}

	var (
		balance  decimal.Decimal
		stateRaw string
		graceExp sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE organization_billing
		SET shadow_balance = shadow_balance - $1, updated_at = NOW()
		WHERE organization_id = $2
		RETURNING shadow_balance, billing_state, grace_expires_at
	`, total, orgID).Scan(&balance, &stateRaw, &graceExp)
	if err == sql.ErrNoRows {
		return nil, ErrOrgNotFound
	} else if err != nil {
		return nil, fmt.Errorf("balance update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}

	for _, ev := range inserted {
		metrics.EventsInserted.WithLabelValues(string(ev.Type)).Inc()
	}
	if dup := len(events) - len(inserted); dup > 0 {
		metrics.DedupHits.Add(float64(dup))
	}
	metrics.DeductDuration.Observe(time.Since(start).Seconds())

	s.mirrorBalance(orgID, balance)

	res := &DeductResult{
		Inserted:        len(inserted),
		CreditsDeducted: total,
		NewBalance:      balance,
	}
	s.applySignals(res, state.State(stateRaw), graceExp)

	s.log.Debug().
		Str("organization_id", orgID).
		Int("submitted", len(events)).
		Int("inserted", res.Inserted).
		Str("credits_deducted", total.String()).
		Str("new_balance", balance.String()).
		Bool("should_block", res.ShouldBlockNewSessions).
		Bool("should_terminate", res.ShouldTerminateSessions).
		Msg("bulk deduction applied")

	return res, nil
}

// claimKeys inserts the batch's idempotency keys and returns the set that
// was genuinely new. Keys that collide, with existing rows or with earlier
// rows in the same statement, are skipped silently.
func claimKeys(ctx context.Context, tx *sql.Tx, events []Event) (map[string]bool, error) {
	placeholders := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*2)
	for i, ev := range events {
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d)", i*2+1, i*2+2))
		args = append(args, ev.IdempotencyKey, ev.CreatedAt)
	}

	rows, err := tx.QueryContext(ctx, `
		INSERT INTO billing_event_dedup (idempotency_key, created_at)
		VALUES `+strings.Join(placeholders, ", ")+`
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING idempotency_key
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("dedup insert failed: %w", err)
	}
	defer rows.Close()

	claimed := make(map[string]bool, len(events))
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("dedup scan failed: %w", err)
		}
		claimed[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dedup iteration failed: %w", err)
	}
	return claimed, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, orgID string, events []Event) error {
	const cols = 9
	placeholders := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)
	for i, ev := range events {
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", i*cols+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")

		meta := ev.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("metadata marshal failed for %s: %w", ev.IdempotencyKey, err)
		}

		args = append(args,
			ev.ID, orgID, string(ev.Type), ev.Credits, ev.Quantity,
			ev.IdempotencyKey, pq.Array(ev.SessionIDs), metaJSON, ev.CreatedAt)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO billing_events (
			id, organization_id, event_type, credits, quantity,
			idempotency_key, session_ids, metadata, created_at
		) VALUES `+strings.Join(placeholders, ", "), args...)
	if err != nil {
		return fmt.Errorf("event insert failed: %w", err)
	}
	return nil
}

// applySignals derives the enforcement booleans from the post-deduction
// balance. An organization inside an unexpired grace window has headroom
// and is not terminated even at a non-positive balance.
func (s *Store) applySignals(res *DeductResult, st state.State, graceExp sql.NullTime) {
	balance := res.NewBalance
	graceHeadroom := st == state.Grace && graceExp.Valid && graceExp.Time.After(s.now())

	if balance.Sign() <= 0 && !graceHeadroom {
		res.ShouldBlockNewSessions = true
		res.ShouldTerminateSessions = true
		res.EnforcementReason = fmt.Sprintf("balance exhausted: %s credits remaining", balance.String())
		return
	}
	if balance.LessThan(s.blockThreshold) {
		res.ShouldBlockNewSessions = true
		res.EnforcementReason = fmt.Sprintf("balance %s below block threshold %s",
			balance.String(), s.blockThreshold.String())
	}
}

// Reconcile overwrites the shadow balance with the provider's authoritative
// value and appends the correction as a reconciliation event, in one
// transaction. A redelivered reconcile run re-applies the same overwrite
// (idempotent) and its duplicate event is absorbed by the dedup key.
func (s *Store) Reconcile(ctx context.Context, orgID string, authoritative decimal.Decimal, ev Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	claimed, err := claimKeys(ctx, tx, []Event{ev})
	if err != nil {
		return err
	}
	if claimed[ev.IdempotencyKey] {
		if err := insertEvents(ctx, tx, orgID, []Event{ev}); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE organization_billing
		SET shadow_balance = $1, last_reconciled_at = NOW(), updated_at = NOW()
		WHERE organization_id = $2
	`, authoritative, orgID)
	if err != nil {
		return fmt.Errorf("reconcile update failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrOrgNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	if claimed[ev.IdempotencyKey] {
		metrics.EventsInserted.WithLabelValues(string(ev.Type)).Inc()
	}
	s.mirrorBalance(orgID, authoritative)
	return nil
}

// ApplyTrigger moves an organization along one edge of the lifecycle graph
// with a conditional update: the state column is only written when the
// current state actually has an edge for the trigger. The boolean reports
// whether this caller performed the flip, which is what makes exhaustion
// enforcement exactly-once under concurrent deductions.
//
// graceExpiresAt is written as given; pass nil to clear it, which every
// trigger except entering grace should.
func (s *Store) ApplyTrigger(ctx context.Context, orgID string, trigger state.Trigger, graceExpiresAt *time.Time) (bool, error) {
	var (
		froms  []string
		target state.State
	)
	for _, st := range []state.State{state.Unconfigured, state.Trial, state.Active, state.Grace, state.Exhausted} {
		if state.CanTransition(st, trigger) {
			next, _ := state.Next(st, trigger)
			froms = append(froms, string(st))
			target = next
		}
	}
	if len(froms) == 0 {
		return false, fmt.Errorf("trigger %q has no edges: %w", trigger, state.ErrInvalidTransition)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE organization_billing
		SET billing_state = $1, grace_expires_at = $2, updated_at = NOW()
		WHERE organization_id = $3 AND billing_state = ANY($4)
	`, string(target), nullableTime(graceExpiresAt), orgID, pq.Array(froms))
	if err != nil {
		return false, fmt.Errorf("state transition failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("state transition failed: %w", err)
	}

	if n > 0 {
		s.log.Info().
			Str("organization_id", orgID).
			Str("trigger", string(trigger)).
			Str("state", string(target)).
			Msg("billing state transition")
	}
	return n > 0, nil
}

// EnsureOrg creates a billing record for an organization that just became
// billable. Existing records are left untouched.
func (s *Store) EnsureOrg(ctx context.Context, orgID string, externalCustomerID *string, initial state.State, balance decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organization_billing (
			organization_id, external_customer_id, shadow_balance,
			billing_state, created_at, updated_at
		) VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (organization_id) DO NOTHING
	`, orgID, externalCustomerID, balance, string(initial))
	if err != nil {
		return fmt.Errorf("ensure org failed: %w", err)
	}
	return nil
}

// GetOrg loads one organization's billing record.
func (s *Store) GetOrg(ctx context.Context, orgID string) (*OrgBilling, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT organization_id, external_customer_id, shadow_balance,
		       billing_state, grace_expires_at, last_reconciled_at
		FROM organization_billing
		WHERE organization_id = $1
	`, orgID)
	org, err := scanOrg(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrgNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get org failed: %w", err)
	}
	return org, nil
}

// ListBillable returns every organization the periodic jobs should visit.
func (s *Store) ListBillable(ctx context.Context) ([]OrgBilling, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id, external_customer_id, shadow_balance,
		       billing_state, grace_expires_at, last_reconciled_at
		FROM organization_billing
		WHERE billing_state IN ('trial', 'active', 'grace', 'exhausted')
		ORDER BY organization_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list billable failed: %w", err)
	}
	defer rows.Close()
	return collectOrgs(rows)
}

// ListGraceExpired returns organizations whose grace window has passed.
func (s *Store) ListGraceExpired(ctx context.Context, now time.Time) ([]OrgBilling, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id, external_customer_id, shadow_balance,
		       billing_state, grace_expires_at, last_reconciled_at
		FROM organization_billing
		WHERE billing_state = 'grace' AND grace_expires_at IS NOT NULL AND grace_expires_at <= $1
		ORDER BY organization_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list grace expired failed: %w", err)
	}
	defer rows.Close()
	return collectOrgs(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrg(row rowScanner) (*OrgBilling, error) {
	var (
		org        OrgBilling
		custID     sql.NullString
		stateRaw   string
		graceExp   sql.NullTime
		reconciled sql.NullTime
	)
	if err := row.Scan(&org.OrganizationID, &custID, &org.ShadowBalance,
		&stateRaw, &graceExp, &reconciled); err != nil {
		return nil, err
	}
	if custID.Valid {
		org.ExternalCustomerID = &custID.String
	}
	org.State = state.State(stateRaw)
	if graceExp.Valid {
		t := graceExp.Time
		org.GraceExpiresAt = &t
	}
	if reconciled.Valid {
		t := reconciled.Time
		org.LastReconciledAt = &t
	}
	return &org, nil
}

func collectOrgs(rows *sql.Rows) ([]OrgBilling, error) {
	var orgs []OrgBilling
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, fmt.Errorf("org scan failed: %w", err)
		}
		orgs = append(orgs, *org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("org iteration failed: %w", err)
	}
	return orgs, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// DB exposes the underlying handle for stores that share the connection
// pool (cursors, outbox, partition maintenance).
func (s *Store) DB() *sql.DB {
	return s.db
}
