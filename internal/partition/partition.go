// Package partition rotates the event ledger's monthly partitions and keeps
// the idempotency index small.
//
// The daily maintenance job runs three independent steps: create next
// month's partition ahead of time, prune dedup keys past the retention
// window (the ledger rows themselves are never touched), and surface
// partitions old enough for archival as an operator warning. Billing
// history is never deleted automatically. Each step fails on its own; a
// broken step is logged and the others still run.
package partition

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Maintainer is the daily partition maintenance job.
type Maintainer struct {
	db                 *sql.DB
	dedupRetention     time.Duration
	archiveAfterMonths int
	now                func() time.Time
	log                zerolog.Logger
}

// New creates a Maintainer.
func New(db *sql.DB, dedupRetention time.Duration, archiveAfterMonths int, logger zerolog.Logger) *Maintainer {
	return &Maintainer{
		db:                 db,
		dedupRetention:     dedupRetention,
		archiveAfterMonths: archiveAfterMonths,
		now:                time.Now,
		log:                logger.With().Str("component", "partition_maintenance").Logger(),
	}
}

// Name returns the partition table name for the month containing t,
// following the events_<YYYYMM> convention on the billing_events parent.
func Name(t time.Time) string {
	return fmt.Sprintf("billing_events_%04d%02d", t.UTC().Year(), int(t.UTC().Month()))
}

// monthStart truncates t to the first instant of its month, UTC.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Run executes one maintenance pass. The three steps are individually
// failable; Run only errors when every step failed, which in practice means
// the database is unreachable.
func (m *Maintainer) Run(ctx context.Context) error {
	failures := 0

	if err := m.ensureNextPartition(ctx); err != nil {
		failures++
		m.log.Error().Err(err).Msg("partition creation failed")
	}
	if err := m.pruneDedupKeys(ctx); err != nil {
		failures++
		m.log.Error().Err(err).Msg("dedup key pruning failed")
	}
	if err := m.reportArchivable(ctx); err != nil {
		failures++
		m.log.Error().Err(err).Msg("archivable partition scan failed")
	}

	if failures == 3 {
		return fmt.Errorf("all partition maintenance steps failed")
	}
	return nil
}

// ensureNextPartition creates next month's partition ahead of the rollover.
// When the ledger is not physically partitioned this is a safe no-op.
func (m *Maintainer) ensureNextPartition(ctx context.Context) error {
	var partitioned bool
	err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_partitioned_table pt
			JOIN pg_class c ON c.oid = pt.partrelid
			WHERE c.relname = 'billing_events'
		)
	`).Scan(&partitioned)
	if err != nil {
		return fmt.Errorf("partitioning check failed: %w", err)
	}
	if !partitioned {
		m.log.Debug().Msg("ledger is not partitioned, skipping partition creation")
		return nil
	}

	return m.EnsureFor(ctx, m.now().AddDate(0, 1, 0))
}

// EnsureFor creates the partition covering the month containing t. Also
// used at bootstrap to lay down the current and next partitions before the
// first event arrives.
func (m *Maintainer) EnsureFor(ctx context.Context, t time.Time) error {
	from := monthStart(t)
	to := from.AddDate(0, 1, 0)
	name := Name(from)

	// Bounds are rendered directly; they come from the clock, not input.
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s PARTITION OF billing_events
		FOR VALUES FROM ('%s') TO ('%s')
	`, name, from.Format("2006-01-02"), to.Format("2006-01-02")))
	if err != nil {
		return fmt.Errorf("partition create failed for %s: %w", name, err)
	}

	m.log.Info().Str("partition", name).Msg("ledger partition ensured")
	return nil
}

// pruneDedupKeys deletes idempotency bookkeeping past the retention window.
// Anything that old can no longer collide with a live retry.
func (m *Maintainer) pruneDedupKeys(ctx context.Context) error {
	cutoff := m.now().Add(-m.dedupRetention)
	result, err := m.db.ExecContext(ctx, `
		DELETE FROM billing_event_dedup WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("dedup prune failed: %w", err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		m.log.Info().Int64("pruned", n).Time("cutoff", cutoff).Msg("dedup keys pruned")
	}
	return nil
}

// reportArchivable surfaces partitions old enough to archive or detach.
// They are only reported, never dropped: removing billing history is an
// operator decision.
func (m *Maintainer) reportArchivable(ctx context.Context) error {
	cutoffName := Name(monthStart(m.now()).AddDate(0, -m.archiveAfterMonths, 0))

	rows, err := m.db.QueryContext(ctx, `
		SELECT child.relname
		FROM pg_inherits
		JOIN pg_class parent ON parent.oid = pg_inherits.inhparent
		JOIN pg_class child ON child.oid = pg_inherits.inhrelid
		WHERE parent.relname = 'billing_events'
		  AND child.relname ~ '^billing_events_[0-9]{6}$'
		  AND child.relname < $1
		ORDER BY child.relname
	`, cutoffName)
	if err != nil {
		return fmt.Errorf("archivable scan failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("archivable scan failed: %w", err)
		}
		m.log.Warn().
			Str("partition", name).
			Int("archive_after_months", m.archiveAfterMonths).
			Msg("ledger partition eligible for archival")
	}
	return rows.Err()
}
