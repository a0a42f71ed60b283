package partition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMaintainer(t *testing.T, now time.Time) (*Maintainer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := New(db, 90*24*time.Hour, 12, zerolog.Nop())
	m.now = func() time.Time { return now }
	return m, mock
}

func TestName(t *testing.T) {
	assert.Equal(t, "billing_events_202608",
		Name(time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)))
	// December rolls into January of the next year.
	assert.Equal(t, "billing_events_202701",
		Name(time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC).AddDate(0, 1, 0)))
	// Name is UTC-based regardless of the input zone.
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, "billing_events_202609",
		Name(time.Date(2026, 8, 31, 23, 0, 0, 0, est)))
}

func TestRun_CreatesNextMonthPartition(t *testing.T) {
	now := time.Date(2026, 8, 15, 4, 0, 0, 0, time.UTC)
	m, mock := newTestMaintainer(t, now)

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS billing_events_202609").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM billing_event_dedup").
		WillReturnResult(sqlmock.NewResult(0, 15))
	mock.ExpectQuery("SELECT child.relname").
		WillReturnRows(sqlmock.NewRows([]string{"relname"}))

	require.NoError(t, m.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_UnpartitionedLedgerSkipsCreation(t *testing.T) {
	now := time.Date(2026, 8, 15, 4, 0, 0, 0, time.UTC)
	m, mock := newTestMaintainer(t, now)

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("DELETE FROM billing_event_dedup").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT child.relname").
		WillReturnRows(sqlmock.NewRows([]string{"relname"}))

	require.NoError(t, m.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_StepsFailIndependently(t *testing.T) {
	now := time.Date(2026, 8, 15, 4, 0, 0, 0, time.UTC)
	m, mock := newTestMaintainer(t, now)

	// Partition creation breaks; pruning and the archival scan still run.
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec("DELETE FROM billing_event_dedup").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery("SELECT child.relname").
		WillReturnRows(sqlmock.NewRows([]string{"relname"}).AddRow("billing_events_202401"))

	require.NoError(t, m.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_AllStepsFailing(t *testing.T) {
	now := time.Date(2026, 8, 15, 4, 0, 0, 0, time.UTC)
	m, mock := newTestMaintainer(t, now)

	dbErr := errors.New("database unreachable")
	mock.ExpectQuery("SELECT EXISTS").WillReturnError(dbErr)
	mock.ExpectExec("DELETE FROM billing_event_dedup").WillReturnError(dbErr)
	mock.ExpectQuery("SELECT child.relname").WillReturnError(dbErr)

	assert.Error(t, m.Run(context.Background()))
}

func TestPruneDedupKeys_UsesRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 8, 15, 4, 0, 0, 0, time.UTC)
	m, mock := newTestMaintainer(t, now)

	mock.ExpectExec("DELETE FROM billing_event_dedup").
		WithArgs(now.Add(-90 * 24 * time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 7))

	require.NoError(t, m.pruneDedupKeys(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureFor_BoundsCoverTheMonth(t *testing.T) {
	now := time.Date(2026, 8, 15, 4, 0, 0, 0, time.UTC)
	m, mock := newTestMaintainer(t, now)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS billing_events_202612 PARTITION OF billing_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, m.EnsureFor(context.Background(), time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportArchivable_OnlyScansOlderThanCutoff(t *testing.T) {
	now := time.Date(2026, 8, 15, 4, 0, 0, 0, time.UTC)
	m, mock := newTestMaintainer(t, now)

	// With a 12-month horizon the cutoff name is billing_events_202508.
	mock.ExpectQuery("SELECT child.relname").
		WithArgs("billing_events_202508").
		WillReturnRows(sqlmock.NewRows([]string{"relname"}).
			AddRow("billing_events_202501").
			AddRow("billing_events_202506"))

	require.NoError(t, m.reportArchivable(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
