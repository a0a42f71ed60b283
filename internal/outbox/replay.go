package outbox

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tollgate-dev/tollgate/internal/metrics"
)

// replayBatchSize bounds how many entries one replay tick works through.
const replayBatchSize = 100

// Sender is the slice of the provider the replayer needs.
type Sender interface {
	TopUp(ctx context.Context, customerID string, credits decimal.Decimal, idempotencyKey string) error
	ReportUsage(ctx context.Context, customerID string, credits decimal.Decimal, idempotencyKey string) error
}

// Replayer re-sends pending outbox entries to the provider.
type Replayer struct {
	store       *Store
	sender      Sender
	maxAttempts int
	log         zerolog.Logger
}

// NewReplayer creates the replay job.
func NewReplayer(store *Store, sender Sender, maxAttempts int, logger zerolog.Logger) *Replayer {
	return &Replayer{
		store:       store,
		sender:      sender,
		maxAttempts: maxAttempts,
		log:         logger.With().Str("component", "outbox_replayer").Logger(),
	}
}

// Run processes one batch of pending entries. Per-entry failures are
// recorded and the loop continues; only a failure to read the queue itself
// propagates so the scheduler retries the whole job.
func (r *Replayer) Run(ctx context.Context) error {
	entries, err := r.store.ListPending(ctx, replayBatchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	succeeded, failed := 0, 0
	for _, entry := range entries {
		if err := r.dispatch(ctx, entry); err != nil {
			failed++
			metrics.OutboxReplays.WithLabelValues("failed").Inc()
			r.log.Warn().Err(err).
				Str("entry_id", entry.ID.String()).
				Str("organization_id", entry.OrganizationID).
				Str("op", string(entry.Payload.Op)).
				Int("attempts", entry.Attempts+1).
				Msg("outbox replay failed")
			if rerr := r.store.RecordFailure(ctx, entry.ID, err, r.maxAttempts); rerr != nil {
				r.log.Error().Err(rerr).Str("entry_id", entry.ID.String()).Msg("outbox bookkeeping failed")
			}
			continue
		}

		succeeded++
		metrics.OutboxReplays.WithLabelValues("succeeded").Inc()
		if merr := r.store.MarkSucceeded(ctx, entry.ID); merr != nil {
			// The provider call went through; the entry will be replayed
			// and absorbed by the provider-side idempotency key.
			r.log.Error().Err(merr).Str("entry_id", entry.ID.String()).Msg("outbox bookkeeping failed")
		}
	}

	r.log.Info().
		Int("processed", len(entries)).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Msg("outbox replay pass complete")
	return nil
}

func (r *Replayer) dispatch(ctx context.Context, entry Entry) error {
	p := entry.Payload
	switch p.Op {
	case OpReportUsage:
		return r.sender.ReportUsage(ctx, p.CustomerID, p.Credits, p.IdempotencyKey)
	case OpTopUp:
		return r.sender.TopUp(ctx, p.CustomerID, p.Credits, p.IdempotencyKey)
	default:
		return fmt.Errorf("unknown outbox op %q", p.Op)
	}
}
