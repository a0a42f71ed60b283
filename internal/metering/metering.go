// Package metering implements the periodic compute-metering cycle.
//
// Every tick, each running session is billed for the compute time elapsed
// since its last billed checkpoint. The idempotency key is derived from the
// session and the checkpoint, so a redelivered tick, or a tick that raced a
// crash between deduction and checkpoint advancement, re-submits the same
// key and is absorbed by the ledger.
package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tollgate-dev/tollgate/internal/ledger"
)

// Session is a running compute session as reported by the session runtime.
type Session struct {
	ID             string
	OrganizationID string
	// ExternalCustomerID of the owning org, empty when the org has none.
	ExternalCustomerID string
	StartedAt          time.Time
	// LastBilledAt is the end of the last interval already charged; zero
	// for a session that has never been billed.
	LastBilledAt time.Time
}

// SessionSource is the session runtime collaborator. It owns session state;
// the metering cycle only reads liveness and advances billing checkpoints.
type SessionSource interface {
	ListRunning(ctx context.Context) ([]Session, error)
	MarkBilled(ctx context.Context, sessionID string, at time.Time) error
}

// PriceFunc converts elapsed compute time into credits. The actual price
// schedule lives outside this engine.
type PriceFunc func(elapsed time.Duration) decimal.Decimal

// HourlyPrice prices elapsed time at a flat credits-per-hour rate.
func HourlyPrice(creditsPerHour decimal.Decimal) PriceFunc {
	return func(elapsed time.Duration) decimal.Decimal {
		hours := decimal.NewFromFloat(elapsed.Hours())
		return creditsPerHour.Mul(hours)
	}
}

// Ledger is the deduction primitive the cycle writes through.
type Ledger interface {
	DeductBatch(ctx context.Context, orgID string, events []ledger.Event) (*ledger.DeductResult, error)
}

// Outcome handles post-deduction consequences (grace entry, trial
// activation, exhaustion). Implemented by enforce.Enforcer.
type Outcome interface {
	HandleDeduction(ctx context.Context, orgID string, res *ledger.DeductResult) error
}

// UsageMirror forwards deducted credits to the billing provider.
// Implemented by outbox.Mirror; nil disables mirroring.
type UsageMirror interface {
	ReportUsage(ctx context.Context, orgID, customerID string, credits decimal.Decimal, idempotencyKey string) error
}

// Cycle is the metering job.
type Cycle struct {
	ledger   Ledger
	sessions SessionSource
	price    PriceFunc
	outcome  Outcome
	mirror   UsageMirror
	now      func() time.Time
	log      zerolog.Logger
}

// New creates a metering cycle.
func New(l Ledger, sessions SessionSource, price PriceFunc, outcome Outcome, mirror UsageMirror, logger zerolog.Logger) *Cycle {
	return &Cycle{
		ledger:   l,
		sessions: sessions,
		price:    price,
		outcome:  outcome,
		mirror:   mirror,
		now:      time.Now,
		log:      logger.With().Str("component", "metering").Logger(),
	}
}

// Run executes one metering tick. A failure for one session never blocks
// the others; only the inability to list sessions at all propagates.
func (c *Cycle) Run(ctx context.Context) error {
	sessions, err := c.sessions.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running sessions: %w", err)
	}

	now := c.now().UTC()
	billed := 0
	for _, sess := range sessions {
		if err := c.meterOne(ctx, sess, now); err != nil {
			c.log.Error().Err(err).
				Str("session_id", sess.ID).
				Str("organization_id", sess.OrganizationID).
				Msg("session metering failed")
			continue
		}
		billed++
	}

	c.log.Debug().
		Int("running", len(sessions)).
		Int("billed", billed).
		Msg("metering tick complete")
	return nil
}

func (c *Cycle) meterOne(ctx context.Context, sess Session, now time.Time) error {
	checkpoint := sess.LastBilledAt
	if checkpoint.IsZero() {
		checkpoint = sess.StartedAt
	}
	elapsed := now.Sub(checkpoint)
	if elapsed <= 0 {
		return nil
	}

	credits := c.price(elapsed)
	if credits.Sign() <= 0 {
		return nil
	}

	// Key covers the interval start; a retried tick re-bills the same
	// interval into the same key and the ledger absorbs it.
	key := fmt.Sprintf("compute:%s:%d", sess.ID, checkpoint.Unix())

	res, err := c.ledger.DeductBatch(ctx, sess.OrganizationID, []ledger.Event{{
		Type:           ledger.EventCompute,
		Credits:        credits,
		Quantity:       decimal.NewFromFloat(elapsed.Seconds()),
		IdempotencyKey: key,
		SessionIDs:     []string{sess.ID},
		Metadata: map[string]string{
			"interval_start": checkpoint.UTC().Format(time.RFC3339),
			"interval_end":   now.Format(time.RFC3339),
		},
	}})
	if err != nil {
		return err
	}

	if err := c.sessions.MarkBilled(ctx, sess.ID, now); err != nil {
		// Next tick reuses the old checkpoint and the same key; the
		// interval is billed once either way.
		c.log.Warn().Err(err).Str("session_id", sess.ID).Msg("checkpoint advance failed")
	}

	if c.mirror != nil && sess.ExternalCustomerID != "" && res.Inserted > 0 {
		if err := c.mirror.ReportUsage(ctx, sess.OrganizationID, sess.ExternalCustomerID, res.CreditsDeducted, key); err != nil {
			c.log.Error().Err(err).Str("session_id", sess.ID).Msg("usage mirror failed")
		}
	}

	if c.outcome != nil {
		if err := c.outcome.HandleDeduction(ctx, sess.OrganizationID, res); err != nil {
			return fmt.Errorf("deduction outcome: %w", err)
		}
	}
	return nil
}
