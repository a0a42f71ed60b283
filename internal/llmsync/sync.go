// Package llmsync pulls LLM usage out of the external proxy and converts it
// into ledger deductions.
//
// The work is fanned out in two stages. A dispatcher job lists billable
// organizations and enqueues one per-org sync job each, so a slow
// organization can never block the others and each job's work stays
// bounded. The per-org job walks the proxy's spend log from a persisted
// cursor, converts entries to ledger events keyed by request ID, deducts
// the whole batch atomically, and advances the cursor.
//
// The ordering of a run is what makes at-least-once delivery safe: entries
// are sorted by (startTime, requestId) before processing, so the cursor
// only ever advances past entries that are already durable ledger rows. A
// crash between deduction and cursor advance re-fetches an overlapping
// window on the next run, and the idempotency keys absorb the duplicates.
// No client-side seen-set is kept; the ledger's unique key handles the case
// a naive last-seen-ID check would miss, two entries sharing a timestamp
// with different IDs.
package llmsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tollgate-dev/tollgate/internal/ledger"
)

// PriceFunc converts raw proxy spend (USD) into credits. The markup
// multiplier is a pricing decision injected from configuration.
type PriceFunc func(spendUSD decimal.Decimal) decimal.Decimal

// MarkupPrice builds the standard PriceFunc: spend times markup times the
// credits-per-USD conversion.
func MarkupPrice(markup, creditsPerUSD decimal.Decimal) PriceFunc {
	return func(spendUSD decimal.Decimal) decimal.Decimal {
		return spendUSD.Mul(markup).Mul(creditsPerUSD)
	}
}

// SpendSource is the proxy client surface the syncer consumes.
type SpendSource interface {
	Configured() bool
	ListSpendLogs(ctx context.Context, orgID string, since time.Time) ([]SpendLog, error)
}

// Cursors is the persisted high-water-mark store.
type Cursors interface {
	Get(ctx context.Context, orgID string) (*Cursor, error)
	Advance(ctx context.Context, orgID string, startTime time.Time, requestID string, processed int64) error
}

// Ledger is what the syncer needs from the shadow balance store.
type Ledger interface {
	ListBillable(ctx context.Context) ([]ledger.OrgBilling, error)
	DeductBatch(ctx context.Context, orgID string, events []ledger.Event) (*ledger.DeductResult, error)
}

// Outcome handles post-deduction consequences; implemented by
// enforce.Enforcer.
type Outcome interface {
	HandleDeduction(ctx context.Context, orgID string, res *ledger.DeductResult) error
}

// UsageMirror forwards deducted credits to the billing provider.
type UsageMirror interface {
	ReportUsage(ctx context.Context, orgID, customerID string, credits decimal.Decimal, idempotencyKey string) error
}

// Queue is the fan-out surface of the job supervisor.
type Queue interface {
	Enqueue(name string, fn func(ctx context.Context) error) error
}

// Syncer owns both sync stages.
type Syncer struct {
	ledger   Ledger
	cursors  Cursors
	source   SpendSource
	price    PriceFunc
	outcome  Outcome
	mirror   UsageMirror
	queue    Queue
	lookback time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// New creates a Syncer.
func New(l Ledger, cursors Cursors, source SpendSource, price PriceFunc, outcome Outcome,
	mirror UsageMirror, queue Queue, lookback time.Duration, logger zerolog.Logger) *Syncer {
	return &Syncer{
		ledger:   l,
		cursors:  cursors,
		source:   source,
		price:    price,
		outcome:  outcome,
		mirror:   mirror,
		queue:    queue,
		lookback: lookback,
		now:      time.Now,
		log:      logger.With().Str("component", "llm_sync").Logger(),
	}
}

// Dispatch is the fan-out job: one per-org sync job per billable
// organization. A no-op when the proxy is not configured.
func (s *Syncer) Dispatch(ctx context.Context) error {
	if !s.source.Configured() {
		s.log.Debug().Msg("llm proxy not configured, dispatch skipped")
		return nil
	}

	orgs, err := s.ledger.ListBillable(ctx)
	if err != nil {
		return fmt.Errorf("list billable orgs: %w", err)
	}

	enqueued := 0
	for _, org := range orgs {
		org := org
		name := "llm-sync:" + org.OrganizationID
		err := s.queue.Enqueue(name, func(ctx context.Context) error {
			return s.SyncOrg(ctx, org)
		})
		if err != nil {
			s.log.Warn().Err(err).Str("organization_id", org.OrganizationID).Msg("sync enqueue failed")
			continue
		}
		enqueued++
	}

	s.log.Debug().Int("organizations", enqueued).Msg("llm sync dispatched")
	return nil
}

// SyncOrg runs one incremental sync for a single organization.
func (s *Syncer) SyncOrg(ctx context.Context, org ledger.OrgBilling) error {
	orgID := org.OrganizationID

	cur, err := s.cursors.Get(ctx, orgID)
	if err != nil {
		return err
	}
	since := s.now().Add(-s.lookback)
	if cur != nil {
		since = cur.LastStartTime
	}

	logs, err := s.source.ListSpendLogs(ctx, orgID, since)
	if err != nil {
		return fmt.Errorf("spend log fetch for %s: %w", orgID, err)
	}
	if len(logs) == 0 {
		// Nothing fetched; the cursor must not move.
		return nil
	}

	sortSpendLogs(logs)

	events := make([]ledger.Event, 0, len(logs))
	for _, entry := range logs {
		if entry.RequestID == "" || entry.Spend <= 0 {
			// Provider-side data quality issue, dropped rather than escalated.
			s.log.Debug().
				Str("organization_id", orgID).
				Str("request_id", entry.RequestID).
				Float64("spend", entry.Spend).
				Msg("dropping spend log entry")
			continue
		}
		spend := decimal.NewFromFloat(entry.Spend)
		events = append(events, ledger.Event{
			Type:           ledger.EventLLM,
			Credits:        s.price(spend),
			Quantity:       spend,
			IdempotencyKey: "llm:" + entry.RequestID,
			Metadata: map[string]string{
				"model":             entry.Model,
				"prompt_tokens":     fmt.Sprintf("%d", entry.PromptTokens),
				"completion_tokens": fmt.Sprintf("%d", entry.CompletionTokens),
				"total_tokens":      fmt.Sprintf("%d", entry.TotalTokens),
				"end_user":          entry.EndUser,
			},
		})
	}

	var res *ledger.DeductResult
	inserted := int64(0)
	if len(events) > 0 {
		if res, err = s.ledger.DeductBatch(ctx, orgID, events); err != nil {
			return fmt.Errorf("bulk deduction for %s: %w", orgID, err)
		}
		inserted = int64(res.Inserted)
	}

	// Cursor lands on the last entry in sorted order, including entries
	// that were dropped or deduplicated: they are settled either way.
	last := logs[len(logs)-1]
	if err := s.cursors.Advance(ctx, orgID, last.StartTime, last.RequestID, inserted); err != nil {
		return err
	}

	if res != nil {
		if s.mirror != nil && org.ExternalCustomerID != nil && res.Inserted > 0 {
			mirrorKey := fmt.Sprintf("llm-usage:%s:%s", orgID, last.RequestID)
			if err := s.mirror.ReportUsage(ctx, orgID, *org.ExternalCustomerID, res.CreditsDeducted, mirrorKey); err != nil {
				s.log.Error().Err(err).Str("organization_id", orgID).Msg("usage mirror failed")
			}
		}
		if s.outcome != nil {
			if err := s.outcome.HandleDeduction(ctx, orgID, res); err != nil {
				return fmt.Errorf("deduction outcome for %s: %w", orgID, err)
			}
		}
	}

	s.log.Info().
		Str("organization_id", orgID).
		Int("fetched", len(logs)).
		Int64("inserted", inserted).
		Time("cursor_start_time", last.StartTime).
		Str("cursor_request_id", last.RequestID).
		Msg("llm spend sync complete")
	return nil
}

// sortSpendLogs orders entries by (startTime, requestId) ascending. The
// upstream API does not guarantee order, and the cursor is only safe to
// advance when processing order is deterministic.
func sortSpendLogs(logs []SpendLog) {
	sort.Slice(logs, func(i, j int) bool {
		if !logs[i].StartTime.Equal(logs[j].StartTime) {
			return logs[i].StartTime.Before(logs[j].StartTime)
		}
		return logs[i].RequestID < logs[j].RequestID
	})
}
