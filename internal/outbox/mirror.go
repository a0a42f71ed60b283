package outbox

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Mirror forwards locally-committed balance effects to the billing provider,
// parking the call in the outbox when the provider is unreachable. The local
// ledger write has already happened by the time Mirror is called; losing the
// provider call would make the shadow balance silently diverge until the
// nightly reconciler noticed, so the intent is made durable instead.
type Mirror struct {
	sender Sender
	store  *Store
	log    zerolog.Logger
}

// NewMirror creates a Mirror.
func NewMirror(sender Sender, store *Store, logger zerolog.Logger) *Mirror {
	return &Mirror{
		sender: sender,
		store:  store,
		log:    logger.With().Str("component", "usage_mirror").Logger(),
	}
}

// ReportUsage mirrors a deduction to the provider. The idempotency key is
// shared between the inline attempt and any outbox replays, so the provider
// applies the debit at most once no matter which path lands first.
func (m *Mirror) ReportUsage(ctx context.Context, orgID, customerID string, credits decimal.Decimal, idempotencyKey string) error {
	if credits.Sign() <= 0 {
		return nil
	}

	err := m.sender.ReportUsage(ctx, customerID, credits, idempotencyKey)
	if err == nil {
		return nil
	}

	m.log.Warn().Err(err).
		Str("organization_id", orgID).
		Str("customer_id", customerID).
		Str("credits", credits.String()).
		Msg("provider usage mirror failed, parking in outbox")

	return m.store.Enqueue(ctx, orgID, Payload{
		Op:             OpReportUsage,
		CustomerID:     customerID,
		Credits:        credits,
		IdempotencyKey: idempotencyKey,
	})
}
