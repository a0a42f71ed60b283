// Package provider abstracts the external billing system of record.
//
// The engine treats the provider as authoritative for balances and as the
// destination every local balance effect must eventually be mirrored to.
// Mirror calls that fail at write time are parked in the outbox and replayed
// there, so implementations must accept an idempotency key on mutating
// calls.
package provider

import (
	"context"

	"github.com/shopspring/decimal"
)

// Provider is the external billing system of record.
type Provider interface {
	// GetBalance fetches the authoritative credit balance for a customer.
	GetBalance(ctx context.Context, customerID string) (decimal.Decimal, error)

	// TopUp purchases credits for a customer. Used by the grace sweep's
	// auto-top-up path. The idempotency key makes retries safe.
	TopUp(ctx context.Context, customerID string, credits decimal.Decimal, idempotencyKey string) error

	// ReportUsage mirrors locally-deducted credits to the provider so its
	// authoritative balance tracks the shadow balance between
	// reconciliations. The idempotency key makes outbox replays safe.
	ReportUsage(ctx context.Context, customerID string, credits decimal.Decimal, idempotencyKey string) error
}
