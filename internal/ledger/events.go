package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType classifies a billing event.
type EventType string

const (
	// EventCompute is an elapsed-compute charge from the metering cycle.
	EventCompute EventType = "compute"
	// EventLLM is an LLM spend charge from the proxy sync.
	EventLLM EventType = "llm"
	// EventAdjustment is a manual or automatic balance adjustment.
	EventAdjustment EventType = "adjustment"
	// EventReconciliation records the correction applied when the shadow
	// balance is overwritten with the provider's authoritative value.
	EventReconciliation EventType = "reconciliation"
)

// Event is one append-only billing ledger row. Events are immutable once
// written; the idempotency key is the sole defense against double billing.
type Event struct {
	ID             uuid.UUID
	OrganizationID string
	Type           EventType
	// Credits is signed: positive deducts from the shadow balance,
	// negative credits it.
	Credits decimal.Decimal
	// Quantity is the raw metered unit behind the charge (seconds of
	// compute, dollars of proxy spend, credits of drift).
	Quantity       decimal.Decimal
	IdempotencyKey string
	SessionIDs     []string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// DeductResult is the outcome of one atomic bulk deduction.
type DeductResult struct {
	// Inserted counts events that were genuinely new. Submissions whose
	// idempotency key already existed are absorbed silently.
	Inserted int
	// CreditsDeducted is the sum of credits across the newly inserted rows.
	CreditsDeducted decimal.Decimal
	NewBalance      decimal.Decimal

	// ShouldBlockNewSessions fires when the balance drops below the block
	// threshold; ShouldTerminateSessions when it is at or below zero with
	// no grace headroom remaining.
	ShouldBlockNewSessions  bool
	ShouldTerminateSessions bool
	EnforcementReason       string
}
