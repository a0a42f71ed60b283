// Package reconcile corrects value drift between the shadow balance and the
// billing provider's authoritative balance.
//
// Drift is never an error: the correction is always applied in full, and
// only the drift's magnitude is escalated through log severity tiers. The
// nightly job walks every billable organization with an external customer
// ID; the fast variant runs the identical correction for one organization
// on demand, after a payment webhook or an auto-top-up, and shares the same
// classification thresholds so alerting stays consistent between the two.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tollgate-dev/tollgate/internal/ledger"
	"github.com/tollgate-dev/tollgate/internal/metrics"
)

// Tier is a drift severity classification.
type Tier int

const (
	TierNone Tier = iota
	TierWarn
	TierAlert
	TierCritical
)

// String returns the tier's metric label.
func (t Tier) String() string {
	switch t {
	case TierWarn:
		return "warn"
	case TierAlert:
		return "alert"
	case TierCritical:
		return "critical"
	default:
		return "none"
	}
}

// Thresholds are the three ascending drift boundaries, in credits.
// Classification is boundary-inclusive: drift exactly at a threshold lands
// in that threshold's tier.
type Thresholds struct {
	Warn     decimal.Decimal
	Alert    decimal.Decimal
	Critical decimal.Decimal
}

// Classify maps a drift magnitude to its severity tier.
func (t Thresholds) Classify(drift decimal.Decimal) Tier {
	abs := drift.Abs()
	switch {
	case abs.GreaterThanOrEqual(t.Critical):
		return TierCritical
	case abs.GreaterThanOrEqual(t.Alert):
		return TierAlert
	case abs.GreaterThanOrEqual(t.Warn):
		return TierWarn
	default:
		return TierNone
	}
}

// BalanceSource is the slice of the billing provider the reconciler reads.
type BalanceSource interface {
	GetBalance(ctx context.Context, customerID string) (decimal.Decimal, error)
}

// Ledger is what the reconciler needs from the shadow balance store.
type Ledger interface {
	ListBillable(ctx context.Context) ([]ledger.OrgBilling, error)
	GetOrg(ctx context.Context, orgID string) (*ledger.OrgBilling, error)
	Reconcile(ctx context.Context, orgID string, authoritative decimal.Decimal, ev ledger.Event) error
}

// Summary aggregates one full reconciliation pass.
type Summary struct {
	Reconciled  int
	Failed      int
	DriftAlerts int
}

// Reconciler owns both the nightly pass and the fast single-org variant.
type Reconciler struct {
	ledger     Ledger
	provider   BalanceSource
	thresholds Thresholds
	now        func() time.Time
	log        zerolog.Logger
}

// New creates a Reconciler.
func New(l Ledger, provider BalanceSource, thresholds Thresholds, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		ledger:     l,
		provider:   provider,
		thresholds: thresholds,
		now:        time.Now,
		log:        logger.With().Str("component", "reconciler").Logger(),
	}
}

// RunNightly reconciles every billable organization that has an external
// customer ID. Per-organization failures are isolated; only the inability
// to list organizations at all propagates to the scheduler.
func (r *Reconciler) RunNightly(ctx context.Context) error {
	orgs, err := r.ledger.ListBillable(ctx)
	if err != nil {
		return fmt.Errorf("list billable orgs: %w", err)
	}

	var sum Summary
	for _, org := range orgs {
		if org.ExternalCustomerID == nil {
			continue
		}
		tier, err := r.reconcileOne(ctx, org)
		if err != nil {
			sum.Failed++
			r.log.Error().Err(err).
				Str("organization_id", org.OrganizationID).
				Msg("organization reconcile failed")
			continue
		}
		sum.Reconciled++
		if tier >= TierWarn {
			sum.DriftAlerts++
		}
	}

	r.log.Info().
		Int("reconciled", sum.Reconciled).
		Int("failed", sum.Failed).
		Int("drift_alerts", sum.DriftAlerts).
		Msg("nightly reconciliation complete")
	return nil
}

// ReconcileOrg is the fast variant: the identical correction, for one
// organization, on demand.
func (r *Reconciler) ReconcileOrg(ctx context.Context, orgID string) error {
	org, err := r.ledger.GetOrg(ctx, orgID)
	if err != nil {
		return err
	}
	if org.ExternalCustomerID == nil {
		return fmt.Errorf("organization %s has no external customer id", orgID)
	}
	_, err = r.reconcileOne(ctx, *org)
	return err
}

func (r *Reconciler) reconcileOne(ctx context.Context, org ledger.OrgBilling) (Tier, error) {
	authoritative, err := r.provider.GetBalance(ctx, *org.ExternalCustomerID)
	if err != nil {
		return TierNone, fmt.Errorf("provider balance fetch: %w", err)
	}

	drift := org.ShadowBalance.Sub(authoritative)
	runAt := r.now()

	ev := ledger.Event{
		Type:    ledger.EventReconciliation,
		Credits: drift,
		// Quantity records the authoritative value the balance snapped to.
		Quantity:       authoritative,
		IdempotencyKey: fmt.Sprintf("reconcile:%s:%d", org.OrganizationID, runAt.UnixNano()),
		Metadata: map[string]string{
			"shadow_before":    org.ShadowBalance.String(),
			"provider_balance": authoritative.String(),
			"drift":            drift.String(),
		},
	}
	if err := r.ledger.Reconcile(ctx, org.OrganizationID, authoritative, ev); err != nil {
		return TierNone, err
	}

	tier := r.thresholds.Classify(drift)
	metrics.DriftObserved.WithLabelValues(tier.String()).Inc()
	r.logDrift(org.OrganizationID, drift, tier)
	return tier, nil
}

// logDrift escalates by magnitude only; the correction has already been
// applied regardless of tier.
func (r *Reconciler) logDrift(orgID string, drift decimal.Decimal, tier Tier) {
	var ev *zerolog.Event
	switch tier {
	case TierCritical:
		ev = r.log.Error().Bool("critical", true)
	case TierAlert:
		ev = r.log.Error()
	case TierWarn:
		ev = r.log.Warn()
	default:
		ev = r.log.Debug()
	}
	ev.Str("organization_id", orgID).
		Str("drift_credits", drift.String()).
		Str("tier", tier.String()).
		Msg("shadow balance reconciled")
}
