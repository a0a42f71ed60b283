// Package enforce applies organization-level consequences as balances cross
// thresholds.
//
// It is the single choke point for exhaustion: both charge writers (the
// metering cycle and the LLM spend sync) route their deduction outcomes
// through HandleDeduction, and the grace sweep's expiry path calls the same
// Exhaust as they do. Exactly-once enforcement under concurrent deductions
// comes from the ledger's conditional state transition, not from any lock:
// whichever caller's UPDATE actually flips the row to exhausted performs the
// provider terminations, every other caller sees zero rows affected and
// backs off.
package enforce

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tollgate-dev/tollgate/internal/ledger"
	"github.com/tollgate-dev/tollgate/internal/metrics"
	"github.com/tollgate-dev/tollgate/internal/state"
)

// SandboxProvider is the capability the engine needs from a sandbox/session
// runtime: stop or pause everything an organization is running. Providers
// are registered by name at construction time.
type SandboxProvider interface {
	Terminate(ctx context.Context, orgID string) error
	Pause(ctx context.Context, orgID string) error
}

// TrialActivator attempts a silent trial-to-paid upgrade. It returns true
// when the organization was activated and enforcement should not proceed.
type TrialActivator interface {
	AutoActivate(ctx context.Context, orgID string) (bool, error)
}

// TopUpper is the slice of the billing provider the grace sweep needs.
type TopUpper interface {
	TopUp(ctx context.Context, customerID string, credits decimal.Decimal, idempotencyKey string) error
}

// Ledger is what the enforcer needs from the shadow balance store.
type Ledger interface {
	ApplyTrigger(ctx context.Context, orgID string, trigger state.Trigger, graceExpiresAt *time.Time) (bool, error)
	ListGraceExpired(ctx context.Context, now time.Time) ([]ledger.OrgBilling, error)
	DeductBatch(ctx context.Context, orgID string, events []ledger.Event) (*ledger.DeductResult, error)
}

// Enforcer owns threshold consequences and the grace lifecycle.
type Enforcer struct {
	ledger    Ledger
	providers map[string]SandboxProvider
	trial     TrialActivator // optional
	topUp     TopUpper       // optional

	gracePeriod  time.Duration
	topUpCredits decimal.Decimal
	now          func() time.Time
	log          zerolog.Logger
}

// New creates an Enforcer. The provider registry is supplied up front; jobs
// never assemble their own provider maps.
func New(l Ledger, providers map[string]SandboxProvider, trial TrialActivator, topUp TopUpper,
	gracePeriod time.Duration, topUpCredits decimal.Decimal, logger zerolog.Logger) *Enforcer {
	return &Enforcer{
		ledger:       l,
		providers:    providers,
		trial:        trial,
		topUp:        topUp,
		gracePeriod:  gracePeriod,
		topUpCredits: topUpCredits,
		now:          time.Now,
		log:          logger.With().Str("component", "enforcer").Logger(),
	}
}

// HandleDeduction reacts to the outcome of a bulk deduction. Both charge
// writers call this after every DeductBatch.
func (e *Enforcer) HandleDeduction(ctx context.Context, orgID string, res *ledger.DeductResult) error {
	if res == nil {
		return nil
	}

	if res.ShouldTerminateSessions {
		// A mid-trial organization may be silently upgraded instead of
		// cut off.
		if e.trial != nil {
			activated, err := e.trial.AutoActivate(ctx, orgID)
			if err != nil {
				e.log.Warn().Err(err).Str("organization_id", orgID).Msg("trial auto-activation failed")
			} else if activated {
				if _, err := e.ledger.ApplyTrigger(ctx, orgID, state.TriggerActivate, nil); err != nil {
					return fmt.Errorf("activate after trial upgrade: %w", err)
				}
				e.log.Info().Str("organization_id", orgID).Msg("trial auto-activated instead of enforcement")
				return nil
			}
		}
		return e.Exhaust(ctx, orgID, res.EnforcementReason)
	}

	if res.ShouldBlockNewSessions {
		expires := e.now().Add(e.gracePeriod)
		entered, err := e.ledger.ApplyTrigger(ctx, orgID, state.TriggerEnterGrace, &expires)
		if err != nil {
			return fmt.Errorf("enter grace: %w", err)
		}
		if entered {
			metrics.GraceEntered.Inc()
			e.log.Warn().
				Str("organization_id", orgID).
				Time("grace_expires_at", expires).
				Str("reason", res.EnforcementReason).
				Msg("organization entered grace period")
		}
	}
	return nil
}

// Exhaust flips an organization to exhausted and instructs every registered
// sandbox provider to terminate its sessions. Calling it on an organization
// that is already exhausted or suspended is a no-op.
func (e *Enforcer) Exhaust(ctx context.Context, orgID, reason string) error {
	flipped, err := e.ledger.ApplyTrigger(ctx, orgID, state.TriggerExhaust, nil)
	if err != nil {
		return fmt.Errorf("exhaust transition: %w", err)
	}
	if !flipped {
		// Lost the race to a concurrent deduction, or the org is suspended.
		e.log.Debug().Str("organization_id", orgID).Msg("exhaustion already enforced")
		return nil
	}

	metrics.Enforcements.Inc()
	e.log.Warn().
		Str("organization_id", orgID).
		Str("reason", reason).
		Msg("enforcing exhaustion")

	for name, p := range e.providers {
		if err := p.Terminate(ctx, orgID); err != nil {
			// The state flip already happened; a provider that cannot be
			// reached right now leaves sessions running slightly longer,
			// never double-enforces.
			e.log.Error().Err(err).
				Str("organization_id", orgID).
				Str("provider", name).
				Msg("session termination failed")
		}
	}
	return nil
}

// SweepGrace expires overdue grace windows. For each organization whose
// grace has lapsed it first attempts an automatic top-up; only when that is
// unavailable or fails does it enforce exhaustion. Per-organization failures
// are isolated so one broken org cannot stall the sweep.
func (e *Enforcer) SweepGrace(ctx context.Context) error {
	orgs, err := e.ledger.ListGraceExpired(ctx, e.now())
	if err != nil {
		return err
	}

	for _, org := range orgs {
		if err := e.expireOne(ctx, org); err != nil {
			e.log.Error().Err(err).
				Str("organization_id", org.OrganizationID).
				Msg("grace expiry handling failed")
		}
	}
	return nil
}

func (e *Enforcer) expireOne(ctx context.Context, org ledger.OrgBilling) error {
	if e.topUp != nil && org.ExternalCustomerID != nil && org.GraceExpiresAt != nil && e.topUpCredits.Sign() > 0 {
		// Key derived from the expiry instant: a redelivered sweep retries
		// the same purchase and the same ledger credit, both idempotently.
		key := fmt.Sprintf("grace-topup:%s:%d", org.OrganizationID, org.GraceExpiresAt.Unix())

		if err := e.topUp.TopUp(ctx, *org.ExternalCustomerID, e.topUpCredits, key); err == nil {
			if _, derr := e.ledger.DeductBatch(ctx, org.OrganizationID, []ledger.Event{{
				Type:           ledger.EventAdjustment,
				Credits:        e.topUpCredits.Neg(),
				Quantity:       e.topUpCredits,
				IdempotencyKey: key,
				Metadata:       map[string]string{"reason": "grace_auto_top_up"},
			}}); derr != nil {
				return fmt.Errorf("credit after top-up: %w", derr)
			}
			if _, terr := e.ledger.ApplyTrigger(ctx, org.OrganizationID, state.TriggerTopUp, nil); terr != nil {
				return fmt.Errorf("recover after top-up: %w", terr)
			}
			metrics.GraceRecovered.Inc()
			e.log.Info().
				Str("organization_id", org.OrganizationID).
				Str("credits", e.topUpCredits.String()).
				Msg("grace expiry cancelled by auto top-up")
			return nil
		} else {
			e.log.Warn().Err(err).
				Str("organization_id", org.OrganizationID).
				Msg("auto top-up failed, enforcing exhaustion")
		}
	}

	return e.Exhaust(ctx, org.OrganizationID, "grace period expired")
}
