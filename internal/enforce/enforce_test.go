package enforce

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tollgate-dev/tollgate/internal/ledger"
	"github.com/tollgate-dev/tollgate/internal/state"
)

type fakeStateLedger struct {
	triggers     []state.Trigger
	graceExpires []*time.Time
	flip         bool
	flipErr      error

	expired  []ledger.OrgBilling
	batches  [][]ledger.Event
	batchErr error
}

func (f *fakeStateLedger) ApplyTrigger(ctx context.Context, orgID string, trigger state.Trigger, graceExpiresAt *time.Time) (bool, error) {
	f.triggers = append(f.triggers, trigger)
	f.graceExpires = append(f.graceExpires, graceExpiresAt)
	return f.flip, f.flipErr
}

func (f *fakeStateLedger) ListGraceExpired(ctx context.Context, now time.Time) ([]ledger.OrgBilling, error) {
	return f.expired, nil
}

func (f *fakeStateLedger) DeductBatch(ctx context.Context, orgID string, events []ledger.Event) (*ledger.DeductResult, error) {
	f.batches = append(f.batches, events)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return &ledger.DeductResult{Inserted: len(events)}, nil
}

type fakeProvider struct {
	terminated []string
	paused     []string
	err        error
}

func (f *fakeProvider) Terminate(ctx context.Context, orgID string) error {
	f.terminated = append(f.terminated, orgID)
	return f.err
}

func (f *fakeProvider) Pause(ctx context.Context, orgID string) error {
	f.paused = append(f.paused, orgID)
	return f.err
}

type fakeTrial struct {
	activated bool
	err       error
	calls     int
}

func (f *fakeTrial) AutoActivate(ctx context.Context, orgID string) (bool, error) {
	f.calls++
	return f.activated, f.err
}

type fakeTopUp struct {
	keys []string
	err  error
}

func (f *fakeTopUp) TopUp(ctx context.Context, customerID string, credits decimal.Decimal, idempotencyKey string) error {
	f.keys = append(f.keys, idempotencyKey)
	return f.err
}

func newEnforcer(l Ledger, p *fakeProvider, trial TrialActivator, topUp TopUpper) *Enforcer {
	providers := map[string]SandboxProvider{}
	if p != nil {
		providers["test"] = p
	}
	return New(l, providers, trial, topUp, 24*time.Hour, decimal.NewFromInt(500), zerolog.Nop())
}

func TestExhaust_TerminatesWhenFlipWins(t *testing.T) {
	l := &fakeStateLedger{flip: true}
	p := &fakeProvider{}
	e := newEnforcer(l, p, nil, nil)

	require.NoError(t, e.Exhaust(context.Background(), "org-1", "balance exhausted"))

	assert.Equal(t, []state.Trigger{state.TriggerExhaust}, l.triggers)
	assert.Equal(t, []string{"org-1"}, p.terminated)
}

func TestExhaust_LosingTheRaceSkipsTermination(t *testing.T) {
	// Another deduction already flipped the org, or it is suspended:
	// zero rows affected means no enforcement from this caller.
	l := &fakeStateLedger{flip: false}
	p := &fakeProvider{}
	e := newEnforcer(l, p, nil, nil)

	require.NoError(t, e.Exhaust(context.Background(), "org-1", "balance exhausted"))
	assert.Empty(t, p.terminated)
}

func TestExhaust_ProviderFailureDoesNotPropagate(t *testing.T) {
	l := &fakeStateLedger{flip: true}
	p := &fakeProvider{err: errors.New("runtime unreachable")}
	e := newEnforcer(l, p, nil, nil)

	// The flip already happened; a broken provider is logged, not fatal.
	assert.NoError(t, e.Exhaust(context.Background(), "org-1", "balance exhausted"))
}

func TestHandleDeduction_TerminateSignal(t *testing.T) {
	l := &fakeStateLedger{flip: true}
	p := &fakeProvider{}
	e := newEnforcer(l, p, nil, nil)

	err := e.HandleDeduction(context.Background(), "org-1", &ledger.DeductResult{
		ShouldTerminateSessions: true,
		ShouldBlockNewSessions:  true,
		EnforcementReason:       "balance exhausted",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"org-1"}, p.terminated)
}

func TestHandleDeduction_TrialActivationPreemptsEnforcement(t *testing.T) {
	l := &fakeStateLedger{flip: true}
	p := &fakeProvider{}
	trial := &fakeTrial{activated: true}
	e := newEnforcer(l, p, trial, nil)

	err := e.HandleDeduction(context.Background(), "org-1", &ledger.DeductResult{
		ShouldTerminateSessions: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, trial.calls)
	assert.Equal(t, []state.Trigger{state.TriggerActivate}, l.triggers)
	assert.Empty(t, p.terminated)
}

func TestHandleDeduction_FailedTrialActivationStillEnforces(t *testing.T) {
	l := &fakeStateLedger{flip: true}
	p := &fakeProvider{}
	trial := &fakeTrial{err: errors.New("no payment method")}
	e := newEnforcer(l, p, trial, nil)

	err := e.HandleDeduction(context.Background(), "org-1", &ledger.DeductResult{
		ShouldTerminateSessions: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"org-1"}, p.terminated)
}

func TestHandleDeduction_BlockOnlyEntersGrace(t *testing.T) {
	l := &fakeStateLedger{flip: true}
	e := newEnforcer(l, nil, nil, nil)
	e.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }

	err := e.HandleDeduction(context.Background(), "org-1", &ledger.DeductResult{
		ShouldBlockNewSessions: true,
		EnforcementReason:      "balance below threshold",
	})
	require.NoError(t, err)

	require.Equal(t, []state.Trigger{state.TriggerEnterGrace}, l.triggers)
	require.NotNil(t, l.graceExpires[0])
	assert.Equal(t, time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC), *l.graceExpires[0])
}

func TestHandleDeduction_HealthyResultIsANoOp(t *testing.T) {
	l := &fakeStateLedger{}
	e := newEnforcer(l, nil, nil, nil)

	require.NoError(t, e.HandleDeduction(context.Background(), "org-1", &ledger.DeductResult{}))
	require.NoError(t, e.HandleDeduction(context.Background(), "org-1", nil))
	assert.Empty(t, l.triggers)
}

func TestSweepGrace_TopUpRecoversTheOrg(t *testing.T) {
	customer := "cus_123"
	expires := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	l := &fakeStateLedger{flip: true, expired: []ledger.OrgBilling{{
		OrganizationID:     "org-1",
		ExternalCustomerID: &customer,
		GraceExpiresAt:     &expires,
	}}}
	topUp := &fakeTopUp{}
	p := &fakeProvider{}
	e := newEnforcer(l, p, nil, topUp)

	require.NoError(t, e.SweepGrace(context.Background()))

	// Purchase keyed to the expiry instant, ledger credited, org restored.
	require.Len(t, topUp.keys, 1)
	assert.Equal(t, "grace-topup:org-1:1785542400", topUp.keys[0])

	require.Len(t, l.batches, 1)
	assert.True(t, l.batches[0][0].Credits.Equal(decimal.NewFromInt(-500)))
	assert.Equal(t, topUp.keys[0], l.batches[0][0].IdempotencyKey)

	assert.Equal(t, []state.Trigger{state.TriggerTopUp}, l.triggers)
	assert.Empty(t, p.terminated)
}

func TestSweepGrace_FailedTopUpExhausts(t *testing.T) {
	customer := "cus_123"
	expires := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	l := &fakeStateLedger{flip: true, expired: []ledger.OrgBilling{{
		OrganizationID:     "org-1",
		ExternalCustomerID: &customer,
		GraceExpiresAt:     &expires,
	}}}
	topUp := &fakeTopUp{err: errors.New("card declined")}
	p := &fakeProvider{}
	e := newEnforcer(l, p, nil, topUp)

	require.NoError(t, e.SweepGrace(context.Background()))

	assert.Equal(t, []state.Trigger{state.TriggerExhaust}, l.triggers)
	assert.Equal(t, []string{"org-1"}, p.terminated)
	assert.Empty(t, l.batches)
}

func TestSweepGrace_NoProviderExhaustsDirectly(t *testing.T) {
	expires := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	l := &fakeStateLedger{flip: true, expired: []ledger.OrgBilling{{
		OrganizationID: "org-1",
		GraceExpiresAt: &expires,
	}}}
	p := &fakeProvider{}
	e := newEnforcer(l, p, nil, nil)

	require.NoError(t, e.SweepGrace(context.Background()))
	assert.Equal(t, []string{"org-1"}, p.terminated)
}

func TestSweepGrace_IsolatesPerOrgFailures(t *testing.T) {
	customer := "cus_123"
	expires := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	l := &fakeStateLedger{
		flip:     true,
		batchErr: errors.New("db down"),
		expired: []ledger.OrgBilling{
			{OrganizationID: "org-1", ExternalCustomerID: &customer, GraceExpiresAt: &expires},
			{OrganizationID: "org-2", ExternalCustomerID: &customer, GraceExpiresAt: &expires},
		},
	}
	topUp := &fakeTopUp{}
	e := newEnforcer(l, nil, nil, topUp)

	// Crediting after top-up fails for both orgs; the sweep still visits
	// every org and reports success to the scheduler.
	require.NoError(t, e.SweepGrace(context.Background()))
	assert.Len(t, topUp.keys, 2)
}
