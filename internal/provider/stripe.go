package provider

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// centsPerDollar converts Stripe's integer minor units.
var centsPerDollar = decimal.NewFromInt(100)

// Stripe implements Provider on the Stripe customer balance.
//
// Stripe models customer credit as a negative customer balance in the
// currency's minor unit. A customer with balance -5000 (cents) holds $50 of
// credit; creditsPerUSD converts that into engine credits. TopUp and
// ReportUsage are expressed as customer balance transactions, with Stripe's
// own idempotency keys carrying the at-least-once safety.
type Stripe struct {
	api           *client.API
	creditsPerUSD decimal.Decimal
	featureKey    string
	log           zerolog.Logger
}

// NewStripe builds a Stripe-backed provider. featureKey names the credit
// ledger this engine bills against; it is recorded on every transaction
// description so multi-feature customers stay auditable.
func NewStripe(apiKey string, creditsPerUSD decimal.Decimal, featureKey string, logger zerolog.Logger) *Stripe {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Stripe{
		api:           api,
		creditsPerUSD: creditsPerUSD,
		featureKey:    featureKey,
		log:           logger.With().Str("component", "stripe_provider").Logger(),
	}
}

// GetBalance returns the customer's available credit in engine credits.
func (p *Stripe) GetBalance(ctx context.Context, customerID string) (decimal.Decimal, error) {
	params := &stripelib.CustomerParams{}
	params.Context = ctx

	cust, err := p.api.Customers.Get(customerID, params)
	if err != nil {
		return decimal.Zero, fmt.Errorf("stripe customer fetch failed: %w", err)
	}

	// Negative Stripe balance = credit available to the customer.
	cents := decimal.NewFromInt(-cust.Balance)
	return cents.Div(centsPerDollar).Mul(p.creditsPerUSD), nil
}

// TopUp grants credits by crediting the customer balance.
func (p *Stripe) TopUp(ctx context.Context, customerID string, credits decimal.Decimal, idempotencyKey string) error {
	return p.balanceTransaction(ctx, customerID, credits.Neg(), idempotencyKey,
		fmt.Sprintf("auto top-up (%s)", p.featureKey))
}

// ReportUsage debits the customer balance by the credits already deducted
// locally.
func (p *Stripe) ReportUsage(ctx context.Context, customerID string, credits decimal.Decimal, idempotencyKey string) error {
	return p.balanceTransaction(ctx, customerID, credits, idempotencyKey,
		fmt.Sprintf("metered usage (%s)", p.featureKey))
}

func (p *Stripe) balanceTransaction(ctx context.Context, customerID string, credits decimal.Decimal, idempotencyKey, description string) error {
	// Positive credits = debit = balance moves toward zero from the credit
	// side, i.e. a positive Stripe amount.
	cents := credits.Div(p.creditsPerUSD).Mul(centsPerDollar).Round(0)

	params := &stripelib.CustomerBalanceTransactionParams{
		Customer:    stripelib.String(customerID),
		Amount:      stripelib.Int64(cents.IntPart()),
		Currency:    stripelib.String(string(stripelib.CurrencyUSD)),
		Description: stripelib.String(description),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	if _, err := p.api.CustomerBalanceTransactions.New(params); err != nil {
		return fmt.Errorf("stripe balance transaction failed: %w", err)
	}

	p.log.Debug().
		Str("customer_id", customerID).
		Str("credits", credits.String()).
		Str("description", description).
		Msg("stripe balance transaction applied")
	return nil
}
