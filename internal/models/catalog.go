package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultPricingModel is the model_pricing row used when a model name has no
// configuration of its own.
const DefaultPricingModel = "default"

// ModelPricing is one row of the read-only per-model pricing table. Costs are
// credits per 1,000 tokens.
type ModelPricing struct {
	ModelName             string          `json:"model_name"`
	InputCostPer1kTokens  decimal.Decimal `json:"input_cost_per_1k_tokens"`
	OutputCostPer1kTokens decimal.Decimal `json:"output_cost_per_1k_tokens"`
	MinimumCredits        decimal.Decimal `json:"minimum_credits"`
	ModelMultiplier       decimal.Decimal `json:"model_multiplier"`
}

// Package is one subscription package from the read-only catalog. The admin UI
// that maintains it is out of scope; this core only consumes it.
type Package struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	ExternalPriceID  string          `json:"external_price_id"`
	PriceCents       int64           `json:"price_cents"`
	CreditsPerCycle  decimal.Decimal `json:"credits_per_cycle"`
	CreditMultiplier decimal.Decimal `json:"credit_multiplier"`
	TrialDays        int             `json:"trial_days"`
	CreatedAt        time.Time       `json:"created_at"`
}
