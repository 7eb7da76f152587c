package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/studyforge/backend/internal/models"
)

var per1k = decimal.NewFromInt(1000)

// CostBreakdown records how a token charge was computed. TotalCredits is the
// final chargeable amount, always a whole number of credits.
type CostBreakdown struct {
	InputTokens    int             `json:"input_tokens"`
	OutputTokens   int             `json:"output_tokens"`
	InputCost      decimal.Decimal `json:"input_cost"`
	OutputCost     decimal.Decimal `json:"output_cost"`
	RawCost        decimal.Decimal `json:"raw_cost"`
	MinimumApplied bool            `json:"minimum_applied"`
	ModelName      string          `json:"model_name"`
	TotalCredits   decimal.Decimal `json:"total_credits"`
}

// DefaultPricing is used when no pricing row is configured for a model. A
// pricing lookup failure must never hard-fail a user-facing request.
func DefaultPricing() *models.ModelPricing {
	return &models.ModelPricing{
		ModelName:             models.DefaultPricingModel,
		InputCostPer1kTokens:  decimal.NewFromFloat(1.0),
		OutputCostPer1kTokens: decimal.NewFromFloat(3.0),
		MinimumCredits:        decimal.NewFromInt(1),
		ModelMultiplier:       decimal.NewFromInt(1),
	}
}

// Cost turns token usage into a credit charge:
// per-1k input and output costs are summed, clamped up to the configured
// minimum, scaled by the model multiplier and then the user's subscription
// multiplier, and finally rounded up to a whole credit. Credits are never
// fractional once charged.
func Cost(usage models.TokenUsage, p *models.ModelPricing, userMultiplier decimal.Decimal) CostBreakdown {
	if p == nil {
		p = DefaultPricing()
	}

	inputCost := decimal.NewFromInt(int64(usage.InputTokens)).Mul(p.InputCostPer1kTokens).Div(per1k)
	outputCost := decimal.NewFromInt(int64(usage.OutputTokens)).Mul(p.OutputCostPer1kTokens).Div(per1k)
	raw := inputCost.Add(outputCost)

	total := raw
	minimumApplied := false
	if total.LessThan(p.MinimumCredits) {
		total = p.MinimumCredits
		minimumApplied = true
	}

	modelMult := p.ModelMultiplier
	if modelMult.IsZero() {
		modelMult = decimal.NewFromInt(1)
	}
	if userMultiplier.IsZero() {
		userMultiplier = decimal.NewFromInt(1)
	}
	total = total.Mul(modelMult).Mul(userMultiplier)

	return CostBreakdown{
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		InputCost:      inputCost,
		OutputCost:     outputCost,
		RawCost:        raw,
		MinimumApplied: minimumApplied,
		ModelName:      p.ModelName,
		TotalCredits:   total.Ceil(),
	}
}

// estimatedUsage maps an operation-type label to conservative average token
// counts for pre-authorization, before real usage is known.
var estimatedUsage = map[string]models.TokenUsage{
	models.EntryQuestion:         {InputTokens: 800, OutputTokens: 1200},
	models.EntryChatMessage:      {InputTokens: 600, OutputTokens: 800},
	models.EntryDocumentAnalysis: {InputTokens: 4000, OutputTokens: 1500},
	models.EntryImageGeneration:  {InputTokens: 200, OutputTokens: 4000},
	models.EntryFeature:          {InputTokens: 500, OutputTokens: 500},
}

// Estimate computes a pre-authorization cost for an operation type using the
// conservative token averages and the exact same formula as Cost.
func Estimate(operationType string, p *models.ModelPricing, userMultiplier decimal.Decimal) CostBreakdown {
	usage, ok := estimatedUsage[operationType]
	if !ok {
		usage = estimatedUsage[models.EntryFeature]
	}
	return Cost(usage, p, userMultiplier)
}
