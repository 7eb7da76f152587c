package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/studyforge/backend/internal/models"
)

func testPricing() *models.ModelPricing {
	return &models.ModelPricing{
		ModelName:             "tutor-large",
		InputCostPer1kTokens:  decimal.NewFromFloat(2.5),
		OutputCostPer1kTokens: decimal.NewFromInt(10),
		MinimumCredits:        decimal.NewFromInt(1),
		ModelMultiplier:       decimal.NewFromInt(1),
	}
}

func one() decimal.Decimal { return decimal.NewFromInt(1) }

func TestCostRoundsUpToWholeCredits(t *testing.T) {
	// 500*2.5/1000 + 1500*10/1000 = 1.25 + 15 = 16.25 -> ceil = 17
	b := Cost(models.TokenUsage{InputTokens: 500, OutputTokens: 1500}, testPricing(), one())

	if want := decimal.NewFromFloat(16.25); !b.RawCost.Equal(want) {
		t.Errorf("raw cost = %s, want %s", b.RawCost, want)
	}
	if want := decimal.NewFromInt(17); !b.TotalCredits.Equal(want) {
		t.Errorf("total credits = %s, want %s", b.TotalCredits, want)
	}
	if b.MinimumApplied {
		t.Error("minimum should not apply to a 16.25-credit charge")
	}
}

func TestCostClampsToMinimum(t *testing.T) {
	// 10*2.5/1000 = 0.025, below the 1-credit minimum.
	b := Cost(models.TokenUsage{InputTokens: 10, OutputTokens: 0}, testPricing(), one())

	if want := decimal.NewFromFloat(0.025); !b.RawCost.Equal(want) {
		t.Errorf("raw cost = %s, want %s", b.RawCost, want)
	}
	if !b.MinimumApplied {
		t.Error("expected MinimumApplied")
	}
	if want := decimal.NewFromInt(1); !b.TotalCredits.Equal(want) {
		t.Errorf("total credits = %s, want %s", b.TotalCredits, want)
	}
}

func TestCostAppliesMultipliers(t *testing.T) {
	p := testPricing()
	p.ModelMultiplier = decimal.NewFromFloat(2)

	// raw 16.25 * model 2 * user 0.5 = 16.25 -> ceil 17
	b := Cost(models.TokenUsage{InputTokens: 500, OutputTokens: 1500}, p, decimal.NewFromFloat(0.5))
	if want := decimal.NewFromInt(17); !b.TotalCredits.Equal(want) {
		t.Errorf("total credits = %s, want %s", b.TotalCredits, want)
	}

	// user markup: 16.25 * 1 * 2 = 32.5 -> ceil 33
	p.ModelMultiplier = decimal.NewFromInt(1)
	b = Cost(models.TokenUsage{InputTokens: 500, OutputTokens: 1500}, p, decimal.NewFromInt(2))
	if want := decimal.NewFromInt(33); !b.TotalCredits.Equal(want) {
		t.Errorf("total credits = %s, want %s", b.TotalCredits, want)
	}
}

func TestCostZeroMultiplierMeansDefault(t *testing.T) {
	b := Cost(models.TokenUsage{InputTokens: 500, OutputTokens: 1500}, testPricing(), decimal.Decimal{})
	if want := decimal.NewFromInt(17); !b.TotalCredits.Equal(want) {
		t.Errorf("total credits = %s, want %s", b.TotalCredits, want)
	}
}

func TestCostNilPricingFallsBackToDefault(t *testing.T) {
	b := Cost(models.TokenUsage{InputTokens: 1000, OutputTokens: 1000}, nil, one())
	// default: 1.0 + 3.0 = 4
	if want := decimal.NewFromInt(4); !b.TotalCredits.Equal(want) {
		t.Errorf("total credits = %s, want %s", b.TotalCredits, want)
	}
	if b.ModelName != models.DefaultPricingModel {
		t.Errorf("model = %q, want default", b.ModelName)
	}
}

func TestEstimateReusesCostFormula(t *testing.T) {
	p := testPricing()
	usage := estimatedUsage[models.EntryQuestion]

	got := Estimate(models.EntryQuestion, p, one())
	want := Cost(usage, p, one())

	if !got.TotalCredits.Equal(want.TotalCredits) {
		t.Errorf("estimate = %s, direct cost = %s", got.TotalCredits, want.TotalCredits)
	}
}

func TestEstimateUnknownOperationUsesGenericFeature(t *testing.T) {
	got := Estimate("somebody-elses-feature", testPricing(), one())
	want := Estimate(models.EntryFeature, testPricing(), one())
	if !got.TotalCredits.Equal(want.TotalCredits) {
		t.Errorf("unknown op estimate = %s, want generic %s", got.TotalCredits, want.TotalCredits)
	}
}
