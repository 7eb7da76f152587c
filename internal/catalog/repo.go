// Package catalog reads the subscription-package and per-model pricing tables.
// Both are external configuration maintained by the out-of-scope admin UI;
// this core consumes them read-only and re-reads them on every decision rather
// than caching values across calls.
package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studyforge/backend/internal/models"
)

// ErrPackageNotFound is returned when a package id or external price id has no
// catalog row.
var ErrPackageNotFound = errors.New("package not found")

type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

const packageColumns = `id, name, external_price_id, price_cents, credits_per_cycle,
	credit_multiplier, trial_days, created_at`

func scanPackage(row pgx.Row) (*models.Package, error) {
	var p models.Package
	err := row.Scan(&p.ID, &p.Name, &p.ExternalPriceID, &p.PriceCents,
		&p.CreditsPerCycle, &p.CreditMultiplier, &p.TrialDays, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPackageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repo) Package(ctx context.Context, id uuid.UUID) (*models.Package, error) {
	return scanPackage(r.pool.QueryRow(ctx, `
		SELECT `+packageColumns+` FROM billing_packages WHERE id = $1
	`, id))
}

func (r *Repo) PackageByExternalPriceID(ctx context.Context, priceID string) (*models.Package, error) {
	return scanPackage(r.pool.QueryRow(ctx, `
		SELECT `+packageColumns+` FROM billing_packages WHERE external_price_id = $1
	`, priceID))
}

// ModelPricing returns the pricing row for the model, falling back first to
// the "default" row and finally to the built-in defaults. Lookup failures
// degrade rather than abort: cost estimation never hard-fails a request.
func (r *Repo) ModelPricing(ctx context.Context, modelName string) (*models.ModelPricing, error) {
	for _, name := range []string{modelName, models.DefaultPricingModel} {
		var p models.ModelPricing
		err := r.pool.QueryRow(ctx, `
			SELECT model_name, input_cost_per_1k, output_cost_per_1k, minimum_credits, model_multiplier
			FROM model_pricing WHERE model_name = $1
		`, name).Scan(&p.ModelName, &p.InputCostPer1kTokens, &p.OutputCostPer1kTokens,
			&p.MinimumCredits, &p.ModelMultiplier)
		if err == nil {
			return &p, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}
	return nil, pgx.ErrNoRows
}
