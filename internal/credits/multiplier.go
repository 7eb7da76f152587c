package credits

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/studyforge/backend/internal/catalog"
	"github.com/studyforge/backend/internal/models"
)

// SubscriptionSource resolves a user's current subscription.
type SubscriptionSource interface {
	GetCurrentByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
}

// PackageSource resolves catalog packages.
type PackageSource interface {
	Package(ctx context.Context, id uuid.UUID) (*models.Package, error)
}

// TierMultiplier derives the user's pricing multiplier from their current
// subscription package. It re-reads the catalog on every call; no caching of
// stale tier data across requests. Any gap (no subscription, deleted package)
// degrades to 1.0.
type TierMultiplier struct {
	Subs     SubscriptionSource
	Packages PackageSource
}

func (m *TierMultiplier) UserMultiplier(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	if m == nil || m.Subs == nil {
		return one, nil
	}
	sub, err := m.Subs.GetCurrentByUserID(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return one, nil
	}
	if err != nil {
		return one, err
	}
	if sub.PackageID == nil {
		return one, nil
	}
	pkg, err := m.Packages.Package(ctx, *sub.PackageID)
	if errors.Is(err, catalog.ErrPackageNotFound) {
		return one, nil
	}
	if err != nil {
		return one, err
	}
	if pkg.CreditMultiplier.IsZero() {
		return one, nil
	}
	return pkg.CreditMultiplier, nil
}
