package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studyforge/backend/internal/models"
)

const subscriptionColumns = `id, user_id, package_id, external_customer_id,
	external_subscription_id, external_price_id, status, current_period_start,
	current_period_end, trial_start, trial_end, cancel_at_period_end,
	cancellation_reason, canceled_at, ended_at, last_payment_status,
	questions_used, chats_used, file_uploads_used, usage_reset_at,
	created_at, updated_at`

// SubscriptionRepo mirrors the external processor's subscription objects,
// keyed by the processor's subscription id. Records are never hard-deleted.
type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var s models.Subscription
	err := row.Scan(&s.ID, &s.UserID, &s.PackageID, &s.ExternalCustomerID,
		&s.ExternalSubscriptionID, &s.ExternalPriceID, &s.Status,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.TrialStart, &s.TrialEnd,
		&s.CancelAtPeriodEnd, &s.CancellationReason, &s.CanceledAt, &s.EndedAt,
		&s.LastPaymentStatus, &s.QuestionsUsed, &s.ChatsUsed, &s.FileUploadsUsed,
		&s.UsageResetAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertNew materializes a subscription record and reports whether this call
// actually created it. ON CONFLICT DO NOTHING makes duplicate webhook
// deliveries converge: only the delivery that inserted the row gets true.
func (r *SubscriptionRepo) InsertNew(ctx context.Context, s *models.Subscription) (bool, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (id, user_id, package_id, external_customer_id,
			external_subscription_id, external_price_id, status,
			current_period_start, current_period_end, trial_start, trial_end,
			cancel_at_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (external_subscription_id) DO NOTHING
		RETURNING created_at
	`, s.ID, s.UserID, s.PackageID, s.ExternalCustomerID, s.ExternalSubscriptionID,
		s.ExternalPriceID, s.Status, s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.TrialStart, s.TrialEnd, s.CancelAtPeriodEnd).Scan(&s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *SubscriptionRepo) GetByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error) {
	return scanSubscription(r.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE external_subscription_id = $1
	`, externalSubscriptionID))
}

// GetCurrentByUserID returns the user's most recently updated non-terminal
// subscription, or pgx.ErrNoRows.
func (r *SubscriptionRepo) GetCurrentByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return scanSubscription(r.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 AND status NOT IN ($2, $3)
		ORDER BY updated_at DESC LIMIT 1
	`, userID, models.SubStatusCanceled, models.SubStatusIncompleteExpired))
}

// Update writes the mutable reconciliation fields keyed on the external
// subscription id. Usage counters are deliberately not touched here; they
// reset only through ResetUsage.
func (r *SubscriptionRepo) Update(ctx context.Context, s *models.Subscription) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE subscriptions
		SET package_id = $2, external_price_id = $3, status = $4,
		    current_period_start = $5, current_period_end = $6,
		    trial_start = $7, trial_end = $8, cancel_at_period_end = $9,
		    cancellation_reason = $10, canceled_at = $11, ended_at = $12,
		    last_payment_status = $13, updated_at = now()
		WHERE external_subscription_id = $1
	`, s.ExternalSubscriptionID, s.PackageID, s.ExternalPriceID, s.Status,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.TrialStart, s.TrialEnd,
		s.CancelAtPeriodEnd, s.CancellationReason, s.CanceledAt, s.EndedAt,
		s.LastPaymentStatus)
	return err
}

// ResetUsage zeroes the per-cycle counters. Called on renewal or plan change,
// never on a mere status update.
func (r *SubscriptionRepo) ResetUsage(ctx context.Context, externalSubscriptionID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE subscriptions
		SET questions_used = 0, chats_used = 0, file_uploads_used = 0,
		    usage_reset_at = now(), updated_at = now()
		WHERE external_subscription_id = $1
	`, externalSubscriptionID)
	return err
}

// usage counter columns by consumption entry type
var usageColumnFor = map[string]string{
	models.EntryQuestion:         "questions_used",
	models.EntryChatMessage:      "chats_used",
	models.EntryDocumentAnalysis: "file_uploads_used",
}

// RecordUsage bumps the cycle counter matching the consumption type on the
// user's current subscription. A no-op for types without a counter or for
// users with no live subscription.
func (r *SubscriptionRepo) RecordUsage(ctx context.Context, userID uuid.UUID, entryType string) error {
	col, ok := usageColumnFor[entryType]
	if !ok {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE subscriptions
		SET `+col+` = `+col+` + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM subscriptions
			WHERE user_id = $1 AND status NOT IN ($2, $3)
			ORDER BY updated_at DESC LIMIT 1
		)
	`, userID, models.SubStatusCanceled, models.SubStatusIncompleteExpired)
	return err
}
