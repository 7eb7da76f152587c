package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/studyforge/backend/internal/models"
)

const accountColumns = `user_id, available_credits, expiring_credits, purchased_credits,
	total_allocated, total_consumed, credits_expire_at, low_credit_threshold,
	low_credit_notified, last_reset_at, created_at, updated_at`

// AccountRepo owns the per-user credit_accounts row, the only hot-contended
// resource in the billing core. Every balance mutation here is a single
// atomic SQL statement.
type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func scanAccount(row pgx.Row) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := row.Scan(&a.UserID, &a.AvailableCredits, &a.ExpiringCredits, &a.PurchasedCredits,
		&a.TotalAllocated, &a.TotalConsumed, &a.CreditsExpireAt, &a.LowCreditThreshold,
		&a.LowCreditNotified, &a.LastResetAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindOrCreate lazily materializes the account row with zeroed balances.
// Idempotent: concurrent callers converge on the same row.
func (r *AccountRepo) FindOrCreate(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		INSERT INTO credit_accounts (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING `+accountColumns, userID))
}

// Deduct atomically decrements available_credits and increments total_consumed,
// but only when the current balance covers the amount. Returns pgx.ErrNoRows
// when the condition fails; the caller decides whether that is an insufficient
// balance or a lost race. The expiring pool is clamped so it never exceeds the
// remaining available balance (expiring credits are spent first).
func (r *AccountRepo) Deduct(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (newBalance decimal.Decimal, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET available_credits = available_credits - $1,
		    expiring_credits = LEAST(expiring_credits, available_credits - $1),
		    total_consumed = total_consumed + $1,
		    updated_at = now()
		WHERE user_id = $2 AND available_credits >= $1
		RETURNING available_credits
	`, amount, userID).Scan(&newBalance)
	return newBalance, err
}

// Allocate increments the available balance, the lifetime allocation counter,
// and the appropriate sub-pool. Allocations are commutative adds and need no
// balance condition. When isExpiring, expiresAt (if non-nil) replaces
// credits_expire_at for the new cycle.
func (r *AccountRepo) Allocate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, isExpiring bool, expiresAt *time.Time) (decimal.Decimal, error) {
	var newBalance decimal.Decimal
	var err error
	if isExpiring {
		err = tx.QueryRow(ctx, `
			UPDATE credit_accounts
			SET available_credits = available_credits + $1,
			    expiring_credits = expiring_credits + $1,
			    total_allocated = total_allocated + $1,
			    credits_expire_at = COALESCE($3, credits_expire_at),
			    updated_at = now()
			WHERE user_id = $2
			RETURNING available_credits
		`, amount, userID, expiresAt).Scan(&newBalance)
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE credit_accounts
			SET available_credits = available_credits + $1,
			    purchased_credits = purchased_credits + $1,
			    total_allocated = total_allocated + $1,
			    updated_at = now()
			WHERE user_id = $2
			RETURNING available_credits
		`, amount, userID).Scan(&newBalance)
	}
	return newBalance, err
}

// ResetExpiringCredits forfeits the unspent expiring pool: subtracts it from
// available_credits (floored at 0), zeroes the pool, stamps last_reset_at and
// clears the low-credit notification flag. Returns the forfeited amount and
// the balance after the reset.
func (r *AccountRepo) ResetExpiringCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (expired, newBalance decimal.Decimal, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts a
		SET available_credits = GREATEST(a.available_credits - old.expiring, 0),
		    expiring_credits = 0,
		    credits_expire_at = NULL,
		    last_reset_at = now(),
		    low_credit_notified = FALSE,
		    updated_at = now()
		FROM (
			SELECT user_id, expiring_credits AS expiring
			FROM credit_accounts WHERE user_id = $1 FOR UPDATE
		) old
		WHERE a.user_id = old.user_id
		RETURNING old.expiring, a.available_credits
	`, userID).Scan(&expired, &newBalance)
	return expired, newBalance, err
}

func (r *AccountRepo) MarkLowCreditNotified(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE credit_accounts SET low_credit_notified = TRUE, updated_at = now() WHERE user_id = $1
	`, userID)
	return err
}

// SetLowCreditThreshold updates the notification threshold and re-arms the
// notification flag.
func (r *AccountRepo) SetLowCreditThreshold(ctx context.Context, userID uuid.UUID, threshold int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE credit_accounts
		SET low_credit_threshold = $2, low_credit_notified = FALSE, updated_at = now()
		WHERE user_id = $1
	`, userID, threshold)
	return err
}
