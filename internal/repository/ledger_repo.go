package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/studyforge/backend/internal/models"
)

const ledgerColumns = `id, account_id, entry_type, amount, balance_before, balance_after,
	status, description, reference_id, reference_type, metadata, input_tokens,
	output_tokens, total_tokens, ai_model, input_cost, output_cost, expires_at,
	original_transaction_id, created_at`

// LedgerRepo is the append-only transaction log. Entries are never mutated
// after insert except the single completed -> reversed status transition.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.AccountID, &e.EntryType, &e.Amount, &e.BalanceBefore,
		&e.BalanceAfter, &e.Status, &e.Description, &e.ReferenceID, &e.ReferenceType,
		&e.Metadata, &e.InputTokens, &e.OutputTokens, &e.TotalTokens, &e.AIModel,
		&e.InputCost, &e.OutputCost, &e.ExpiresAt, &e.OriginalTransactionID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateTx inserts a ledger entry inside the given transaction.
func (r *LedgerRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, account_id, entry_type, amount, balance_before,
			balance_after, status, description, reference_id, reference_type,
			metadata, input_tokens, output_tokens, total_tokens, ai_model,
			input_cost, output_cost, expires_at, original_transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING created_at
	`, e.ID, e.AccountID, e.EntryType, e.Amount, e.BalanceBefore, e.BalanceAfter,
		e.Status, e.Description, e.ReferenceID, e.ReferenceType, e.Metadata,
		e.InputTokens, e.OutputTokens, e.TotalTokens, e.AIModel, e.InputCost,
		e.OutputCost, e.ExpiresAt, e.OriginalTransactionID).Scan(&e.CreatedAt)
}

func (r *LedgerRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	return scanEntry(r.pool.QueryRow(ctx, `
		SELECT `+ledgerColumns+` FROM credit_ledger WHERE id = $1
	`, id))
}

// MarkReversed flips a completed entry to reversed. The WHERE condition makes
// the transition single-shot: a second attempt affects zero rows.
func (r *LedgerRepo) MarkReversed(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE credit_ledger SET status = $2 WHERE id = $1 AND status = $3
	`, id, models.EntryStatusReversed, models.EntryStatusCompleted)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *LedgerRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+ledgerColumns+` FROM credit_ledger
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// ReplayBalance sums the account's settled entries in creation order. Reversed
// entries did complete before being offset, so they stay in the replay; the
// offsetting entry cancels them. For a consistent ledger this reproduces the
// account's available_credits exactly.
func (r *LedgerRepo) ReplayBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM credit_ledger
		WHERE account_id = $1 AND status IN ($2, $3)
	`, accountID, models.EntryStatusCompleted, models.EntryStatusReversed).Scan(&total)
	return total, err
}

// FindByReference returns entries correlated to a business object, newest first.
func (r *LedgerRepo) FindByReference(ctx context.Context, referenceType, referenceID string) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ledgerColumns+` FROM credit_ledger
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at DESC
	`, referenceType, referenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
