package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/studyforge/backend/internal/models"
	"github.com/studyforge/backend/internal/pricing"
	"github.com/studyforge/backend/internal/repository"
)

// AccountStore is the minimal account storage interface the service needs.
// Deduct must be a single atomic conditional operation and return
// pgx.ErrNoRows when the balance condition fails.
type AccountStore interface {
	FindOrCreate(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error)
	Deduct(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
	Allocate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, isExpiring bool, expiresAt *time.Time) (decimal.Decimal, error)
	ResetExpiringCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (expired, newBalance decimal.Decimal, err error)
	MarkLowCreditNotified(ctx context.Context, userID uuid.UUID) error
	SetLowCreditThreshold(ctx context.Context, userID uuid.UUID, threshold int) error
}

// LedgerStore is the minimal append-only ledger interface.
type LedgerStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
	MarkReversed(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
	ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	ReplayBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
	FindByReference(ctx context.Context, referenceType, referenceID string) ([]*models.LedgerEntry, error)
}

// PricingSource resolves per-model pricing, re-read on every call.
type PricingSource interface {
	ModelPricing(ctx context.Context, modelName string) (*models.ModelPricing, error)
}

// MultiplierSource resolves the user's subscription-tier multiplier.
type MultiplierSource interface {
	UserMultiplier(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
}

// UsageRecorder bumps per-cycle subscription usage counters. Best-effort:
// failures are logged and never fail the consumption.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, userID uuid.UUID, entryType string) error
}

// legacyFixedCost is the pre-token-metering cost table, kept for callers that
// do not report token usage. The token path takes precedence when token data
// is supplied.
var legacyFixedCost = map[string]int64{
	models.EntryQuestion:         1,
	models.EntryChatMessage:      1,
	models.EntryDocumentAnalysis: 5,
	models.EntryImageGeneration:  10,
	models.EntryPremiumSurcharge: 2,
	models.EntryFeature:          1,
}

// Service orchestrates consumption, allocation, reversal and admin
// adjustments over the account and ledger stores.
type Service struct {
	accounts   AccountStore
	ledger     LedgerStore
	pricingSrc PricingSource
	multiplier MultiplierSource
	usage      UsageRecorder
	tx         repository.TxRunner
	pub        Publisher
	log        *slog.Logger
}

// NewService wires the credit service. multiplier, usage and pub may be nil;
// nil values degrade to multiplier 1.0, no usage counting, and no events.
func NewService(accounts AccountStore, ledger LedgerStore, pricingSrc PricingSource, multiplier MultiplierSource, usage UsageRecorder, tx repository.TxRunner, pub Publisher, log *slog.Logger) *Service {
	if pub == nil {
		pub = NopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		accounts:   accounts,
		ledger:     ledger,
		pricingSrc: pricingSrc,
		multiplier: multiplier,
		usage:      usage,
		tx:         tx,
		pub:        pub,
		log:        log,
	}
}

// ConsumeInput describes one metered operation to charge for. TokenUsage plus
// ModelName selects the token pricing path; FixedAmount selects the legacy
// amount path; with neither, the legacy per-type cost table applies.
type ConsumeInput struct {
	UserID        uuid.UUID
	EntryType     string
	TokenUsage    *models.TokenUsage
	ModelName     string
	FixedAmount   *decimal.Decimal
	Description   string
	ReferenceID   *string
	ReferenceType *string
	Metadata      map[string]any
}

// ConsumeResult is the successful outcome of a consumption.
type ConsumeResult struct {
	Entry            *models.LedgerEntry
	RemainingBalance decimal.Decimal
	Breakdown        *pricing.CostBreakdown
}

// Consume charges the user for one operation. The deduction is a single
// atomic conditional update; on a lost race it returns ErrDeductionRaceLost
// rather than silently succeeding, and on an insufficient balance it returns
// a structured InsufficientCreditsError with no mutation.
func (s *Service) Consume(ctx context.Context, in ConsumeInput) (*ConsumeResult, error) {
	amount, breakdown := s.price(ctx, in)
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("consume amount must be positive, got %s", amount)
	}

	acc, err := s.accounts.FindOrCreate(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acc.AvailableCredits.LessThan(amount) {
		s.publish(ctx, Event{
			Name:       EventInsufficient,
			UserID:     in.UserID,
			OccurredAt: time.Now().UTC(),
			Payload: map[string]any{
				"required":   amount.String(),
				"available":  acc.AvailableCredits.String(),
				"entry_type": in.EntryType,
			},
		})
		return nil, &InsufficientCreditsError{Required: amount, Available: acc.AvailableCredits}
	}

	entry := &models.LedgerEntry{
		ID:            uuid.New(),
		AccountID:     in.UserID,
		EntryType:     in.EntryType,
		Amount:        amount.Neg(),
		Status:        models.EntryStatusCompleted,
		Description:   in.Description,
		ReferenceID:   in.ReferenceID,
		ReferenceType: in.ReferenceType,
		Metadata:      in.Metadata,
	}
	if in.TokenUsage != nil && breakdown != nil {
		total := in.TokenUsage.TotalTokens
		if total == 0 {
			total = in.TokenUsage.InputTokens + in.TokenUsage.OutputTokens
		}
		entry.InputTokens = &in.TokenUsage.InputTokens
		entry.OutputTokens = &in.TokenUsage.OutputTokens
		entry.TotalTokens = &total
		entry.AIModel = &in.ModelName
		entry.InputCost = &breakdown.InputCost
		entry.OutputCost = &breakdown.OutputCost
	}

	var newBalance decimal.Decimal
	err = s.tx.InTx(ctx, func(tx pgx.Tx) error {
		newBalance, err = s.accounts.Deduct(ctx, tx, in.UserID, amount)
		if errors.Is(err, pgx.ErrNoRows) {
			// Balance looked sufficient a moment ago: a concurrent
			// consumer won the conditional update.
			return ErrDeductionRaceLost
		}
		if err != nil {
			return fmt.Errorf("deduct: %w", err)
		}
		entry.BalanceAfter = newBalance
		entry.BalanceBefore = newBalance.Add(amount)
		return s.ledger.CreateTx(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	if s.usage != nil {
		if uerr := s.usage.RecordUsage(ctx, in.UserID, in.EntryType); uerr != nil {
			s.log.Warn("usage counter update failed", "user_id", in.UserID, "error", uerr)
		}
	}
	s.maybeNotifyLowBalance(ctx, acc, newBalance)
	s.publish(ctx, Event{
		Name:       EventConsumed,
		UserID:     in.UserID,
		OccurredAt: time.Now().UTC(),
		Payload: map[string]any{
			"transaction_id": entry.ID.String(),
			"entry_type":     in.EntryType,
			"amount":         amount.String(),
			"balance":        newBalance.String(),
		},
	})

	return &ConsumeResult{Entry: entry, RemainingBalance: newBalance, Breakdown: breakdown}, nil
}

// price picks the charge amount. Token path takes precedence; pricing and
// multiplier lookup failures degrade to defaults rather than aborting.
func (s *Service) price(ctx context.Context, in ConsumeInput) (decimal.Decimal, *pricing.CostBreakdown) {
	if in.TokenUsage != nil {
		p, err := s.pricingSrc.ModelPricing(ctx, in.ModelName)
		if err != nil {
			s.log.Warn("model pricing lookup failed, using defaults", "model", in.ModelName, "error", err)
			p = pricing.DefaultPricing()
		}
		mult := decimal.NewFromInt(1)
		if s.multiplier != nil {
			if m, merr := s.multiplier.UserMultiplier(ctx, in.UserID); merr != nil {
				s.log.Warn("tier multiplier lookup failed, using 1.0", "user_id", in.UserID, "error", merr)
			} else {
				mult = m
			}
		}
		b := pricing.Cost(*in.TokenUsage, p, mult)
		return b.TotalCredits, &b
	}
	if in.FixedAmount != nil {
		return *in.FixedAmount, nil
	}
	if c, ok := legacyFixedCost[in.EntryType]; ok {
		return decimal.NewFromInt(c), nil
	}
	return decimal.NewFromInt(1), nil
}

func (s *Service) maybeNotifyLowBalance(ctx context.Context, acc *models.CreditAccount, newBalance decimal.Decimal) {
	// A zero threshold still notifies when the balance hits zero, matching
	// CreditAccount.IsLowOnCredits.
	threshold := decimal.NewFromInt(int64(acc.LowCreditThreshold))
	if acc.LowCreditNotified || newBalance.GreaterThan(threshold) {
		return
	}
	if err := s.accounts.MarkLowCreditNotified(ctx, acc.UserID); err != nil {
		s.log.Warn("mark low-credit notified failed", "user_id", acc.UserID, "error", err)
		return
	}
	s.publish(ctx, Event{
		Name:       EventLow,
		UserID:     acc.UserID,
		OccurredAt: time.Now().UTC(),
		Payload: map[string]any{
			"balance":   newBalance.String(),
			"threshold": threshold.String(),
		},
	})
}

// AllocationInput describes a credit grant.
type AllocationInput struct {
	UserID        uuid.UUID
	Amount        decimal.Decimal
	EntryType     string
	Description   string
	ReferenceID   *string
	ReferenceType *string
	ExpiresAt     *time.Time
	IsExpiring    bool
}

// Allocate grants credits to the user and records a completed ledger entry.
func (s *Service) Allocate(ctx context.Context, in AllocationInput) (*models.LedgerEntry, error) {
	if in.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("allocation amount must be positive, got %s", in.Amount)
	}
	if _, err := s.accounts.FindOrCreate(ctx, in.UserID); err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	entry := &models.LedgerEntry{
		ID:            uuid.New(),
		AccountID:     in.UserID,
		EntryType:     in.EntryType,
		Amount:        in.Amount,
		Status:        models.EntryStatusCompleted,
		Description:   in.Description,
		ReferenceID:   in.ReferenceID,
		ReferenceType: in.ReferenceType,
		ExpiresAt:     in.ExpiresAt,
	}
	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		newBalance, err := s.accounts.Allocate(ctx, tx, in.UserID, in.Amount, in.IsExpiring, in.ExpiresAt)
		if err != nil {
			return fmt.Errorf("allocate: %w", err)
		}
		entry.BalanceAfter = newBalance
		entry.BalanceBefore = newBalance.Sub(in.Amount)
		return s.ledger.CreateTx(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, Event{
		Name:       EventAllocated,
		UserID:     in.UserID,
		OccurredAt: time.Now().UTC(),
		Payload: map[string]any{
			"transaction_id": entry.ID.String(),
			"entry_type":     in.EntryType,
			"amount":         in.Amount.String(),
			"balance":        entry.BalanceAfter.String(),
		},
	})
	return entry, nil
}

// AllocateSubscriptionCredits grants a billing cycle's credits. Any unspent
// expiring credits from the previous cycle are forfeited first with their own
// EXPIRATION ledger entry; the new grant is a second, independent entry tied
// to the new period end. The two are never merged.
func (s *Service) AllocateSubscriptionCredits(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, entryType, externalSubscriptionID string, periodEnd *time.Time) ([]*models.LedgerEntry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("subscription grant must be positive, got %s", amount)
	}
	if _, err := s.accounts.FindOrCreate(ctx, userID); err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	refType := "subscription"
	var entries []*models.LedgerEntry
	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		entries = entries[:0]
		expired, balanceAfterReset, err := s.accounts.ResetExpiringCredits(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("reset expiring credits: %w", err)
		}
		if expired.GreaterThan(decimal.Zero) {
			exp := &models.LedgerEntry{
				ID:            uuid.New(),
				AccountID:     userID,
				EntryType:     models.EntryExpiration,
				Amount:        expired.Neg(),
				BalanceBefore: balanceAfterReset.Add(expired),
				BalanceAfter:  balanceAfterReset,
				Status:        models.EntryStatusCompleted,
				Description:   "unused cycle credits expired",
				ReferenceID:   &externalSubscriptionID,
				ReferenceType: &refType,
			}
			if err := s.ledger.CreateTx(ctx, tx, exp); err != nil {
				return err
			}
			entries = append(entries, exp)
		}

		newBalance, err := s.accounts.Allocate(ctx, tx, userID, amount, true, periodEnd)
		if err != nil {
			return fmt.Errorf("allocate: %w", err)
		}
		grant := &models.LedgerEntry{
			ID:            uuid.New(),
			AccountID:     userID,
			EntryType:     entryType,
			Amount:        amount,
			BalanceBefore: newBalance.Sub(amount),
			BalanceAfter:  newBalance,
			Status:        models.EntryStatusCompleted,
			Description:   "subscription cycle credits",
			ReferenceID:   &externalSubscriptionID,
			ReferenceType: &refType,
			ExpiresAt:     periodEnd,
		}
		if err := s.ledger.CreateTx(ctx, tx, grant); err != nil {
			return err
		}
		entries = append(entries, grant)
		return nil
	})
	if err != nil {
		return nil, err
	}

	grant := entries[len(entries)-1]
	s.publish(ctx, Event{
		Name:       EventAllocated,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Payload: map[string]any{
			"transaction_id": grant.ID.String(),
			"entry_type":     entryType,
			"amount":         amount.String(),
			"balance":        grant.BalanceAfter.String(),
		},
	})
	return entries, nil
}

// AdminAdjust applies a signed manual adjustment bypassing pricing. Negative
// adjustments that would overdraw the balance are rejected with no mutation.
// The acting administrator and reason are always recorded on the entry.
func (s *Service) AdminAdjust(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reason string, actorID uuid.UUID) (*models.LedgerEntry, error) {
	if amount.IsZero() {
		return nil, errors.New("adjustment amount must be non-zero")
	}
	if reason == "" {
		return nil, errors.New("adjustment reason is required")
	}
	if _, err := s.accounts.FindOrCreate(ctx, userID); err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	actor := actorID.String()
	refType := "admin_actor"
	entry := &models.LedgerEntry{
		ID:            uuid.New(),
		AccountID:     userID,
		EntryType:     models.EntryAdminAdjustment,
		Amount:        amount,
		Status:        models.EntryStatusCompleted,
		Description:   reason,
		ReferenceID:   &actor,
		ReferenceType: &refType,
	}
	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		var newBalance decimal.Decimal
		var err error
		if amount.IsPositive() {
			// Manual grants land in the non-expiring pool.
			newBalance, err = s.accounts.Allocate(ctx, tx, userID, amount, false, nil)
		} else {
			newBalance, err = s.accounts.Deduct(ctx, tx, userID, amount.Neg())
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNegativeBalance
			}
		}
		if err != nil {
			return fmt.Errorf("adjust balance: %w", err)
		}
		entry.BalanceAfter = newBalance
		entry.BalanceBefore = newBalance.Sub(amount)
		return s.ledger.CreateTx(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Reverse cancels a completed entry's effect: the original transitions to
// reversed and a new offsetting entry is inserted pointing back at it.
// Reversals of debits restore credits to the non-expiring pool.
func (s *Service) Reverse(ctx context.Context, entryID uuid.UUID, description string) (*models.LedgerEntry, error) {
	orig, err := s.ledger.GetByID(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("load entry: %w", err)
	}
	switch orig.Status {
	case models.EntryStatusReversed:
		return nil, ErrAlreadyReversed
	case models.EntryStatusCompleted:
	default:
		return nil, ErrNotReversible
	}

	offset := &models.LedgerEntry{
		ID:                    uuid.New(),
		AccountID:             orig.AccountID,
		EntryType:             models.EntryReversal,
		Amount:                orig.Amount.Neg(),
		Status:                models.EntryStatusCompleted,
		Description:           description,
		OriginalTransactionID: &orig.ID,
	}
	err = s.tx.InTx(ctx, func(tx pgx.Tx) error {
		ok, err := s.ledger.MarkReversed(ctx, tx, orig.ID)
		if err != nil {
			return fmt.Errorf("mark reversed: %w", err)
		}
		if !ok {
			return ErrAlreadyReversed
		}

		var newBalance decimal.Decimal
		if orig.Amount.IsNegative() {
			newBalance, err = s.accounts.Allocate(ctx, tx, orig.AccountID, orig.Amount.Neg(), false, nil)
		} else {
			newBalance, err = s.accounts.Deduct(ctx, tx, orig.AccountID, orig.Amount)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNegativeBalance
			}
		}
		if err != nil {
			return fmt.Errorf("offset balance: %w", err)
		}
		offset.BalanceAfter = newBalance
		offset.BalanceBefore = newBalance.Sub(offset.Amount)
		return s.ledger.CreateTx(ctx, tx, offset)
	})
	if err != nil {
		return nil, err
	}
	return offset, nil
}

// Estimate pre-authorizes an operation type: conservative token averages run
// through the exact consumption cost formula.
func (s *Service) Estimate(ctx context.Context, userID uuid.UUID, operationType, modelName string) (pricing.CostBreakdown, error) {
	p, err := s.pricingSrc.ModelPricing(ctx, modelName)
	if err != nil {
		s.log.Warn("model pricing lookup failed, using defaults", "model", modelName, "error", err)
		p = pricing.DefaultPricing()
	}
	mult := decimal.NewFromInt(1)
	if s.multiplier != nil {
		if m, merr := s.multiplier.UserMultiplier(ctx, userID); merr == nil {
			mult = m
		}
	}
	return pricing.Estimate(operationType, p, mult), nil
}

// Balance returns the user's balance snapshot, creating the account lazily.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error) {
	return s.accounts.FindOrCreate(ctx, userID)
}

// SetLowCreditThreshold updates the user's notification threshold and re-arms
// the low-credit notification.
func (s *Service) SetLowCreditThreshold(ctx context.Context, userID uuid.UUID, threshold int) error {
	if threshold < 0 {
		return errors.New("threshold must be non-negative")
	}
	if _, err := s.accounts.FindOrCreate(ctx, userID); err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	return s.accounts.SetLowCreditThreshold(ctx, userID, threshold)
}

// Ledger returns the user's most recent ledger entries.
func (s *Service) Ledger(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	return s.ledger.ListByAccountID(ctx, userID, limit)
}

// EntriesByReference returns the entries correlated to a business object, for
// support investigations (e.g. every grant tied to one subscription).
func (s *Service) EntriesByReference(ctx context.Context, referenceType, referenceID string) ([]*models.LedgerEntry, error) {
	return s.ledger.FindByReference(ctx, referenceType, referenceID)
}

// BalanceAudit is the result of replaying a user's ledger against the stored
// aggregate balance.
type BalanceAudit struct {
	UserID     uuid.UUID       `json:"user_id"`
	Stored     decimal.Decimal `json:"stored_balance"`
	Replayed   decimal.Decimal `json:"replayed_balance"`
	Consistent bool            `json:"consistent"`
}

// AuditBalance replays the full ledger and compares it against the stored
// balance. A mismatch means an aggregate drifted from the entries and needs
// operator attention.
func (s *Service) AuditBalance(ctx context.Context, userID uuid.UUID) (*BalanceAudit, error) {
	acc, err := s.accounts.FindOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	replayed, err := s.ledger.ReplayBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("replay ledger: %w", err)
	}
	return &BalanceAudit{
		UserID:     userID,
		Stored:     acc.AvailableCredits,
		Replayed:   replayed,
		Consistent: acc.AvailableCredits.Equal(replayed),
	}, nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Warn("event publish failed", "event", ev.Name, "user_id", ev.UserID, "error", err)
	}
}
