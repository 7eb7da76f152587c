package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger entry_type enums. Positive-amount (allocation) kinds first, then
// negative-amount (consumption) kinds, then system kinds.
const (
	EntrySubscriptionGrant = "subscription_grant"
	EntryRenewal           = "renewal"
	EntryTopUp             = "topup"
	EntryPromo             = "promo"
	EntryRefund            = "refund"
	EntryAdminAdjustment   = "admin_adjustment"
	EntrySignupBonus       = "signup_bonus"
	EntryReferral          = "referral"

	EntryQuestion         = "question"
	EntryChatMessage      = "chat_message"
	EntryDocumentAnalysis = "document_analysis"
	EntryImageGeneration  = "image_generation"
	EntryPremiumSurcharge = "premium_surcharge"
	EntryFeature          = "feature"

	EntryExpiration   = "expiration"
	EntryDowngrade    = "downgrade"
	EntryCancellation = "cancellation"
	EntryReversal     = "reversal"
)

// Ledger entry statuses. The only permitted transition after creation is
// completed -> reversed.
const (
	EntryStatusPending   = "pending"
	EntryStatusCompleted = "completed"
	EntryStatusFailed    = "failed"
	EntryStatusReversed  = "reversed"
)

// LedgerEntry is one immutable, append-only record of a balance-affecting
// event. Amount is signed: positive credits the account, negative debits it.
// Invariant: BalanceAfter = BalanceBefore + Amount, and replaying entries in
// creation order reproduces the account's available balance.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id"`
	AccountID     uuid.UUID       `json:"account_id"`
	EntryType     string          `json:"entry_type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Status        string          `json:"status"`
	Description   string          `json:"description"`
	ReferenceID   *string         `json:"reference_id,omitempty"`
	ReferenceType *string         `json:"reference_type,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`

	// Token-usage fields, set when the entry originated from metered AI usage.
	InputTokens  *int             `json:"input_tokens,omitempty"`
	OutputTokens *int             `json:"output_tokens,omitempty"`
	TotalTokens  *int             `json:"total_tokens,omitempty"`
	AIModel      *string          `json:"ai_model,omitempty"`
	InputCost    *decimal.Decimal `json:"input_cost,omitempty"`
	OutputCost   *decimal.Decimal `json:"output_cost,omitempty"`

	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	OriginalTransactionID *uuid.UUID `json:"original_transaction_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// TokenUsage is the metered-usage input attached to a consumption request.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
