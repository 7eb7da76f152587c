package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreditAccount is the aggregate balance record for one user. It is created
// lazily on first balance query or mutation and never deleted. All balance
// mutations go through AccountRepo's atomic operations.
type CreditAccount struct {
	UserID             uuid.UUID       `json:"user_id"`
	AvailableCredits   decimal.Decimal `json:"available_credits"`
	ExpiringCredits    decimal.Decimal `json:"expiring_credits"`
	PurchasedCredits   decimal.Decimal `json:"purchased_credits"`
	TotalAllocated     decimal.Decimal `json:"total_allocated"`
	TotalConsumed      decimal.Decimal `json:"total_consumed"`
	CreditsExpireAt    *time.Time      `json:"credits_expire_at,omitempty"`
	LowCreditThreshold int             `json:"low_credit_threshold"`
	LowCreditNotified  bool            `json:"low_credit_notified"`
	LastResetAt        *time.Time      `json:"last_reset_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// IsLowOnCredits reports whether the available balance is at or below the
// configured low-credit threshold.
func (a *CreditAccount) IsLowOnCredits() bool {
	return a.AvailableCredits.LessThanOrEqual(decimal.NewFromInt(int64(a.LowCreditThreshold)))
}
