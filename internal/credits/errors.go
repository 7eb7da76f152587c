package credits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrDeductionRaceLost is returned when the balance looked sufficient but a
// concurrent consumer won the conditional deduct. The caller may retry.
var ErrDeductionRaceLost = errors.New("credit deduction lost a concurrent race, retry")

// ErrNegativeBalance rejects any adjustment or reversal that would take the
// available balance below zero. No mutation happens.
var ErrNegativeBalance = errors.New("operation would make balance negative")

// ErrAlreadyReversed rejects a second reversal of the same ledger entry.
var ErrAlreadyReversed = errors.New("ledger entry already reversed")

// ErrNotReversible rejects reversal of entries that never completed.
var ErrNotReversible = errors.New("only completed ledger entries can be reversed")

// InsufficientCreditsError is the structured, user-facing failure for a
// consumption request the balance cannot cover. Nothing was mutated.
type InsufficientCreditsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %s, available %s", e.Required, e.Available)
}
