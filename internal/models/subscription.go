package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription statuses mirror the external payment processor's state machine:
// incomplete -> {trialing, active} -> {past_due, unpaid} -> canceled,
// incomplete -> incomplete_expired (abandoned checkout), active <-> paused.
// Transitions are driven only by processor events, never invented locally.
const (
	SubStatusIncomplete        = "incomplete"
	SubStatusIncompleteExpired = "incomplete_expired"
	SubStatusTrialing          = "trialing"
	SubStatusActive            = "active"
	SubStatusPastDue           = "past_due"
	SubStatusUnpaid            = "unpaid"
	SubStatusCanceled          = "canceled"
	SubStatusPaused            = "paused"
)

// Last-payment status flags maintained from invoice events.
const (
	PaymentStatusPaid   = "paid"
	PaymentStatusFailed = "failed"
)

// IsTerminalSubStatus reports whether the status admits no further transitions.
func IsTerminalSubStatus(status string) bool {
	return status == SubStatusCanceled || status == SubStatusIncompleteExpired
}

// Subscription is the local mirror of the external processor's subscription
// object, keyed on the processor's subscription id. Cancellation is a status,
// never a delete.
type Subscription struct {
	ID                     uuid.UUID  `json:"id"`
	UserID                 uuid.UUID  `json:"user_id"`
	PackageID              *uuid.UUID `json:"package_id,omitempty"`
	ExternalCustomerID     string     `json:"external_customer_id"`
	ExternalSubscriptionID string     `json:"external_subscription_id"`
	ExternalPriceID        string     `json:"external_price_id"`
	Status                 string     `json:"status"`
	CurrentPeriodStart     *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	TrialStart             *time.Time `json:"trial_start,omitempty"`
	TrialEnd               *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	CancellationReason     *string    `json:"cancellation_reason,omitempty"`
	CanceledAt             *time.Time `json:"canceled_at,omitempty"`
	EndedAt                *time.Time `json:"ended_at,omitempty"`
	LastPaymentStatus      *string    `json:"last_payment_status,omitempty"`

	// Per-cycle usage counters; reset to 0 on renewal or plan change,
	// never on a mere status update.
	QuestionsUsed   int        `json:"questions_used"`
	ChatsUsed       int        `json:"chats_used"`
	FileUploadsUsed int        `json:"file_uploads_used"`
	UsageResetAt    *time.Time `json:"usage_reset_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
