package credits

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Domain event names consumed by the out-of-scope notification system.
const (
	EventConsumed             = "credits.consumed"
	EventAllocated            = "credits.allocated"
	EventInsufficient         = "credits.insufficient"
	EventLow                  = "credits.low"
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionCanceled = "subscription.canceled"
)

// Event is an advisory fan-out message. Consumption and allocation correctness
// never depends on a listener observing it.
type Event struct {
	Name       string         `json:"name"`
	UserID     uuid.UUID      `json:"user_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Publisher delivers domain events. Publish failures are logged by callers,
// never surfaced to the user-facing operation.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards events. Useful in tests and when no notification
// backend is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
