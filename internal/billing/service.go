package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/studyforge/backend/internal/catalog"
	"github.com/studyforge/backend/internal/credits"
	"github.com/studyforge/backend/internal/models"
)

// ErrSubscriptionNotFound is returned when an operation needs a subscription
// record that was never materialized.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// SubscriptionStore is the minimal subscription-mirror interface.
type SubscriptionStore interface {
	InsertNew(ctx context.Context, s *models.Subscription) (bool, error)
	GetByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error)
	Update(ctx context.Context, s *models.Subscription) error
	ResetUsage(ctx context.Context, externalSubscriptionID string) error
}

// CreditAllocator grants cycle credits; implemented by the credit service.
type CreditAllocator interface {
	AllocateSubscriptionCredits(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, entryType, externalSubscriptionID string, periodEnd *time.Time) ([]*models.LedgerEntry, error)
}

// PackageCatalog resolves packages; re-read on every event, never cached.
type PackageCatalog interface {
	Package(ctx context.Context, id uuid.UUID) (*models.Package, error)
	PackageByExternalPriceID(ctx context.Context, priceID string) (*models.Package, error)
}

// Service reconciles processor webhook events into the local subscription
// mirror and triggers credit allocation on checkout, renewal and plan change.
// Every handler is idempotent on the external subscription id: re-delivering
// an event converges to the same state.
type Service struct {
	subs    SubscriptionStore
	credits CreditAllocator
	catalog PackageCatalog
	pub     credits.Publisher
	log     *slog.Logger
}

func NewService(subs SubscriptionStore, creditSvc CreditAllocator, cat PackageCatalog, pub credits.Publisher, log *slog.Logger) *Service {
	if pub == nil {
		pub = credits.NopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{subs: subs, credits: creditSvc, catalog: cat, pub: pub, log: log}
}

// Process dispatches one verified event. Unknown event types are logged and
// acknowledged; a failure in one event type never blocks the others.
func (s *Service) Process(ctx context.Context, eventType string, object json.RawMessage) error {
	switch eventType {
	case EventCheckoutCompleted:
		var o checkoutSessionObject
		if err := json.Unmarshal(object, &o); err != nil {
			return fmt.Errorf("malformed checkout session: %w", err)
		}
		return s.handleCheckoutCompleted(ctx, &o)
	case EventSubscriptionUpdated:
		var o subscriptionObject
		if err := json.Unmarshal(object, &o); err != nil {
			return fmt.Errorf("malformed subscription: %w", err)
		}
		return s.handleSubscriptionUpdated(ctx, &o)
	case EventSubscriptionDeleted:
		var o subscriptionObject
		if err := json.Unmarshal(object, &o); err != nil {
			return fmt.Errorf("malformed subscription: %w", err)
		}
		return s.handleSubscriptionDeleted(ctx, &o)
	case EventInvoicePaid, EventInvoicePaymentFailed:
		var o invoiceObject
		if err := json.Unmarshal(object, &o); err != nil {
			return fmt.Errorf("malformed invoice: %w", err)
		}
		return s.handleInvoice(ctx, eventType, &o)
	default:
		s.log.Info("ignoring unhandled webhook event type", "type", eventType)
		return nil
	}
}

// handleCheckoutCompleted materializes the subscription record. Only the
// delivery that actually inserts the row triggers the first cycle's grant, so
// duplicate deliveries allocate exactly once.
func (s *Service) handleCheckoutCompleted(ctx context.Context, o *checkoutSessionObject) error {
	if o.Subscription == "" {
		s.log.Info("checkout session without subscription, ignoring", "session", o.ID)
		return nil
	}
	userID, err := uuid.Parse(o.Metadata["user_id"])
	if err != nil {
		return fmt.Errorf("checkout session %s: bad user_id metadata: %w", o.ID, err)
	}

	var pkg *models.Package
	var packageID *uuid.UUID
	if pid, perr := uuid.Parse(o.Metadata["package_id"]); perr == nil {
		pkg, err = s.catalog.Package(ctx, pid)
		if err != nil && !errors.Is(err, catalog.ErrPackageNotFound) {
			return fmt.Errorf("resolve package: %w", err)
		}
		if pkg != nil {
			packageID = &pkg.ID
		}
	}

	sub := &models.Subscription{
		ID:                     uuid.New(),
		UserID:                 userID,
		PackageID:              packageID,
		ExternalCustomerID:     o.Customer,
		ExternalSubscriptionID: o.Subscription,
		Status:                 models.SubStatusActive,
	}
	if pkg != nil {
		sub.ExternalPriceID = pkg.ExternalPriceID
	}

	inserted, err := s.subs.InsertNew(ctx, sub)
	if err != nil {
		return fmt.Errorf("materialize subscription: %w", err)
	}
	if !inserted {
		// Re-delivery: converge on the stored record, no second grant.
		stored, err := s.subs.GetByExternalID(ctx, o.Subscription)
		if err != nil {
			return fmt.Errorf("load subscription: %w", err)
		}
		if !models.IsTerminalSubStatus(stored.Status) && stored.Status != models.SubStatusActive {
			stored.Status = models.SubStatusActive
			if err := s.subs.Update(ctx, stored); err != nil {
				return fmt.Errorf("update subscription: %w", err)
			}
		}
		return nil
	}

	if pkg != nil && pkg.CreditsPerCycle.IsPositive() {
		if _, err := s.credits.AllocateSubscriptionCredits(ctx, userID, pkg.CreditsPerCycle, models.EntrySubscriptionGrant, o.Subscription, nil); err != nil {
			return fmt.Errorf("first cycle grant: %w", err)
		}
	}
	s.publish(ctx, credits.Event{
		Name:       credits.EventSubscriptionCreated,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Payload:    map[string]any{"external_subscription_id": o.Subscription},
	})
	return nil
}

// handleSubscriptionUpdated applies status, period bounds and plan changes.
// Deliveries are unordered: an event whose period end is older than the
// stored one is stale for period data and keeps the stored bounds. Renewal
// (period advancement) and plan change reset usage counters and grant the new
// cycle's credits.
func (s *Service) handleSubscriptionUpdated(ctx context.Context, o *subscriptionObject) error {
	stored, err := s.subs.GetByExternalID(ctx, o.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Update raced ahead of checkout materialization; the checkout
		// delivery carries the user mapping, so this one is a no-op.
		s.log.Warn("subscription update for unknown subscription", "external_id", o.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}

	planChanged := false
	if price := o.priceID(); price != "" && price != stored.ExternalPriceID {
		stored.ExternalPriceID = price
		stored.PackageID = nil
		pkg, err := s.catalog.PackageByExternalPriceID(ctx, price)
		if err != nil && !errors.Is(err, catalog.ErrPackageNotFound) {
			return fmt.Errorf("resolve package for price %s: %w", price, err)
		}
		if pkg != nil {
			stored.PackageID = &pkg.ID
		}
		planChanged = true
	}

	renewed := false
	if newEnd := unixTime(o.CurrentPeriodEnd); newEnd != nil {
		switch {
		case stored.CurrentPeriodEnd == nil:
			stored.CurrentPeriodStart = unixTime(o.CurrentPeriodStart)
			stored.CurrentPeriodEnd = newEnd
		case newEnd.After(*stored.CurrentPeriodEnd):
			stored.CurrentPeriodStart = unixTime(o.CurrentPeriodStart)
			stored.CurrentPeriodEnd = newEnd
			renewed = true
		default:
			// Stale delivery for period data; keep the stored bounds.
		}
	}

	if !models.IsTerminalSubStatus(stored.Status) {
		if o.Status != "" {
			stored.Status = o.Status
		}
		stored.CancelAtPeriodEnd = o.CancelAtPeriodEnd
	}
	// Zero timestamps mean the event predates the field being set. A stale
	// pre-cancellation delivery must not erase stored stamps.
	if ts := unixTime(o.TrialStart); ts != nil {
		stored.TrialStart = ts
	}
	if ts := unixTime(o.TrialEnd); ts != nil {
		stored.TrialEnd = ts
	}
	if ts := unixTime(o.CanceledAt); ts != nil {
		stored.CanceledAt = ts
	}
	if ts := unixTime(o.EndedAt); ts != nil {
		stored.EndedAt = ts
	}
	if o.CancellationDetails.Reason != "" {
		reason := o.CancellationDetails.Reason
		stored.CancellationReason = &reason
	}

	if err := s.subs.Update(ctx, stored); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	if planChanged || renewed {
		// Fresh quota for the new plan or cycle.
		if err := s.subs.ResetUsage(ctx, o.ID); err != nil {
			return fmt.Errorf("reset usage: %w", err)
		}
		if err := s.grantCycle(ctx, stored, models.EntryRenewal); err != nil {
			return err
		}
	}

	name := credits.EventSubscriptionUpdated
	if stored.Status == models.SubStatusCanceled {
		name = credits.EventSubscriptionCanceled
	}
	s.publish(ctx, credits.Event{
		Name:       name,
		UserID:     stored.UserID,
		OccurredAt: time.Now().UTC(),
		Payload:    map[string]any{"external_subscription_id": o.ID, "status": stored.Status},
	})
	return nil
}

// handleSubscriptionDeleted marks the mirror canceled. Credits are NOT
// expired here: expiry is driven by credits_expire_at, not by cancellation.
func (s *Service) handleSubscriptionDeleted(ctx context.Context, o *subscriptionObject) error {
	stored, err := s.subs.GetByExternalID(ctx, o.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		s.log.Warn("subscription delete for unknown subscription", "external_id", o.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}

	stored.Status = models.SubStatusCanceled
	if stored.EndedAt == nil {
		if ended := unixTime(o.EndedAt); ended != nil {
			stored.EndedAt = ended
		} else {
			now := time.Now().UTC()
			stored.EndedAt = &now
		}
	}
	if stored.CanceledAt == nil {
		stored.CanceledAt = unixTime(o.CanceledAt)
	}
	if o.CancellationDetails.Reason != "" && stored.CancellationReason == nil {
		reason := o.CancellationDetails.Reason
		stored.CancellationReason = &reason
	}
	if err := s.subs.Update(ctx, stored); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	s.publish(ctx, credits.Event{
		Name:       credits.EventSubscriptionCanceled,
		UserID:     stored.UserID,
		OccurredAt: time.Now().UTC(),
		Payload:    map[string]any{"external_subscription_id": o.ID},
	})
	return nil
}

// handleInvoice maintains the payment-status flag. A paid renewal-cycle
// invoice whose period advances past the stored bounds also runs the renewal
// path; if the subscription.updated event already advanced the period, this
// is a no-op beyond the flag.
func (s *Service) handleInvoice(ctx context.Context, eventType string, o *invoiceObject) error {
	if o.Subscription == "" {
		return nil
	}
	stored, err := s.subs.GetByExternalID(ctx, o.Subscription)
	if errors.Is(err, pgx.ErrNoRows) {
		s.log.Warn("invoice for unknown subscription", "external_id", o.Subscription)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}

	status := models.PaymentStatusPaid
	if eventType == EventInvoicePaymentFailed {
		status = models.PaymentStatusFailed
	}
	stored.LastPaymentStatus = &status

	renewed := false
	if eventType == EventInvoicePaid && o.BillingReason == billingReasonCycle {
		if newEnd := unixTime(o.PeriodEnd); newEnd != nil &&
			(stored.CurrentPeriodEnd == nil || newEnd.After(*stored.CurrentPeriodEnd)) {
			stored.CurrentPeriodStart = unixTime(o.PeriodStart)
			stored.CurrentPeriodEnd = newEnd
			renewed = true
		}
	}

	if err := s.subs.Update(ctx, stored); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if renewed {
		if err := s.subs.ResetUsage(ctx, o.Subscription); err != nil {
			return fmt.Errorf("reset usage: %w", err)
		}
		if err := s.grantCycle(ctx, stored, models.EntryRenewal); err != nil {
			return err
		}
	}
	return nil
}

// grantCycle expires the old cycle's credits and grants the new cycle's from
// the subscription's package. Missing package (deleted from the catalog) means
// no grant, logged.
func (s *Service) grantCycle(ctx context.Context, sub *models.Subscription, entryType string) error {
	if sub.PackageID == nil {
		s.log.Warn("subscription has no package, skipping cycle grant", "external_id", sub.ExternalSubscriptionID)
		return nil
	}
	pkg, err := s.catalog.Package(ctx, *sub.PackageID)
	if errors.Is(err, catalog.ErrPackageNotFound) {
		s.log.Warn("package deleted from catalog, skipping cycle grant", "package_id", *sub.PackageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve package: %w", err)
	}
	if !pkg.CreditsPerCycle.IsPositive() {
		return nil
	}
	if _, err := s.credits.AllocateSubscriptionCredits(ctx, sub.UserID, pkg.CreditsPerCycle, entryType, sub.ExternalSubscriptionID, sub.CurrentPeriodEnd); err != nil {
		return fmt.Errorf("cycle grant: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, ev credits.Event) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Warn("event publish failed", "event", ev.Name, "error", err)
	}
}
