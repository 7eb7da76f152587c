package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/studyforge/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks for AccountStore, LedgerStore and friends.
// These let us test the real Service logic without a database. The account
// mock performs its conditional deduction under a mutex, matching the
// atomicity the SQL UPDATE provides in production.
// ---------------------------------------------------------------------------

type mockAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.CreditAccount
}

func newMockAccounts(accs ...*models.CreditAccount) *mockAccounts {
	m := &mockAccounts{accounts: make(map[uuid.UUID]*models.CreditAccount)}
	for _, a := range accs {
		cp := *a
		m.accounts[a.UserID] = &cp
	}
	return m
}

func (m *mockAccounts) FindOrCreate(_ context.Context, userID uuid.UUID) (*models.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		a = &models.CreditAccount{UserID: userID}
		m.accounts[userID] = a
	}
	cp := *a
	return &cp, nil
}

func (m *mockAccounts) Deduct(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok || a.AvailableCredits.LessThan(amount) {
		return decimal.Zero, pgx.ErrNoRows
	}
	a.AvailableCredits = a.AvailableCredits.Sub(amount)
	if a.ExpiringCredits.GreaterThan(a.AvailableCredits) {
		a.ExpiringCredits = a.AvailableCredits
	}
	a.TotalConsumed = a.TotalConsumed.Add(amount)
	return a.AvailableCredits, nil
}

func (m *mockAccounts) Allocate(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount decimal.Decimal, isExpiring bool, expiresAt *time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		a = &models.CreditAccount{UserID: userID}
		m.accounts[userID] = a
	}
	a.AvailableCredits = a.AvailableCredits.Add(amount)
	a.TotalAllocated = a.TotalAllocated.Add(amount)
	if isExpiring {
		a.ExpiringCredits = a.ExpiringCredits.Add(amount)
		a.CreditsExpireAt = expiresAt
	} else {
		a.PurchasedCredits = a.PurchasedCredits.Add(amount)
	}
	return a.AvailableCredits, nil
}

func (m *mockAccounts) ResetExpiringCredits(_ context.Context, _ pgx.Tx, userID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("account %s not found", userID)
	}
	expired := a.ExpiringCredits
	a.AvailableCredits = a.AvailableCredits.Sub(expired)
	a.ExpiringCredits = decimal.Zero
	a.CreditsExpireAt = nil
	return expired, a.AvailableCredits, nil
}

func (m *mockAccounts) MarkLowCreditNotified(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[userID]; ok {
		a.LowCreditNotified = true
	}
	return nil
}

func (m *mockAccounts) SetLowCreditThreshold(_ context.Context, userID uuid.UUID, threshold int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[userID]; ok {
		a.LowCreditThreshold = threshold
		a.LowCreditNotified = false
	}
	return nil
}

func (m *mockAccounts) snapshot(userID uuid.UUID) models.CreditAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.accounts[userID]
}

// ---

type mockLedger struct {
	mu      sync.Mutex
	entries []*models.LedgerEntry
}

func (m *mockLedger) CreateTx(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockLedger) GetByID(_ context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockLedger) MarkReversed(_ context.Context, _ pgx.Tx, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			if e.Status != models.EntryStatusCompleted {
				return false, nil
			}
			e.Status = models.EntryStatusReversed
			return true, nil
		}
	}
	return false, nil
}

func (m *mockLedger) ListByAccountID(_ context.Context, accountID uuid.UUID, _ int) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.AccountID == accountID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockLedger) ReplayBalance(_ context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	return m.replaySum(accountID), nil
}

func (m *mockLedger) FindByReference(_ context.Context, refType, refID string) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.ReferenceType != nil && *e.ReferenceType == refType && e.ReferenceID != nil && *e.ReferenceID == refID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// replaySum adds up every entry amount for the account, including reversed
// originals and their offsets.
func (m *mockLedger) replaySum(accountID uuid.UUID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, e := range m.entries {
		if e.AccountID != accountID {
			continue
		}
		if e.Status == models.EntryStatusCompleted || e.Status == models.EntryStatusReversed {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}

// ---

// nopTx runs the function directly; the mocks provide their own atomicity.
type nopTx struct{}

func (nopTx) InTx(_ context.Context, fn func(pgx.Tx) error) error { return fn(nil) }

type mockPricing struct {
	p   *models.ModelPricing
	err error
}

func (m *mockPricing) ModelPricing(_ context.Context, _ string) (*models.ModelPricing, error) {
	return m.p, m.err
}

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) countByName(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestService(accounts *mockAccounts, ledger *mockLedger, pricingSrc PricingSource, pub Publisher) *Service {
	if pricingSrc == nil {
		pricingSrc = &mockPricing{err: errors.New("no pricing configured")}
	}
	return NewService(accounts, ledger, pricingSrc, nil, nil, nopTx{}, pub, nil)
}

func TestConsumeTokenPricing(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts(&models.CreditAccount{UserID: userID, AvailableCredits: dec("100")})
	ledger := &mockLedger{}
	pub := &capturePublisher{}
	pricingSrc := &mockPricing{p: &models.ModelPricing{
		ModelName:             "tutor-large",
		InputCostPer1kTokens:  dec("2.5"),
		OutputCostPer1kTokens: dec("10"),
		MinimumCredits:        dec("1"),
		ModelMultiplier:       dec("1"),
	}}
	svc := newTestService(accounts, ledger, pricingSrc, pub)

	res, err := svc.Consume(context.Background(), ConsumeInput{
		UserID:     userID,
		EntryType:  models.EntryQuestion,
		TokenUsage: &models.TokenUsage{InputTokens: 500, OutputTokens: 1500},
		ModelName:  "tutor-large",
		Metadata:   map[string]any{"session_id": "sess_42"},
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	// 500*2.5/1000 + 1500*10/1000 = 1.25 + 15 = 16.25, rounded up to 17.
	if got := res.Entry.Amount; !got.Equal(dec("-17")) {
		t.Errorf("entry amount = %s, want -17", got)
	}
	if !res.RemainingBalance.Equal(dec("83")) {
		t.Errorf("remaining balance = %s, want 83", res.RemainingBalance)
	}
	if !res.Entry.BalanceBefore.Equal(dec("100")) || !res.Entry.BalanceAfter.Equal(dec("83")) {
		t.Errorf("balance before/after = %s/%s, want 100/83", res.Entry.BalanceBefore, res.Entry.BalanceAfter)
	}
	if res.Entry.InputTokens == nil || *res.Entry.InputTokens != 500 {
		t.Error("input tokens not recorded on entry")
	}
	if res.Entry.TotalTokens == nil || *res.Entry.TotalTokens != 2000 {
		t.Error("total tokens not recorded on entry")
	}
	if res.Breakdown == nil || !res.Breakdown.RawCost.Equal(dec("16.25")) {
		t.Errorf("breakdown raw cost wrong: %+v", res.Breakdown)
	}
	if res.Entry.Metadata["session_id"] != "sess_42" {
		t.Error("caller metadata not carried onto entry")
	}
	if pub.countByName(EventConsumed) != 1 {
		t.Error("expected one consumed event")
	}
	if got := accounts.snapshot(userID).TotalConsumed; !got.Equal(dec("17")) {
		t.Errorf("total consumed = %s, want 17", got)
	}
}

func TestConsumeLegacyFixedCost(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts(&models.CreditAccount{UserID: userID, AvailableCredits: dec("20")})
	ledger := &mockLedger{}
	svc := newTestService(accounts, ledger, nil, nil)

	res, err := svc.Consume(context.Background(), ConsumeInput{
		UserID:    userID,
		EntryType: models.EntryDocumentAnalysis,
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !res.Entry.Amount.Equal(dec("-5")) {
		t.Errorf("document analysis cost = %s, want -5", res.Entry.Amount)
	}
	if res.Entry.InputTokens != nil {
		t.Error("legacy path must not record token fields")
	}
}

func TestConsumeFixedAmountOverride(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts(&models.CreditAccount{UserID: userID, AvailableCredits: dec("20")})
	svc := newTestService(accounts, &mockLedger{}, nil, nil)

	amount := dec("3")
	res, err := svc.Consume(context.Background(), ConsumeInput{
		UserID:      userID,
		EntryType:   models.EntryFeature,
		FixedAmount: &amount,
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !res.Entry.Amount.Equal(dec("-3")) {
		t.Errorf("fixed amount cost = %s, want -3", res.Entry.Amount)
	}
}

func TestConsumeInsufficientBalance(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts(&models.CreditAccount{UserID: userID, AvailableCredits: dec("3")})
	ledger := &mockLedger{}
	pub := &capturePublisher{}
	svc := newTestService(accounts, ledger, nil, pub)

	_, err := svc.Consume(context.Background(), ConsumeInput{
		UserID:    userID,
		EntryType: models.EntryDocumentAnalysis, // costs 5
	})
	var insufficientErr *InsufficientCreditsError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if !insufficientErr.Required.Equal(dec("5")) || !insufficientErr.Available.Equal(dec("3")) {
		t.Errorf("error fields = %s/%s, want 5/3", insufficientErr.Required, insufficientErr.Available)
	}
	if ledger.count() != 0 {
		t.Error("rejected consumption must not write a ledger entry")
	}
	if got := accounts.snapshot(userID).AvailableCredits; !got.Equal(dec("3")) {
		t.Errorf("balance mutated on rejection: %s", got)
	}
	if pub.countByName(EventInsufficient) != 1 {
		t.Error("expected one insufficient event")
	}
}

func TestConsumeConcurrentNoOverdraft(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts(&models.CreditAccount{UserID: userID, AvailableCredits: dec("10")})
	ledger := &mockLedger{}
	svc := newTestService(accounts, ledger, nil, nil)

	const attempts = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Consume(context.Background(), ConsumeInput{
				UserID:    userID,
				EntryType: models.EntryQuestion, // costs 1
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			var insufficientErr *InsufficientCreditsError
			if !errors.As(err, &insufficientErr) && !errors.Is(err, ErrDeductionRaceLost) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 10 {
		t.Errorf("successes = %d, want exactly 10", successes)
	}
	final := accounts.snapshot(userID).AvailableCredits
	if !final.Equal(decimal.Zero) {
		t.Errorf("final balance = %s, want 0", final)
	}
	if final.IsNegative() {
		t.Error("balance went negative")
	}
	if ledger.count() != 10 {
		t.Errorf("ledger entries = %d, want 10", ledger.count())
	}
}

func TestConsumeLowCreditNotifiedOnce(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts(&models.CreditAccount{
		UserID:             userID,
		AvailableCredits:   dec("12"),
		LowCreditThreshold: 10,
	})
	pub := &capturePublisher{}
	svc := newTestService(accounts, &mockLedger{}, nil, pub)

	ctx := context.Background()
	in := ConsumeInput{UserID: userID, EntryType: models.EntryDocumentAnalysis} // costs 5

	if _, err := svc.Consume(ctx, in); err != nil { // 12 -> 7, crosses threshold
		t.Fatalf("first consume: %v", err)
	}
	if _, err := svc.Consume(ctx, in); err != nil { // 7 -> 2, already notified
		t.Fatalf("second consume: %v", err)
	}

	if got := pub.countByName(EventLow); got != 1 {
		t.Errorf("low-credit events = %d, want 1", got)
	}
	if !accounts.snapshot(userID).LowCreditNotified {
		t.Error("notified flag not set")
	}
}

func TestConsumeZeroThresholdNotifiesAtZero(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts(&models.CreditAccount{
		UserID:           userID,
		AvailableCredits: dec("6"),
	})
	pub := &capturePublisher{}
	svc := newTestService(accounts, &mockLedger{}, nil, pub)
	ctx := context.Background()

	if _, err := svc.Consume(ctx, ConsumeInput{UserID: userID, EntryType: models.EntryDocumentAnalysis}); err != nil { // 6 -> 1
		t.Fatalf("first consume: %v", err)
	}
	if got := pub.countByName(EventLow); got != 0 {
		t.Errorf("low-credit events above threshold = %d, want 0", got)
	}

	if _, err := svc.Consume(ctx, ConsumeInput{UserID: userID, EntryType: models.EntryQuestion}); err != nil { // 1 -> 0
		t.Fatalf("second consume: %v", err)
	}
	if got := pub.countByName(EventLow); got != 1 {
		t.Errorf("low-credit events at zero balance = %d, want 1", got)
	}
}

func TestAllocateExpiringPool(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts()
	ledger := &mockLedger{}
	pub := &capturePublisher{}
	svc := newTestService(accounts, ledger, nil, pub)

	expires := time.Now().Add(30 * 24 * time.Hour)
	entry, err := svc.Allocate(context.Background(), AllocationInput{
		UserID:     userID,
		Amount:     dec("50"),
		EntryType:  models.EntryTopUp,
		IsExpiring: true,
		ExpiresAt:  &expires,
	})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !entry.Amount.Equal(dec("50")) || !entry.BalanceAfter.Equal(dec("50")) {
		t.Errorf("entry amount/balance = %s/%s, want 50/50", entry.Amount, entry.BalanceAfter)
	}
	acc := accounts.snapshot(userID)
	if !acc.ExpiringCredits.Equal(dec("50")) || !acc.PurchasedCredits.IsZero() {
		t.Errorf("pools = expiring %s purchased %s, want 50/0", acc.ExpiringCredits, acc.PurchasedCredits)
	}
	if pub.countByName(EventAllocated) != 1 {
		t.Error("expected one allocated event")
	}
}

func TestAllocateRejectsNonPositive(t *testing.T) {
	svc := newTestService(newMockAccounts(), &mockLedger{}, nil, nil)
	if _, err := svc.Allocate(context.Background(), AllocationInput{
		UserID: uuid.New(), Amount: dec("0"), EntryType: models.EntryTopUp,
	}); err == nil {
		t.Fatal("expected error for zero allocation")
	}
}

func TestAllocateSubscriptionCreditsRenewal(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts(&models.CreditAccount{
		UserID:           userID,
		AvailableCredits: dec("50"),
		ExpiringCredits:  dec("40"),
		PurchasedCredits: dec("10"),
	})
	ledger := &mockLedger{}
	svc := newTestService(accounts, ledger, nil, nil)

	periodEnd := time.Now().Add(30 * 24 * time.Hour)
	entries, err := svc.AllocateSubscriptionCredits(context.Background(), userID, dec("200"), models.EntryRenewal, "sub_123", &periodEnd)
	if err != nil {
		t.Fatalf("AllocateSubscriptionCredits: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want expiration + grant", len(entries))
	}

	exp, grant := entries[0], entries[1]
	if exp.EntryType != models.EntryExpiration || !exp.Amount.Equal(dec("-40")) {
		t.Errorf("expiration entry = %s %s, want %s -40", exp.EntryType, exp.Amount, models.EntryExpiration)
	}
	if !exp.BalanceBefore.Equal(dec("50")) || !exp.BalanceAfter.Equal(dec("10")) {
		t.Errorf("expiration balance before/after = %s/%s, want 50/10", exp.BalanceBefore, exp.BalanceAfter)
	}
	if grant.EntryType != models.EntryRenewal || !grant.Amount.Equal(dec("200")) {
		t.Errorf("grant entry = %s %s, want %s 200", grant.EntryType, grant.Amount, models.EntryRenewal)
	}
	if !grant.BalanceBefore.Equal(dec("10")) || !grant.BalanceAfter.Equal(dec("210")) {
		t.Errorf("grant balance before/after = %s/%s, want 10/210", grant.BalanceBefore, grant.BalanceAfter)
	}

	acc := accounts.snapshot(userID)
	if !acc.AvailableCredits.Equal(dec("210")) || !acc.ExpiringCredits.Equal(dec("200")) || !acc.PurchasedCredits.Equal(dec("10")) {
		t.Errorf("pools = available %s expiring %s purchased %s, want 210/200/10",
			acc.AvailableCredits, acc.ExpiringCredits, acc.PurchasedCredits)
	}

	// Both entries correlate back to the subscription.
	refs, err := svc.EntriesByReference(context.Background(), "subscription", "sub_123")
	if err != nil {
		t.Fatalf("EntriesByReference: %v", err)
	}
	if len(refs) != 2 {
		t.Errorf("reference entries = %d, want 2", len(refs))
	}
}

func TestAllocateSubscriptionCreditsFirstGrant(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts()
	ledger := &mockLedger{}
	svc := newTestService(accounts, ledger, nil, nil)

	periodEnd := time.Now().Add(30 * 24 * time.Hour)
	entries, err := svc.AllocateSubscriptionCredits(context.Background(), userID, dec("100"), models.EntrySubscriptionGrant, "sub_456", &periodEnd)
	if err != nil {
		t.Fatalf("AllocateSubscriptionCredits: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want single grant with nothing to expire", len(entries))
	}
	if entries[0].ExpiresAt == nil || !entries[0].ExpiresAt.Equal(periodEnd) {
		t.Error("grant entry must carry the period end as expiry")
	}
}

func TestAdminAdjustPositive(t *testing.T) {
	userID := uuid.New()
	actorID := uuid.New()
	accounts := newMockAccounts()
	ledger := &mockLedger{}
	svc := newTestService(accounts, ledger, nil, nil)

	entry, err := svc.AdminAdjust(context.Background(), userID, dec("25"), "support goodwill", actorID)
	if err != nil {
		t.Fatalf("AdminAdjust: %v", err)
	}
	if entry.EntryType != models.EntryAdminAdjustment {
		t.Errorf("entry type = %s", entry.EntryType)
	}
	if entry.ReferenceID == nil || *entry.ReferenceID != actorID.String() {
		t.Error("acting admin not recorded on entry")
	}
	if entry.Description != "support goodwill" {
		t.Errorf("reason not recorded: %q", entry.Description)
	}
	acc := accounts.snapshot(userID)
	if !acc.PurchasedCredits.Equal(dec("25")) {
		t.Errorf("manual grant must land in purchased pool, got %s", acc.PurchasedCredits)
	}
}

func TestAdminAdjustNegativeGuard(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts(&models.CreditAccount{UserID: userID, AvailableCredits: dec("5")})
	ledger := &mockLedger{}
	svc := newTestService(accounts, ledger, nil, nil)

	_, err := svc.AdminAdjust(context.Background(), userID, dec("-10"), "clawback", uuid.New())
	if !errors.Is(err, ErrNegativeBalance) {
		t.Fatalf("expected ErrNegativeBalance, got %v", err)
	}
	if ledger.count() != 0 {
		t.Error("rejected adjustment must not write a ledger entry")
	}
	if got := accounts.snapshot(userID).AvailableCredits; !got.Equal(dec("5")) {
		t.Errorf("balance mutated on rejection: %s", got)
	}
}

func TestAdminAdjustValidation(t *testing.T) {
	svc := newTestService(newMockAccounts(), &mockLedger{}, nil, nil)
	ctx := context.Background()
	if _, err := svc.AdminAdjust(ctx, uuid.New(), dec("0"), "reason", uuid.New()); err == nil {
		t.Error("expected error for zero amount")
	}
	if _, err := svc.AdminAdjust(ctx, uuid.New(), dec("5"), "", uuid.New()); err == nil {
		t.Error("expected error for missing reason")
	}
}

func TestReverseDebit(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts(&models.CreditAccount{UserID: userID, AvailableCredits: dec("20")})
	ledger := &mockLedger{}
	svc := newTestService(accounts, ledger, nil, nil)
	ctx := context.Background()

	res, err := svc.Consume(ctx, ConsumeInput{UserID: userID, EntryType: models.EntryDocumentAnalysis}) // -5
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	offset, err := svc.Reverse(ctx, res.Entry.ID, "duplicate charge")
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if offset.EntryType != models.EntryReversal || !offset.Amount.Equal(dec("5")) {
		t.Errorf("offset = %s %s, want %s 5", offset.EntryType, offset.Amount, models.EntryReversal)
	}
	if offset.OriginalTransactionID == nil || *offset.OriginalTransactionID != res.Entry.ID {
		t.Error("offset must point back at the original entry")
	}

	orig, err := ledger.GetByID(ctx, res.Entry.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if orig.Status != models.EntryStatusReversed {
		t.Errorf("original status = %s, want reversed", orig.Status)
	}

	acc := accounts.snapshot(userID)
	if !acc.AvailableCredits.Equal(dec("20")) {
		t.Errorf("balance after reversal = %s, want 20", acc.AvailableCredits)
	}
	if !acc.PurchasedCredits.Equal(dec("5")) {
		t.Errorf("reversal must restore to purchased pool, got %s", acc.PurchasedCredits)
	}

	// A second reversal of the same entry must be rejected.
	if _, err := svc.Reverse(ctx, res.Entry.ID, "again"); !errors.Is(err, ErrAlreadyReversed) {
		t.Fatalf("expected ErrAlreadyReversed, got %v", err)
	}
}

func TestReverseCreditOverdraftGuard(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts()
	ledger := &mockLedger{}
	svc := newTestService(accounts, ledger, nil, nil)
	ctx := context.Background()

	grant, err := svc.Allocate(ctx, AllocationInput{
		UserID: userID, Amount: dec("50"), EntryType: models.EntryTopUp,
	})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := svc.Consume(ctx, ConsumeInput{UserID: userID, EntryType: models.EntryImageGeneration}); err != nil { // -10
		t.Fatalf("Consume: %v", err)
	}

	// Reversing the grant would take 50 out of a balance of 40.
	if _, err := svc.Reverse(ctx, grant.ID, "chargeback"); !errors.Is(err, ErrNegativeBalance) {
		t.Fatalf("expected ErrNegativeBalance, got %v", err)
	}
}

func TestLedgerReplayMatchesBalance(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts()
	ledger := &mockLedger{}
	svc := newTestService(accounts, ledger, nil, nil)
	ctx := context.Background()

	if _, err := svc.Allocate(ctx, AllocationInput{UserID: userID, Amount: dec("100"), EntryType: models.EntryTopUp}); err != nil {
		t.Fatal(err)
	}
	res, err := svc.Consume(ctx, ConsumeInput{UserID: userID, EntryType: models.EntryImageGeneration}) // -10
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Consume(ctx, ConsumeInput{UserID: userID, EntryType: models.EntryQuestion}); err != nil { // -1
		t.Fatal(err)
	}
	if _, err := svc.Reverse(ctx, res.Entry.ID, "refund"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AdminAdjust(ctx, userID, dec("-4"), "correction", uuid.New()); err != nil {
		t.Fatal(err)
	}

	acc := accounts.snapshot(userID)
	if sum := ledger.replaySum(userID); !sum.Equal(acc.AvailableCredits) {
		t.Errorf("ledger replay = %s, account balance = %s", sum, acc.AvailableCredits)
	}
	if !acc.AvailableCredits.Equal(dec("95")) {
		t.Errorf("final balance = %s, want 95", acc.AvailableCredits)
	}

	audit, err := svc.AuditBalance(ctx, userID)
	if err != nil {
		t.Fatalf("AuditBalance: %v", err)
	}
	if !audit.Consistent {
		t.Errorf("audit reports drift: stored %s, replayed %s", audit.Stored, audit.Replayed)
	}
}

func TestSetLowCreditThreshold(t *testing.T) {
	userID := uuid.New()
	accounts := newMockAccounts()
	svc := newTestService(accounts, &mockLedger{}, nil, nil)
	ctx := context.Background()

	if err := svc.SetLowCreditThreshold(ctx, userID, 25); err != nil {
		t.Fatalf("SetLowCreditThreshold: %v", err)
	}
	if got := accounts.snapshot(userID).LowCreditThreshold; got != 25 {
		t.Errorf("threshold = %d, want 25", got)
	}
	if err := svc.SetLowCreditThreshold(ctx, userID, -1); err == nil {
		t.Error("expected error for negative threshold")
	}
}
