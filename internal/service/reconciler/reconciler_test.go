package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/amelin/walletgate/internal/apperrors"
	"github.com/amelin/walletgate/internal/logger"
	"github.com/amelin/walletgate/internal/models"
	"github.com/amelin/walletgate/internal/service/provider"
)

// fakeLedger keeps entries and balances in memory under one mutex, so the
// CAS transition and the balance delta behave as the atomic pair they are
// in the real storage
type fakeLedger struct {
	mu       sync.Mutex
	entries  map[uuid.UUID]*models.LedgerEntry
	balances map[uuid.UUID]decimal.Decimal

	// settle applications per entry, to assert exactly-once
	applied map[uuid.UUID]int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		entries:  map[uuid.UUID]*models.LedgerEntry{},
		balances: map[uuid.UUID]decimal.Decimal{},
		applied:  map[uuid.UUID]int{},
	}
}

func (f *fakeLedger) addEntry(userID uuid.UUID, kind string, amount decimal.Decimal, status string, ref *string) models.LedgerEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := models.LedgerEntry{
		ID:          uuid.New(),
		UserID:      userID,
		Kind:        kind,
		Amount:      amount,
		Status:      status,
		ProviderRef: ref,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	f.entries[entry.ID] = &entry
	if _, ok := f.balances[userID]; !ok {
		f.balances[userID] = decimal.Zero
	}

	return entry
}

func (f *fakeLedger) entry(t *testing.T, id uuid.UUID) models.LedgerEntry {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[id]
	require.True(t, ok, "entry %s not found", id)
	return *entry
}

func (f *fakeLedger) balance(userID uuid.UUID) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID]
}

func (f *fakeLedger) ListByStatus(ctx context.Context, statuses []string, limit int) ([]models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entries []models.LedgerEntry
	for _, entry := range f.entries {
		for _, status := range statuses {
			if entry.Status == status {
				entries = append(entries, *entry)
			}
		}
	}
	return entries, nil
}

func (f *fakeLedger) MarkSubmitted(ctx context.Context, entryID uuid.UUID, providerRef string) (models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := f.entries[entryID]
	if entry.Status != models.EntryStatusPending {
		return *entry, apperrors.ErrTransitionConflict
	}

	entry.Status = models.EntryStatusSubmitted
	entry.ProviderRef = &providerRef
	return *entry, nil
}

func (f *fakeLedger) RecordSubmitAttempt(ctx context.Context, entryID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := f.entries[entryID]
	entry.Attempts++
	return entry.Attempts, nil
}

func (f *fakeLedger) Settle(ctx context.Context, entryID uuid.UUID) (models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := f.entries[entryID]
	if entry.Status != models.EntryStatusSubmitted {
		return *entry, apperrors.ErrTransitionConflict
	}

	newBalance := f.balances[entry.UserID].Add(entry.BalanceDelta())
	if newBalance.IsNegative() {
		return *entry, apperrors.ErrBalanceInsufficient
	}

	entry.Status = models.EntryStatusSettled
	f.balances[entry.UserID] = newBalance
	f.applied[entryID]++
	return *entry, nil
}

func (f *fakeLedger) Fail(ctx context.Context, entryID uuid.UUID, from string) (models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := f.entries[entryID]
	if entry.Status != from {
		return *entry, apperrors.ErrTransitionConflict
	}

	entry.Status = models.EntryStatusFailed
	return *entry, nil
}

// fakeProvider scripts submit results per entry and poll results per ref
type fakeProvider struct {
	mu          sync.Mutex
	submitRefs  map[uuid.UUID]string
	submitErrs  map[uuid.UUID]error
	pollStatus  map[string]string
	pollErrs    map[string]error
	submitCalls map[uuid.UUID]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		submitRefs:  map[uuid.UUID]string{},
		submitErrs:  map[uuid.UUID]error{},
		pollStatus:  map[string]string{},
		pollErrs:    map[string]error{},
		submitCalls: map[uuid.UUID]int{},
	}
}

func (f *fakeProvider) submit(ctx context.Context, entryID uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitCalls[entryID]++
	if err, ok := f.submitErrs[entryID]; ok {
		return "", err
	}
	if ref, ok := f.submitRefs[entryID]; ok {
		return ref, nil
	}
	return "", provider.NewError(provider.CodeNetwork, "", fmt.Errorf("no scripted response"))
}

func (f *fakeProvider) SubmitCredit(ctx context.Context, userID uuid.UUID, entryID uuid.UUID, amount decimal.Decimal) (string, error) {
	return f.submit(ctx, entryID)
}

func (f *fakeProvider) SubmitDebit(ctx context.Context, userID uuid.UUID, entryID uuid.UUID, amount decimal.Decimal) (string, error) {
	return f.submit(ctx, entryID)
}

func (f *fakeProvider) PollStatus(ctx context.Context, providerRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.pollErrs[providerRef]; ok {
		return "", err
	}
	if status, ok := f.pollStatus[providerRef]; ok {
		return status, nil
	}
	return "", provider.NewError(provider.CodeNetwork, "", fmt.Errorf("no scripted response"))
}

func newReconciler(cfg Config, client providerClient, ledger ledgerService) *Reconciler {
	return New(cfg, client, ledger, logger.NewNoOpLogger())
}

func strPtr(s string) *string { return &s }

func TestSweep_Pending(t *testing.T) {
	userID := uuid.New()
	amount := decimal.NewFromInt(50)

	t.Run("submit success advances to submitted", func(t *testing.T) {
		ledger := newFakeLedger()
		client := newFakeProvider()
		entry := ledger.addEntry(userID, models.EntryKindCredit, amount, models.EntryStatusPending, nil)
		client.submitRefs[entry.ID] = "REF-1"

		errored, err := newReconciler(Config{}, client, ledger).Sweep(t.Context())

		require.NoError(t, err)
		require.Empty(t, errored)
		got := ledger.entry(t, entry.ID)
		require.Equal(t, models.EntryStatusSubmitted, got.Status)
		require.NotNil(t, got.ProviderRef)
		require.Equal(t, "REF-1", *got.ProviderRef)
		require.True(t, ledger.balance(userID).IsZero(), "submission must not touch balance")
	})

	t.Run("provider rejection fails entry without ever submitting", func(t *testing.T) {
		ledger := newFakeLedger()
		client := newFakeProvider()
		entry := ledger.addEntry(userID, models.EntryKindDebit, amount, models.EntryStatusPending, nil)
		client.submitErrs[entry.ID] = provider.NewError(provider.CodeRejected, "player blocked", nil)

		errored, err := newReconciler(Config{}, client, ledger).Sweep(t.Context())

		require.NoError(t, err)
		require.Empty(t, errored, "a rejection is handled, not an errored entry")
		got := ledger.entry(t, entry.ID)
		require.Equal(t, models.EntryStatusFailed, got.Status)
		require.Nil(t, got.ProviderRef)
		require.True(t, ledger.balance(userID).IsZero())
	})

	t.Run("network error keeps entry pending and surfaces it", func(t *testing.T) {
		ledger := newFakeLedger()
		client := newFakeProvider()
		entry := ledger.addEntry(userID, models.EntryKindCredit, amount, models.EntryStatusPending, nil)
		client.submitErrs[entry.ID] = provider.NewError(provider.CodeNetwork, "", fmt.Errorf("timeout"))

		errored, err := newReconciler(Config{}, client, ledger).Sweep(t.Context())

		require.NoError(t, err)
		require.Equal(t, []uuid.UUID{entry.ID}, errored)
		got := ledger.entry(t, entry.ID)
		require.Equal(t, models.EntryStatusPending, got.Status)
		require.Equal(t, 1, got.Attempts)
	})

	t.Run("unknown kind is surfaced without touching the provider", func(t *testing.T) {
		ledger := newFakeLedger()
		client := newFakeProvider()
		entry := ledger.addEntry(userID, "transfer", amount, models.EntryStatusPending, nil)

		errored, err := newReconciler(Config{}, client, ledger).Sweep(t.Context())

		require.NoError(t, err)
		require.Equal(t, []uuid.UUID{entry.ID}, errored)
		got := ledger.entry(t, entry.ID)
		require.Equal(t, models.EntryStatusPending, got.Status)
		require.Equal(t, 0, got.Attempts)
		require.Equal(t, 0, client.submitCalls[entry.ID], "corrupted kind must never reach the provider")
	})

	t.Run("attempts exhausted fails entry", func(t *testing.T) {
		ledger := newFakeLedger()
		client := newFakeProvider()
		entry := ledger.addEntry(userID, models.EntryKindCredit, amount, models.EntryStatusPending, nil)
		client.submitErrs[entry.ID] = provider.NewError(provider.CodeNetwork, "", fmt.Errorf("timeout"))

		r := newReconciler(Config{MaxSubmitAttempts: 3}, client, ledger)
		for range 3 {
			_, err := r.Sweep(t.Context())
			require.NoError(t, err)
		}

		got := ledger.entry(t, entry.ID)
		require.Equal(t, models.EntryStatusFailed, got.Status)
		require.Equal(t, 3, got.Attempts)
		require.Equal(t, 3, client.submitCalls[entry.ID])
	})
}

func TestSweep_Submitted(t *testing.T) {
	userID := uuid.New()
	amount := decimal.NewFromInt(50)

	t.Run("provider pending leaves entry submitted", func(t *testing.T) {
		ledger := newFakeLedger()
		client := newFakeProvider()
		entry := ledger.addEntry(userID, models.EntryKindCredit, amount, models.EntryStatusSubmitted, strPtr("REF-1"))
		client.pollStatus["REF-1"] = provider.StatusPending

		errored, err := newReconciler(Config{}, client, ledger).Sweep(t.Context())

		require.NoError(t, err)
		require.Empty(t, errored)
		require.Equal(t, models.EntryStatusSubmitted, ledger.entry(t, entry.ID).Status)
		require.True(t, ledger.balance(userID).IsZero())
	})

	t.Run("settled credit applies balance exactly once", func(t *testing.T) {
		ledger := newFakeLedger()
		client := newFakeProvider()
		entry := ledger.addEntry(userID, models.EntryKindCredit, amount, models.EntryStatusSubmitted, strPtr("REF-1"))
		client.pollStatus["REF-1"] = provider.StatusSettled

		r := newReconciler(Config{}, client, ledger)
		_, err := r.Sweep(t.Context())
		require.NoError(t, err)

		require.Equal(t, models.EntryStatusSettled, ledger.entry(t, entry.ID).Status)
		require.True(t, ledger.balance(userID).Equal(amount), "balance should increase by exactly the amount")

		// Re-polling after settlement must not credit again
		_, err = r.Sweep(t.Context())
		require.NoError(t, err)

		require.True(t, ledger.balance(userID).Equal(amount), "second sweep must not apply the delta again")
		require.Equal(t, 1, ledger.applied[entry.ID])
	})

	t.Run("settled debit decreases balance", func(t *testing.T) {
		ledger := newFakeLedger()
		client := newFakeProvider()
		entry := ledger.addEntry(userID, models.EntryKindDebit, decimal.NewFromInt(20), models.EntryStatusSubmitted, strPtr("REF-2"))
		ledger.balances[userID] = decimal.NewFromInt(100)
		client.pollStatus["REF-2"] = provider.StatusSettled

		_, err := newReconciler(Config{}, client, ledger).Sweep(t.Context())
		require.NoError(t, err)

		require.Equal(t, models.EntryStatusSettled, ledger.entry(t, entry.ID).Status)
		require.True(t, ledger.balance(userID).Equal(decimal.NewFromInt(80)))
	})

	t.Run("provider failed fails entry with balance unchanged", func(t *testing.T) {
		ledger := newFakeLedger()
		client := newFakeProvider()
		entry := ledger.addEntry(userID, models.EntryKindDebit, amount, models.EntryStatusSubmitted, strPtr("REF-3"))
		ledger.balances[userID] = decimal.NewFromInt(100)
		client.pollStatus["REF-3"] = provider.StatusFailed

		_, err := newReconciler(Config{}, client, ledger).Sweep(t.Context())
		require.NoError(t, err)

		require.Equal(t, models.EntryStatusFailed, ledger.entry(t, entry.ID).Status)
		require.True(t, ledger.balance(userID).Equal(decimal.NewFromInt(100)), "failed entry must never change balance")
	})

	t.Run("poll network error retries next sweep", func(t *testing.T) {
		ledger := newFakeLedger()
		client := newFakeProvider()
		entry := ledger.addEntry(userID, models.EntryKindCredit, amount, models.EntryStatusSubmitted, strPtr("REF-4"))
		client.pollErrs["REF-4"] = provider.NewError(provider.CodeNetwork, "", fmt.Errorf("timeout"))

		errored, err := newReconciler(Config{}, client, ledger).Sweep(t.Context())

		require.NoError(t, err)
		require.Equal(t, []uuid.UUID{entry.ID}, errored)
		require.Equal(t, models.EntryStatusSubmitted, ledger.entry(t, entry.ID).Status)
	})
}

func TestSweep_IsolatesFailures(t *testing.T) {
	userID := uuid.New()
	ledger := newFakeLedger()
	client := newFakeProvider()

	bad := ledger.addEntry(userID, models.EntryKindCredit, decimal.NewFromInt(10), models.EntryStatusPending, nil)
	good := ledger.addEntry(userID, models.EntryKindCredit, decimal.NewFromInt(10), models.EntryStatusPending, nil)
	client.submitErrs[bad.ID] = provider.NewError(provider.CodeNetwork, "", fmt.Errorf("timeout"))
	client.submitRefs[good.ID] = "REF-GOOD"

	errored, err := newReconciler(Config{}, client, ledger).Sweep(t.Context())

	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{bad.ID}, errored, "only the failing entry should be surfaced")
	require.Equal(t, models.EntryStatusSubmitted, ledger.entry(t, good.ID).Status, "other entries must still be processed")
}

// blockingProvider holds every call until the sweep context expires
type blockingProvider struct {
	mu    sync.Mutex
	calls int
}

func (b *blockingProvider) block(ctx context.Context) (string, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()

	<-ctx.Done()
	return "", provider.NewError(provider.CodeNetwork, "", ctx.Err())
}

func (b *blockingProvider) SubmitCredit(ctx context.Context, userID uuid.UUID, entryID uuid.UUID, amount decimal.Decimal) (string, error) {
	return b.block(ctx)
}

func (b *blockingProvider) SubmitDebit(ctx context.Context, userID uuid.UUID, entryID uuid.UUID, amount decimal.Decimal) (string, error) {
	return b.block(ctx)
}

func (b *blockingProvider) PollStatus(ctx context.Context, providerRef string) (string, error) {
	return b.block(ctx)
}

func (b *blockingProvider) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestSweep_BudgetAbandonsLeftovers(t *testing.T) {
	userID := uuid.New()
	ledger := newFakeLedger()
	client := &blockingProvider{}

	const count = 20
	ids := make([]uuid.UUID, 0, count)
	for range count {
		entry := ledger.addEntry(userID, models.EntryKindCredit, decimal.NewFromInt(10), models.EntryStatusPending, nil)
		ids = append(ids, entry.ID)
	}

	r := newReconciler(Config{CountWorkers: 1, SweepBudget: 50 * time.Millisecond}, client, ledger)

	start := time.Now()
	_, err := r.Sweep(t.Context())

	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second, "sweep must return once its budget is spent")
	require.LessOrEqual(t, client.callCount(), 2, "the stuck worker must not drain the whole batch")

	// Entries the budget cut off are untouched and wait for the next sweep
	untouched := 0
	for _, id := range ids {
		got := ledger.entry(t, id)
		if got.Status == models.EntryStatusPending && got.Attempts == 0 {
			untouched++
		}
	}
	require.GreaterOrEqual(t, untouched, count-2)
}

func TestSweep_ConcurrentSweeps(t *testing.T) {
	userID := uuid.New()
	amount := decimal.NewFromInt(50)
	ledger := newFakeLedger()
	client := newFakeProvider()

	entry := ledger.addEntry(userID, models.EntryKindCredit, amount, models.EntryStatusSubmitted, strPtr("REF-1"))
	client.pollStatus["REF-1"] = provider.StatusSettled

	r := newReconciler(Config{}, client, ledger)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Sweep(t.Context())
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, models.EntryStatusSettled, ledger.entry(t, entry.ID).Status)
	require.True(t, ledger.balance(userID).Equal(amount), "overlapping sweeps must settle exactly once")
	require.Equal(t, 1, ledger.applied[entry.ID])
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	ledger := newFakeLedger()
	client := newFakeProvider()
	r := newReconciler(Config{SweepInterval: 10 * time.Millisecond}, client, ledger)

	ctx, cancel := context.WithCancel(t.Context())
	stopped := r.Run(ctx)

	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after context cancel")
	}
}
