package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dressup/tryon-engine/ledger"
	"github.com/dressup/tryon-engine/store/memory"
	"github.com/dressup/tryon-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var fixedNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

type storeCase struct {
	name string
	new  func(t *testing.T) ledger.TxStore
}

func storeCases() []storeCase {
	return []storeCase{
		{name: "memory", new: func(t *testing.T) ledger.TxStore { return memory.New() }},
		{name: "sqlite", new: func(t *testing.T) ledger.TxStore {
			s, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func newTestLedger(t *testing.T, store ledger.TxStore, grant int64) *ledger.Ledger {
	t.Helper()
	log, _ := test.NewNullLogger()
	return ledger.New(store,
		ledger.WithConfig(ledger.Config{StartingGrant: grant, FreeRegenerations: 2}),
		ledger.WithClock(func() time.Time { return fixedNow }),
		ledger.WithLogger(log),
	)
}

func forEachStore(t *testing.T, fn func(t *testing.T, store ledger.TxStore)) {
	for _, sc := range storeCases() {
		t.Run(sc.name, func(t *testing.T) {
			fn(t, sc.new(t))
		})
	}
}

func openAccount(t *testing.T, l *ledger.Ledger, id string) *ledger.CreditBalance {
	t.Helper()
	b, created, err := l.Open(context.Background(), ledger.Account{ID: ledger.AccountID(id), Email: id + "@example.com"})
	require.NoError(t, err)
	require.True(t, created)
	return b
}

// =============================================================================
// OPEN / BALANCE
// =============================================================================

func TestOpen_CreatesBalanceWithGrantOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.TxStore) {
		ctx := context.Background()
		l := newTestLedger(t, store, 10)

		// GIVEN: an account without a balance row
		_, err := l.Balance(ctx, "user-1")
		require.ErrorIs(t, err, ledger.ErrNotFound)

		// WHEN: the balance is opened twice
		first := openAccount(t, l, "user-1")
		second, created, err := l.Open(ctx, ledger.Account{ID: "user-1"})
		require.NoError(t, err)

		// THEN: the grant is applied once and logged once
		assert.False(t, created)
		assert.Equal(t, int64(10), first.Credits)
		assert.Equal(t, int64(10), second.Credits)
		assert.Equal(t, "user-1@example.com", second.Email)

		entries, err := l.History(ctx, "user-1", 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, ledger.EntryGrant, entries[0].Kind)
		assert.Equal(t, int64(10), entries[0].Delta)
	})
}

func TestOpen_EmptyAccountID_InvalidArgument(t *testing.T) {
	l := newTestLedger(t, memory.New(), 10)
	_, _, err := l.Open(context.Background(), ledger.Account{})
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
}

func TestOpen_ConcurrentCallsCreateOneRow(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.TxStore) {
		ctx := context.Background()
		l := newTestLedger(t, store, 10)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, c, err := l.Open(ctx, ledger.Account{ID: "user-1"})
				assert.NoError(t, err)
				if c {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, created)
		b, err := l.Balance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), b.Credits)
	})
}

// =============================================================================
// CONSUME
// =============================================================================

func TestConsume_Scenario_FreeRegenerationsThenCharged(t *testing.T) {
	// GIVEN: credits=100, regenerations=0
	// WHEN: one generation and three regenerations of 30
	// THEN: 70 after the generation, regenerations #1 and #2 are free,
	//       #3 is charged: 40
	forEachStore(t, func(t *testing.T, store ledger.TxStore) {
		ctx := context.Background()
		l := newTestLedger(t, store, 100)
		openAccount(t, l, "user-1")

		r, err := l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: 30})
		require.NoError(t, err)
		assert.Equal(t, int64(30), r.Charged)
		assert.Equal(t, int64(70), r.Balance.Credits)
		assert.Equal(t, int64(1), r.Balance.TotalGenerated)

		for i, want := range []struct {
			charged int64
			credits int64
			free    bool
		}{
			{0, 70, true},
			{0, 70, true},
			{30, 40, false},
		} {
			r, err := l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: 30, Regeneration: true})
			require.NoError(t, err)
			assert.Equal(t, want.charged, r.Charged, "regeneration #%d", i+1)
			assert.Equal(t, want.credits, r.Balance.Credits, "regeneration #%d", i+1)
			assert.Equal(t, want.free, r.Free)
			assert.Equal(t, int64(i+1), r.RegenerationNumber)
		}

		b, err := l.Balance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(40), b.Credits)
		assert.Equal(t, int64(1), b.TotalGenerated)
		assert.Equal(t, int64(3), b.Regenerations)
	})
}

func TestConsume_Insufficient_LeavesStateUnchanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.TxStore) {
		ctx := context.Background()
		l := newTestLedger(t, store, 20)
		openAccount(t, l, "user-1")

		// GIVEN: the free regenerations are used up
		for i := 0; i < 2; i++ {
			_, err := l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: 30, Regeneration: true})
			require.NoError(t, err)
		}
		before, err := l.Balance(ctx, "user-1")
		require.NoError(t, err)

		// WHEN: a charged regeneration and a generation exceed the balance
		_, err = l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: 30, Regeneration: true})
		var insufficient *ledger.InsufficientCreditsError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, int64(20), insufficient.Available)
		assert.Equal(t, int64(30), insufficient.Requested)

		_, err = l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: 21})
		require.ErrorIs(t, err, ledger.ErrInsufficientCredits)

		// THEN: credits and both counters are unchanged
		after, err := l.Balance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, before.Credits, after.Credits)
		assert.Equal(t, before.Regenerations, after.Regenerations)
		assert.Equal(t, before.TotalGenerated, after.TotalGenerated)

		entries, err := l.History(ctx, "user-1", 0)
		require.NoError(t, err)
		assert.Len(t, entries, 3) // grant + two free regenerations
	})
}

func TestConsume_ExactBalance_ReachesZero(t *testing.T) {
	l := newTestLedger(t, memory.New(), 30)
	openAccount(t, l, "user-1")

	r, err := l.Consume(context.Background(), ledger.ConsumeRequest{AccountID: "user-1", Amount: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Balance.Credits)
}

func TestConsume_InvalidInput(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, memory.New(), 10)
	openAccount(t, l, "user-1")

	_, err := l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: 0})
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)

	_, err = l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: -5})
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)

	_, err = l.Consume(ctx, ledger.ConsumeRequest{Amount: 1})
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
}

func TestConsume_UnknownAccount_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.TxStore) {
		l := newTestLedger(t, store, 10)
		_, err := l.Consume(context.Background(), ledger.ConsumeRequest{AccountID: "ghost", Amount: 1})
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

func TestConsume_IdempotencyKey_SecondCallRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.TxStore) {
		ctx := context.Background()
		l := newTestLedger(t, store, 10)
		openAccount(t, l, "user-1")

		req := ledger.ConsumeRequest{AccountID: "user-1", Amount: 3, IdempotencyKey: "req-42"}
		_, err := l.Consume(ctx, req)
		require.NoError(t, err)

		_, err = l.Consume(ctx, req)
		require.ErrorIs(t, err, ledger.ErrDuplicateRequest)

		b, err := l.Balance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), b.Credits)
		assert.Equal(t, int64(1), b.TotalGenerated)
	})
}

func TestConsume_Concurrent_NeverNegative(t *testing.T) {
	// GIVEN: 10 credits and 25 concurrent consumers of 1 credit
	// THEN: exactly 10 succeed and the balance ends at 0
	forEachStore(t, func(t *testing.T, store ledger.TxStore) {
		ctx := context.Background()
		l := newTestLedger(t, store, 10)
		openAccount(t, l, "user-1")

		var (
			wg           sync.WaitGroup
			mu           sync.Mutex
			successes    int
			insufficient int
		)
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r, err := l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: 1})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
					assert.GreaterOrEqual(t, r.Balance.Credits, int64(0))
				case errors.Is(err, ledger.ErrInsufficientCredits):
					insufficient++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 10, successes)
		assert.Equal(t, 15, insufficient)
		b, err := l.Balance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), b.Credits)
		assert.Equal(t, int64(10), b.TotalGenerated)
	})
}

func TestConsume_MixedConcurrent_FreeAllowanceHonoredOnce(t *testing.T) {
	l := newTestLedger(t, memory.New(), 100)
	openAccount(t, l, "user-1")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: 10, Regeneration: true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	b, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), b.Regenerations)
	assert.Equal(t, int64(60), b.Credits) // 4 charged, 2 free
}

// =============================================================================
// REFUND / HISTORY
// =============================================================================

func TestRefund_RestoresChargeOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.TxStore) {
		ctx := context.Background()
		l := newTestLedger(t, store, 10)
		openAccount(t, l, "user-1")

		r, err := l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: 4})
		require.NoError(t, err)

		b, err := l.Refund(ctx, *r, "model unavailable")
		require.NoError(t, err)
		assert.Equal(t, int64(10), b.Credits)
		assert.Equal(t, int64(1), b.TotalGenerated, "counters are monotonic")

		_, err = l.Refund(ctx, *r, "again")
		require.ErrorIs(t, err, ledger.ErrDuplicateRequest)

		after, err := l.Balance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), after.Credits)

		entries, err := l.History(ctx, "user-1", 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, ledger.EntryRefund, entries[0].Kind)
		assert.Equal(t, r.EntryID, entries[0].ReferenceID)
		assert.Equal(t, ledger.EntryGeneration, entries[1].Kind)
		assert.Equal(t, int64(-4), entries[1].Delta)
	})
}

func TestRefund_FreeReceipt_NoOp(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, memory.New(), 10)
	openAccount(t, l, "user-1")

	r, err := l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: 4, Regeneration: true})
	require.NoError(t, err)
	require.True(t, r.Free)

	b, err := l.Refund(ctx, *r, "fallback")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Credits)

	entries, err := l.History(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestHistory_LimitAndOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.TxStore) {
		ctx := context.Background()
		l := newTestLedger(t, store, 10)
		openAccount(t, l, "user-1")
		for i := 0; i < 3; i++ {
			_, err := l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: 1})
			require.NoError(t, err)
		}

		entries, err := l.History(ctx, "user-1", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, int64(7), entries[0].BalanceAfter)
		assert.Equal(t, int64(8), entries[1].BalanceAfter)
	})
}

func TestHistory_NewestFirstWithSubSecondClock(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.TxStore) {
		// GIVEN: a clock stepping 12:00:00, +100ms, +150ms
		ctx := context.Background()
		log, _ := test.NewNullLogger()
		now := fixedNow
		l := ledger.New(store,
			ledger.WithConfig(ledger.Config{StartingGrant: 10, FreeRegenerations: 2}),
			ledger.WithClock(func() time.Time { return now }),
			ledger.WithLogger(log),
		)
		openAccount(t, l, "user-1")

		now = fixedNow.Add(100 * time.Millisecond)
		_, err := l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: 1, Reason: "at .100"})
		require.NoError(t, err)
		now = fixedNow.Add(150 * time.Millisecond)
		_, err = l.Consume(ctx, ledger.ConsumeRequest{AccountID: "user-1", Amount: 1, Reason: "at .150"})
		require.NoError(t, err)

		// WHEN: reading history
		h, err := l.History(ctx, "user-1", 10)
		require.NoError(t, err)

		// THEN: newest entry comes first
		require.Len(t, h, 3)
		assert.Equal(t, "at .150", h[0].Reason)
		assert.Equal(t, "at .100", h[1].Reason)
		assert.Equal(t, "starting grant", h[2].Reason)
	})
}

func TestConsume_LogsRejection(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	l := ledger.New(memory.New(), ledger.WithLogger(log))

	_, err := l.Consume(context.Background(), ledger.ConsumeRequest{AccountID: "ghost", Amount: 1})
	require.Error(t, err)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "consume rejected", hook.LastEntry().Message)
	assert.Equal(t, ledger.AccountID("ghost"), hook.LastEntry().Data["account"])
}
