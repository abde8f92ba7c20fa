package coupon_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dressup/tryon-engine/coupon"
	"github.com/dressup/tryon-engine/ledger"
	"github.com/dressup/tryon-engine/store/memory"
	"github.com/dressup/tryon-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var fixedNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

var admin = coupon.Principal{AccountID: "admin-1", Email: "admin@example.com"}

type fixture struct {
	store    ledger.TxStore
	ledger   *ledger.Ledger
	redeemer *coupon.Redeemer
	manager  *coupon.Manager
}

func newFixture(t *testing.T, store ledger.TxStore) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	clock := func() time.Time { return fixedNow }
	return &fixture{
		store: store,
		ledger: ledger.New(store,
			ledger.WithConfig(ledger.Config{StartingGrant: 10, FreeRegenerations: 2}),
			ledger.WithClock(clock),
			ledger.WithLogger(log)),
		redeemer: coupon.NewRedeemer(store, coupon.WithRedeemClock(clock), coupon.WithRedeemLogger(log)),
		manager:  coupon.NewManager(store, coupon.AdminPolicy{AdminEmail: "admin@example.com"}, log),
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newFixture(t, memory.New()))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, newFixture(t, s))
	})
}

func (f *fixture) open(t *testing.T, id string) {
	t.Helper()
	_, _, err := f.ledger.Open(context.Background(), ledger.Account{ID: ledger.AccountID(id)})
	require.NoError(t, err)
}

func (f *fixture) create(t *testing.T, in coupon.NewCoupon) *ledger.Coupon {
	t.Helper()
	c, err := f.manager.Create(context.Background(), admin, in)
	require.NoError(t, err)
	return c
}

func (f *fixture) credits(t *testing.T, id string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), ledger.AccountID(id))
	require.NoError(t, err)
	return b.Credits
}

func at(t time.Time) *time.Time { return &t }

// =============================================================================
// REDEMPTION
// =============================================================================

func TestRedeem_SameAccountTwice_AlreadyRedeemed(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.open(t, "user-a")
		f.create(t, coupon.NewCoupon{Code: "welcome", Credits: 25, UsageLimit: 100})

		// WHEN: the code is redeemed twice, with different casing
		res, err := f.redeemer.Redeem(ctx, "user-a", "WELCOME")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, int64(25), res.CreditsAdded)
		assert.Equal(t, int64(35), res.Balance.Credits)

		_, err = f.redeemer.Redeem(ctx, "user-a", " Welcome ")

		// THEN: the second fails and grants nothing
		require.ErrorIs(t, err, ledger.ErrAlreadyRedeemed)
		var cerr *ledger.CouponError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "WELCOME", cerr.Code)
		assert.Equal(t, int64(35), f.credits(t, "user-a"))

		c, err := f.store.GetCouponByCode(ctx, "welcome")
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.UsageCount)
	})
}

func TestRedeem_Scenario_SingleUseCouponExhausted(t *testing.T) {
	// GIVEN: SUMMER2025 with credits=50 and usage_limit=1
	// WHEN: account A then account B redeem it
	// THEN: A gains 50 and B gets CouponExhausted
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.open(t, "user-a")
		f.open(t, "user-b")
		f.create(t, coupon.NewCoupon{Code: "SUMMER2025", Credits: 50, UsageLimit: 1})

		res, err := f.redeemer.Redeem(ctx, "user-a", "SUMMER2025")
		require.NoError(t, err)
		assert.Equal(t, int64(50), res.CreditsAdded)

		c, err := f.store.GetCouponByCode(ctx, "SUMMER2025")
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.UsageCount)

		_, err = f.redeemer.Redeem(ctx, "user-b", "SUMMER2025")
		require.ErrorIs(t, err, ledger.ErrCouponExhausted)
		assert.Equal(t, int64(10), f.credits(t, "user-b"))
	})
}

func TestRedeem_Expired_UsageUnchanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.open(t, "user-a")
		f.create(t, coupon.NewCoupon{
			Code: "OLD", Credits: 5, UsageLimit: 10,
			ExpiresAt: at(fixedNow.Add(-time.Second)),
		})

		_, err := f.redeemer.Redeem(ctx, "user-a", "old")
		require.ErrorIs(t, err, ledger.ErrCouponExpired)

		c, err := f.store.GetCouponByCode(ctx, "OLD")
		require.NoError(t, err)
		assert.Equal(t, int64(0), c.UsageCount)
		assert.Equal(t, int64(10), f.credits(t, "user-a"))
	})
}

func TestRedeem_ExpiryIsInclusiveOfInstant(t *testing.T) {
	f := newFixture(t, memory.New())
	f.open(t, "user-a")
	f.create(t, coupon.NewCoupon{Code: "EDGE", Credits: 5, UsageLimit: 1, ExpiresAt: at(fixedNow)})

	_, err := f.redeemer.Redeem(context.Background(), "user-a", "EDGE")
	assert.NoError(t, err)
}

func TestRedeem_ExpiredAndExhausted_ReportsExpired(t *testing.T) {
	f := newFixture(t, memory.New())
	f.open(t, "user-a")
	f.open(t, "user-b")
	f.create(t, coupon.NewCoupon{Code: "BOTH", Credits: 5, UsageLimit: 1, ExpiresAt: at(fixedNow)})
	_, err := f.redeemer.Redeem(context.Background(), "user-a", "BOTH")
	require.NoError(t, err)

	// GIVEN: the coupon is exhausted and, a day later, also expired
	later := coupon.NewRedeemer(f.store, coupon.WithRedeemClock(func() time.Time { return fixedNow.AddDate(0, 0, 1) }))

	// THEN: expiry is checked first
	_, err = later.Redeem(context.Background(), "user-b", "BOTH")
	assert.ErrorIs(t, err, ledger.ErrCouponExpired)
}

func TestRedeem_UnknownCode_CouponNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		f.open(t, "user-a")
		_, err := f.redeemer.Redeem(context.Background(), "user-a", "NOPE")
		assert.ErrorIs(t, err, ledger.ErrCouponNotFound)
		assert.True(t, ledger.IsNotFound(err))
	})
}

func TestRedeem_EmptyCode_InvalidArgument(t *testing.T) {
	f := newFixture(t, memory.New())
	_, err := f.redeemer.Redeem(context.Background(), "user-a", "   ")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
}

func TestRedeem_NoBalanceRow_RollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.create(t, coupon.NewCoupon{Code: "ORPHAN", Credits: 5, UsageLimit: 3})

		_, err := f.redeemer.Redeem(ctx, "ghost", "ORPHAN")
		require.ErrorIs(t, err, ledger.ErrNotFound)

		c, err := f.store.GetCouponByCode(ctx, "ORPHAN")
		require.NoError(t, err)
		assert.Equal(t, int64(0), c.UsageCount)
		redemptions, err := f.redeemer.History(ctx, "ghost")
		require.NoError(t, err)
		assert.Empty(t, redemptions)
	})
}

func TestRedeem_WritesLedgerEntry(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.open(t, "user-a")
		f.create(t, coupon.NewCoupon{Code: "ENTRY", Credits: 7, UsageLimit: 3})

		res, err := f.redeemer.Redeem(ctx, "user-a", "entry")
		require.NoError(t, err)

		entries, err := f.ledger.History(ctx, "user-a", 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, ledger.EntryCoupon, entries[0].Kind)
		assert.Equal(t, int64(7), entries[0].Delta)
		assert.Equal(t, int64(17), entries[0].BalanceAfter)
		assert.Equal(t, res.RedemptionID, entries[0].ReferenceID)
	})
}

func TestRedeem_ConcurrentAccounts_RespectUsageLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		accounts := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
		for _, id := range accounts {
			f.open(t, id)
		}
		f.create(t, coupon.NewCoupon{Code: "RUSH", Credits: 5, UsageLimit: 3})

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for _, id := range accounts {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.redeemer.Redeem(ctx, ledger.AccountID(id), "RUSH")
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, ledger.ErrCouponExhausted)
			}(id)
		}
		wg.Wait()

		assert.Equal(t, 3, successes)
		c, err := f.store.GetCouponByCode(ctx, "RUSH")
		require.NoError(t, err)
		assert.Equal(t, int64(3), c.UsageCount)
	})
}

// =============================================================================
// ADMIN MANAGEMENT
// =============================================================================

func TestCreate_CaseInsensitiveCollision_DuplicateCode(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		f.create(t, coupon.NewCoupon{Code: "Summer2025", Credits: 50, UsageLimit: 1})

		_, err := f.manager.Create(context.Background(), admin, coupon.NewCoupon{Code: "SUMMER2025", Credits: 5, UsageLimit: 1})
		assert.ErrorIs(t, err, ledger.ErrDuplicateCode)
	})
}

func TestCreate_StoresNormalizedCode(t *testing.T) {
	f := newFixture(t, memory.New())
	c := f.create(t, coupon.NewCoupon{Code: "  spring-10 ", Credits: 10, UsageLimit: 5, Description: " Spring promo "})

	assert.Equal(t, "SPRING-10", c.Code)
	assert.Equal(t, int64(0), c.UsageCount)
	assert.Equal(t, "Spring promo", c.Description)
	assert.Equal(t, "admin@example.com", c.CreatedBy)
}

func TestCreate_InvalidInput(t *testing.T) {
	f := newFixture(t, memory.New())
	tests := []struct {
		name string
		in   coupon.NewCoupon
	}{
		{"empty code", coupon.NewCoupon{Code: "", Credits: 1, UsageLimit: 1}},
		{"bad characters", coupon.NewCoupon{Code: "NO SPACES", Credits: 1, UsageLimit: 1}},
		{"too short", coupon.NewCoupon{Code: "AB", Credits: 1, UsageLimit: 1}},
		{"zero credits", coupon.NewCoupon{Code: "ZERO", Credits: 0, UsageLimit: 1}},
		{"zero usage limit", coupon.NewCoupon{Code: "LIMIT", Credits: 1, UsageLimit: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Create(context.Background(), admin, tt.in)
			assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
		})
	}
}

func TestManager_NonAdmin_Forbidden(t *testing.T) {
	f := newFixture(t, memory.New())
	ctx := context.Background()
	user := coupon.Principal{AccountID: "user-a", Email: "user@example.com"}

	_, err := f.manager.Create(ctx, user, coupon.NewCoupon{Code: "HACK", Credits: 1000, UsageLimit: 1})
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	_, err = f.manager.List(ctx, user)
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	assert.ErrorIs(t, f.manager.Delete(ctx, user, "any"), ledger.ErrForbidden)

	coupons, err := f.store.ListCoupons(ctx)
	require.NoError(t, err)
	assert.Empty(t, coupons)
}

func TestManager_SystemPrincipal_Allowed(t *testing.T) {
	f := newFixture(t, memory.New())
	_, err := f.manager.Create(context.Background(), coupon.SystemPrincipal, coupon.NewCoupon{Code: "CLI", Credits: 1, UsageLimit: 1})
	assert.NoError(t, err)
}

func TestAdminPolicy_Authorized(t *testing.T) {
	p := coupon.AdminPolicy{AdminEmail: "Admin@Example.com"}
	assert.True(t, p.Authorized(coupon.Principal{Email: "admin@example.com"}))
	assert.False(t, p.Authorized(coupon.Principal{Email: "other@example.com"}))
	assert.False(t, p.Authorized(coupon.Principal{}))
	assert.False(t, coupon.AdminPolicy{}.Authorized(coupon.Principal{Email: "admin@example.com"}))
	assert.True(t, coupon.AdminPolicy{}.Authorized(coupon.SystemPrincipal))
}

func TestDelete_KeepsRedemptionHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.open(t, "user-a")
		c := f.create(t, coupon.NewCoupon{Code: "GONE", Credits: 5, UsageLimit: 2})
		_, err := f.redeemer.Redeem(ctx, "user-a", "GONE")
		require.NoError(t, err)

		require.NoError(t, f.manager.Delete(ctx, admin, c.ID))

		_, err = f.redeemer.Redeem(ctx, "user-a", "GONE")
		assert.ErrorIs(t, err, ledger.ErrCouponNotFound)

		history, err := f.redeemer.History(ctx, "user-a")
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, c.ID, history[0].CouponID)
		assert.Equal(t, "GONE", history[0].Code)

		assert.ErrorIs(t, f.manager.Delete(ctx, admin, c.ID), ledger.ErrNotFound)
	})
}

func TestList_NewestFirst(t *testing.T) {
	f := newFixture(t, memory.New())
	f.create(t, coupon.NewCoupon{Code: "AAA", Credits: 1, UsageLimit: 1})
	f.create(t, coupon.NewCoupon{Code: "BBB", Credits: 1, UsageLimit: 1})

	coupons, err := f.manager.List(context.Background(), admin)
	require.NoError(t, err)
	assert.Len(t, coupons, 2)
}

// =============================================================================
// EXPIRY PARSING
// =============================================================================

func TestParseExpiry(t *testing.T) {
	none, err := coupon.ParseExpiry("")
	require.NoError(t, err)
	assert.Nil(t, none)

	day, err := coupon.ParseExpiry("2025-06-01")
	require.NoError(t, err)
	require.NotNil(t, day)
	assert.Equal(t, time.Date(2025, time.June, 1, 23, 59, 59, 999999999, time.UTC), *day)

	ts, err := coupon.ParseExpiry("2025-06-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC), *ts)

	_, err = coupon.ParseExpiry("June 1st")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
}

func TestParseExpiry_BareDateValidAllDay(t *testing.T) {
	exp, err := coupon.ParseExpiry("2025-06-01")
	require.NoError(t, err)
	c := ledger.Coupon{ExpiresAt: exp}

	assert.False(t, c.Expired(time.Date(2025, time.June, 1, 23, 59, 0, 0, time.UTC)))
	assert.True(t, c.Expired(time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC)))
}
