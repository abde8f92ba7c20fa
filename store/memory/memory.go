// Package memory provides an in-memory ledger.TxStore for tests and dev.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/dressup/tryon-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store keeps all rows in maps guarded by one mutex. WithTx runs fn against
// a copy of the state and swaps it in only when fn succeeds.
type Store struct {
	mu sync.RWMutex
	st *state
}

type redemptionKey struct {
	AccountID ledger.AccountID
	CouponID  string
}

type state struct {
	balances    map[ledger.AccountID]ledger.CreditBalance
	entries     []ledger.LedgerEntry
	idempotency map[string]bool
	coupons     map[string]ledger.Coupon
	codes       map[string]string // normalized code -> coupon id
	redemptions map[redemptionKey]ledger.CouponRedemption
	redeemOrder []redemptionKey
}

// New creates an empty store.
func New() *Store {
	return &Store{st: &state{
		balances:    make(map[ledger.AccountID]ledger.CreditBalance),
		idempotency: make(map[string]bool),
		coupons:     make(map[string]ledger.Coupon),
		codes:       make(map[string]string),
		redemptions: make(map[redemptionKey]ledger.CouponRedemption),
	}}
}

var _ ledger.TxStore = (*Store)(nil)

func (s *state) clone() *state {
	c := &state{
		balances:    make(map[ledger.AccountID]ledger.CreditBalance, len(s.balances)),
		entries:     append([]ledger.LedgerEntry(nil), s.entries...),
		idempotency: make(map[string]bool, len(s.idempotency)),
		coupons:     make(map[string]ledger.Coupon, len(s.coupons)),
		codes:       make(map[string]string, len(s.codes)),
		redemptions: make(map[redemptionKey]ledger.CouponRedemption, len(s.redemptions)),
		redeemOrder: append([]redemptionKey(nil), s.redeemOrder...),
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.coupons {
		c.coupons[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.redemptions {
		c.redemptions[k] = v
	}
	return c
}

// WithTx executes fn atomically. Writers are serialized by the store mutex.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(&view{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) read() *view {
	return &view{st: s.st}
}

func (s *Store) GetBalance(ctx context.Context, id ledger.AccountID) (*ledger.CreditBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetBalance(ctx, id)
}

func (s *Store) InsertBalance(ctx context.Context, b ledger.CreditBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().InsertBalance(ctx, b)
}

func (s *Store) UpdateBalance(ctx context.Context, b ledger.CreditBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().UpdateBalance(ctx, b)
}

func (s *Store) AppendEntry(ctx context.Context, e ledger.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().AppendEntry(ctx, e)
}

func (s *Store) ListEntries(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListEntries(ctx, id, limit)
}

func (s *Store) GetCoupon(ctx context.Context, id string) (*ledger.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetCoupon(ctx, id)
}

func (s *Store) GetCouponByCode(ctx context.Context, code string) (*ledger.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetCouponByCode(ctx, code)
}

func (s *Store) ListCoupons(ctx context.Context) ([]ledger.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListCoupons(ctx)
}

func (s *Store) InsertCoupon(ctx context.Context, c ledger.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().InsertCoupon(ctx, c)
}

func (s *Store) UpdateCouponUsage(ctx context.Context, id string, usageCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().UpdateCouponUsage(ctx, id, usageCount)
}

func (s *Store) DeleteCoupon(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().DeleteCoupon(ctx, id)
}

func (s *Store) FindRedemption(ctx context.Context, accountID ledger.AccountID, couponID string) (*ledger.CouponRedemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().FindRedemption(ctx, accountID, couponID)
}

func (s *Store) InsertRedemption(ctx context.Context, r ledger.CouponRedemption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().InsertRedemption(ctx, r)
}

func (s *Store) ListRedemptions(ctx context.Context, accountID ledger.AccountID) ([]ledger.CouponRedemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListRedemptions(ctx, accountID)
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// =============================================================================
// VIEW - Unlocked operations over one state
// =============================================================================

type view struct {
	st *state
}

func (v *view) GetBalance(_ context.Context, id ledger.AccountID) (*ledger.CreditBalance, error) {
	b, ok := v.st.balances[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &b, nil
}

func (v *view) InsertBalance(_ context.Context, b ledger.CreditBalance) error {
	if _, ok := v.st.balances[b.AccountID]; ok {
		return ledger.ErrAccountExists
	}
	v.st.balances[b.AccountID] = b
	return nil
}

func (v *view) UpdateBalance(_ context.Context, b ledger.CreditBalance) error {
	if _, ok := v.st.balances[b.AccountID]; !ok {
		return ledger.ErrNotFound
	}
	v.st.balances[b.AccountID] = b
	return nil
}

func (v *view) AppendEntry(_ context.Context, e ledger.LedgerEntry) error {
	if e.IdempotencyKey != "" {
		if v.st.idempotency[e.IdempotencyKey] {
			return ledger.ErrDuplicateRequest
		}
		v.st.idempotency[e.IdempotencyKey] = true
	}
	v.st.entries = append(v.st.entries, e)
	return nil
}

func (v *view) ListEntries(_ context.Context, id ledger.AccountID, limit int) ([]ledger.LedgerEntry, error) {
	var out []ledger.LedgerEntry
	for i := len(v.st.entries) - 1; i >= 0; i-- {
		if v.st.entries[i].AccountID != id {
			continue
		}
		out = append(out, v.st.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (v *view) GetCoupon(_ context.Context, id string) (*ledger.Coupon, error) {
	c, ok := v.st.coupons[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &c, nil
}

func (v *view) GetCouponByCode(ctx context.Context, code string) (*ledger.Coupon, error) {
	id, ok := v.st.codes[ledger.NormalizeCode(code)]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return v.GetCoupon(ctx, id)
}

func (v *view) ListCoupons(_ context.Context) ([]ledger.Coupon, error) {
	out := make([]ledger.Coupon, 0, len(v.st.coupons))
	for _, c := range v.st.coupons {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (v *view) InsertCoupon(_ context.Context, c ledger.Coupon) error {
	code := ledger.NormalizeCode(c.Code)
	if _, ok := v.st.codes[code]; ok {
		return ledger.ErrDuplicateCode
	}
	c.Code = code
	v.st.coupons[c.ID] = c
	v.st.codes[code] = c.ID
	return nil
}

func (v *view) UpdateCouponUsage(_ context.Context, id string, usageCount int64) error {
	c, ok := v.st.coupons[id]
	if !ok {
		return ledger.ErrNotFound
	}
	c.UsageCount = usageCount
	v.st.coupons[id] = c
	return nil
}

func (v *view) DeleteCoupon(_ context.Context, id string) error {
	c, ok := v.st.coupons[id]
	if !ok {
		return ledger.ErrNotFound
	}
	delete(v.st.coupons, id)
	delete(v.st.codes, c.Code)
	return nil
}

func (v *view) FindRedemption(_ context.Context, accountID ledger.AccountID, couponID string) (*ledger.CouponRedemption, error) {
	r, ok := v.st.redemptions[redemptionKey{AccountID: accountID, CouponID: couponID}]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &r, nil
}

func (v *view) InsertRedemption(_ context.Context, r ledger.CouponRedemption) error {
	k := redemptionKey{AccountID: r.AccountID, CouponID: r.CouponID}
	if _, ok := v.st.redemptions[k]; ok {
		return ledger.ErrAlreadyRedeemed
	}
	v.st.redemptions[k] = r
	v.st.redeemOrder = append(v.st.redeemOrder, k)
	return nil
}

func (v *view) ListRedemptions(_ context.Context, accountID ledger.AccountID) ([]ledger.CouponRedemption, error) {
	var out []ledger.CouponRedemption
	for i := len(v.st.redeemOrder) - 1; i >= 0; i-- {
		k := v.st.redeemOrder[i]
		if k.AccountID == accountID {
			out = append(out, v.st.redemptions[k])
		}
	}
	return out, nil
}

func (v *view) Ping(ctx context.Context) error {
	return ctx.Err()
}
