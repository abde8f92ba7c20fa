/*
store.go - Persistence interface for balances, coupons, and ledger entries

PURPOSE:
  Defines the boundary between the credits engine and the database.
  Implementations: store/memory (tests, dev), store/sqlite, store/postgres.

UNIQUENESS CONTRACT:
  Implementations MUST enforce, at the storage level:
  - one CreditBalance per AccountID          -> ErrAccountExists
  - one Coupon per normalized code           -> ErrDuplicateCode
  - one CouponRedemption per (account, coupon) -> ErrAlreadyRedeemed
  - one LedgerEntry per non-empty idempotency key -> ErrDuplicateRequest

ATOMICITY:
  Every multi-row mutation goes through TxStore.WithTx. Reads made through
  the Store handed to fn see a consistent, write-locked view of the rows
  they touch: Postgres uses SELECT ... FOR UPDATE, SQLite serializes
  writers, the memory store holds a global lock.

APPEND-ONLY:
  Ledger entries and redemptions have no Update or Delete methods.

SEE ALSO:
  - ledger.go: Uses Store inside WithTx
  - coupon/redeem.go: Redemption transaction
*/
package ledger

import "context"

// =============================================================================
// STORE - Row-level persistence
// =============================================================================

// Store persists ledger state. Lookups of absent rows return ErrNotFound.
type Store interface {
	// Balances
	GetBalance(ctx context.Context, id AccountID) (*CreditBalance, error)
	InsertBalance(ctx context.Context, b CreditBalance) error
	UpdateBalance(ctx context.Context, b CreditBalance) error

	// Ledger entries (append-only)
	AppendEntry(ctx context.Context, e LedgerEntry) error
	ListEntries(ctx context.Context, id AccountID, limit int) ([]LedgerEntry, error)

	// Coupons
	GetCoupon(ctx context.Context, id string) (*Coupon, error)
	GetCouponByCode(ctx context.Context, code string) (*Coupon, error)
	ListCoupons(ctx context.Context) ([]Coupon, error)
	InsertCoupon(ctx context.Context, c Coupon) error
	UpdateCouponUsage(ctx context.Context, id string, usageCount int64) error
	DeleteCoupon(ctx context.Context, id string) error

	// Redemptions (append-only)
	FindRedemption(ctx context.Context, accountID AccountID, couponID string) (*CouponRedemption, error)
	InsertRedemption(ctx context.Context, r CouponRedemption) error
	ListRedemptions(ctx context.Context, accountID AccountID) ([]CouponRedemption, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
