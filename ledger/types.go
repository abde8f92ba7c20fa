/*
Package ledger provides the credits engine: balances, consumption, and the
append-only entry log that explains every balance change.

PURPOSE:
  Each account holds an integer credit balance plus two counters:
  how many results it has generated and how many regenerations it has
  requested. Generations are charged; the first regenerations of an
  account are free, after that they are charged like a generation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account:          Identity reference supplied by the session layer
  - CreditBalance:    The one mutable row per account
  - Coupon:           Redeemable grant with a usage cap and optional expiry
  - CouponRedemption: Immutable record, at most one per (account, coupon)
  - LedgerEntry:      Immutable audit row written with every balance change

DESIGN PRINCIPLES:
  1. Integers only: credits are whole units, no fractional balances
  2. Atomicity: every mutation runs inside TxStore.WithTx
  3. Auditability: balance changes and ledger entries commit together
  4. Monotonic counters: total_generated and regenerations never decrease

SEE ALSO:
  - ledger.go: Open, Balance, Consume, Refund, History
  - store.go: Persistence contract
  - coupon/: Redemption and admin management
*/
package ledger

import (
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID is the opaque identity key issued by the identity provider.
type AccountID string

// Account references an authenticated identity. The ledger never creates
// accounts; it only opens a balance row for one.
type Account struct {
	ID    AccountID
	Email string
}

// =============================================================================
// CREDIT BALANCE
// =============================================================================

// CreditBalance is the per-account ledger row.
//
// INVARIANTS:
//   - Credits >= 0
//   - TotalGenerated and Regenerations never decrease
type CreditBalance struct {
	AccountID      AccountID `db:"user_id"`
	Email          string    `db:"email"`
	Credits        int64     `db:"credits"`
	TotalGenerated int64     `db:"total_generated"`
	Regenerations  int64     `db:"regenerations"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// =============================================================================
// COUPONS
// =============================================================================

// Coupon is a code redeemable once per account for a fixed grant.
type Coupon struct {
	ID          string     `db:"id"`
	Code        string     `db:"code"`
	Credits     int64      `db:"credits"`
	UsageLimit  int64      `db:"usage_limit"`
	UsageCount  int64      `db:"usage_count"`
	ExpiresAt   *time.Time `db:"expiry_date"`
	Description string     `db:"description"`
	CreatedBy   string     `db:"created_by"`
	CreatedAt   time.Time  `db:"created_at"`
}

// Expired reports whether the coupon is past its expiry at now.
func (c Coupon) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Exhausted reports whether the global usage cap has been reached.
func (c Coupon) Exhausted() bool {
	return c.UsageCount >= c.UsageLimit
}

// Remaining returns how many redemptions are still available.
func (c Coupon) Remaining() int64 {
	if c.Exhausted() {
		return 0
	}
	return c.UsageLimit - c.UsageCount
}

// CouponRedemption records one successful redemption. Code is copied from
// the coupon so history stays readable after the coupon is deleted.
type CouponRedemption struct {
	ID           string    `db:"id"`
	AccountID    AccountID `db:"user_id"`
	CouponID     string    `db:"coupon_id"`
	Code         string    `db:"code"`
	CreditsAdded int64     `db:"credits_added"`
	RedeemedAt   time.Time `db:"redeemed_at"`
}

// NormalizeCode returns the canonical, case-insensitive form of a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// =============================================================================
// LEDGER ENTRY - Append-only audit log
// =============================================================================

// EntryKind classifies why a balance changed.
type EntryKind string

const (
	EntryGrant        EntryKind = "grant"        // Starting grant when the balance is opened
	EntryGeneration   EntryKind = "generation"   // First generation of a result
	EntryRegeneration EntryKind = "regeneration" // Follow-up generation, possibly free
	EntryCoupon       EntryKind = "coupon"       // Coupon redemption
	EntryRefund       EntryKind = "refund"       // Compensation for a failed generation
)

// LedgerEntry is an immutable record of one balance change. Free
// regenerations are recorded with a zero delta.
type LedgerEntry struct {
	ID             string    `db:"id"`
	AccountID      AccountID `db:"user_id"`
	Kind           EntryKind `db:"kind"`
	Delta          int64     `db:"delta"`
	BalanceAfter   int64     `db:"balance_after"`
	ReferenceID    string    `db:"reference_id"`
	Reason         string    `db:"reason"`
	IdempotencyKey string    `db:"idempotency_key"`
	CreatedAt      time.Time `db:"created_at"`
}

// =============================================================================
// RECEIPT - Authoritative result of a consume call
// =============================================================================

// Receipt describes a successful consume. Callers update their view of the
// balance from Receipt.Balance rather than predicting it.
type Receipt struct {
	EntryID            string
	AccountID          AccountID
	Charged            int64
	Regeneration       bool
	RegenerationNumber int64 // 1-based; zero for generations
	Free               bool
	Balance            CreditBalance
}
