/*
Package coupon implements coupon redemption and admin coupon management.

REDEMPTION (one store transaction):
  1. Normalize the code (trim + upper-case)
  2. Lookup                                   -> ErrCouponNotFound
  3. now > expiry                             -> ErrCouponExpired
  4. usage_count >= usage_limit               -> ErrCouponExhausted
  5. Redemption exists for (account, coupon)  -> ErrAlreadyRedeemed
  6. Insert redemption, usage_count += 1, credits += coupon.credits,
     append a coupon ledger entry

Any failure rolls back every write of the transaction. The order of the
checks is part of the contract: an expired coupon that is also exhausted
reports ErrCouponExpired.

SEE ALSO:
  - manager.go: Admin create/list/delete
  - ledger/store.go: Uniqueness contract relied on in step 6
*/
package coupon

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dressup/tryon-engine/ledger"
	"github.com/dressup/tryon-engine/metrics"
)

// Result is the outcome of a successful redemption.
type Result struct {
	Success      bool
	CreditsAdded int64
	Code         string
	RedemptionID string
	Balance      ledger.CreditBalance
}

// Redeemer applies coupons to account balances.
type Redeemer struct {
	store ledger.TxStore
	now   func() time.Time
	newID func() string
	log   logrus.FieldLogger
}

// RedeemerOption customizes a Redeemer.
type RedeemerOption func(*Redeemer)

// WithRedeemClock overrides the time source used for expiry checks.
func WithRedeemClock(now func() time.Time) RedeemerOption {
	return func(r *Redeemer) { r.now = now }
}

// WithRedeemLogger sets the logger.
func WithRedeemLogger(log logrus.FieldLogger) RedeemerOption {
	return func(r *Redeemer) { r.log = log }
}

// NewRedeemer creates a Redeemer over store.
func NewRedeemer(store ledger.TxStore, opts ...RedeemerOption) *Redeemer {
	r := &Redeemer{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Redeem applies code to the account. On error nothing has changed.
func (r *Redeemer) Redeem(ctx context.Context, accountID ledger.AccountID, code string) (*Result, error) {
	res, err := r.redeem(ctx, accountID, code)
	metrics.RecordRedeem(ledger.ErrorCode(err))

	fields := logrus.Fields{
		"account": accountID,
		"code":    ledger.NormalizeCode(code),
	}
	if err != nil {
		r.log.WithFields(fields).WithError(err).Info("coupon redemption rejected")
		return nil, err
	}
	fields["credits"] = res.CreditsAdded
	r.log.WithFields(fields).Info("coupon redeemed")
	return res, nil
}

func (r *Redeemer) redeem(ctx context.Context, accountID ledger.AccountID, code string) (*Result, error) {
	if accountID == "" {
		return nil, ledger.InvalidArgument("account id is required")
	}
	normalized := ledger.NormalizeCode(code)
	if normalized == "" {
		return nil, ledger.InvalidArgument("coupon code is required")
	}

	var res *Result
	err := r.store.WithTx(ctx, func(s ledger.Store) error {
		c, err := s.GetCouponByCode(ctx, normalized)
		if errors.Is(err, ledger.ErrNotFound) {
			return &ledger.CouponError{Code: normalized, Err: ledger.ErrCouponNotFound}
		}
		if err != nil {
			return err
		}

		now := r.now()
		if c.Expired(now) {
			return &ledger.CouponError{Code: normalized, Err: ledger.ErrCouponExpired}
		}
		if c.Exhausted() {
			return &ledger.CouponError{Code: normalized, Err: ledger.ErrCouponExhausted}
		}

		_, err = s.FindRedemption(ctx, accountID, c.ID)
		if err == nil {
			return &ledger.CouponError{Code: normalized, Err: ledger.ErrAlreadyRedeemed}
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		b, err := s.GetBalance(ctx, accountID)
		if err != nil {
			return err
		}

		redemption := ledger.CouponRedemption{
			ID:           r.newID(),
			AccountID:    accountID,
			CouponID:     c.ID,
			Code:         c.Code,
			CreditsAdded: c.Credits,
			RedeemedAt:   now,
		}
		if err := s.InsertRedemption(ctx, redemption); err != nil {
			if errors.Is(err, ledger.ErrAlreadyRedeemed) {
				return &ledger.CouponError{Code: normalized, Err: ledger.ErrAlreadyRedeemed}
			}
			return err
		}
		if err := s.UpdateCouponUsage(ctx, c.ID, c.UsageCount+1); err != nil {
			return err
		}

		b.Credits += c.Credits
		b.UpdatedAt = now
		if err := s.UpdateBalance(ctx, *b); err != nil {
			return err
		}

		entry := ledger.LedgerEntry{
			ID:             r.newID(),
			AccountID:      accountID,
			Kind:           ledger.EntryCoupon,
			Delta:          c.Credits,
			BalanceAfter:   b.Credits,
			ReferenceID:    redemption.ID,
			Reason:         "coupon " + c.Code,
			IdempotencyKey: "coupon:" + string(accountID) + ":" + c.ID,
			CreatedAt:      now,
		}
		if err := s.AppendEntry(ctx, entry); err != nil {
			return err
		}

		res = &Result{
			Success:      true,
			CreditsAdded: c.Credits,
			Code:         c.Code,
			RedemptionID: redemption.ID,
			Balance:      *b,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// History returns the account's redemptions, newest first.
func (r *Redeemer) History(ctx context.Context, accountID ledger.AccountID) ([]ledger.CouponRedemption, error) {
	if accountID == "" {
		return nil, ledger.InvalidArgument("account id is required")
	}
	return r.store.ListRedemptions(ctx, accountID)
}
