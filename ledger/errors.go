/*
errors.go - Centralized error types for the credits engine

PURPOSE:
  All error kinds of the ledger and coupon subsystems in one place.
  Callers branch with errors.Is on the sentinels; structured errors carry
  extra context and unwrap to their sentinel.

ERROR CATEGORIES:
  1. Lookup errors     - NotFound, CouponNotFound
  2. Business rules    - InsufficientCredits, CouponExpired, CouponExhausted,
                         AlreadyRedeemed, DuplicateCode, DuplicateRequest
  3. Caller errors     - InvalidArgument, Forbidden
  4. Store errors      - TransientStore (network, timeout, lock contention)

SEE ALSO:
  - api/errors.go: Maps these errors to HTTP status codes
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when an account has no balance row or a coupon
	// id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientCredits is returned when a consume would drive the
	// balance negative. No state is changed.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrCouponNotFound is returned when no coupon matches a redeemed code.
	ErrCouponNotFound = errors.New("coupon not found")

	// ErrCouponExpired is returned when a coupon is past its expiry date.
	ErrCouponExpired = errors.New("coupon expired")

	// ErrCouponExhausted is returned when usage_count has reached usage_limit.
	ErrCouponExhausted = errors.New("coupon usage limit reached")

	// ErrAlreadyRedeemed is returned on a second redemption by the same account.
	ErrAlreadyRedeemed = errors.New("coupon already redeemed by this account")

	// ErrDuplicateCode is returned when a coupon code collides case-insensitively.
	ErrDuplicateCode = errors.New("coupon code already exists")

	// ErrDuplicateRequest is returned when an idempotency key was already used.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrForbidden is returned when the caller lacks the admin privilege.
	ErrForbidden = errors.New("forbidden")

	// ErrTransientStore is returned when the store is unreachable or timed out.
	// The mutation may or may not have been applied server-side.
	ErrTransientStore = errors.New("transient store error")

	// ErrAccountExists is returned by Store.InsertBalance when the row exists.
	ErrAccountExists = errors.New("balance already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError provides details about a balance shortage.
type InsufficientCreditsError struct {
	AccountID AccountID
	Available int64
	Requested int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// CouponError attaches the normalized code to a redemption failure.
type CouponError struct {
	Code string
	Err  error
}

func (e *CouponError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Err)
}

func (e *CouponError) Unwrap() error {
	return e.Err
}

// InvalidArgument builds an ErrInvalidArgument with a message.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Transient wraps a store failure as ErrTransientStore, keeping the cause.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientStore) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientStore, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may retry at its own discretion.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrCouponExpired) ||
		errors.Is(err, ErrCouponExhausted) ||
		errors.Is(err, ErrAlreadyRedeemed) ||
		errors.Is(err, ErrDuplicateCode) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrForbidden)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCouponNotFound)
}

// ErrorCode returns a stable snake_case code for an error, used in API
// bodies and metric labels.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrCouponNotFound):
		return "coupon_not_found"
	case errors.Is(err, ErrCouponExpired):
		return "coupon_expired"
	case errors.Is(err, ErrCouponExhausted):
		return "coupon_exhausted"
	case errors.Is(err, ErrAlreadyRedeemed):
		return "already_redeemed"
	case errors.Is(err, ErrDuplicateCode):
		return "duplicate_code"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case IsRetryable(err):
		return "transient_store"
	default:
		return "internal"
	}
}
