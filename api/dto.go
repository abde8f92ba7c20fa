/*
dto.go - Data Transfer Objects for the HTTP API

PURPOSE:
  Defines the JSON request/response shapes. Domain types never leave the
  api package directly; they are converted here.

NAMING:
  Request types:  {Action}Request   (e.g., ConsumeRequest)
  Response types: {Entity}DTO or {Action}Response

SEE ALSO:
  - handlers.go: Uses these DTOs
*/
package api

import (
	"time"

	"github.com/dressup/tryon-engine/coupon"
	"github.com/dressup/tryon-engine/ledger"
	"github.com/dressup/tryon-engine/pricing"
)

// =============================================================================
// SESSION & BALANCE
// =============================================================================

// SessionDTO is the caller identity derived from the bearer token.
type SessionDTO struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email"`
	Role    string `json:"role,omitempty"`
	IsAdmin bool   `json:"is_admin"`
}

// BalanceDTO is the authoritative balance. Provisioned is false when the
// account has no balance row yet.
type BalanceDTO struct {
	UserID                     string     `json:"user_id"`
	Credits                    int64      `json:"credits"`
	TotalGenerated             int64      `json:"total_generated"`
	Regenerations              int64      `json:"regenerations"`
	FreeRegenerationsRemaining int64      `json:"free_regenerations_remaining"`
	Provisioned                bool       `json:"provisioned"`
	UpdatedAt                  *time.Time `json:"updated_at,omitempty"`
}

// OpenSessionResponse is returned by POST /api/session.
type OpenSessionResponse struct {
	Session SessionDTO `json:"session"`
	Balance BalanceDTO `json:"balance"`
	Created bool       `json:"created"`
}

// =============================================================================
// CONSUME & HISTORY
// =============================================================================

// ConsumeRequest is the body of POST /api/credits/consume.
type ConsumeRequest struct {
	Amount       int64  `json:"amount"`
	Regeneration bool   `json:"regeneration"`
	Reason       string `json:"reason,omitempty"`
}

// ReceiptDTO describes a successful consume.
type ReceiptDTO struct {
	EntryID            string     `json:"entry_id"`
	Charged            int64      `json:"charged"`
	Free               bool       `json:"free"`
	Regeneration       bool       `json:"regeneration"`
	RegenerationNumber int64      `json:"regeneration_number,omitempty"`
	Balance            BalanceDTO `json:"balance"`
}

// LedgerEntryDTO is one balance change.
type LedgerEntryDTO struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	ReferenceID  string    `json:"reference_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RedemptionDTO is one coupon redemption.
type RedemptionDTO struct {
	ID           string    `json:"id"`
	CouponID     string    `json:"coupon_id"`
	Code         string    `json:"code"`
	CreditsAdded int64     `json:"credits_added"`
	RedeemedAt   time.Time `json:"redeemed_at"`
}

// HistoryResponse is returned by GET /api/credits/history.
type HistoryResponse struct {
	Entries     []LedgerEntryDTO `json:"entries"`
	Redemptions []RedemptionDTO  `json:"redemptions"`
}

// =============================================================================
// COUPONS
// =============================================================================

// RedeemRequest is the body of POST /api/coupons/redeem.
type RedeemRequest struct {
	Code string `json:"code"`
}

// RedeemResponse is returned on successful redemption.
type RedeemResponse struct {
	Success      bool       `json:"success"`
	CreditsAdded int64      `json:"credits_added"`
	Code         string     `json:"code"`
	Balance      BalanceDTO `json:"balance"`
}

// CreateCouponRequest is the body of POST /api/admin/coupons.
type CreateCouponRequest struct {
	Code        string `json:"code"`
	Credits     int64  `json:"credits"`
	UsageLimit  int64  `json:"usage_limit"`
	ExpiryDate  string `json:"expiry_date,omitempty"` // YYYY-MM-DD or RFC 3339
	Description string `json:"description,omitempty"`
}

// CouponDTO is the admin view of a coupon.
type CouponDTO struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	Credits     int64      `json:"credits"`
	UsageLimit  int64      `json:"usage_limit"`
	UsageCount  int64      `json:"usage_count"`
	Remaining   int64      `json:"remaining"`
	ExpiryDate  *time.Time `json:"expiry_date,omitempty"`
	Expired     bool       `json:"expired"`
	Description string     `json:"description,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// =============================================================================
// GENERATION & PRICING
// =============================================================================

// GenerationResponse is returned by POST /api/generations.
type GenerationResponse struct {
	Image      string     `json:"image"` // base64
	MIMEType   string     `json:"mime_type"`
	IsOriginal bool       `json:"is_original"`
	Warning    string     `json:"warning,omitempty"`
	Charged    int64      `json:"charged"`
	Refunded   bool       `json:"refunded"`
	Free       bool       `json:"free"`
	Balance    BalanceDTO `json:"balance"`
}

// BundleDTO is one credit bundle. Prices are decimal strings.
type BundleDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Credits   int64  `json:"credits"`
	Price     string `json:"price"`
	PerCredit string `json:"per_credit"`
	Currency  string `json:"currency"`
	BestValue bool   `json:"best_value"`
}

// PricingResponse is returned by GET /api/pricing.
type PricingResponse struct {
	Bundles           []BundleDTO `json:"bundles"`
	GenerationCost    int64       `json:"generation_cost"`
	FreeRegenerations int64       `json:"free_regenerations"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toSessionDTO(s *Session) SessionDTO {
	return SessionDTO{
		UserID:  string(s.AccountID),
		Email:   s.Email,
		Role:    s.Role,
		IsAdmin: s.IsAdmin,
	}
}

func toBalanceDTO(b ledger.CreditBalance, free int64) BalanceDTO {
	remaining := free - b.Regenerations
	if remaining < 0 {
		remaining = 0
	}
	updated := b.UpdatedAt
	return BalanceDTO{
		UserID:                     string(b.AccountID),
		Credits:                    b.Credits,
		TotalGenerated:             b.TotalGenerated,
		Regenerations:              b.Regenerations,
		FreeRegenerationsRemaining: remaining,
		Provisioned:                true,
		UpdatedAt:                  &updated,
	}
}

func zeroBalanceDTO(id ledger.AccountID, free int64) BalanceDTO {
	return BalanceDTO{
		UserID:                     string(id),
		FreeRegenerationsRemaining: free,
	}
}

func toReceiptDTO(r *ledger.Receipt, free int64) ReceiptDTO {
	return ReceiptDTO{
		EntryID:            r.EntryID,
		Charged:            r.Charged,
		Free:               r.Free,
		Regeneration:       r.Regeneration,
		RegenerationNumber: r.RegenerationNumber,
		Balance:            toBalanceDTO(r.Balance, free),
	}
}

func toLedgerEntryDTOs(entries []ledger.LedgerEntry) []LedgerEntryDTO {
	out := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEntryDTO{
			ID:           e.ID,
			Kind:         string(e.Kind),
			Delta:        e.Delta,
			BalanceAfter: e.BalanceAfter,
			ReferenceID:  e.ReferenceID,
			Reason:       e.Reason,
			CreatedAt:    e.CreatedAt,
		})
	}
	return out
}

func toRedemptionDTOs(rs []ledger.CouponRedemption) []RedemptionDTO {
	out := make([]RedemptionDTO, 0, len(rs))
	for _, r := range rs {
		out = append(out, RedemptionDTO{
			ID:           r.ID,
			CouponID:     r.CouponID,
			Code:         r.Code,
			CreditsAdded: r.CreditsAdded,
			RedeemedAt:   r.RedeemedAt,
		})
	}
	return out
}

func toRedeemResponse(r *coupon.Result, free int64) RedeemResponse {
	return RedeemResponse{
		Success:      r.Success,
		CreditsAdded: r.CreditsAdded,
		Code:         r.Code,
		Balance:      toBalanceDTO(r.Balance, free),
	}
}

func toCouponDTO(c ledger.Coupon, now time.Time) CouponDTO {
	return CouponDTO{
		ID:          c.ID,
		Code:        c.Code,
		Credits:     c.Credits,
		UsageLimit:  c.UsageLimit,
		UsageCount:  c.UsageCount,
		Remaining:   c.Remaining(),
		ExpiryDate:  c.ExpiresAt,
		Expired:     c.Expired(now),
		Description: c.Description,
		CreatedBy:   c.CreatedBy,
		CreatedAt:   c.CreatedAt,
	}
}

func toBundleDTOs(c *pricing.Catalog) []BundleDTO {
	best, _ := c.BestValue()
	bundles := c.Bundles()
	out := make([]BundleDTO, 0, len(bundles))
	for _, b := range bundles {
		out = append(out, BundleDTO{
			ID:        b.ID,
			Name:      b.Name,
			Credits:   b.Credits,
			Price:     b.Price.StringFixed(2),
			PerCredit: b.PerCredit().String(),
			Currency:  b.Currency,
			BestValue: b.ID == best.ID,
		})
	}
	return out
}
