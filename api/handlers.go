/*
handlers.go - HTTP API handlers for the try-on credits engine

PURPOSE:
  Exposes the ledger, coupons and the generation client over REST.
  Handles HTTP request/response and JSON serialization, and delegates
  every rule to the domain packages.

ENDPOINTS:
  Public:
    GET    /health                   Liveness
    GET    /health/db                Store ping
    GET    /api/pricing              Bundle catalog

  Session (bearer token):
    POST   /api/session              Open the balance row, return balance
    GET    /api/credits              Balance (zero state if never opened)
    GET    /api/credits/history      Ledger entries and redemptions
    POST   /api/credits/consume      Debit credits
    POST   /api/coupons/redeem       Redeem a coupon code
    POST   /api/generations          Try-on generation (multipart)

  Admin:
    GET    /api/admin/coupons        List coupons
    POST   /api/admin/coupons        Create coupon
    DELETE /api/admin/coupons/{id}   Delete coupon

REQUEST FLOW:
  1. Read the Session put in the context by RequireSession
  2. Parse and validate input
  3. Call the domain service
  4. Serialize the authoritative result

ERROR HANDLING:
  Domain errors go through writeDomainError (errors.go), which maps them
  to a status and a stable code.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/dressup/tryon-engine/coupon"
	"github.com/dressup/tryon-engine/generation"
	"github.com/dressup/tryon-engine/ledger"
	"github.com/dressup/tryon-engine/pricing"
)

// IdempotencyHeader carries the client's idempotency key for consume.
const IdempotencyHeader = "Idempotency-Key"

var acceptedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// Pinger checks store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the services a Handler needs.
type Deps struct {
	Ledger    *ledger.Ledger
	Redeemer  *coupon.Redeemer
	Coupons   *coupon.Manager
	Generator *generation.Client
	Catalog   *pricing.Catalog
	Store     Pinger
	Limiter   *RateLimiter

	GenerationCost int64
	MaxUploadBytes int64

	Log logrus.FieldLogger
	Now func() time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Deps
}

// NewHandler creates a handler, filling defaults for optional deps.
func NewHandler(d Deps) *Handler {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Catalog == nil {
		d.Catalog = pricing.DefaultCatalog("")
	}
	if d.GenerationCost <= 0 {
		d.GenerationCost = 1
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 10 << 20
	}
	return &Handler{Deps: d}
}

func (h *Handler) freeRegenerations() int64 {
	return h.Ledger.Config().FreeRegenerations
}

// session returns the caller. RequireSession guarantees it is present.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	s, ok := SessionFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing session", ErrUnauthorized)
	}
	return s, ok
}

// balanceDTO returns the authoritative balance, or the zero state when the
// account has never opened one.
func (h *Handler) balanceDTO(ctx context.Context, id ledger.AccountID) (BalanceDTO, error) {
	b, err := h.Ledger.Balance(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return zeroBalanceDTO(id, h.freeRegenerations()), nil
	}
	if err != nil {
		return BalanceDTO{}, err
	}
	return toBalanceDTO(*b, h.freeRegenerations()), nil
}

// =============================================================================
// HEALTH & PRICING
// =============================================================================

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthDB pings the store.
func (h *Handler) HealthDB(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "store": "none"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeDomainError(w, h.Log, "Store unreachable", ledger.Transient(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetPricing returns the bundle catalog.
func (h *Handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PricingResponse{
		Bundles:           toBundleDTOs(h.Catalog),
		GenerationCost:    h.GenerationCost,
		FreeRegenerations: h.freeRegenerations(),
	})
}

// =============================================================================
// SESSION & CREDITS
// =============================================================================

// OpenSession opens the caller's balance row on first use.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	b, created, err := h.Ledger.Open(r.Context(), s.Account())
	if err != nil {
		writeDomainError(w, h.Log, "Failed to open session", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, OpenSessionResponse{
		Session: toSessionDTO(s),
		Balance: toBalanceDTO(*b, h.freeRegenerations()),
		Created: created,
	})
}

// GetCredits returns the caller's balance.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	dto, err := h.balanceDTO(r.Context(), s.AccountID)
	if err != nil {
		writeDomainError(w, h.Log, "Failed to get credits", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetCreditHistory returns ledger entries and coupon redemptions,
// newest first. ?limit caps the entries.
func (h *Handler) GetCreditHistory(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", ledger.InvalidArgument("limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := h.Ledger.History(r.Context(), s.AccountID, limit)
	if err != nil {
		writeDomainError(w, h.Log, "Failed to get history", err)
		return
	}
	redemptions, err := h.Redeemer.History(r.Context(), s.AccountID)
	if err != nil {
		writeDomainError(w, h.Log, "Failed to get history", err)
		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Entries:     toLedgerEntryDTOs(entries),
		Redemptions: toRedemptionDTOs(redemptions),
	})
}

// ConsumeCredits debits the caller. An omitted amount charges the
// generation cost.
func (h *Handler) ConsumeCredits(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", ledger.InvalidArgument("%v", err))
		return
	}
	if req.Amount == 0 {
		req.Amount = h.GenerationCost
	}

	receipt, err := h.Ledger.Consume(r.Context(), ledger.ConsumeRequest{
		AccountID:      s.AccountID,
		Amount:         req.Amount,
		Regeneration:   req.Regeneration,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
		Reason:         req.Reason,
	})
	if err != nil {
		writeDomainError(w, h.Log, "Failed to consume credits", err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(receipt, h.freeRegenerations()))
}

// =============================================================================
// COUPONS
// =============================================================================

// RedeemCoupon redeems a code for the caller.
func (h *Handler) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", ledger.InvalidArgument("%v", err))
		return
	}

	res, err := h.Redeemer.Redeem(r.Context(), s.AccountID, req.Code)
	if err != nil {
		writeDomainError(w, h.Log, redeemMessage(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toRedeemResponse(res, h.freeRegenerations()))
}

func redeemMessage(err error) string {
	switch {
	case errors.Is(err, ledger.ErrCouponNotFound):
		return "Invalid coupon code"
	case errors.Is(err, ledger.ErrCouponExpired):
		return "This coupon has expired"
	case errors.Is(err, ledger.ErrCouponExhausted):
		return "This coupon has reached its usage limit"
	case errors.Is(err, ledger.ErrAlreadyRedeemed):
		return "You have already redeemed this coupon"
	case errors.Is(err, ledger.ErrNotFound):
		return "Open a session before redeeming coupons"
	default:
		return "Failed to redeem coupon"
	}
}

// ListCoupons returns every coupon (admin).
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	coupons, err := h.Coupons.List(r.Context(), s.Principal())
	if err != nil {
		writeDomainError(w, h.Log, "Failed to list coupons", err)
		return
	}

	now := h.Now()
	dtos := make([]CouponDTO, 0, len(coupons))
	for _, c := range coupons {
		dtos = append(dtos, toCouponDTO(c, now))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCoupon creates a coupon (admin).
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req CreateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", ledger.InvalidArgument("%v", err))
		return
	}

	expires, err := coupon.ParseExpiry(req.ExpiryDate)
	if err != nil {
		writeDomainError(w, h.Log, "Invalid expiry_date (use YYYY-MM-DD)", err)
		return
	}

	c, err := h.Coupons.Create(r.Context(), s.Principal(), coupon.NewCoupon{
		Code:        req.Code,
		Credits:     req.Credits,
		UsageLimit:  req.UsageLimit,
		ExpiresAt:   expires,
		Description: req.Description,
	})
	if err != nil {
		writeDomainError(w, h.Log, "Failed to create coupon", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCouponDTO(*c, h.Now()))
}

// DeleteCoupon deletes a coupon by id (admin). Redemption history is kept.
func (h *Handler) DeleteCoupon(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.Coupons.Delete(r.Context(), s.Principal(), id); err != nil {
		writeDomainError(w, h.Log, "Failed to delete coupon", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// GENERATION
// =============================================================================

// CreateGeneration charges the caller, runs one try-on and refunds the
// charge when the model falls back to the original image.
//
// Form fields: image (file), regenerate (bool), and the generation.Options
// fields by their json names.
func (h *Handler) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if h.Limiter != nil && !h.Limiter.Allow(s.AccountID) {
		writeError(w, http.StatusTooManyRequests, "Too many generation requests", errRateLimited)
		return
	}

	img, opts, regenerate, err := h.parseGenerationForm(w, r)
	if err != nil {
		writeDomainError(w, h.Log, "Invalid generation request", err)
		return
	}

	ctx := r.Context()
	receipt, err := h.Ledger.Consume(ctx, ledger.ConsumeRequest{
		AccountID:      s.AccountID,
		Amount:         h.GenerationCost,
		Regeneration:   regenerate,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
		Reason:         "try-on " + opts.String(),
	})
	if err != nil {
		writeDomainError(w, h.Log, "Failed to charge credits", err)
		return
	}

	result := h.Generator.TryOn(ctx, generation.Request{Image: img, Options: opts})

	resp := GenerationResponse{
		Image:      base64.StdEncoding.EncodeToString(result.Image.Data),
		MIMEType:   result.Image.MIMEType,
		IsOriginal: result.IsOriginal,
		Warning:    result.Warning,
		Charged:    receipt.Charged,
		Free:       receipt.Free,
		Balance:    toBalanceDTO(receipt.Balance, h.freeRegenerations()),
	}

	if result.IsOriginal && receipt.Charged > 0 {
		// Detached so a client disconnect cannot skip the refund.
		refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		b, err := h.Ledger.Refund(refundCtx, *receipt, "generation fell back to original image")
		if err != nil {
			h.Log.WithFields(logrus.Fields{
				"account":  s.AccountID,
				"entry_id": receipt.EntryID,
			}).WithError(err).Error("refund after fallback failed")
		} else {
			resp.Refunded = true
			resp.Charged = 0
			resp.Balance = toBalanceDTO(*b, h.freeRegenerations())
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) parseGenerationForm(w http.ResponseWriter, r *http.Request) (generation.Image, generation.Options, bool, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return generation.Image{}, generation.Options{}, false, err
		}
		return generation.Image{}, generation.Options{}, false, ledger.InvalidArgument("multipart form: %v", err)
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		return generation.Image{}, generation.Options{}, false, ledger.InvalidArgument("image file is required")
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		return generation.Image{}, generation.Options{}, false, err
	}
	if buf.Len() == 0 {
		return generation.Image{}, generation.Options{}, false, ledger.InvalidArgument("image file is empty")
	}

	mimeType := http.DetectContentType(buf.Bytes())
	if !acceptedImageTypes[mimeType] {
		return generation.Image{}, generation.Options{}, false,
			ledger.InvalidArgument("unsupported image type %q (use jpeg, png or webp)", mimeType)
	}

	opts := generation.Options{
		Gender:       r.FormValue("gender"),
		Ethnicity:    r.FormValue("ethnicity"),
		Size:         r.FormValue("size"),
		ClothingType: r.FormValue("clothing_type"),
		Fit:          r.FormValue("fit"),
		Pose:         r.FormValue("pose"),
		View:         r.FormValue("view"),
		AgeGroup:     r.FormValue("age_group"),
		KidsGender:   r.FormValue("kids_gender"),
	}.Normalize()
	if err := opts.Validate(); err != nil {
		return generation.Image{}, generation.Options{}, false, err
	}

	regenerate := false
	if raw := r.FormValue("regenerate"); raw != "" {
		regenerate, err = strconv.ParseBool(raw)
		if err != nil {
			return generation.Image{}, generation.Options{}, false, ledger.InvalidArgument("regenerate must be a boolean")
		}
	}

	return generation.Image{Data: buf.Bytes(), MIMEType: mimeType}, opts, regenerate, nil
}
