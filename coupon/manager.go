package coupon

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dressup/tryon-engine/ledger"
)

// validCode matches a normalized coupon code.
var validCode = regexp.MustCompile(`^[A-Z0-9_-]{3,32}$`)

// =============================================================================
// AUTHORIZATION
// =============================================================================

// Principal identifies the caller of an admin operation.
type Principal struct {
	AccountID ledger.AccountID
	Email     string
	System    bool // Local operator (CLI); bypasses the email check
}

// SystemPrincipal is the identity used by the command line tools.
var SystemPrincipal = Principal{AccountID: "system", System: true}

// AdminPolicy decides which principals may manage coupons.
type AdminPolicy struct {
	AdminEmail string
}

// Authorized reports whether p may manage coupons.
func (a AdminPolicy) Authorized(p Principal) bool {
	if p.System {
		return true
	}
	if a.AdminEmail == "" || p.Email == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(p.Email), strings.TrimSpace(a.AdminEmail))
}

// =============================================================================
// MANAGER - Admin create/list/delete
// =============================================================================

// NewCoupon is the admin input for Create.
type NewCoupon struct {
	Code        string
	Credits     int64
	UsageLimit  int64
	ExpiresAt   *time.Time
	Description string
}

// Manager performs admin coupon operations. Every method checks the
// principal before touching the store.
type Manager struct {
	store  ledger.Store
	policy AdminPolicy
	now    func() time.Time
	newID  func() string
	log    logrus.FieldLogger
}

// NewManager creates a Manager.
func NewManager(store ledger.Store, policy AdminPolicy, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		store:  store,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		log:    log,
	}
}

func (m *Manager) authorize(p Principal) error {
	if !m.policy.Authorized(p) {
		return ledger.ErrForbidden
	}
	return nil
}

// Create validates and stores a new coupon with usage_count 0.
func (m *Manager) Create(ctx context.Context, p Principal, in NewCoupon) (*ledger.Coupon, error) {
	if err := m.authorize(p); err != nil {
		return nil, err
	}

	code := ledger.NormalizeCode(in.Code)
	if code == "" {
		return nil, ledger.InvalidArgument("coupon code is required")
	}
	if !validCode.MatchString(code) {
		return nil, ledger.InvalidArgument("coupon code %q must be 3-32 characters of A-Z, 0-9, '_' or '-'", code)
	}
	if in.Credits <= 0 {
		return nil, ledger.InvalidArgument("credits must be positive, got %d", in.Credits)
	}
	if in.UsageLimit <= 0 {
		return nil, ledger.InvalidArgument("usage limit must be positive, got %d", in.UsageLimit)
	}

	createdBy := p.Email
	if createdBy == "" {
		createdBy = string(p.AccountID)
	}
	c := ledger.Coupon{
		ID:          m.newID(),
		Code:        code,
		Credits:     in.Credits,
		UsageLimit:  in.UsageLimit,
		ExpiresAt:   in.ExpiresAt,
		Description: strings.TrimSpace(in.Description),
		CreatedBy:   createdBy,
		CreatedAt:   m.now(),
	}
	if err := m.store.InsertCoupon(ctx, c); err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"coupon_id":   c.ID,
		"code":        c.Code,
		"credits":     c.Credits,
		"usage_limit": c.UsageLimit,
		"created_by":  c.CreatedBy,
	}).Info("coupon created")
	return &c, nil
}

// List returns all coupons, newest first.
func (m *Manager) List(ctx context.Context, p Principal) ([]ledger.Coupon, error) {
	if err := m.authorize(p); err != nil {
		return nil, err
	}
	return m.store.ListCoupons(ctx)
}

// Delete removes a coupon. Redemptions of it are kept.
func (m *Manager) Delete(ctx context.Context, p Principal, id string) error {
	if err := m.authorize(p); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return ledger.InvalidArgument("coupon id is required")
	}
	if err := m.store.DeleteCoupon(ctx, id); err != nil {
		return err
	}
	m.log.WithField("coupon_id", id).Info("coupon deleted")
	return nil
}

// ParseExpiry parses admin expiry input. An empty string means no expiry.
// A bare date (2006-01-02) is valid through the end of that UTC day.
// RFC 3339 timestamps are used as given.
func ParseExpiry(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if d, err := time.Parse(time.DateOnly, s); err == nil {
		end := d.UTC().AddDate(0, 0, 1).Add(-time.Nanosecond)
		return &end, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, ledger.InvalidArgument("expiry %q must be YYYY-MM-DD or RFC 3339", s)
	}
	t = t.UTC()
	return &t, nil
}
