/*
auth.go - Bearer token sessions

PURPOSE:
  Turns "Authorization: Bearer <jwt>" into an explicit Session stored in
  the request context. Handlers read the caller only from that Session.

TOKENS:
  HS256, shared secret. Claims follow the identity provider's layout:
    sub   -> Session.AccountID
    email -> Session.Email
    role  -> Session.Role
  exp is required. aud and iss are checked when configured.

ADMIN:
  Session.IsAdmin comes from the coupon.AdminPolicy (single configured
  email). RequireAdmin rejects everyone else with 403; coupon.Manager
  checks the same principal again.
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dressup/tryon-engine/coupon"
	"github.com/dressup/tryon-engine/ledger"
)

// ErrUnauthorized is returned for missing or invalid credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Session is the authenticated caller of one request.
type Session struct {
	AccountID ledger.AccountID
	Email     string
	Role      string
	IsAdmin   bool
	ExpiresAt time.Time
}

// Account returns the ledger identity of the session.
func (s *Session) Account() ledger.Account {
	return ledger.Account{ID: s.AccountID, Email: s.Email}
}

// Principal returns the coupon admin principal of the session.
func (s *Session) Principal() coupon.Principal {
	return coupon.Principal{AccountID: s.AccountID, Email: s.Email}
}

type sessionKey struct{}

// WithSession returns ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session stored by RequireSession.
func SessionFrom(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}

// Claims are the token claims read from the identity provider.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthOptions configures an Authenticator.
type AuthOptions struct {
	Secret   string
	Issuer   string
	Audience string
	Admin    coupon.AdminPolicy
	Now      func() time.Time
}

// Authenticator verifies session tokens.
type Authenticator struct {
	secret []byte
	opts   AuthOptions
}

// NewAuthenticator creates an Authenticator. The secret must be set.
func NewAuthenticator(opts AuthOptions) (*Authenticator, error) {
	if opts.Secret == "" {
		return nil, fmt.Errorf("auth: JWT secret is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authenticator{secret: []byte(opts.Secret), opts: opts}, nil
}

// Verify parses and validates a raw token.
func (a *Authenticator) Verify(raw string) (*Session, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.opts.Now),
	}
	if a.opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.opts.Audience))
	}
	if a.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.opts.Issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	s := &Session{
		AccountID: ledger.AccountID(claims.Subject),
		Email:     claims.Email,
		Role:      claims.Role,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	s.IsAdmin = a.opts.Admin.Authorized(s.Principal())
	return s, nil
}

// Issue signs a token for the given identity. Used by tests and local tools.
func (a *Authenticator) Issue(id ledger.AccountID, email, role string, ttl time.Duration) (string, error) {
	now := a.opts.Now()
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			Issuer:    a.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.opts.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.opts.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// RequireSession rejects requests without a valid bearer token.
func (a *Authenticator) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", ErrUnauthorized)
			return
		}
		s, err := a.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid session", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
	})
}

// RequireAdmin rejects sessions that are not the configured admin.
// It must run after RequireSession.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := SessionFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Missing session", ErrUnauthorized)
			return
		}
		if !s.IsAdmin {
			writeError(w, http.StatusForbidden, "Admin access required", ledger.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
