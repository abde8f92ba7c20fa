package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dressup/tryon-engine/coupon"
	"github.com/dressup/tryon-engine/ledger"
)

func newTestAuth(t *testing.T, now time.Time) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(AuthOptions{
		Secret:   testSecret,
		Issuer:   "https://auth.dressup.app",
		Audience: testAudience,
		Admin:    coupon.AdminPolicy{AdminEmail: adminEmail},
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)
	return a
}

func TestNewAuthenticator_RequiresSecret(t *testing.T) {
	_, err := NewAuthenticator(AuthOptions{})
	assert.Error(t, err)
}

func TestVerify_BuildsSession(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAuth(t, now)

	tok, err := a.Issue("user-1", "user@example.com", "authenticated", time.Hour)
	require.NoError(t, err)

	s, err := a.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("user-1"), s.AccountID)
	assert.Equal(t, "user@example.com", s.Email)
	assert.Equal(t, "authenticated", s.Role)
	assert.False(t, s.IsAdmin)
	assert.Equal(t, now.Add(time.Hour), s.ExpiresAt)
}

func TestVerify_AdminByEmail(t *testing.T) {
	a := newTestAuth(t, time.Now())

	tok, err := a.Issue("admin-1", "Admin@DressUp.app", "authenticated", time.Hour)
	require.NoError(t, err)

	s, err := a.Verify(tok)
	require.NoError(t, err)
	assert.True(t, s.IsAdmin)
}

func TestVerify_Rejects(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAuth(t, now)

	sign := func(method jwt.SigningMethod, key any, claims Claims) string {
		tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return tok
	}
	valid := func() Claims {
		return Claims{
			Email: "user@example.com",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				Issuer:    "https://auth.dressup.app",
				Audience:  jwt.ClaimStrings{testAudience},
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))

	noExpiry := valid()
	noExpiry.ExpiresAt = nil

	wrongAudience := valid()
	wrongAudience.Audience = jwt.ClaimStrings{"anon"}

	wrongIssuer := valid()
	wrongIssuer.Issuer = "https://evil.example"

	noSubject := valid()
	noSubject.Subject = ""

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "abc.def.ghi"},
		{"wrong secret", sign(jwt.SigningMethodHS256, []byte("other"), valid())},
		{"wrong algorithm", sign(jwt.SigningMethodHS512, []byte(testSecret), valid())},
		{"expired", sign(jwt.SigningMethodHS256, []byte(testSecret), expired)},
		{"no expiry", sign(jwt.SigningMethodHS256, []byte(testSecret), noExpiry)},
		{"wrong audience", sign(jwt.SigningMethodHS256, []byte(testSecret), wrongAudience)},
		{"wrong issuer", sign(jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer)},
		{"no subject", sign(jwt.SigningMethodHS256, []byte(testSecret), noSubject)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Verify(tt.token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestRequireSession_PutsSessionInContext(t *testing.T) {
	a := newTestAuth(t, time.Now())
	tok, err := a.Issue("user-1", "user@example.com", "", time.Hour)
	require.NoError(t, err)

	var got *Session
	h := a.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = SessionFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, ledger.AccountID("user-1"), got.AccountID)
}

func TestRequireAdmin(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name    string
		session *Session
		status  int
	}{
		{"no session", nil, http.StatusUnauthorized},
		{"user", &Session{AccountID: "u"}, http.StatusForbidden},
		{"admin", &Session{AccountID: "a", IsAdmin: true}, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.session != nil {
				req = req.WithContext(WithSession(req.Context(), tt.session))
			}
			rec := httptest.NewRecorder()
			RequireAdmin(next).ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
