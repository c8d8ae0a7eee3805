package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(subject string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: roles,
	}
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func runWithHeader(mw echo.MiddlewareFunc, header string, h echo.HandlerFunc) error {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	return mw(h)(c)
}

func assertStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	err := runWithHeader(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "", okHandler)
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runWithHeader(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header, okHandler)
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("nurse-7", RoleNurse), testSigningKey)

	var gotUser string
	var gotRoles []string
	err := runWithHeader(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr, func(c echo.Context) error {
		gotUser = UserIDFromContext(c.Request().Context())
		gotRoles = RolesFromContext(c.Request().Context())
		if c.Get("user_id") != "nurse-7" {
			t.Errorf("expected user_id on echo context, got %v", c.Get("user_id"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUser != "nurse-7" {
		t.Errorf("expected nurse-7, got %q", gotUser)
	}
	if len(gotRoles) != 1 || gotRoles[0] != RoleNurse {
		t.Errorf("expected [nurse], got %v", gotRoles)
	}
}

func TestJWTMiddleware_RejectsBadTokens(t *testing.T) {
	expired := validClaims("u1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noExpiry := validClaims("u1")
	noExpiry.ExpiresAt = nil

	noSubject := validClaims("")

	tests := []struct {
		name  string
		token string
	}{
		{"expired", createTestToken(t, expired, testSigningKey)},
		{"no expiry", createTestToken(t, noExpiry, testSigningKey)},
		{"no subject", createTestToken(t, noSubject, testSigningKey)},
		{"wrong key", createTestToken(t, validClaims("u1"), []byte("another-key-entirely-for-tests"))},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runWithHeader(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tt.token, okHandler)
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "edqueue", Audience: "ed-staff"}

	good, err := NewToken(cfg, "doc-1", []string{RolePhysician}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if err := runWithHeader(JWTMiddleware(cfg), "Bearer "+good, okHandler); err != nil {
		t.Fatalf("expected token to validate, got %v", err)
	}

	other, _ := NewToken(JWTConfig{SigningKey: testSigningKey, Issuer: "someone-else"}, "doc-1", nil, time.Hour, time.Now())
	assertStatus(t, runWithHeader(JWTMiddleware(cfg), "Bearer "+other, okHandler), http.StatusUnauthorized)
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }}
	if err := runWithHeader(JWTMiddleware(cfg), "", okHandler); err != nil {
		t.Fatalf("skipped request should pass, got %v", err)
	}
}

func TestDevAuthMiddleware_NoToken(t *testing.T) {
	var uid string
	var roles []string
	err := runWithHeader(DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey}), "", func(c echo.Context) error {
		uid = UserIDFromContext(c.Request().Context())
		roles = RolesFromContext(c.Request().Context())
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "dev-user" {
		t.Errorf("expected dev-user, got %q", uid)
	}
	if len(roles) != 1 || roles[0] != RoleAdmin {
		t.Errorf("expected [admin], got %v", roles)
	}
}

func TestDevAuthMiddleware_ValidatesPresentedToken(t *testing.T) {
	mw := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})
	assertStatus(t, runWithHeader(mw, "Bearer garbage", okHandler), http.StatusUnauthorized)

	tokenStr := createTestToken(t, validClaims("rec-1", RoleReception), testSigningKey)
	var uid string
	err := runWithHeader(mw, "Bearer "+tokenStr, func(c echo.Context) error {
		uid = UserIDFromContext(c.Request().Context())
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "rec-1" {
		t.Errorf("expected rec-1, got %q", uid)
	}
}

func TestNewToken(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey}
	now := time.Now()

	tokenStr, err := NewToken(cfg, "doc-9", []string{RolePhysician}, 30*time.Minute, now)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return testSigningKey, nil
	}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "doc-9" || len(claims.Roles) != 1 || claims.Roles[0] != RolePhysician {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.ExpiresAt.Unix() != now.Add(30*time.Minute).Unix() {
		t.Errorf("unexpected expiry %v", claims.ExpiresAt)
	}

	if _, err := NewToken(JWTConfig{}, "doc-9", nil, time.Minute, now); err == nil {
		t.Error("expected error without signing key")
	}
	if _, err := NewToken(cfg, "", nil, time.Minute, now); err == nil {
		t.Error("expected error without subject")
	}
	if _, err := NewToken(cfg, "x", []string{"surgeon"}, time.Minute, now); err == nil {
		t.Error("expected error for unknown role")
	}
}
