package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"math/big"
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

func doctorClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "doc-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name: "Dr. Rao",
		Role: RoleDoctor,
	}
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, req *http.Request) (Identity, bool, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got Identity
	var ok bool
	h := mw(func(c echo.Context) error {
		got, ok = IdentityFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	})
	return got, ok, h(c)
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, _, err := runMiddleware(t, JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey})), req)
	expectStatus(t, err, http.StatusUnauthorized)
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
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			_, _, err := runMiddleware(t, JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey})), req)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tok := createTestToken(t, doctorClaims(), testSigningKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	id, ok, err := runMiddleware(t, JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey})), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || id.ID != "doc-1" || id.DisplayName != "Dr. Rao" || !id.IsClinician() {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestJWTMiddleware_QueryToken(t *testing.T) {
	tok := createTestToken(t, doctorClaims(), testSigningKey)
	req := httptest.NewRequest(http.MethodGet, "/ws/notifications/doc-1?token="+tok, nil)

	id, ok, err := runMiddleware(t, JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey})), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || id.ID != "doc-1" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := doctorClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	tok := createTestToken(t, claims, testSigningKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	_, _, err := runMiddleware(t, JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey})), req)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tok := createTestToken(t, doctorClaims(), []byte("another-key"))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	_, _, err := runMiddleware(t, JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey})), req)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerMismatch(t *testing.T) {
	claims := doctorClaims()
	claims.Issuer = "https://other"
	tok := createTestToken(t, claims, testSigningKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	v := NewVerifier(JWTConfig{SigningKey: testSigningKey, Issuer: "https://portal"})
	_, _, err := runMiddleware(t, JWTMiddleware(v), req)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok, err := runMiddleware(t, DevAuthMiddleware(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected no identity without a token")
	}

	tok := createTestToken(t, doctorClaims(), []byte("unknown-key"))
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	id, ok, err := runMiddleware(t, DevAuthMiddleware(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || id.ID != "doc-1" {
		t.Errorf("expected decoded identity, got %+v", id)
	}
}

func TestVerifier_JWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"issuer":"` + srv.URL + `","jwks_uri":"` + srv.URL + `/jwks"}`))
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"keys":[{"kty":"RSA","kid":"k1","n":"` + n + `","e":"` + e + `"}]}`))
	})

	claims := doctorClaims()
	claims.Issuer = srv.URL
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "k1"
	tokStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	v := NewVerifier(JWTConfig{Issuer: srv.URL})
	got, err := v.Parse(tokStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Subject != "doc-1" {
		t.Errorf("expected doc-1, got %s", got.Subject)
	}
}

func TestVerifier_NoKeyMaterial(t *testing.T) {
	tok := createTestToken(t, doctorClaims(), testSigningKey)
	if _, err := NewVerifier(JWTConfig{}).Parse(tok); err == nil {
		t.Fatal("expected error without key material")
	}
}

func TestTokenProvider(t *testing.T) {
	if _, err := NewTokenProvider("", nil).Identity(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated for empty token, got %v", err)
	}

	claims := doctorClaims()
	claims.Role = RolePatient
	claims.Name = ""
	tok := createTestToken(t, claims, testSigningKey)

	id, err := NewTokenProvider(tok, nil).Identity(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.ID != "doc-1" || id.DisplayName != "doc-1" || id.IsClinician() {
		t.Errorf("unexpected identity: %+v", id)
	}

	bad := NewTokenProvider(tok, NewVerifier(JWTConfig{SigningKey: []byte("nope")}))
	if _, err := bad.Identity(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated for bad signature, got %v", err)
	}
}

func TestStaticProvider(t *testing.T) {
	p := StaticProvider{}
	if _, err := p.Identity(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
	p = StaticProvider{ID: Identity{ID: "p1"}, Bearer: "t"}
	if id, err := p.Identity(context.Background()); err != nil || id.ID != "p1" || p.Token() != "t" {
		t.Errorf("unexpected: %+v %v", id, err)
	}
}
