package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// testKeyID — идентификатор ключа для тестов.
const testKeyID = "test-key-apm"

const testIssuer = "https://sso.test/realms/filgrant"

// generateTestKey генерирует RSA ключ для тестов.
func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	nB64 := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	eB64 := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())

	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   nB64,
				"e":   eB64,
			},
		},
	}

	data, _ := json.Marshal(jwks)
	return data
}

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestJWTAuth создаёт JWTAuth для тестов.
func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, testIssuer, testLogger())
}

// generateToken генерирует подписанный JWT.
func generateToken(t *testing.T, key *rsa.PrivateKey, sub, username, scope string, expired bool) string {
	t.Helper()

	exp := time.Now().Add(time.Hour)
	if expired {
		exp = time.Now().Add(-time.Hour)
	}

	claims := jwt.MapClaims{
		"sub":                sub,
		"preferred_username": username,
		"iss":                testIssuer,
		"exp":                jwt.NewNumericDate(exp),
		"nbf":                jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		"iat":                jwt.NewNumericDate(time.Now()),
	}
	if scope != "" {
		claims["scope"] = scope
		claims["client_id"] = "automation-hooks"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return tokenStr
}

// echoClaims — handler, отдающий claims из контекста.
func echoClaims(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			t.Error("claims отсутствуют в контексте")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Subject", claims.Subject)
		w.WriteHeader(http.StatusOK)
	})
}

func TestJWTAuth_ValidToken(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	req := httptest.NewRequest(http.MethodPost, "/application/trigger", nil)
	req.Header.Set("Authorization", "Bearer "+generateToken(t, key, "user-1", "alice", "", false))
	rec := httptest.NewRecorder()

	auth.Middleware()(echoClaims(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Subject"); got != "user-1" {
		t.Errorf("subject = %q, ожидался user-1", got)
	}
}

func TestJWTAuth_MissingHeader(t *testing.T) {
	auth := newTestJWTAuth(t, generateTestKey(t))

	req := httptest.NewRequest(http.MethodPost, "/application/trigger", nil)
	rec := httptest.NewRecorder()
	auth.Middleware()(echoClaims(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидался 401", rec.Code)
	}
}

func TestJWTAuth_MalformedHeader(t *testing.T) {
	auth := newTestJWTAuth(t, generateTestKey(t))

	for _, header := range []string{"Basic abc", "Bearer", "Bearer "} {
		req := httptest.NewRequest(http.MethodPost, "/application/trigger", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		auth.Middleware()(echoClaims(t)).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("заголовок %q: статус = %d, ожидался 401", header, rec.Code)
		}
	}
}

func TestJWTAuth_ExpiredToken(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	req := httptest.NewRequest(http.MethodPost, "/application/trigger", nil)
	req.Header.Set("Authorization", "Bearer "+generateToken(t, key, "user-1", "alice", "", true))
	rec := httptest.NewRecorder()
	auth.Middleware()(echoClaims(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидался 401", rec.Code)
	}
}

// Токен, подписанный чужим ключом, отклоняется.
func TestJWTAuth_WrongKey(t *testing.T) {
	auth := newTestJWTAuth(t, generateTestKey(t))
	otherKey := generateTestKey(t)

	req := httptest.NewRequest(http.MethodPost, "/application/trigger", nil)
	req.Header.Set("Authorization", "Bearer "+generateToken(t, otherKey, "user-1", "alice", "", false))
	rec := httptest.NewRecorder()
	auth.Middleware()(echoClaims(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидался 401", rec.Code)
	}
}

func TestRequireScope(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	handler := auth.Middleware()(RequireScope("applications:write")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

	// Scope присутствует
	req := httptest.NewRequest(http.MethodPost, "/application/trigger", nil)
	req.Header.Set("Authorization", "Bearer "+generateToken(t, key, "sa-1", "", "openid applications:write", false))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("с нужным scope статус = %d, ожидался 200", rec.Code)
	}

	// Scope отсутствует
	req = httptest.NewRequest(http.MethodPost, "/application/trigger", nil)
	req.Header.Set("Authorization", "Bearer "+generateToken(t, key, "sa-1", "", "openid", false))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("без нужного scope статус = %d, ожидался 403", rec.Code)
	}
}
