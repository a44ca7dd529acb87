package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	testAudience = "https://bridge.example.com/pubsub/push"
	testEmail    = "push@proj.iam.gserviceaccount.com"
)

var (
	keyOnce sync.Once
	rsaKeyA *rsa.PrivateKey
	rsaKeyB *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if rsaKeyA, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if rsaKeyB, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return rsaKeyA, rsaKeyB
}

func jwkFor(kid string, key *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

// jwksServer serves whatever set is stored in keys and counts hits.
type jwksServer struct {
	*httptest.Server
	mu   sync.Mutex
	set  JWKSet
	hits atomic.Int32
}

func newJWKSServer(t *testing.T, keys ...JWK) *jwksServer {
	t.Helper()
	s := &jwksServer{set: JWKSet{Keys: keys}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.set)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) replace(keys ...JWK) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = JWKSet{Keys: keys}
}

func validClaims() PushClaims {
	now := time.Now()
	return PushClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://accounts.google.com",
			Audience:  jwt.ClaimStrings{testAudience},
			Subject:   "1234567890",
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Email:         testEmail,
		EmailVerified: true,
	}
}

func signRS256(t *testing.T, claims PushClaims, kid string, key *rsa.PrivateKey) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return s
}

func newVerifier(t *testing.T, cfg PushConfig) *PushVerifier {
	t.Helper()
	if cfg.Audience == "" {
		cfg.Audience = testAudience
	}
	v, err := NewPushVerifier(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPushVerifier: %v", err)
	}
	return v
}

func TestVerify_ValidToken(t *testing.T) {
	keyA, _ := testKeys(t)
	srv := newJWKSServer(t, jwkFor("a", &keyA.PublicKey))
	v := newVerifier(t, PushConfig{JWKSURL: srv.URL, Email: testEmail})

	claims, err := v.Verify(context.Background(), signRS256(t, validClaims(), "a", keyA))
	if err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if claims.Email != testEmail {
		t.Errorf("expected email %q, got %q", testEmail, claims.Email)
	}
}

func TestVerify_CachesKeys(t *testing.T) {
	keyA, _ := testKeys(t)
	srv := newJWKSServer(t, jwkFor("a", &keyA.PublicKey))
	v := newVerifier(t, PushConfig{JWKSURL: srv.URL})

	for i := 0; i < 3; i++ {
		if _, err := v.Verify(context.Background(), signRS256(t, validClaims(), "a", keyA)); err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
	}
	if got := srv.hits.Load(); got != 1 {
		t.Errorf("expected one JWKS fetch, got %d", got)
	}
}

func TestVerify_KeyRotation(t *testing.T) {
	keyA, keyB := testKeys(t)
	srv := newJWKSServer(t, jwkFor("a", &keyA.PublicKey))
	v := newVerifier(t, PushConfig{JWKSURL: srv.URL})

	if _, err := v.Verify(context.Background(), signRS256(t, validClaims(), "a", keyA)); err != nil {
		t.Fatalf("verify with first key: %v", err)
	}

	srv.replace(jwkFor("b", &keyB.PublicKey))
	if _, err := v.Verify(context.Background(), signRS256(t, validClaims(), "b", keyB)); err != nil {
		t.Fatalf("verify with rotated key: %v", err)
	}
	if got := srv.hits.Load(); got != 2 {
		t.Errorf("expected refresh on unknown kid, got %d fetches", got)
	}
}

func TestVerify_Rejections(t *testing.T) {
	keyA, keyB := testKeys(t)
	srv := newJWKSServer(t, jwkFor("a", &keyA.PublicKey))
	v := newVerifier(t, PushConfig{JWKSURL: srv.URL, Email: testEmail})

	tests := []struct {
		name   string
		mutate func(*PushClaims)
		kid    string
		key    *rsa.PrivateKey
		want   error
	}{
		{"wrong audience", func(c *PushClaims) { c.Audience = jwt.ClaimStrings{"https://other"} }, "a", keyA, jwt.ErrTokenInvalidAudience},
		{"expired", func(c *PushClaims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour)) }, "a", keyA, jwt.ErrTokenExpired},
		{"no expiry", func(c *PushClaims) { c.ExpiresAt = nil }, "a", keyA, jwt.ErrTokenRequiredClaimMissing},
		{"wrong issuer", func(c *PushClaims) { c.Issuer = "https://evil.example.com" }, "a", keyA, ErrIssuer},
		{"wrong email", func(c *PushClaims) { c.Email = "other@proj.iam.gserviceaccount.com" }, "a", keyA, ErrEmail},
		{"unverified email", func(c *PushClaims) { c.EmailVerified = false }, "a", keyA, ErrEmailVerified},
		{"wrong signature", func(c *PushClaims) {}, "a", keyB, jwt.ErrTokenSignatureInvalid},
		{"unknown kid", func(c *PushClaims) {}, "zzz", keyA, jwt.ErrTokenUnverifiable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims()
			tt.mutate(&claims)
			_, err := v.Verify(context.Background(), signRS256(t, claims, tt.kid, tt.key))
			if err == nil {
				t.Fatal("expected verification error")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestVerify_BareIssuerAccepted(t *testing.T) {
	keyA, _ := testKeys(t)
	srv := newJWKSServer(t, jwkFor("a", &keyA.PublicKey))
	v := newVerifier(t, PushConfig{JWKSURL: srv.URL})

	claims := validClaims()
	claims.Issuer = "accounts.google.com"
	if _, err := v.Verify(context.Background(), signRS256(t, claims, "a", keyA)); err != nil {
		t.Fatalf("expected bare issuer to be accepted, got %v", err)
	}
}

func TestVerify_HMACDevelopmentKey(t *testing.T) {
	key := []byte("test-secret-key-for-unit-tests-only")
	v := newVerifier(t, PushConfig{SigningKey: key})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	raw, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(context.Background(), raw); err != nil {
		t.Fatalf("expected HS256 token to verify, got %v", err)
	}

	keyA, _ := testKeys(t)
	if _, err := v.Verify(context.Background(), signRS256(t, validClaims(), "a", keyA)); err == nil {
		t.Fatal("expected RS256 token to be rejected in HS256 mode")
	}
}

func TestNewPushVerifier_RequiresAudience(t *testing.T) {
	if _, err := NewPushVerifier(context.Background(), PushConfig{JWKSURL: "http://unused"}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without audience")
	}
}

func TestNewPushVerifier_Discovery(t *testing.T) {
	keyA, _ := testKeys(t)
	jwks := newJWKSServer(t, jwkFor("a", &keyA.PublicKey))

	var issuer string
	disco := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(Provider{Issuer: issuer, JWKSURI: jwks.URL})
	}))
	defer disco.Close()
	issuer = disco.URL

	v := newVerifier(t, PushConfig{Issuer: issuer})
	if v.keys.URL() != jwks.URL {
		t.Fatalf("expected discovered JWKS URL %q, got %q", jwks.URL, v.keys.URL())
	}

	claims := validClaims()
	claims.Issuer = issuer
	if _, err := v.Verify(context.Background(), signRS256(t, claims, "a", keyA)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestNewPushVerifier_DiscoveryFailure(t *testing.T) {
	disco := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"issuer": "x"})
	}))
	defer disco.Close()

	_, err := NewPushVerifier(context.Background(), PushConfig{Audience: testAudience, Issuer: disco.URL}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error when discovery has no jwks_uri")
	}
}

func TestMiddleware(t *testing.T) {
	keyA, _ := testKeys(t)
	srv := newJWKSServer(t, jwkFor("a", &keyA.PublicKey))
	v := newVerifier(t, PushConfig{JWKSURL: srv.URL, Email: testEmail})

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"garbage token", "Bearer not.a.token", http.StatusUnauthorized},
		{"valid token", "Bearer " + signRS256(t, validClaims(), "a", keyA), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/pubsub/push", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := v.Middleware()(func(c echo.Context) error {
				if got, _ := c.Get(PushEmailKey).(string); got != testEmail {
					t.Errorf("expected %s in context, got %q", testEmail, got)
				}
				return c.String(http.StatusOK, "ok")
			})
			err := h(c)

			if tt.code == http.StatusOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T", err)
			}
			if httpErr.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, httpErr.Code)
			}
		})
	}
}
