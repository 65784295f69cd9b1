package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flappy-rocket/internal/config"
	"github.com/flappy-rocket/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSecret = "test-secret"
	wallet     = "0x00000000000000000000000000000000000a11ce"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(&config.AuthConfig{
		JWTSecret:   testSecret,
		MaxTokenAge: 2 * time.Minute,
		ClockSkew:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v.WithClock(func() time.Time { return now })
}

func newSigner(t *testing.T, ttl time.Duration) *Signer {
	t.Helper()
	s, err := NewSigner(testSecret, ttl)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func TestVerifyPlay(t *testing.T) {
	v := newVerifier(t)
	s := newSigner(t, time.Minute)

	token, err := s.SignPlay(wallet, "alice", now)
	if err != nil {
		t.Fatalf("SignPlay: %v", err)
	}

	if err := v.VerifyPlay(token, wallet, "alice"); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if err := v.VerifyPlay(token, "0x00000000000000000000000000000000000A11CE", "alice"); err != nil {
		t.Fatalf("wallet comparison should ignore case: %v", err)
	}
	if err := v.VerifyPlay(token, wallet, "mallory"); !errors.Is(err, domain.ErrIdentityMismatch) {
		t.Fatalf("username mismatch: %v", err)
	}
	if err := v.VerifyPlay(token, "0x0000000000000000000000000000000000000b0b", "alice"); !errors.Is(err, domain.ErrIdentityMismatch) {
		t.Fatalf("wallet mismatch: %v", err)
	}
}

func TestVerifyScore(t *testing.T) {
	v := newVerifier(t)
	s := newSigner(t, time.Minute)

	token, err := s.SignScore(wallet, 42, now)
	if err != nil {
		t.Fatalf("SignScore: %v", err)
	}
	if err := v.VerifyScore(token, wallet, 42); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if err := v.VerifyScore(token, wallet, 4200); !errors.Is(err, domain.ErrIdentityMismatch) {
		t.Fatalf("score mismatch: %v", err)
	}

	// A play token carries no score claim.
	play, _ := s.SignPlay(wallet, "alice", now)
	if err := v.VerifyScore(play, wallet, 42); !errors.Is(err, domain.ErrIdentityMismatch) {
		t.Fatalf("play token used for score: %v", err)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := newVerifier(t)

	sign := func(method jwt.SigningMethod, key any, claims jwt.Claims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return token
	}
	claims := func(iat, exp time.Time) *PlayClaims {
		c := &PlayClaims{Wallet: wallet, Username: "alice"}
		if !iat.IsZero() {
			c.IssuedAt = jwt.NewNumericDate(iat)
		}
		if !exp.IsZero() {
			c.ExpiresAt = jwt.NewNumericDate(exp)
		}
		return c
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrTokenMissing},
		{"garbage", "not-a-token", ErrTokenInvalid},
		{"wrong secret", sign(jwt.SigningMethodHS256, []byte("other"), claims(now, now.Add(time.Minute))), ErrTokenInvalid},
		{"hs512", sign(jwt.SigningMethodHS512, []byte(testSecret), claims(now, now.Add(time.Minute))), ErrTokenInvalid},
		{"alg none", sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, claims(now, now.Add(time.Minute))), ErrTokenInvalid},
		{"expired", sign(jwt.SigningMethodHS256, []byte(testSecret), claims(now.Add(-3*time.Minute), now.Add(-time.Minute))), ErrTokenExpired},
		{"no exp", sign(jwt.SigningMethodHS256, []byte(testSecret), claims(now, time.Time{})), ErrTokenInvalid},
		{"too long lived", sign(jwt.SigningMethodHS256, []byte(testSecret), claims(now, now.Add(time.Hour))), ErrTokenInvalid},
		{"too long lived without iat", sign(jwt.SigningMethodHS256, []byte(testSecret), claims(time.Time{}, now.Add(time.Hour))), ErrTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.VerifyPlay(tt.token, wallet, "alice")
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if !IsAuthError(err) {
				t.Fatalf("IsAuthError(%v) = false", err)
			}
		})
	}
}

func TestVerifyAllowsClockSkew(t *testing.T) {
	v := newVerifier(t)
	s := newSigner(t, time.Minute)

	// Issued slightly in the future by a client clock running fast.
	token, _ := s.SignPlay(wallet, "alice", now.Add(3*time.Second))
	if err := v.VerifyPlay(token, wallet, "alice"); err != nil {
		t.Fatalf("token within skew rejected: %v", err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(&config.AuthConfig{}); err == nil {
		t.Fatal("expected error without secret")
	}
	if _, err := NewSigner("", time.Minute); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		want   error
	}{
		{"", "", ErrTokenMissing},
		{"Bearer abc.def.ghi", "abc.def.ghi", nil},
		{"bearer   abc", "abc", nil},
		{"Basic dXNlcjpwYXNz", "", ErrTokenInvalid},
		{"Bearer", "", ErrTokenInvalid},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("POST", "/api/v1/plays", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, err := BearerToken(r)
		if !errors.Is(err, tt.want) {
			t.Errorf("BearerToken(%q) error = %v, want %v", tt.header, err, tt.want)
		}
		if got != tt.token {
			t.Errorf("BearerToken(%q) = %q, want %q", tt.header, got, tt.token)
		}
	}
}
