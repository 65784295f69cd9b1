// Package auth verifies the signed request tokens that bind a play request or
// a score submission to a wallet.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/flappy-rocket/internal/config"
	"github.com/flappy-rocket/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Token errors. All of them mean the caller is not authenticated.
var (
	ErrTokenMissing = errors.New("authorization token is required")
	ErrTokenInvalid = errors.New("authorization token is invalid")
	ErrTokenExpired = errors.New("authorization token is expired")
)

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrTokenMissing) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, domain.ErrIdentityMismatch)
}

// PlayClaims binds a play request to a wallet and username.
type PlayClaims struct {
	jwt.RegisteredClaims
	Wallet   string `json:"wallet"`
	Username string `json:"username"`
}

// ScoreClaims binds a score submission to a wallet and score.
type ScoreClaims struct {
	jwt.RegisteredClaims
	Wallet string `json:"wallet"`
	Score  int64  `json:"score"`
}

// Verifier checks HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	skew   time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier from the auth config.
func NewVerifier(cfg *config.AuthConfig) (*Verifier, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Verifier{
		secret: []byte(cfg.JWTSecret),
		maxAge: cfg.MaxTokenAge,
		skew:   cfg.ClockSkew,
		now:    time.Now,
	}, nil
}

// WithClock replaces the verifier's time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// VerifyPlay checks that token was issued for this wallet and username.
func (v *Verifier) VerifyPlay(token, wallet, username string) error {
	var claims PlayClaims
	if err := v.parse(token, &claims); err != nil {
		return err
	}
	if !sameWallet(claims.Wallet, wallet) {
		return fmt.Errorf("%w: wallet", domain.ErrIdentityMismatch)
	}
	if strings.TrimSpace(claims.Username) != strings.TrimSpace(username) {
		return fmt.Errorf("%w: username", domain.ErrIdentityMismatch)
	}
	return nil
}

// VerifyScore checks that token was issued for this wallet and score.
func (v *Verifier) VerifyScore(token, wallet string, score int64) error {
	var claims ScoreClaims
	if err := v.parse(token, &claims); err != nil {
		return err
	}
	if !sameWallet(claims.Wallet, wallet) {
		return fmt.Errorf("%w: wallet", domain.ErrIdentityMismatch)
	}
	if claims.Score != score {
		return fmt.Errorf("%w: score", domain.ErrIdentityMismatch)
	}
	return nil
}

type boundClaims interface {
	jwt.Claims
	registered() *jwt.RegisteredClaims
}

func (c *PlayClaims) registered() *jwt.RegisteredClaims  { return &c.RegisteredClaims }
func (c *ScoreClaims) registered() *jwt.RegisteredClaims { return &c.RegisteredClaims }

func (v *Verifier) parse(token string, claims boundClaims) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrTokenMissing
	}

	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.skew),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return mapJWTError(err)
	}

	// Lifetime is measured from iat, or from now when iat is absent.
	if v.maxAge > 0 {
		reg := claims.registered()
		issued := v.now()
		if reg.IssuedAt != nil {
			issued = reg.IssuedAt.Time
		}
		if reg.ExpiresAt.Time.Sub(issued) > v.maxAge+v.skew {
			return fmt.Errorf("%w: lifetime exceeds %s", ErrTokenInvalid, v.maxAge)
		}
	}
	return nil
}

// mapJWTError translates jwt library errors to auth errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrTokenExpired
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return fmt.Errorf("%w: signature", ErrTokenInvalid)
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return fmt.Errorf("%w: alg", ErrTokenInvalid)
	}
	if errors.Is(err, jwt.ErrTokenRequiredClaimMissing) {
		return fmt.Errorf("%w: exp is required", ErrTokenInvalid)
	}
	return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
}

func sameWallet(claimed, requested string) bool {
	a, err := domain.NormalizeWallet(claimed)
	if err != nil {
		return false
	}
	b, err := domain.NormalizeWallet(requested)
	if err != nil {
		return false
	}
	return a == b
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrTokenMissing
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrTokenInvalid)
	}
	return strings.TrimSpace(token), nil
}
