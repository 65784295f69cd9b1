package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues tokens the Verifier accepts. The game client's backend
// collaborator holds the same secret; the signer is used by tooling and tests.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner creates a signer whose tokens expire after ttl.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	return &Signer{secret: []byte(secret), ttl: ttl}, nil
}

// SignPlay issues a play token for wallet and username.
func (s *Signer) SignPlay(wallet, username string, now time.Time) (string, error) {
	return s.sign(&PlayClaims{
		RegisteredClaims: s.registered(now),
		Wallet:           wallet,
		Username:         username,
	})
}

// SignScore issues a score token for wallet and score.
func (s *Signer) SignScore(wallet string, score int64, now time.Time) (string, error) {
	return s.sign(&ScoreClaims{
		RegisteredClaims: s.registered(now),
		Wallet:           wallet,
		Score:            score,
	})
}

func (s *Signer) registered(now time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
}

func (s *Signer) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
