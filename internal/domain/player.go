package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxUsernameLength bounds the display name stored alongside a wallet.
const MaxUsernameLength = 64

var walletPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// PlayerAllowance is the per-wallet play allowance record.
//
// Wallet is the primary key. Username is denormalized and refreshed on every
// admitted play. LastEarned and TotalEarned belong to the reward payout flow
// and are never touched by play admission.
type PlayerAllowance struct {
	Wallet         string    `json:"wallet"`
	Username       string    `json:"username"`
	PlaysRemaining int       `json:"plays_remaining"`
	LastPlayAt     time.Time `json:"last_play_at"`
	LastEarned     float64   `json:"last_earned"`
	TotalEarned    float64   `json:"total_earned"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NormalizeWallet validates a wallet address and returns its lower-cased form.
func NormalizeWallet(wallet string) (string, error) {
	wallet = strings.TrimSpace(wallet)
	if !walletPattern.MatchString(wallet) {
		return "", ErrInvalidWallet
	}
	return strings.ToLower(wallet), nil
}

// NormalizeUsername trims a display name and checks its length.
func NormalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", ErrInvalidUsername
	}
	if len(username) > MaxUsernameLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidUsername, MaxUsernameLength)
	}
	return username, nil
}
