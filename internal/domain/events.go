package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Game event types published for downstream consumers
const (
	EventTypePlayAdmitted   = "play_admitted"
	EventTypeScoreSubmitted = "score_submitted"
)

// GameEvent is published after a successful admission or score submission.
// The reward payout collaborator consumes score_submitted events.
type GameEvent struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Wallet         string    `json:"wallet"`
	Username       string    `json:"username,omitempty"`
	PlaysRemaining *int      `json:"plays_remaining,omitempty"`
	Score          *int64    `json:"score,omitempty"`
	BestScore      *int64    `json:"best_score,omitempty"`
	Improved       bool      `json:"improved,omitempty"`
	Reward         float64   `json:"reward,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

var txHashPattern = regexp.MustCompile(`^0x[a-f0-9]{1,64}$`)

// PayoutEvent reports a reward paid out by the payout collaborator. Applying
// it sets the wallet's last earned amount and adds to its total. The
// transaction hash identifies the payout: a hash that was already applied is
// skipped, so redelivered payouts are counted once.
type PayoutEvent struct {
	Wallet          string    `json:"wallet"`
	Amount          float64   `json:"amount"`
	TransactionHash string    `json:"transaction_hash"`
	Timestamp       time.Time `json:"timestamp"`
}

// NormalizePayout validates a payout and lower-cases its wallet and hash.
func NormalizePayout(p PayoutEvent) (PayoutEvent, error) {
	wallet, err := NormalizeWallet(p.Wallet)
	if err != nil {
		return PayoutEvent{}, err
	}
	if p.Amount < 0 {
		return PayoutEvent{}, ErrInvalidAmount
	}
	hash := strings.ToLower(strings.TrimSpace(p.TransactionHash))
	if !txHashPattern.MatchString(hash) {
		return PayoutEvent{}, fmt.Errorf("%w: %q", ErrInvalidTxHash, p.TransactionHash)
	}
	p.Wallet = wallet
	p.TransactionHash = hash
	return p, nil
}
