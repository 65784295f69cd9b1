package domain

import (
	"math"
	"time"
)

// MaxScore is the largest score every backend stores exactly. Redis keeps
// sorted set scores as float64, which is exact only up to 2^53.
const MaxScore int64 = 1<<53 - 1

// ScoreRecord holds a player's best score. BestScore never decreases.
type ScoreRecord struct {
	Wallet    string    `json:"wallet"`
	Username  string    `json:"username"`
	BestScore int64     `json:"best_score"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LeaderboardEntry represents a single entry in the leaderboard
type LeaderboardEntry struct {
	Rank     int64  `json:"rank"`
	Wallet   string `json:"wallet"`
	Username string `json:"username,omitempty"`
	Score    int64  `json:"score"`
}

// ScoreSubmission represents a request to submit a score
type ScoreSubmission struct {
	Wallet   string `json:"wallet"`
	Username string `json:"username"`
	Score    int64  `json:"score"`
}

// ScoreResult is the outcome of a score submission. A submission that does
// not beat the stored best is still a success, with Improved set to false.
type ScoreResult struct {
	Record   ScoreRecord `json:"record"`
	Improved bool        `json:"improved"`
	Created  bool        `json:"created"`
	Reward   float64     `json:"reward"`
}

// RewardFor converts a finished game's score into the payout amount.
func RewardFor(score int64, ratePerPoint float64) float64 {
	if score <= 0 || ratePerPoint <= 0 {
		return 0
	}
	// Rounded to nano units so 7 points at 0.0005 reports 0.0035.
	return math.Round(float64(score)*ratePerPoint*1e9) / 1e9
}
