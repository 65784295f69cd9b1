package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/flappy-rocket/internal/auth"
	"github.com/flappy-rocket/internal/config"
	"github.com/flappy-rocket/internal/domain"
	"github.com/flappy-rocket/internal/memory"
	"github.com/flappy-rocket/internal/metrics"
	"github.com/flappy-rocket/internal/service"
	"github.com/flappy-rocket/internal/websocket"
)

const (
	alice     = "0x00000000000000000000000000000000000a11ce"
	bob       = "0x0000000000000000000000000000000000000b0b"
	secret    = "handler-test-secret"
	payoutKey = "payout-key"
)

type testEnv struct {
	router  http.Handler
	signer  *auth.Signer
	metrics *metrics.Metrics
	now     time.Time
}

type downStore struct{}

func (downStore) AdmitPlay(context.Context, string, string, time.Time, domain.AllowancePolicy) (domain.PlayDecision, error) {
	return domain.PlayDecision{}, errors.New("connection refused")
}
func (downStore) GetAllowance(context.Context, string) (*domain.PlayerAllowance, error) {
	return nil, errors.New("connection refused")
}
func (downStore) RecordEarnings(context.Context, string, string, float64, time.Time) (*domain.PlayerAllowance, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func newTestEnv(t *testing.T, allowanceStore service.AllowanceStore) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	store := memory.NewStore()
	if allowanceStore == nil {
		allowanceStore = store
	}

	allowance, err := service.NewAllowanceService(allowanceStore, domain.DefaultAllowancePolicy(), m, logger)
	if err != nil {
		t.Fatalf("NewAllowanceService: %v", err)
	}
	scores := service.NewScoreService(store,
		&config.LeaderboardConfig{DefaultLimit: 5, MaxLimit: 100},
		&config.RewardsConfig{RatePerPoint: 0.0005},
		m, logger)

	verifier, err := auth.NewVerifier(&config.AuthConfig{JWTSecret: secret, MaxTokenAge: 2 * time.Minute, ClockSkew: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	signer, err := auth.NewSigner(secret, time.Minute)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	env := &testEnv{signer: signer, metrics: m, now: time.Now().UTC().Truncate(time.Second)}
	var readiness Pinger
	if p, ok := allowanceStore.(Pinger); ok {
		readiness = p
	}
	h := NewHandler(allowance, scores, verifier, websocket.NewHub(m, logger), m, Options{
		PayoutAPIKey:   payoutKey,
		RequestTimeout: 5 * time.Second,
		Readiness:      readiness,
		Now:            func() time.Time { return env.now },
	}, logger)
	env.router = h.Router()
	return env
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decoding %s: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

func (e *testEnv) playToken(t *testing.T, wallet, username string) string {
	t.Helper()
	token, err := e.signer.SignPlay(wallet, username, time.Now())
	if err != nil {
		t.Fatalf("SignPlay: %v", err)
	}
	return token
}

func (e *testEnv) scoreToken(t *testing.T, wallet string, score int64) string {
	t.Helper()
	token, err := e.signer.SignScore(wallet, score, time.Now())
	if err != nil {
		t.Fatalf("SignScore: %v", err)
	}
	return token
}

func TestRequestPlay_AllowanceLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	body := service.PlayRequest{Wallet: alice, Username: "alice"}
	token := env.playToken(t, alice, "alice")

	for _, want := range []int{3, 2, 1, 0} {
		rec, resp := env.do(t, "POST", "/api/v1/plays", token, body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		var play PlayResponse
		if err := json.Unmarshal(resp.Data, &play); err != nil {
			t.Fatalf("decoding play: %v", err)
		}
		if play.PlaysRemaining != want {
			t.Fatalf("plays remaining = %d, want %d", play.PlaysRemaining, want)
		}
	}

	rec, resp := env.do(t, "POST", "/api/v1/plays", token, body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if resp.Error != "no plays left" {
		t.Fatalf("error = %q", resp.Error)
	}
	var rejected NoPlaysLeftResponse
	if err := json.Unmarshal(resp.Data, &rejected); err != nil {
		t.Fatalf("decoding rejection: %v", err)
	}
	if rejected.PlaysRemaining != 0 || !rejected.NextReset.Equal(env.now.Add(24*time.Hour)) {
		t.Fatalf("rejection = %+v", rejected)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry != int((24 * time.Hour).Seconds()) {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	// A day later the window has elapsed.
	env.now = env.now.Add(24 * time.Hour)
	rec, resp = env.do(t, "POST", "/api/v1/plays", env.playToken(t, alice, "alice"), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status after reset = %d", rec.Code)
	}
	var play PlayResponse
	json.Unmarshal(resp.Data, &play)
	if play.PlaysRemaining != 3 {
		t.Fatalf("plays after reset = %d, want 3", play.PlaysRemaining)
	}
}

func TestRequestPlay_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		token  string
		body   any
		status int
	}{
		{"missing token", "", service.PlayRequest{Wallet: alice, Username: "alice"}, http.StatusUnauthorized},
		{"token for other wallet", env.playToken(t, bob, "alice"), service.PlayRequest{Wallet: alice, Username: "alice"}, http.StatusUnauthorized},
		{"token for other username", env.playToken(t, alice, "bob"), service.PlayRequest{Wallet: alice, Username: "alice"}, http.StatusUnauthorized},
		{"score token", env.scoreToken(t, alice, 1), service.PlayRequest{Wallet: alice, Username: "alice"}, http.StatusUnauthorized},
		{"invalid wallet", env.playToken(t, alice, "alice"), service.PlayRequest{Wallet: "alice", Username: "alice"}, http.StatusBadRequest},
		{"bad body", env.playToken(t, alice, "alice"), "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := env.do(t, "POST", "/api/v1/plays", tt.token, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body)
			}
			if resp.Success {
				t.Fatal("success should be false")
			}
		})
	}

	// None of the rejected requests consumed a play.
	rec, resp := env.do(t, "GET", "/api/v1/plays/"+alice, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status domain.AllowanceStatus
	json.Unmarshal(resp.Data, &status)
	if status.PlaysRemaining != 4 || status.LastPlayAt != nil {
		t.Fatalf("status = %+v", status)
	}
}

func TestRequestPlay_StorageUnavailable(t *testing.T) {
	env := newTestEnv(t, downStore{})

	rec, resp := env.do(t, "POST", "/api/v1/plays", env.playToken(t, alice, "alice"), service.PlayRequest{Wallet: alice, Username: "alice"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if resp.Error != domain.ErrStorage.Error() {
		t.Fatalf("error = %q", resp.Error)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}

	rec, _ = env.do(t, "GET", "/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d, want 503", rec.Code)
	}
}

func TestScores(t *testing.T) {
	env := newTestEnv(t, nil)
	submit := func(wallet, username string, score int64) (*httptest.ResponseRecorder, ScoreSubmitResponse) {
		t.Helper()
		rec, resp := env.do(t, "POST", "/api/v1/scores", env.scoreToken(t, wallet, score),
			domain.ScoreSubmission{Wallet: wallet, Username: username, Score: score})
		var result ScoreSubmitResponse
		if resp.Success {
			json.Unmarshal(resp.Data, &result)
		}
		return rec, result
	}

	rec, result := submit(alice, "alice", 50)
	if rec.Code != http.StatusCreated || !result.Improved || !result.Created || result.BestScore != 50 {
		t.Fatalf("first submission: %d %+v", rec.Code, result)
	}
	if result.Reward != 0.025 {
		t.Fatalf("reward = %v", result.Reward)
	}

	rec, result = submit(alice, "alice", 30)
	if rec.Code != http.StatusOK || result.Improved || result.BestScore != 50 {
		t.Fatalf("lower submission: %d %+v", rec.Code, result)
	}

	submit(bob, "bob", 80)

	rec, resp := env.do(t, "GET", "/api/v1/scores?limit=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("leaderboard status = %d", rec.Code)
	}
	var entries []domain.LeaderboardEntry
	json.Unmarshal(resp.Data, &entries)
	if len(entries) != 2 || entries[0].Wallet != bob || entries[1].Score != 50 || entries[1].Rank != 2 {
		t.Fatalf("leaderboard = %+v", entries)
	}

	rec, resp = env.do(t, "GET", "/api/v1/scores/0x00000000000000000000000000000000000A11CE", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("player score status = %d", rec.Code)
	}
	var record domain.ScoreRecord
	json.Unmarshal(resp.Data, &record)
	if record.BestScore != 50 || record.Username != "alice" {
		t.Fatalf("record = %+v", record)
	}

	rec, _ = env.do(t, "GET", "/api/v1/scores/0x0000000000000000000000000000000000000999", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing score status = %d, want 404", rec.Code)
	}
}

func TestSubmitScore_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		token  string
		body   domain.ScoreSubmission
		status int
	}{
		{"inflated score", env.scoreToken(t, alice, 10), domain.ScoreSubmission{Wallet: alice, Username: "alice", Score: 9999}, http.StatusUnauthorized},
		{"no token", "", domain.ScoreSubmission{Wallet: alice, Username: "alice", Score: 10}, http.StatusUnauthorized},
		{"negative score", env.scoreToken(t, alice, -1), domain.ScoreSubmission{Wallet: alice, Username: "alice", Score: -1}, http.StatusBadRequest},
		{"score too large", env.scoreToken(t, alice, domain.MaxScore+1), domain.ScoreSubmission{Wallet: alice, Username: "alice", Score: domain.MaxScore + 1}, http.StatusBadRequest},
		{"invalid wallet", env.scoreToken(t, alice, 10), domain.ScoreSubmission{Wallet: "0x12", Username: "alice", Score: 10}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := env.do(t, "POST", "/api/v1/scores", tt.token, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body)
			}
		})
	}

	rec, _ := env.do(t, "GET", "/api/v1/scores/"+alice, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("rejected submissions stored a score: %d", rec.Code)
	}
}

func TestRecordEarnings(t *testing.T) {
	env := newTestEnv(t, nil)
	path := "/api/v1/players/" + alice + "/earnings"
	body := EarningsRequest{Amount: 0.25, TransactionHash: "0xabc"}

	rec, _ := env.do(t, "POST", path, "", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("without key = %d, want 401", rec.Code)
	}
	rec, _ = env.do(t, "POST", path, "", body, "X-API-Key", "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key = %d, want 401", rec.Code)
	}
	rec, _ = env.do(t, "POST", path, "", body, "X-API-Key", payoutKey)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown player = %d, want 404", rec.Code)
	}

	env.do(t, "POST", "/api/v1/plays", env.playToken(t, alice, "alice"), service.PlayRequest{Wallet: alice, Username: "alice"})
	env.do(t, "POST", path, "", body, "X-API-Key", payoutKey)
	second := EarningsRequest{Amount: 0.5, TransactionHash: "0xdef"}
	env.do(t, "POST", path, "", second, "X-API-Key", payoutKey)
	// A retried request carries the same hash and is counted once.
	rec, resp := env.do(t, "POST", path, "", second, "X-API-Key", payoutKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	var updated domain.PlayerAllowance
	json.Unmarshal(resp.Data, &updated)
	if updated.LastEarned != 0.5 || updated.TotalEarned != 0.75 || updated.PlaysRemaining != 3 {
		t.Fatalf("allowance = %+v", updated)
	}

	rec, _ = env.do(t, "POST", path, "", EarningsRequest{Amount: -1, TransactionHash: "0x1"}, "X-API-Key", payoutKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative amount = %d, want 400", rec.Code)
	}
	rec, _ = env.do(t, "POST", path, "", EarningsRequest{Amount: 1}, "X-API-Key", payoutKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing transaction hash = %d, want 400", rec.Code)
	}
}

func TestHealthReadyMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/health", "/ready", "/api/v1/ws/stats"} {
		rec, resp := env.do(t, "GET", path, "", nil)
		if rec.Code != http.StatusOK || !resp.Success {
			t.Fatalf("%s = %d", path, rec.Code)
		}
	}

	env.do(t, "POST", "/api/v1/plays", "", service.PlayRequest{Wallet: alice, Username: "alice"})

	rec, _ := env.do(t, "GET", "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `flappy_auth_failures_total{endpoint="plays"} 1`) {
		t.Fatalf("metrics missing auth failure:\n%s", rec.Body)
	}
}
