package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/flappy-rocket/internal/auth"
	"github.com/flappy-rocket/internal/domain"
	"github.com/flappy-rocket/internal/metrics"
	"github.com/flappy-rocket/internal/service"
	"github.com/flappy-rocket/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options holds optional handler settings
type Options struct {
	// PayoutAPIKey guards the earnings endpoint. Empty disables it.
	PayoutAPIKey   string
	RequestTimeout time.Duration
	MetricsPath    string
	// Readiness is pinged by /ready; nil reports ready
	Readiness Pinger
	// Now defaults to time.Now
	Now func() time.Time
}

// Handler provides HTTP handlers for the play and score API
type Handler struct {
	allowance *service.AllowanceService
	scores    *service.ScoreService
	verifier  *auth.Verifier
	hub       *websocket.Hub
	metrics   *metrics.Metrics
	opts      Options
	logger    *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	allowance *service.AllowanceService,
	scores *service.ScoreService,
	verifier *auth.Verifier,
	hub *websocket.Hub,
	m *metrics.Metrics,
	opts Options,
	logger *slog.Logger,
) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	return &Handler{
		allowance: allowance,
		scores:    scores,
		verifier:  verifier,
		hub:       hub,
		metrics:   m,
		opts:      opts,
		logger:    logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// PlayResponse is returned for an admitted play
type PlayResponse struct {
	Wallet         string    `json:"wallet"`
	PlaysRemaining int       `json:"plays_remaining"`
	LastPlayAt     time.Time `json:"last_play_at"`
	NextReset      time.Time `json:"next_reset"`
}

// NoPlaysLeftResponse is returned with 429 when the allowance is exhausted
type NoPlaysLeftResponse struct {
	PlaysRemaining int       `json:"plays_remaining"`
	NextReset      time.Time `json:"next_reset"`
}

// ScoreSubmitResponse is returned for an accepted score
type ScoreSubmitResponse struct {
	Wallet    string  `json:"wallet"`
	Username  string  `json:"username"`
	Score     int64   `json:"score"`
	BestScore int64   `json:"best_score"`
	Improved  bool    `json:"improved"`
	Created   bool    `json:"created"`
	Reward    float64 `json:"reward"`
}

// EarningsRequest is the body of a payout notification
type EarningsRequest struct {
	Amount          float64   `json:"amount"`
	TransactionHash string    `json:"transaction_hash"`
	Timestamp       time.Time `json:"timestamp,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	if h.metrics != nil {
		r.Handle(h.opts.MetricsPath, h.metrics.Handler())
	}

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Compress(5))
		if h.opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(h.opts.RequestTimeout))
		}

		r.Post("/plays", h.RequestPlay)
		r.Get("/plays/{wallet}", h.GetAllowance)

		r.Post("/scores", h.SubmitScore)
		r.Get("/scores", h.GetLeaderboard)
		r.Get("/scores/{wallet}", h.GetPlayerScore)

		r.Post("/players/{wallet}/earnings", h.RecordEarnings)

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "Retry-After")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps a service error onto a status code
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidWallet),
		errors.Is(err, domain.ErrInvalidUsername),
		errors.Is(err, domain.ErrInvalidScore),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidTxHash),
		errors.Is(err, domain.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrStorage)
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, err)
	case errors.Is(err, context.Canceled):
		h.logger.Debug("request canceled", "path", r.URL.Path)
		h.writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// authFailure logs and reports a rejected token
func (h *Handler) authFailure(w http.ResponseWriter, endpoint, wallet string, err error) {
	h.metrics.AuthFailure(endpoint)
	h.logger.Warn("authentication failed", "endpoint", endpoint, "wallet", wallet, "error", err)
	h.writeError(w, http.StatusUnauthorized, err)
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections":       h.hub.GetTotalConnections(),
		"leaderboard_subscribers": h.hub.GetSubscriberCount(websocket.TopicLeaderboard),
		"topics":                  h.hub.GetTopicCount(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck reports whether the storage backend is reachable
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if h.opts.Readiness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.opts.Readiness.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			h.writeError(w, http.StatusServiceUnavailable, domain.ErrStorage)
			return
		}
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// RequestPlay admits or rejects one play for the token's wallet
func (h *Handler) RequestPlay(w http.ResponseWriter, r *http.Request) {
	var req service.PlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	wallet, err := domain.NormalizeWallet(req.Wallet)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	token, err := auth.BearerToken(r)
	if err == nil {
		err = h.verifier.VerifyPlay(token, wallet, req.Username)
	}
	if err != nil {
		h.authFailure(w, "plays", wallet, err)
		return
	}

	now := h.opts.Now()
	decision, err := h.allowance.RequestPlay(r.Context(), req, now)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if !decision.Admitted {
		retry := int(math.Ceil(decision.NextReset.Sub(now).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
		h.writeJSON(w, http.StatusTooManyRequests, APIResponse{
			Success: false,
			Error:   "no plays left",
			Data: NoPlaysLeftResponse{
				PlaysRemaining: 0,
				NextReset:      decision.NextReset,
			},
		})
		return
	}

	h.writeSuccess(w, PlayResponse{
		Wallet:         wallet,
		PlaysRemaining: decision.PlaysRemaining,
		LastPlayAt:     decision.LastPlayAt,
		NextReset:      decision.NextReset,
	})
}

// GetAllowance returns the allowance a play request would see now
func (h *Handler) GetAllowance(w http.ResponseWriter, r *http.Request) {
	status, err := h.allowance.Status(r.Context(), chi.URLParam(r, "wallet"), h.opts.Now())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, status)
}

// SubmitScore records a finished game's score
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	var submission domain.ScoreSubmission
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	wallet, err := domain.NormalizeWallet(submission.Wallet)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if submission.Score < 0 || submission.Score > domain.MaxScore {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidScore)
		return
	}

	token, err := auth.BearerToken(r)
	if err == nil {
		err = h.verifier.VerifyScore(token, wallet, submission.Score)
	}
	if err != nil {
		h.authFailure(w, "scores", wallet, err)
		return
	}

	result, err := h.scores.SubmitScore(r.Context(), submission, h.opts.Now())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, APIResponse{
		Success: true,
		Data: ScoreSubmitResponse{
			Wallet:    result.Record.Wallet,
			Username:  result.Record.Username,
			Score:     submission.Score,
			BestScore: result.Record.BestScore,
			Improved:  result.Improved,
			Created:   result.Created,
			Reward:    result.Reward,
		},
	})
}

// GetLeaderboard returns the top players by best score
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	entries, err := h.scores.Leaderboard(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, entries)
}

// GetPlayerScore returns a wallet's best score
func (h *Handler) GetPlayerScore(w http.ResponseWriter, r *http.Request) {
	record, err := h.scores.PlayerScore(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, record)
}

// RecordEarnings applies a payout reported by the payout collaborator
func (h *Handler) RecordEarnings(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-API-Key")
	if h.opts.PayoutAPIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.opts.PayoutAPIKey)) != 1 {
		h.authFailure(w, "earnings", chi.URLParam(r, "wallet"), auth.ErrTokenInvalid)
		return
	}

	var req EarningsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	updated, err := h.allowance.RecordEarnings(r.Context(), domain.PayoutEvent{
		Wallet:          chi.URLParam(r, "wallet"),
		Amount:          req.Amount,
		TransactionHash: req.TransactionHash,
		Timestamp:       req.Timestamp,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, updated)
}
