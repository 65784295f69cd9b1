// Package metrics exposes Prometheus instrumentation for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Play request outcomes
const (
	OutcomeAdmitted  = "admitted"
	OutcomeRejected  = "no_plays_left"
	OutcomeImproved  = "improved"
	OutcomeUnchanged = "unchanged"
	OutcomeError     = "error"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Registry *prometheus.Registry

	playRequests      *prometheus.CounterVec
	scoreSubmissions  *prometheus.CounterVec
	authFailures      *prometheus.CounterVec
	storageErrors     *prometheus.CounterVec
	earningsRecorded  prometheus.Counter
	wsConnections     prometheus.Gauge
	leaderboardPlayer prometheus.Gauge
}

// New creates the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		playRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flappy_play_requests_total",
			Help: "Play requests by outcome.",
		}, []string{"outcome"}),
		scoreSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flappy_score_submissions_total",
			Help: "Score submissions by outcome.",
		}, []string{"outcome"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flappy_auth_failures_total",
			Help: "Rejected request tokens by endpoint.",
		}, []string{"endpoint"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flappy_storage_errors_total",
			Help: "Failed storage operations by operation.",
		}, []string{"op"}),
		earningsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flappy_earnings_recorded_total",
			Help: "Payout events applied to allowance records.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flappy_websocket_connections",
			Help: "Open WebSocket connections.",
		}),
		leaderboardPlayer: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flappy_leaderboard_players",
			Help: "Entries in the last leaderboard snapshot.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.playRequests,
		m.scoreSubmissions,
		m.authFailures,
		m.storageErrors,
		m.earningsRecorded,
		m.wsConnections,
		m.leaderboardPlayer,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// PlayRequest counts a play request outcome
func (m *Metrics) PlayRequest(outcome string) {
	if m == nil {
		return
	}
	m.playRequests.WithLabelValues(outcome).Inc()
}

// ScoreSubmission counts a score submission outcome
func (m *Metrics) ScoreSubmission(outcome string) {
	if m == nil {
		return
	}
	m.scoreSubmissions.WithLabelValues(outcome).Inc()
}

// AuthFailure counts a rejected token
func (m *Metrics) AuthFailure(endpoint string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(endpoint).Inc()
}

// StorageError counts a failed storage operation
func (m *Metrics) StorageError(op string) {
	if m == nil {
		return
	}
	m.storageErrors.WithLabelValues(op).Inc()
}

// EarningsRecorded counts an applied payout
func (m *Metrics) EarningsRecorded() {
	if m == nil {
		return
	}
	m.earningsRecorded.Inc()
}

// SetWebSocketConnections sets the open connection gauge
func (m *Metrics) SetWebSocketConnections(n int) {
	if m == nil {
		return
	}
	m.wsConnections.Set(float64(n))
}

// SetLeaderboardPlayers sets the leaderboard snapshot size gauge
func (m *Metrics) SetLeaderboardPlayers(n int) {
	if m == nil {
		return
	}
	m.leaderboardPlayer.Set(float64(n))
}
