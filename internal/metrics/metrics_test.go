package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.PlayRequest(OutcomeAdmitted)
	m.PlayRequest(OutcomeAdmitted)
	m.PlayRequest(OutcomeRejected)
	m.StorageError("admit_play")

	if got := testutil.ToFloat64(m.playRequests.WithLabelValues(OutcomeAdmitted)); got != 2 {
		t.Fatalf("admitted = %v", got)
	}
	if got := testutil.ToFloat64(m.playRequests.WithLabelValues(OutcomeRejected)); got != 1 {
		t.Fatalf("rejected = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"flappy_play_requests_total", "flappy_storage_errors_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %s", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.PlayRequest(OutcomeAdmitted)
	m.ScoreSubmission(OutcomeImproved)
	m.AuthFailure("plays")
	m.StorageError("get_score")
	m.EarningsRecorded()
	m.SetWebSocketConnections(3)
	m.SetLeaderboardPlayers(5)
}
