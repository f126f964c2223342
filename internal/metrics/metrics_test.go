package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape: %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestCounters(t *testing.T) {
	m := New(func() int { return 3 })
	m.EventsIngested.WithLabelValues("t1").Add(5)
	m.EventsRejected.WithLabelValues("t1").Inc()
	m.AlertsFired.WithLabelValues("t1").Inc()

	out := scrape(t, m)
	for _, want := range []string{
		`hiveboard_events_ingested_total{tenant="t1"} 5`,
		`hiveboard_events_rejected_total{tenant="t1"} 1`,
		`hiveboard_alerts_fired_total{tenant="t1"} 1`,
		`hiveboard_ws_connections 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestInstrument(t *testing.T) {
	m := New(func() int { return 0 })
	h := m.Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	mux := http.NewServeMux()
	mux.Handle("GET /v1/widgets", h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/widgets", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: %d", rec.Code)
	}

	out := scrape(t, m)
	if !strings.Contains(out, `pattern="GET /v1/widgets"`) || !strings.Contains(out, `status="404"`) {
		t.Fatalf("histogram labels missing:\n%s", out)
	}
}
