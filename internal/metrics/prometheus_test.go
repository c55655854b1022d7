package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesCounters(t *testing.T) {
	t.Parallel()

	m := New()
	m.Inc(NegotiateAttempts)
	m.Inc(NegotiateAttempts)
	m.Inc(TracksRegistered)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}

	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	if !strings.Contains(out, `camlink_viewer_events_total{event="negotiate_attempts"} 2`) {
		t.Fatalf("missing negotiate_attempts counter:\n%s", out)
	}
	if !strings.Contains(out, `camlink_viewer_events_total{event="tracks_registered"} 1`) {
		t.Fatalf("missing tracks_registered counter:\n%s", out)
	}
}

func TestPrometheusHandler_EscapesLabelValues(t *testing.T) {
	t.Parallel()

	m := New()
	m.Inc(`weird"event\name`)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `event="weird\"event\\name"`) {
		t.Fatalf("label value not escaped:\n%s", body)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Inc("anything")
	if got := m.Get("anything"); got != 0 {
		t.Fatalf("Get on nil receiver=%d, want 0", got)
	}
	if snap := m.Snapshot(); snap != nil {
		t.Fatalf("Snapshot on nil receiver=%v, want nil", snap)
	}
}
