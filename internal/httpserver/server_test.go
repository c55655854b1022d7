package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/camlink/viewer/internal/config"
	"github.com/camlink/viewer/internal/metrics"
	"github.com/camlink/viewer/internal/negotiator"
)

type fakeController struct {
	mu         sync.Mutex
	negotiated []string
	sessions   map[string]bool
	snaps      []negotiator.Snapshot

	negotiateCalled chan string
}

func newFakeController() *fakeController {
	return &fakeController{
		sessions:        make(map[string]bool),
		negotiateCalled: make(chan string, 16),
	}
}

func (f *fakeController) Negotiate(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	f.negotiated = append(f.negotiated, deviceID)
	f.mu.Unlock()
	f.negotiateCalled <- deviceID
	return nil
}

func (f *fakeController) Teardown(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[deviceID] {
		return false
	}
	delete(f.sessions, deviceID)
	return true
}

func (f *fakeController) Snapshots() []negotiator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snaps
}

func newTestServer(t *testing.T, cfg config.Config, ctrl SessionController) (*Server, *httptest.Server, *metrics.Metrics) {
	t.Helper()
	if cfg.NegotiatesPerMinute == 0 {
		cfg.NegotiatesPerMinute = 60
	}
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, logger, BuildInfo{Commit: "abc", BuildTime: "now"}, ctrl, m)
	s.ready.Store(true)

	ts := httptest.NewServer(s.mux)
	t.Cleanup(ts.Close)
	return s, ts, m
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealthAndVersion(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestServer(t, config.Config{DeviceID: "abc123"}, newFakeController())

	if code := getJSON(t, ts.URL+"/healthz", nil); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
	if code := getJSON(t, ts.URL+"/readyz", nil); code != http.StatusOK {
		t.Errorf("readyz = %d", code)
	}

	var build BuildInfo
	if code := getJSON(t, ts.URL+"/version", &build); code != http.StatusOK {
		t.Errorf("version = %d", code)
	}
	if build.Commit != "abc" {
		t.Errorf("commit = %q", build.Commit)
	}
}

func TestReadyzReportsICEConfigError(t *testing.T) {
	t.Setenv("CAMLINK_RELAY_URL", "wss://relay.example.com/ws")
	t.Setenv("CAMLINK_ICE_SERVERS_JSON", "{not json")

	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	_, ts, _ := newTestServer(t, cfg, newFakeController())
	var body map[string]any
	if code := getJSON(t, ts.URL+"/readyz", &body); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503", code)
	}
	if body["error"] == "" {
		t.Error("readyz should name the ICE config error")
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	ctrl.snaps = []negotiator.Snapshot{{
		DeviceID: "abc123",
		State:    negotiator.StateReady,
		Tracks:   []negotiator.TrackInfo{{ID: "driver", Kind: "video", Label: "Driver"}},
	}}
	_, ts, _ := newTestServer(t, config.Config{DeviceID: "abc123"}, ctrl)

	var body struct {
		Sessions []negotiator.Snapshot `json:"sessions"`
	}
	if code := getJSON(t, ts.URL+"/status", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].DeviceID != "abc123" {
		t.Fatalf("sessions = %+v", body.Sessions)
	}
	if body.Sessions[0].Tracks[0].Label != "Driver" {
		t.Errorf("track = %+v", body.Sessions[0].Tracks[0])
	}
}

func TestNegotiateEndpoint(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	_, ts, _ := newTestServer(t, config.Config{DeviceID: "abc123"}, ctrl)

	code, _ := postJSON(t, ts.URL+"/negotiate", `{"device_id": "dev9"}`)
	if code != http.StatusAccepted {
		t.Fatalf("negotiate = %d, want 202", code)
	}

	select {
	case dev := <-ctrl.negotiateCalled:
		if dev != "dev9" {
			t.Errorf("negotiated device = %q", dev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("controller.Negotiate never called")
	}

	// Empty body falls back to the configured default device.
	code, _ = postJSON(t, ts.URL+"/negotiate", "")
	if code != http.StatusAccepted {
		t.Fatalf("negotiate with empty body = %d, want 202", code)
	}

	code, body := postJSON(t, ts.URL+"/negotiate", `{"bogus": true}`)
	if code != http.StatusBadRequest {
		t.Fatalf("negotiate with unknown field = %d (%v), want 400", code, body)
	}
}

func TestNegotiateRequiresADevice(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestServer(t, config.Config{}, newFakeController())
	code, body := postJSON(t, ts.URL+"/negotiate", "")
	if code != http.StatusBadRequest {
		t.Fatalf("negotiate = %d (%v), want 400 with no device configured", code, body)
	}
}

func TestNegotiateRateLimited(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	_, ts, m := newTestServer(t, config.Config{DeviceID: "abc123", NegotiatesPerMinute: 2}, ctrl)

	for i := 0; i < 2; i++ {
		if code, _ := postJSON(t, ts.URL+"/negotiate", ""); code != http.StatusAccepted {
			t.Fatalf("request %d = %d, want 202", i, code)
		}
	}
	code, _ := postJSON(t, ts.URL+"/negotiate", "")
	if code != http.StatusTooManyRequests {
		t.Fatalf("burst request = %d, want 429", code)
	}
	if m.Get(metrics.NegotiateRateLimited) != 1 {
		t.Errorf("negotiate_rate_limited = %d, want 1", m.Get(metrics.NegotiateRateLimited))
	}
}

func TestTeardownEndpoint(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	ctrl.sessions["abc123"] = true
	_, ts, _ := newTestServer(t, config.Config{}, ctrl)

	code, _ := postJSON(t, ts.URL+"/teardown", `{"device_id": "abc123"}`)
	if code != http.StatusOK {
		t.Fatalf("teardown = %d, want 200", code)
	}
	code, _ = postJSON(t, ts.URL+"/teardown", `{"device_id": "abc123"}`)
	if code != http.StatusNotFound {
		t.Fatalf("second teardown = %d, want 404", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	_, ts, m := newTestServer(t, config.Config{}, ctrl)
	m.Inc(metrics.NegotiateAttempts)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), `camlink_viewer_events_total{event="negotiate_attempts"} 1`) {
		t.Errorf("metrics body missing counter:\n%s", data)
	}
}
