package metrics

import "sync"

// Counter names. Everything funnels into a single registry so the status
// server can expose all of them under one Prometheus metric with an `event`
// label.
const (
	NegotiateAttempts       = "negotiate_attempts"
	NegotiateSuccesses      = "negotiate_successes"
	NegotiateFailures       = "negotiate_failures"
	NegotiateSuperseded     = "negotiate_superseded"
	NegotiateRateLimited    = "negotiate_rate_limited"
	RelayTransportErrors    = "relay_transport_errors"
	RelayApplicationErrors  = "relay_application_errors"
	RelayMalformedResponses = "relay_malformed_responses"
	ICEGatherTimeouts       = "ice_gather_timeouts"
	ICEDegradations         = "ice_degradations"
	TracksRegistered        = "tracks_registered"
	DuplicateTrackEvents    = "duplicate_track_events"
	StaleConnectionEvents   = "stale_connection_events"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
