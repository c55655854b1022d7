package negotiator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/camlink/viewer/internal/metrics"
	"github.com/camlink/viewer/internal/relayrpc"
)

// ErrNoDevice is returned when a negotiate request names no device and no
// default is configured.
var ErrNoDevice = errors.New("no device identifier")

type ManagerConfig struct {
	// DefaultDeviceID is used when a request doesn't name a device.
	DefaultDeviceID string

	Relay   relayrpc.Client
	Connect ConnectFunc

	Cameras           []string
	BridgeServicesIn  []string
	BridgeServicesOut []string

	ICEGatheringTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager owns one Session per device identifier.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Negotiate (re)negotiates the session for deviceID, creating it on first
// use. An empty deviceID falls back to the configured default.
func (m *Manager) Negotiate(ctx context.Context, deviceID string) error {
	sess, err := m.session(deviceID)
	if err != nil {
		return err
	}
	return sess.Negotiate(ctx)
}

// Teardown disposes the session for deviceID. It reports whether a session
// existed.
func (m *Manager) Teardown(deviceID string) bool {
	if deviceID == "" {
		deviceID = m.cfg.DefaultDeviceID
	}

	m.mu.Lock()
	sess, ok := m.sessions[deviceID]
	if ok {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()

	if ok {
		sess.Teardown()
	}
	return ok
}

// Snapshots returns a stable-ordered view of all sessions.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snaps = append(snaps, sess.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].DeviceID < snaps[j].DeviceID })
	return snaps
}

// Close tears down every session.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Teardown()
	}
}

func (m *Manager) session(deviceID string) (*Session, error) {
	if deviceID == "" {
		deviceID = m.cfg.DefaultDeviceID
	}
	if deviceID == "" {
		return nil, ErrNoDevice
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrSessionClosed
	}
	if sess, ok := m.sessions[deviceID]; ok {
		return sess, nil
	}

	sess := NewSession(SessionConfig{
		DeviceID:            deviceID,
		Relay:               m.cfg.Relay,
		Connect:             m.cfg.Connect,
		Cameras:             m.cfg.Cameras,
		BridgeServicesIn:    m.cfg.BridgeServicesIn,
		BridgeServicesOut:   m.cfg.BridgeServicesOut,
		ICEGatheringTimeout: m.cfg.ICEGatheringTimeout,
		Logger:              m.cfg.Logger,
		Metrics:             m.cfg.Metrics,
	})
	m.sessions[deviceID] = sess
	return sess, nil
}
