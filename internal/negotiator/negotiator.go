// Package negotiator drives WebRTC receive sessions against remote devices.
//
// A Session owns at most one peer connection at a time. Negotiate performs a
// full reset and then walks the offer/ICE-gather/relay/answer sequence;
// asynchronous connection events (incoming tracks, ICE state changes) are
// funneled through an internal channel and applied by a single goroutine,
// guarded by a connection-generation counter so events from a superseded
// connection are inert.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/camlink/viewer/internal/metrics"
	"github.com/camlink/viewer/internal/relayrpc"
)

// State is the offer/answer driver state.
type State string

const (
	StateIdle           State = "idle"
	StateCreatingOffer  State = "creating_offer"
	StateGatheringICE   State = "gathering_ice"
	StateRelaying       State = "relaying"
	StateApplyingAnswer State = "applying_answer"
	StateReady          State = "ready"
	StateFailed         State = "failed"
)

// Operator-facing status messages shown while a negotiation is in flight.
const (
	StatusInitiating   = "Initiating connection"
	StatusSendingOffer = "Sending offer"
)

// errConnectionFailed is the advisory error projected from ICE degradation.
const errConnectionFailed = "Connection to device failed"

var (
	// ErrSessionClosed is returned by Negotiate after Teardown.
	ErrSessionClosed = errors.New("session closed")

	// ErrSuperseded is returned when a concurrent Negotiate call replaced
	// this attempt's connection before it finished.
	ErrSuperseded = errors.New("negotiation superseded by a newer attempt")
)

// ConnectFunc builds a fresh receive-ready peer connection for one
// negotiation attempt.
type ConnectFunc func() (*webrtc.PeerConnection, error)

type SessionConfig struct {
	DeviceID string
	Relay    relayrpc.Client
	Connect  ConnectFunc

	Cameras           []string
	BridgeServicesIn  []string
	BridgeServicesOut []string

	// ICEGatheringTimeout bounds the wait for gathering-complete; on expiry
	// the offer is sent with whatever candidates gathered so far.
	ICEGatheringTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Session negotiates and observes the receive connection for one device.
type Session struct {
	cfg     SessionConfig
	log     *slog.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	generation   uint64
	pc           *webrtc.PeerConnection
	state        State
	status       string
	errMsg       string
	reconnecting bool
	iceState     string
	tracks       []TrackInfo
	trackIDs     map[string]struct{}
	closed       bool

	events chan event
	done   chan struct{}
}

// Snapshot is a point-in-time view of a session for status reporting.
type Snapshot struct {
	DeviceID     string      `json:"device_id"`
	State        State       `json:"state"`
	Status       string      `json:"status,omitempty"`
	Error        string      `json:"error,omitempty"`
	Reconnecting bool        `json:"reconnecting"`
	ICEState     string      `json:"ice_state,omitempty"`
	Tracks       []TrackInfo `json:"tracks"`
	Generation   uint64      `json:"generation"`
}

func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:      cfg,
		log:      logger.With("device", cfg.DeviceID),
		metrics:  cfg.Metrics,
		state:    StateIdle,
		trackIDs: make(map[string]struct{}),
		events:   make(chan event, 32),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Negotiate performs a full reset and drives one offer/answer exchange. It is
// always safe to call again after a failure; each call disposes the previous
// connection first.
func (s *Session) Negotiate(ctx context.Context) error {
	gen, prev, err := s.begin()
	if err != nil {
		return err
	}
	if prev != nil {
		_ = prev.Close()
	}
	s.metrics.Inc(metrics.NegotiateAttempts)
	s.log.Info("negotiation started", "generation", gen)

	pc, err := s.cfg.Connect()
	if err != nil {
		return s.fail(gen, fmt.Errorf("create peer connection: %w", err))
	}

	if !s.adopt(gen, pc) {
		_ = pc.Close()
		s.metrics.Inc(metrics.NegotiateSuperseded)
		return ErrSuperseded
	}
	s.installHandlers(gen, pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return s.fail(gen, fmt.Errorf("create offer: %w", err))
	}

	if err := s.transition(gen, StateGatheringICE, StatusInitiating); err != nil {
		return err
	}

	// The promise must be captured before SetLocalDescription starts
	// gathering, otherwise a fast gather can complete unobserved.
	gatherDone := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return s.fail(gen, fmt.Errorf("set local description: %w", err))
	}

	if err := s.awaitICEGathering(ctx, gatherDone); err != nil {
		return s.fail(gen, err)
	}

	local := pc.LocalDescription()
	if local == nil {
		return s.fail(gen, errors.New("missing local description"))
	}

	if err := s.transition(gen, StateRelaying, StatusSendingOffer); err != nil {
		return err
	}

	req := relayrpc.NewForwardRequest(s.cfg.DeviceID, local.SDP, s.cfg.Cameras, s.cfg.BridgeServicesIn, s.cfg.BridgeServicesOut)
	resp, err := s.cfg.Relay.ForwardOffer(ctx, req)
	if err != nil {
		s.metrics.Inc(metrics.RelayTransportErrors)
		return s.fail(gen, fmt.Errorf("relay request: %w", err))
	}
	if err := resp.Validate(); err != nil {
		var relayErr *relayrpc.RelayError
		switch {
		case errors.As(err, &relayErr):
			s.metrics.Inc(metrics.RelayApplicationErrors)
		case errors.Is(err, relayrpc.ErrMalformedResponse):
			s.metrics.Inc(metrics.RelayMalformedResponses)
		}
		return s.fail(gen, err)
	}

	if err := s.transition(gen, StateApplyingAnswer, StatusSendingOffer); err != nil {
		return err
	}

	answer, err := resp.SessionDescription()
	if err != nil {
		s.metrics.Inc(metrics.RelayMalformedResponses)
		return s.fail(gen, err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return s.fail(gen, fmt.Errorf("set remote description: %w", err))
	}

	return s.ready(gen)
}

// Teardown disposes the session: closes any live connection, clears the track
// registry, and stops the event loop. The session cannot be reused afterward.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.generation++
	pc := s.pc
	s.pc = nil
	s.state = StateIdle
	s.status = ""
	s.errMsg = ""
	s.reconnecting = false
	s.iceState = ""
	s.tracks = nil
	s.trackIDs = make(map[string]struct{})
	close(s.done)
	s.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
	s.log.Info("session torn down")
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracks := make([]TrackInfo, len(s.tracks))
	copy(tracks, s.tracks)

	return Snapshot{
		DeviceID:     s.cfg.DeviceID,
		State:        s.state,
		Status:       s.status,
		Error:        s.errMsg,
		Reconnecting: s.reconnecting,
		ICEState:     s.iceState,
		Tracks:       tracks,
		Generation:   s.generation,
	}
}

// begin resets the session for a fresh attempt and returns the new generation
// plus the previous connection for the caller to close outside the lock.
func (s *Session) begin() (uint64, *webrtc.PeerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, nil, ErrSessionClosed
	}

	s.generation++
	prev := s.pc
	s.pc = nil
	s.state = StateCreatingOffer
	s.status = StatusInitiating
	s.errMsg = ""
	s.reconnecting = true
	s.iceState = ""
	s.tracks = nil
	s.trackIDs = make(map[string]struct{})
	return s.generation, prev, nil
}

// adopt installs pc as the session's connection if gen is still current.
func (s *Session) adopt(gen uint64, pc *webrtc.PeerConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.generation {
		return false
	}
	s.pc = pc
	return true
}

func (s *Session) transition(gen uint64, state State, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.generation {
		s.metrics.Inc(metrics.NegotiateSuperseded)
		return ErrSuperseded
	}
	s.state = state
	s.status = status
	return nil
}

// fail records the error and moves the attempt to the failed state, unless a
// newer attempt has already taken over.
func (s *Session) fail(gen uint64, cause error) error {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		s.metrics.Inc(metrics.NegotiateSuperseded)
		return ErrSuperseded
	}
	pc := s.pc
	s.pc = nil
	s.state = StateFailed
	s.status = ""
	s.errMsg = cause.Error()
	s.reconnecting = false
	// Bump the generation so late events from the closed connection are
	// discarded as stale.
	s.generation++
	s.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
	s.metrics.Inc(metrics.NegotiateFailures)
	s.log.Error("negotiation failed", "generation", gen, "error", cause)
	return cause
}

func (s *Session) ready(gen uint64) error {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		s.metrics.Inc(metrics.NegotiateSuperseded)
		return ErrSuperseded
	}
	s.state = StateReady
	s.status = ""
	s.errMsg = ""
	s.reconnecting = false
	s.mu.Unlock()

	s.metrics.Inc(metrics.NegotiateSuccesses)
	s.log.Info("negotiation complete", "generation", gen)
	return nil
}

func (s *Session) awaitICEGathering(ctx context.Context, gatherDone <-chan struct{}) error {
	timeout := s.cfg.ICEGatheringTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-gatherDone:
		return nil
	case <-timer.C:
		// Send the offer with the candidates gathered so far.
		s.metrics.Inc(metrics.ICEGatherTimeouts)
		s.log.Warn("ice gathering timed out, sending offer as-is", "timeout", timeout)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
