package negotiator

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/camlink/viewer/internal/metrics"
)

// TrackInfo describes one registered remote track.
type TrackInfo struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
}

type eventKind int

const (
	eventTrack eventKind = iota
	eventICEState
)

// event is a connection notification tagged with the generation of the
// connection that produced it.
type event struct {
	generation uint64
	kind       eventKind

	trackID   string
	trackKind string

	iceState webrtc.ICEConnectionState
}

// installHandlers subscribes the session to pc's asynchronous notifications.
// Callbacks only post to the event channel; all state mutation happens on the
// session's event loop.
func (s *Session) installHandlers(gen uint64, pc *webrtc.PeerConnection) {
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.post(event{
			generation: gen,
			kind:       eventTrack,
			trackID:    track.ID(),
			trackKind:  track.Kind().String(),
		})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.post(event{
			generation: gen,
			kind:       eventICEState,
			iceState:   state,
		})
	})
}

func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) run() {
	for {
		select {
		case ev := <-s.events:
			s.apply(ev)
		case <-s.done:
			return
		}
	}
}

func (s *Session) apply(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || ev.generation != s.generation {
		s.metrics.Inc(metrics.StaleConnectionEvents)
		return
	}

	switch ev.kind {
	case eventTrack:
		s.registerTrackLocked(ev.trackID, ev.trackKind)
	case eventICEState:
		s.applyICEStateLocked(ev.iceState)
	}
}

// registerTrackLocked appends the track to the registry unless its identifier
// was already seen on this connection.
func (s *Session) registerTrackLocked(id, kind string) {
	if _, seen := s.trackIDs[id]; seen {
		s.metrics.Inc(metrics.DuplicateTrackEvents)
		return
	}
	s.trackIDs[id] = struct{}{}
	s.tracks = append(s.tracks, TrackInfo{
		ID:    id,
		Kind:  kind,
		Label: displayLabel(id),
	})
	s.metrics.Inc(metrics.TracksRegistered)
	s.log.Info("track registered", "track", id, "kind", kind)
}

// applyICEStateLocked projects ICE connectivity onto the advisory status and
// error fields. These never restart negotiation and never drop track data.
func (s *Session) applyICEStateLocked(state webrtc.ICEConnectionState) {
	s.iceState = state.String()
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.status = ""
		s.errMsg = ""
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		s.errMsg = errConnectionFailed
		s.metrics.Inc(metrics.ICEDegradations)
		s.log.Warn("ice connectivity degraded", "state", state.String())
	}
}

// displayLabel derives a human-readable label from a track identifier, e.g.
// "wideRoad" -> "Wide Road".
func displayLabel(id string) string {
	if id == "" {
		return ""
	}

	var b strings.Builder
	for i, r := range id {
		if i == 0 {
			b.WriteRune(toUpper(r))
			continue
		}
		if r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - ('a' - 'A')
	}
	return r
}
