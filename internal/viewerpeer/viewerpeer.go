// Package viewerpeer constructs the viewer-side PeerConnection: a
// receive-only peer that negotiates one inbound video transceiver per camera.
package viewerpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/camlink/viewer/internal/config"
)

func NewAPI(cfg config.Config) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	return nil
}

// NewReceiveConnection builds a PeerConnection prepared to make a recvonly
// offer: one video transceiver per camera, direction recvonly so the offer's
// media sections don't advertise sending.
func NewReceiveConnection(api *webrtc.API, iceServers []webrtc.ICEServer, policy webrtc.ICETransportPolicy, videoTracks int) (*webrtc.PeerConnection, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	for i := 0; i < videoTracks; i++ {
		_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add video transceiver %d: %w", i, err)
		}
	}

	return pc, nil
}
