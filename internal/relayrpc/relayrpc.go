// Package relayrpc speaks the device relay's forwardWebRTC RPC: the viewer
// posts an SDP offer addressed to a device and gets the device's answer back.
// Two transports implement the same contract, plain HTTP POST and a
// multiplexed WebSocket connection.
package relayrpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// OperationForwardWebRTC is the relay operation that forwards an SDP offer to
// a device and returns its answer.
const OperationForwardWebRTC = "forwardWebRTC"

// ErrMalformedResponse is returned when the relay response carries no
// application error but is missing the sdp or type fields.
var ErrMalformedResponse = errors.New("relay response missing sdp/type")

// RelayError is an application-level failure reported by the relay or device.
// Its message is surfaced to operators verbatim.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string { return e.Message }

// ForwardParams is the parameter payload of a forwardWebRTC request. The
// camera list tells the device which video streams to attach; the bridge
// service lists name auxiliary data channels in each direction.
type ForwardParams struct {
	SDP               string   `json:"sdp"`
	Cameras           []string `json:"cameras"`
	BridgeServicesIn  []string `json:"bridge_services_in"`
	BridgeServicesOut []string `json:"bridge_services_out"`
}

type ForwardRequest struct {
	Operation string        `json:"operation"`
	Params    ForwardParams `json:"params"`
	Target    string        `json:"target"`
}

// NewForwardRequest builds a forwardWebRTC request for the given device. The
// slice fields are normalized so they serialize as [] rather than null.
func NewForwardRequest(deviceID, offerSDP string, cameras, bridgeIn, bridgeOut []string) ForwardRequest {
	return ForwardRequest{
		Operation: OperationForwardWebRTC,
		Params: ForwardParams{
			SDP:               offerSDP,
			Cameras:           emptyIfNil(cameras),
			BridgeServicesIn:  emptyIfNil(bridgeIn),
			BridgeServicesOut: emptyIfNil(bridgeOut),
		},
		Target: deviceID,
	}
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type ForwardResponse struct {
	SDP   string `json:"sdp"`
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// Validate checks the response for failure. A non-empty error field wins over
// everything else and is surfaced verbatim; otherwise missing sdp/type fields
// make the response malformed.
func (r ForwardResponse) Validate() error {
	if r.Error != "" {
		return &RelayError{Message: r.Error}
	}
	if r.SDP == "" || r.Type == "" {
		return ErrMalformedResponse
	}
	return nil
}

// SessionDescription converts the response into a pion session description.
func (r ForwardResponse) SessionDescription() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch r.Type {
	case "answer":
		t = webrtc.SDPTypeAnswer
	case "pranswer":
		t = webrtc.SDPTypePranswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", r.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: r.SDP}, nil
}

// Client forwards offers to devices through the relay. Implementations must be
// safe for concurrent use.
type Client interface {
	ForwardOffer(ctx context.Context, req ForwardRequest) (ForwardResponse, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req ForwardRequest) (ForwardResponse, error)

func (f ClientFunc) ForwardOffer(ctx context.Context, req ForwardRequest) (ForwardResponse, error) {
	return f(ctx, req)
}
