package relayrpc

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestForwardResponseValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		resp      ForwardResponse
		wantErr   bool
		wantRelay string
	}{
		{"ok", ForwardResponse{SDP: "v=0...", Type: "answer"}, false, ""},
		{"error wins over missing sdp", ForwardResponse{Error: "device offline"}, true, "device offline"},
		{"error wins over complete payload", ForwardResponse{SDP: "v=0...", Type: "answer", Error: "busy"}, true, "busy"},
		{"missing sdp", ForwardResponse{Type: "answer"}, true, ""},
		{"missing type", ForwardResponse{SDP: "v=0..."}, true, ""},
		{"empty", ForwardResponse{}, true, ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.resp.Validate()
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.wantRelay != "" {
				var relayErr *RelayError
				if !errors.As(err, &relayErr) {
					t.Fatalf("expected RelayError, got %T: %v", err, err)
				}
				if relayErr.Message != tc.wantRelay {
					t.Errorf("relay error = %q, want %q verbatim", relayErr.Message, tc.wantRelay)
				}
			} else if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("expected ErrMalformedResponse, got %v", err)
			}
		})
	}
}

func TestForwardResponseSessionDescription(t *testing.T) {
	t.Parallel()

	desc, err := ForwardResponse{SDP: "v=0...", Type: "answer"}.SessionDescription()
	if err != nil {
		t.Fatalf("SessionDescription: %v", err)
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		t.Errorf("Type = %v, want answer", desc.Type)
	}
	if desc.SDP != "v=0..." {
		t.Errorf("SDP = %q", desc.SDP)
	}

	if _, err := (ForwardResponse{SDP: "v=0...", Type: "offer"}).SessionDescription(); err == nil {
		t.Fatal("expected error for sdp type offer")
	}
}

func TestNewForwardRequestWireFormat(t *testing.T) {
	t.Parallel()

	req := NewForwardRequest("device-1", "v=0...", []string{"driver", "wideRoad"}, nil, nil)

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	payload := string(data)

	for _, want := range []string{
		`"operation":"forwardWebRTC"`,
		`"target":"device-1"`,
		`"cameras":["driver","wideRoad"]`,
		`"bridge_services_in":[]`,
		`"bridge_services_out":[]`,
	} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload missing %s:\n%s", want, payload)
		}
	}
	if strings.Contains(payload, "null") {
		t.Errorf("payload must not contain null lists:\n%s", payload)
	}
}
