package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/camlink/viewer/internal/metrics"
	"github.com/camlink/viewer/internal/negotiator"
)

const controlBodyLimitBytes = 64 << 10

type controlRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.Snapshots(),
	})
}

// handleNegotiate kicks off a (re)negotiation asynchronously. Negotiation can
// take seconds (ICE gather bound plus the relay round trip), so the handler
// answers 202 and callers poll /status for the outcome.
func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeControlRequest(r)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	// Fail fast on the one error the async path can't surface usefully.
	if req.DeviceID == "" && s.cfg.DeviceID == "" {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": negotiator.ErrNoDevice.Error()})
		return
	}

	if !s.limiter.Allow(negotiateCostTokens) {
		s.metrics.Inc(metrics.NegotiateRateLimited)
		WriteJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many negotiate requests"})
		return
	}

	// Negotiation can take seconds; run it off the request goroutine and let
	// callers poll /status for the outcome.
	go func() {
		if err := s.sessions.Negotiate(context.Background(), req.DeviceID); err != nil {
			if errors.Is(err, negotiator.ErrSuperseded) {
				return
			}
			s.log.Warn("negotiate request failed", "device", req.DeviceID, "error", err)
		}
	}()

	WriteJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	req, err := decodeControlRequest(r)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	if !s.sessions.Teardown(req.DeviceID) {
		WriteJSON(w, http.StatusNotFound, map[string]any{"error": "no such session"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"torn_down": true})
}

// decodeControlRequest tolerates an empty body; a body, if present, must be
// valid JSON with no unknown fields.
func decodeControlRequest(r *http.Request) (controlRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, controlBodyLimitBytes))
	if err != nil {
		return controlRequest{}, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return controlRequest{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var req controlRequest
	if err := dec.Decode(&req); err != nil {
		return controlRequest{}, errors.New("invalid request body")
	}
	return req, nil
}
