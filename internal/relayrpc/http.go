package relayrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const httpResponseLimitBytes = 4 << 20

// HTTPClient forwards offers with a JSON POST per request. Suitable for relays
// exposed over plain HTTP(S); for long-lived deployments the WebSocket client
// avoids a handshake per reconnect.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ForwardOffer(ctx context.Context, req ForwardRequest) (ForwardResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ForwardResponse{}, fmt.Errorf("encode relay request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ForwardResponse{}, fmt.Errorf("build relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return ForwardResponse{}, fmt.Errorf("relay request: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, httpResponseLimitBytes))
	if err != nil {
		return ForwardResponse{}, fmt.Errorf("read relay response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return ForwardResponse{}, fmt.Errorf("relay returned status %d", httpResp.StatusCode)
	}

	var resp ForwardResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return ForwardResponse{}, fmt.Errorf("decode relay response: %w", err)
	}
	return resp, nil
}
