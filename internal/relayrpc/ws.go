package relayrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait       = 5 * time.Second
	wsHandshakeWait   = 10 * time.Second
	wsMaxMessageBytes = 4 << 20
)

// ErrClientClosed is returned by ForwardOffer after Close.
var ErrClientClosed = errors.New("relay client closed")

type wsRequest struct {
	ID uint64 `json:"id"`
	ForwardRequest
}

type wsResponse struct {
	ID uint64 `json:"id"`
	ForwardResponse
}

// WSClient multiplexes forwardWebRTC requests over one WebSocket connection to
// the relay. The connection is dialed lazily and redialed after a read error,
// so a relay restart costs one failed request rather than a stuck client.
type WSClient struct {
	url    string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan ForwardResponse
	nextID  uint64
	closed  bool
}

func NewWSClient(url string) *WSClient {
	return &WSClient{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: wsHandshakeWait,
		},
		pending: make(map[uint64]chan ForwardResponse),
	}
}

func (c *WSClient) ForwardOffer(ctx context.Context, req ForwardRequest) (ForwardResponse, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ForwardResponse{}, ErrClientClosed
	}

	if c.conn == nil {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.mu.Unlock()
			return ForwardResponse{}, fmt.Errorf("dial relay: %w", err)
		}
		conn.SetReadLimit(wsMaxMessageBytes)
		c.conn = conn
		go c.readLoop(conn)
	}
	conn := c.conn

	c.nextID++
	id := c.nextID
	ch := make(chan ForwardResponse, 1)
	c.pending[id] = ch

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := conn.WriteJSON(wsRequest{ID: id, ForwardRequest: req})
	if err != nil {
		delete(c.pending, id)
		c.dropConnLocked(conn)
		c.mu.Unlock()
		return ForwardResponse{}, fmt.Errorf("write relay request: %w", err)
	}
	c.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return ForwardResponse{}, errors.New("relay connection lost")
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ForwardResponse{}, ctx.Err()
	}
}

// Close tears down the connection and fails any in-flight requests.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.dropConnLocked(c.conn)
	}
	return nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var resp wsResponse
		if err := conn.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			c.dropConnLocked(conn)
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp.ForwardResponse
		}
	}
}

// dropConnLocked closes conn and fails its pending requests. A newer
// connection (already redialed by another caller) is left alone.
func (c *WSClient) dropConnLocked(conn *websocket.Conn) {
	_ = conn.Close()
	if c.conn != conn {
		return
	}
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
