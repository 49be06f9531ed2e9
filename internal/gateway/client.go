package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gentlabs/gent/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Client is one websocket connection. Reads run on the caller's goroutine,
// writes go through a buffered channel drained by a single write pump so
// handlers and subscription pumps can send concurrently.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan []byte

	mu      sync.Mutex
	subs    map[string]context.CancelFunc
	closed  bool
	closeCh chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		server:  server,
		send:    make(chan []byte, sendBuffer),
		subs:    make(map[string]context.CancelFunc),
		closeCh: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Run processes frames until the connection drops or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read failed", "client", c.id, "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed request frame"))
			continue
		}

		if !c.server.rateLimiter.Allow(c.id) {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrRateLimited, "rate limit exceeded"))
			continue
		}

		c.server.router.Dispatch(ctx, c, &req)
	}
}

// SendResponse queues a response frame. Full buffers drop the frame and log;
// the read loop notices the dead connection soon after.
func (c *Client) SendResponse(res *protocol.ResponseFrame) {
	c.enqueue(res)
}

// SendEvent queues an event frame.
func (c *Client) SendEvent(ev *protocol.EventFrame) {
	c.enqueue(ev)
}

func (c *Client) enqueue(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.closeCh:
	default:
		slog.Warn("client send buffer full, dropping frame", "client", c.id)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// AddSubscription tracks a live event subscription so disconnect tears it
// down. Returns false if the client is already closed.
func (c *Client) AddSubscription(id string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.subs[id] = cancel
	return true
}

// RemoveSubscription cancels and forgets one subscription.
func (c *Client) RemoveSubscription(id string) {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close tears down the connection and all live subscriptions.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]context.CancelFunc)
	close(c.closeCh)
	c.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	c.conn.Close()
}
