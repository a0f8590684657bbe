package relayserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collab/internal/envelope"
	"github.com/collab/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536
	sendBufSize    = 256
)

// Client is one subscribed websocket connection. A user may hold several
// (multiple tabs); the hub fans deliveries out to all of them.
// Lifecycle: newClient -> Start -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	topic string

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func newClient(hub *Hub, conn *websocket.Conn, topic string) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, sendBufSize),
		topic: topic,
		done:  make(chan struct{}),
	}
}

// Start launches both pumps. ctx bounds their lifetime; cancel is kept for
// Close.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pumps have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any
// goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

// deliver queues one already-encoded frame, dropping it when the client is
// gone or its buffer is full.
func (c *Client) deliver(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		logger.Errorf("relay: send buffer full topic=%s, frame dropped", c.topic)
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("relay: set read deadline topic=%s: %v", c.topic, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("relay: read topic=%s: %v", c.topic, err)
			}
			return
		}
		if isControlFrame(raw) {
			continue
		}
		e, err := envelope.Parse(raw)
		if err != nil {
			logger.Errorf("relay: bad frame topic=%s: %v", c.topic, err)
			continue
		}
		c.hub.Forward(ctx, c, e, raw)
	}
}

// isControlFrame reports whether raw is a subscribe-protocol frame rather
// than an envelope. The initial subscribe is consumed by the handler; a
// late unsubscribe before close lands here.
func isControlFrame(raw []byte) bool {
	var f struct {
		Action string `json:"action"`
	}
	return json.Unmarshal(raw, &f) == nil && f.Action != ""
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
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
		}
	}
}
