// Package channel owns the duplex connection to the collaboration relay:
// dial, subscribe to the user's private topic, publish, reconnect, teardown.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collab/internal/envelope"
	"github.com/collab/internal/logger"
)

const (
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second
	defaultReconnect = 5 * time.Second
	maxMessageSize   = 65536
	sendBufSize      = 256
)

// ErrNotConnected is returned by Open when the initial handshake fails.
var ErrNotConnected = errors.New("channel: not connected")

// Dispatcher receives every successfully parsed inbound frame.
type Dispatcher interface {
	Dispatch(e *envelope.Envelope)
}

// Options tune the connection. Zero values fall back to the defaults above.
type Options struct {
	ReconnectDelay time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	// OnStatus is invoked with true/false on connect/disconnect. Optional.
	OnStatus func(connected bool)
}

// subscribeFrame is the first frame sent on every (re)connect; the relay
// binds the socket to the topic named by the identity.
type subscribeFrame struct {
	Action     string `json:"action"`
	Topic      string `json:"topic"`
	Credential string `json:"credential,omitempty"`
}

// Conn is one duplex connection for one signed-in identity. A process holds
// at most one per identity; on identity change the old Conn is closed and a
// new one built against the new router.
type Conn struct {
	url        string
	identity   string
	credential string
	reconnect  time.Duration
	pongWait   time.Duration
	writeWait  time.Duration
	onStatus   func(bool)

	mu         sync.Mutex
	dispatcher Dispatcher
	ws         *websocket.Conn
	connected  bool

	send chan []byte
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New builds a connection bound to d. The dispatcher is attached before any
// frame can arrive, so no envelope is ever dispatched against a stale router.
func New(url, identity, credential string, d Dispatcher, opts Options) *Conn {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnect
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	return &Conn{
		url:        url,
		identity:   identity,
		credential: credential,
		reconnect:  opts.ReconnectDelay,
		pongWait:   opts.PongWait,
		writeWait:  opts.WriteWait,
		onStatus:   opts.OnStatus,
		dispatcher: d,
		send:       make(chan []byte, sendBufSize),
		done:       make(chan struct{}),
	}
}

// Open performs the initial dial+subscribe and starts the pump supervisor.
// A handshake failure is returned to the caller; failures after that are
// retried internally with the fixed reconnect delay.
func (c *Conn) Open(ctx context.Context) error {
	ws, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go c.run(ws)
	return nil
}

// Publish sends one envelope. It is a silent drop (not an error, not a
// queue) while the connection is down: callers must not assume delivery.
func (c *Conn) Publish(e *envelope.Envelope) {
	data, err := envelope.Encode(e)
	if err != nil {
		logger.Errorf("channel: publish kind=%s: %v", e.Kind, err)
		return
	}
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		logger.Debugf("channel: dropped publish kind=%s (disconnected)", e.Kind)
		return
	}
	select {
	case c.send <- data:
	default:
		logger.Debugf("channel: dropped publish kind=%s (send buffer full)", e.Kind)
	}
}

// Connected reports whether the transport is currently established.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close unsubscribes and tears the connection down. Safe to call twice.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			frame, _ := json.Marshal(subscribeFrame{Action: "unsubscribe", Topic: c.identity})
			ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			ws.WriteMessage(websocket.TextMessage, frame)
			ws.WriteMessage(websocket.CloseMessage, nil)
			ws.Close()
		}
	})
	c.wg.Wait()
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", c.url, err)
	}
	frame, err := json.Marshal(subscribeFrame{Action: "subscribe", Topic: c.identity, Credential: c.credential})
	if err != nil {
		ws.Close()
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		ws.Close()
		return nil, fmt.Errorf("channel: subscribe %s: %w", c.identity, err)
	}
	return ws, nil
}

// run supervises one socket at a time: pumps until transport loss, then
// redials with the fixed delay and re-subscribes to the same topic.
func (c *Conn) run(ws *websocket.Conn) {
	defer c.wg.Done()

	// Close must be able to abort a redial in flight.
	dialCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	for {
		c.session(ws)

		select {
		case <-c.done:
			return
		default:
		}
		logger.Infof("channel: connection lost user=%s, reconnect in %v", c.identity, c.reconnect)

		var err error
		ws = nil
		for ws == nil {
			select {
			case <-c.done:
				return
			case <-time.After(c.reconnect):
			}
			ws, err = c.dial(dialCtx)
			if err != nil {
				logger.Errorf("channel: reconnect user=%s: %v", c.identity, err)
			}
		}
		logger.Infof("channel: reconnected user=%s", c.identity)
	}
}

// session runs the read and write pumps for one established socket and
// returns when either pump exits.
func (c *Conn) session(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()
	if c.onStatus != nil {
		c.onStatus(true)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ws, stop)
	}()

	c.readPump(ws)

	close(stop)
	ws.Close()
	wg.Wait()

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if c.onStatus != nil {
		c.onStatus(false)
	}
}

// readPump parses inbound frames and forwards them to the dispatcher before
// any other processing. Malformed frames are logged and dropped.
func (c *Conn) readPump(ws *websocket.Conn) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(c.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("channel: read user=%s: %v", c.identity, err)
			}
			return
		}
		e, err := envelope.Parse(raw)
		if err != nil {
			logger.Errorf("channel: bad frame user=%s: %v", c.identity, err)
			continue
		}
		c.mu.Lock()
		d := c.dispatcher
		c.mu.Unlock()
		if d != nil {
			d.Dispatch(e)
		}
	}
}

func (c *Conn) writePump(ws *websocket.Conn, stop chan struct{}) {
	pingPeriod := (c.pongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			ws.WriteMessage(websocket.CloseMessage, nil)
			return
		case data := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
