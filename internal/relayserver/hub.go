// Package relayserver is the development relay: it binds each websocket to
// the subscriber's private topic, forwards envelopes between peers and
// serves the directory REST surface backed by a Store.
package relayserver

import (
	"context"
	"sync"
	"time"

	"github.com/collab/internal/envelope"
	"github.com/collab/internal/logger"
	"github.com/collab/internal/storage"
)

// Notifier pushes a notification to an offline recipient. Nil disables push.
type Notifier interface {
	Notify(ctx context.Context, user, title, body string)
}

type Hub struct {
	store    storage.Store
	notifier Notifier
	maxConns int

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	total   int
}

func NewHub(store storage.Store, notifier Notifier, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		store:    store,
		notifier: notifier,
		maxConns: maxConns,
		clients:  make(map[string]map[*Client]struct{}),
	}
}

// Register binds c to its topic. The connection is rejected over the
// process-wide limit.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("relay: connection limit reached (%d), rejecting topic=%s", h.maxConns, c.topic)
		return false
	}
	if _, ok := h.clients[c.topic]; !ok {
		h.clients[c.topic] = make(map[*Client]struct{})
	}
	h.clients[c.topic][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	logger.Infof("relay: subscribed topic=%s", c.topic)
	return true
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.topic]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			h.total--
			if len(set) == 0 {
				delete(h.clients, c.topic)
			}
		}
	}
	h.mu.Unlock()
	c.Close()
}

// Shutdown closes every connection and waits for their pumps.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

// Forward routes one inbound envelope: to every connection of the
// recipient, and for chat additionally to the sender's other connections,
// the history store and, when the recipient is offline, web push. An
// envelope whose sender does not match the subscribed topic is dropped.
func (h *Hub) Forward(ctx context.Context, from *Client, e *envelope.Envelope, raw []byte) {
	if e.Sender != from.topic {
		logger.Errorf("relay: sender %q does not match topic %q, dropped", e.Sender, from.topic)
		return
	}

	delivered := h.fanOut(e.Recipient, raw, nil)
	if e.Kind != envelope.KindChat {
		if !delivered {
			logger.Infof("relay: %s to offline %s dropped", e.Kind, e.Recipient)
		}
		return
	}

	// Chat echoes to the sender's other tabs so their logs stay aligned.
	h.fanOut(e.Sender, raw, from)
	h.persistChat(ctx, e)
	if !delivered {
		h.notifyOffline(e)
	}
}

// fanOut delivers raw to every connection of topic except skip. Reports
// whether at least one connection received it.
func (h *Hub) fanOut(topic string, raw []byte, skip *Client) bool {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[topic]))
	for c := range h.clients[topic] {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.deliver(raw)
	}
	return len(targets) > 0
}

func (h *Hub) persistChat(ctx context.Context, e *envelope.Envelope) {
	msg := storage.Message{
		Sender:    e.Sender,
		Recipient: e.Recipient,
		Content:   e.Content,
		Read:      e.IsRead,
		Timestamp: parseStamp(e.Timestamp),
	}
	if err := h.store.AppendMessage(ctx, msg); err != nil {
		logger.Errorf("relay: append message %s->%s: %v", e.Sender, e.Recipient, err)
	}
	if err := h.store.IncrUnread(ctx, e.Recipient, e.Sender); err != nil {
		logger.Errorf("relay: incr unread user=%s: %v", e.Recipient, err)
	}
}

func (h *Hub) notifyOffline(e *envelope.Envelope) {
	if h.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.notifier.Notify(ctx, e.Recipient, "New message", e.Sender+": "+e.Content)
	}()
}

// Online reports whether topic has at least one live connection.
func (h *Hub) Online(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic]) > 0
}

func parseStamp(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
