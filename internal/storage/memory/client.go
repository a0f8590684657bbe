package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/collab/internal/storage"
)

// historyCap bounds the stored tail of each conversation, matching the
// LTRIM the redis client applies.
const historyCap = 500

type Client struct {
	mu       sync.RWMutex
	contacts map[string]storage.Contact
	history  map[string][]storage.Message
	unread   map[string]map[string]int
	subs     map[string][][]byte
}

func New() *Client {
	return &Client{
		contacts: make(map[string]storage.Contact),
		history:  make(map[string][]storage.Message),
		unread:   make(map[string]map[string]int),
		subs:     make(map[string][][]byte),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SaveContact(ctx context.Context, contact storage.Contact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contacts[contact.ID] = contact
	return nil
}

func (c *Client) Contacts(ctx context.Context) ([]storage.Contact, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]storage.Contact, 0, len(c.contacts))
	for _, contact := range c.contacts {
		out = append(out, contact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Client) AppendMessage(ctx context.Context, m storage.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := storage.PairKey(m.Sender, m.Recipient)
	list := append(c.history[key], m)
	if len(list) > historyCap {
		list = list[len(list)-historyCap:]
	}
	c.history[key] = list
	return nil
}

func (c *Client) History(ctx context.Context, user, peer string) ([]storage.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := c.history[storage.PairKey(user, peer)]
	out := make([]storage.Message, len(list))
	copy(out, list)
	return out, nil
}

func (c *Client) IncrUnread(ctx context.Context, user, from string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.unread[user]
	if !ok {
		m = make(map[string]int)
		c.unread[user] = m
	}
	m[from]++
	return nil
}

func (c *Client) UnreadCounts(ctx context.Context, user string) (map[string]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.unread[user]))
	for k, v := range c.unread[user] {
		out[k] = v
	}
	return out, nil
}

func (c *Client) ResetUnread(ctx context.Context, user, peer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.unread[user]; ok {
		delete(m, peer)
	}
	return nil
}

func (c *Client) SaveSubscription(ctx context.Context, user string, sub []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs[user] {
		if bytes.Equal(s, sub) {
			return nil
		}
	}
	cp := make([]byte, len(sub))
	copy(cp, sub)
	c.subs[user] = append(c.subs[user], cp)
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, user string) ([][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]byte, len(c.subs[user]))
	for i, s := range c.subs[user] {
		cp := make([]byte, len(s))
		copy(cp, s)
		out[i] = cp
	}
	return out, nil
}

func (c *Client) RemoveSubscription(ctx context.Context, user string, sub []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[user]
	for i, s := range list {
		if bytes.Equal(s, sub) {
			c.subs[user] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}
