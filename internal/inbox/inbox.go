// Package inbox maintains the ordered contact registry, per-contact unread
// counters and the active conversation log, and keeps them consistent with
// the server across widget open/close and reconnects.
package inbox

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collab/internal/directory"
	"github.com/collab/internal/envelope"
	"github.com/collab/internal/logger"
)

// SystemPrefix marks side-channel notices (call/whiteboard activity) that
// travel as ordinary CHAT envelopes. The shell renders them distinctly and
// skips the arrival sound.
const SystemPrefix = "[sys] "

// Publisher sends envelopes out on the channel connection.
type Publisher interface {
	Publish(e *envelope.Envelope)
}

// Directory is the external REST surface the inbox consumes.
type Directory interface {
	Contacts(ctx context.Context) ([]directory.Contact, error)
	UnreadCounts(ctx context.Context, user string) (map[string]int, error)
	History(ctx context.Context, user, peer string) ([]directory.Message, error)
	MarkRead(ctx context.Context, user, peer string) error
}

// Contact is one registry entry. The registry is ordered
// most-recently-active-first.
type Contact struct {
	ID          string
	DisplayName string
	Role        string
	Unread      int
}

// Message is one entry of the active conversation log, immutable once
// appended.
type Message struct {
	ID        string
	Sender    string
	Recipient string
	Content   string
	Read      bool
	System    bool
	Timestamp time.Time
}

// Manager is the chat inbox for one signed-in identity.
type Manager struct {
	self string
	pub  Publisher
	dir  Directory

	mu         sync.Mutex
	contacts   []*Contact
	selected   string
	log        []Message
	widgetOpen bool

	listenerMu sync.RWMutex
	onContacts []func()
	onMessage  []func(Message)
}

func New(self string, pub Publisher, dir Directory) *Manager {
	return &Manager{self: self, pub: pub, dir: dir}
}

// OnContactsChanged registers a callback fired whenever registry order or
// unread counts change.
func (m *Manager) OnContactsChanged(fn func()) {
	m.listenerMu.Lock()
	m.onContacts = append(m.onContacts, fn)
	m.listenerMu.Unlock()
}

// OnMessage registers a callback fired for every message appended to the
// active conversation log.
func (m *Manager) OnMessage(fn func(Message)) {
	m.listenerMu.Lock()
	m.onMessage = append(m.onMessage, fn)
	m.listenerMu.Unlock()
}

// LoadContacts fetches the directory. Called once per channel open; unread
// counts start at zero until the widget opens and reconciles.
func (m *Manager) LoadContacts(ctx context.Context) error {
	list, err := m.dir.Contacts(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.contacts = m.contacts[:0]
	for _, c := range list {
		m.contacts = append(m.contacts, &Contact{ID: c.ID, DisplayName: c.DisplayName, Role: c.Role})
	}
	m.mu.Unlock()
	m.notifyContacts()
	return nil
}

// OpenWidget marks the chat surface open and replaces the local unread map
// wholesale with the server's authoritative counts (server wins).
func (m *Manager) OpenWidget(ctx context.Context) error {
	counts, err := m.dir.UnreadCounts(ctx, m.self)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.widgetOpen = true
	for _, c := range m.contacts {
		n := counts[c.ID]
		if n < 0 {
			n = 0
		}
		c.Unread = n
	}
	m.mu.Unlock()
	m.notifyContacts()
	return nil
}

// CloseWidget marks the surface closed. The active conversation is dropped
// so subsequent inbound chat counts as unread again.
func (m *Manager) CloseWidget() {
	m.mu.Lock()
	m.widgetOpen = false
	m.selected = ""
	m.log = nil
	m.mu.Unlock()
}

// SelectConversation makes the conversation with peer the active one:
// fetches history, resets the unread counter and sends the read receipt.
func (m *Manager) SelectConversation(ctx context.Context, peer string) error {
	history, err := m.dir.History(ctx, m.self, peer)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.selected = peer
	m.log = m.log[:0]
	for _, h := range history {
		m.log = append(m.log, Message{
			ID:        uuid.New().String(),
			Sender:    h.Sender,
			Recipient: h.Recipient,
			Content:   strings.TrimPrefix(h.Content, SystemPrefix),
			Read:      true,
			System:    strings.HasPrefix(h.Content, SystemPrefix),
			Timestamp: h.Timestamp,
		})
	}
	if c := m.findLocked(peer); c != nil {
		c.Unread = 0
	}
	m.mu.Unlock()
	m.notifyContacts()

	if err := m.dir.MarkRead(ctx, m.self, peer); err != nil {
		logger.Errorf("inbox: mark read peer=%s: %v", peer, err)
	}
	return nil
}

// Send publishes a chat envelope to peer and optimistically appends it to
// the local log, moving peer to the front of the registry.
func (m *Manager) Send(peer, text string) {
	m.pub.Publish(envelope.NewChat(m.self, peer, text))
	m.appendAndPromote(m.self, peer, text, false)
}

// SendSystem publishes a side-channel notice as a prefixed chat envelope.
func (m *Manager) SendSystem(peer, text string) {
	m.pub.Publish(envelope.NewChat(m.self, peer, SystemPrefix+text))
	m.appendAndPromote(m.self, peer, text, true)
}

// HandleEnvelope processes one inbound CHAT envelope from the router.
func (m *Manager) HandleEnvelope(e *envelope.Envelope) {
	if e.Kind != envelope.KindChat {
		return
	}
	system := strings.HasPrefix(e.Content, SystemPrefix)
	content := strings.TrimPrefix(e.Content, SystemPrefix)

	if e.Sender == m.self {
		// Echo of our own publish (another tab): append without unread.
		m.appendAndPromote(m.self, e.Recipient, content, system)
		return
	}

	m.mu.Lock()
	selected := m.selected == e.Sender
	msg := Message{
		ID:        uuid.New().String(),
		Sender:    e.Sender,
		Recipient: e.Recipient,
		Content:   content,
		Read:      selected,
		System:    system,
		Timestamp: parseStamp(e.Timestamp),
	}
	if selected {
		m.log = append(m.log, msg)
	} else {
		c := m.findOrCreateLocked(e.Sender)
		c.Unread++
	}
	m.promoteLocked(e.Sender)
	m.mu.Unlock()

	if selected {
		m.notifyMessage(msg)
		// Live-appended messages are read immediately; tell the server.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.dir.MarkRead(ctx, m.self, msg.Sender); err != nil {
				logger.Errorf("inbox: live mark read peer=%s: %v", msg.Sender, err)
			}
		}()
	}
	m.notifyContacts()
}

// Contacts returns a snapshot of the registry in display order.
func (m *Manager) Contacts() []Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Contact, len(m.contacts))
	for i, c := range m.contacts {
		out[i] = *c
	}
	return out
}

// Log returns a snapshot of the active conversation.
func (m *Manager) Log() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.log))
	copy(out, m.log)
	return out
}

// Selected returns the active conversation's peer, empty if none.
func (m *Manager) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// TotalUnread is the badge value: the sum over all contacts, never negative.
func (m *Manager) TotalUnread() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, c := range m.contacts {
		if c.Unread > 0 {
			total += c.Unread
		}
	}
	return total
}

func (m *Manager) appendAndPromote(sender, peer, content string, system bool) {
	m.mu.Lock()
	msg := Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Recipient: peer,
		Content:   content,
		Read:      true,
		System:    system,
		Timestamp: time.Now().UTC(),
	}
	appended := m.selected == peer
	if appended {
		m.log = append(m.log, msg)
	}
	m.promoteLocked(peer)
	m.mu.Unlock()

	if appended {
		m.notifyMessage(msg)
	}
	m.notifyContacts()
}

func (m *Manager) findLocked(id string) *Contact {
	for _, c := range m.contacts {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (m *Manager) findOrCreateLocked(id string) *Contact {
	if c := m.findLocked(id); c != nil {
		return c
	}
	c := &Contact{ID: id, DisplayName: id}
	m.contacts = append(m.contacts, c)
	return c
}

// promoteLocked moves id to position 0, creating the entry if needed.
func (m *Manager) promoteLocked(id string) {
	c := m.findOrCreateLocked(id)
	for i, cur := range m.contacts {
		if cur == c {
			copy(m.contacts[1:i+1], m.contacts[:i])
			m.contacts[0] = c
			return
		}
	}
}

func (m *Manager) notifyContacts() {
	m.listenerMu.RLock()
	fns := make([]func(), len(m.onContacts))
	copy(fns, m.onContacts)
	m.listenerMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (m *Manager) notifyMessage(msg Message) {
	m.listenerMu.RLock()
	fns := make([]func(Message), len(m.onMessage))
	copy(fns, m.onMessage)
	m.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
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
