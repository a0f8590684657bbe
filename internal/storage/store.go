package storage

import (
	"context"
	"time"
)

// Contact is one directory entry served to clients.
type Contact struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	AddedAt     time.Time `json:"added_at,omitempty"`
}

// Message is one stored chat message of a peer-pair conversation.
type Message struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Read      bool      `json:"read"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the relay's persistence surface: the contact directory,
// per-pair conversation history, per-user unread counters and web push
// subscriptions. Implementations: redis.Client, memory.Client (for -dev
// without Redis).
type Store interface {
	SaveContact(ctx context.Context, c Contact) error
	Contacts(ctx context.Context) ([]Contact, error)

	AppendMessage(ctx context.Context, m Message) error
	History(ctx context.Context, user, peer string) ([]Message, error)

	IncrUnread(ctx context.Context, user, from string) error
	UnreadCounts(ctx context.Context, user string) (map[string]int, error)
	ResetUnread(ctx context.Context, user, peer string) error

	SaveSubscription(ctx context.Context, user string, sub []byte) error
	Subscriptions(ctx context.Context, user string) ([][]byte, error)
	RemoveSubscription(ctx context.Context, user string, sub []byte) error

	Close() error
}

// PairKey yields one canonical key for a two-party conversation so both
// directions land in the same history.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
