package memory

import (
	"context"
	"testing"
	"time"

	"github.com/collab/internal/storage"
)

func TestHistorySharedAcrossDirections(t *testing.T) {
	c := New()
	ctx := context.Background()

	c.AppendMessage(ctx, storage.Message{Sender: "alice", Recipient: "bob", Content: "hi", Timestamp: time.Now()})
	c.AppendMessage(ctx, storage.Message{Sender: "bob", Recipient: "alice", Content: "hey", Timestamp: time.Now()})

	got, err := c.History(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 || got[0].Content != "hi" || got[1].Content != "hey" {
		t.Errorf("history = %+v", got)
	}
}

func TestHistoryTrimmedToCap(t *testing.T) {
	c := New()
	ctx := context.Background()
	for i := 0; i < historyCap+10; i++ {
		c.AppendMessage(ctx, storage.Message{Sender: "a", Recipient: "b", Content: "x"})
	}
	got, _ := c.History(ctx, "a", "b")
	if len(got) != historyCap {
		t.Errorf("history length = %d, want %d", len(got), historyCap)
	}
}

func TestUnreadLifecycle(t *testing.T) {
	c := New()
	ctx := context.Background()

	c.IncrUnread(ctx, "bob", "alice")
	c.IncrUnread(ctx, "bob", "alice")
	c.IncrUnread(ctx, "bob", "carol")

	counts, err := c.UnreadCounts(ctx, "bob")
	if err != nil {
		t.Fatalf("UnreadCounts: %v", err)
	}
	if counts["alice"] != 2 || counts["carol"] != 1 {
		t.Errorf("counts = %v", counts)
	}

	c.ResetUnread(ctx, "bob", "alice")
	counts, _ = c.UnreadCounts(ctx, "bob")
	if _, ok := counts["alice"]; ok {
		t.Error("alice counter survived reset")
	}
	if counts["carol"] != 1 {
		t.Error("reset touched an unrelated counter")
	}
}

func TestContactsSorted(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.SaveContact(ctx, storage.Contact{ID: "zoe"})
	c.SaveContact(ctx, storage.Contact{ID: "ann"})
	c.SaveContact(ctx, storage.Contact{ID: "ann", DisplayName: "Ann"})

	got, err := c.Contacts(ctx)
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(got) != 2 || got[0].ID != "ann" || got[0].DisplayName != "Ann" || got[1].ID != "zoe" {
		t.Errorf("contacts = %+v", got)
	}
}

func TestSubscriptionsDeduplicated(t *testing.T) {
	c := New()
	ctx := context.Background()
	sub := []byte(`{"endpoint":"https://push.example/1"}`)

	c.SaveSubscription(ctx, "bob", sub)
	c.SaveSubscription(ctx, "bob", sub)
	got, _ := c.Subscriptions(ctx, "bob")
	if len(got) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(got))
	}

	c.RemoveSubscription(ctx, "bob", sub)
	got, _ = c.Subscriptions(ctx, "bob")
	if len(got) != 0 {
		t.Errorf("subscriptions after remove = %d", len(got))
	}
}
