package relayserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collab/internal/envelope"
	"github.com/collab/internal/storage"
	"github.com/collab/internal/storage/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub, *memory.Client) {
	t.Helper()
	store := memory.New()
	hub := NewHub(store, nil, 0)
	srv := httptest.NewServer(NewServer(hub, store, "").Routes("*"))
	t.Cleanup(func() {
		srv.Close()
		hub.Shutdown()
	})
	return srv, hub, store
}

func dialAs(t *testing.T, srv *httptest.Server, topic string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	frame, _ := json.Marshal(map[string]string{"action": "subscribe", "topic": topic})
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return ws
}

func waitOnline(t *testing.T, hub *Hub, topic string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Online(topic) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("topic %s never came online", topic)
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *envelope.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	e, err := envelope.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return e
}

func send(t *testing.T, ws *websocket.Conn, e *envelope.Envelope) {
	t.Helper()
	data, err := envelope.Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestForwardBetweenSubscribers(t *testing.T) {
	srv, hub, _ := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	bob := dialAs(t, srv, "bob")
	waitOnline(t, hub, "alice")
	waitOnline(t, hub, "bob")

	send(t, alice, envelope.NewChat("alice", "bob", "hi"))

	got := readEnvelope(t, bob)
	if got.Kind != envelope.KindChat || got.Sender != "alice" || got.Content != "hi" {
		t.Errorf("bob got %+v", got)
	}
}

func TestSignalingForwardedWithoutPersistence(t *testing.T) {
	srv, hub, store := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	bob := dialAs(t, srv, "bob")
	waitOnline(t, hub, "alice")
	waitOnline(t, hub, "bob")

	send(t, alice, envelope.NewSignal(envelope.KindOffer, "alice", "bob", []byte(`{"type":"offer"}`)))

	got := readEnvelope(t, bob)
	if got.Kind != envelope.KindOffer {
		t.Errorf("bob got kind %s", got.Kind)
	}
	history, _ := store.History(context.Background(), "alice", "bob")
	if len(history) != 0 {
		t.Errorf("signaling persisted: %+v", history)
	}
}

func TestSpoofedSenderDropped(t *testing.T) {
	srv, hub, _ := newTestServer(t)
	mallory := dialAs(t, srv, "mallory")
	bob := dialAs(t, srv, "bob")
	waitOnline(t, hub, "mallory")
	waitOnline(t, hub, "bob")

	send(t, mallory, envelope.NewChat("alice", "bob", "gift"))

	bob.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := bob.ReadMessage(); err == nil {
		t.Error("spoofed envelope was forwarded")
	}
}

func TestOfflineChatStoredAndCounted(t *testing.T) {
	srv, hub, store := newTestServer(t)
	alice := dialAs(t, srv, "alice")
	waitOnline(t, hub, "alice")

	send(t, alice, envelope.NewChat("alice", "bob", "you there?"))

	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if counts, _ := store.UnreadCounts(ctx, "bob"); counts["alice"] == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	counts, _ := store.UnreadCounts(ctx, "bob")
	if counts["alice"] != 1 {
		t.Fatalf("unread = %v", counts)
	}
	history, _ := store.History(ctx, "bob", "alice")
	if len(history) != 1 || history[0].Content != "you there?" {
		t.Errorf("history = %+v", history)
	}
}

func TestRESTRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := bytes.NewBufferString(`{"id":"alice","display_name":"Alice","role":"agent"}`)
	resp, err := http.Post(srv.URL+"/api/contacts", "application/json", body)
	if err != nil {
		t.Fatalf("post contact: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("post contact status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/contacts")
	if err != nil {
		t.Fatalf("get contacts: %v", err)
	}
	var contacts []storage.Contact
	if err := json.NewDecoder(resp.Body).Decode(&contacts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(contacts) != 1 || contacts[0].ID != "alice" {
		t.Errorf("contacts = %+v", contacts)
	}
}

func TestMarkReadResetsUnread(t *testing.T) {
	srv, _, store := newTestServer(t)
	ctx := context.Background()
	store.IncrUnread(ctx, "bob", "alice")
	store.IncrUnread(ctx, "bob", "alice")

	body := bytes.NewBufferString(`{"user":"bob","peer":"alice"}`)
	resp, err := http.Post(srv.URL+"/api/read", "application/json", body)
	if err != nil {
		t.Fatalf("post read: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	counts, _ := store.UnreadCounts(ctx, "bob")
	if counts["alice"] != 0 {
		t.Errorf("counts = %v", counts)
	}

	// Idempotent: a second mark-read still succeeds.
	resp, err = http.Post(srv.URL+"/api/read", "application/json",
		bytes.NewBufferString(`{"user":"bob","peer":"alice"}`))
	if err != nil {
		t.Fatalf("post read again: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("second mark-read status = %d", resp.StatusCode)
	}
}

func TestHistoryEndpointServesBothDirections(t *testing.T) {
	srv, _, store := newTestServer(t)
	ctx := context.Background()
	store.AppendMessage(ctx, storage.Message{Sender: "alice", Recipient: "bob", Content: "hi", Timestamp: time.Now()})
	store.AppendMessage(ctx, storage.Message{Sender: "bob", Recipient: "alice", Content: "hey", Timestamp: time.Now()})

	resp, err := http.Get(srv.URL + "/api/history?user=bob&peer=alice")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	var history []storage.Message
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
}

func TestSubscribeEndpointStoresSubscription(t *testing.T) {
	srv, _, store := newTestServer(t)

	body := bytes.NewBufferString(`{"user":"bob","subscription":{"endpoint":"https://push.example/1","keys":{"p256dh":"k","auth":"a"}}}`)
	resp, err := http.Post(srv.URL+"/api/subscribe", "application/json", body)
	if err != nil {
		t.Fatalf("post subscribe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	subs, _ := store.Subscriptions(context.Background(), "bob")
	if len(subs) != 1 {
		t.Errorf("subscriptions = %d", len(subs))
	}
}
