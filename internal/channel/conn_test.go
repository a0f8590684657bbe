package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collab/internal/envelope"
)

// testRelay is a minimal websocket endpoint: it records subscribe frames and
// every data frame, and hands out the raw server-side connection so tests can
// push envelopes or kill the transport.
type testRelay struct {
	srv    *httptest.Server
	subs   chan subscribeFrame
	frames chan []byte
	conns  chan *websocket.Conn
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{
		subs:   make(chan subscribeFrame, 4),
		frames: make(chan []byte, 16),
		conns:  make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		_, raw, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return
		}
		var sub subscribeFrame
		if err := json.Unmarshal(raw, &sub); err == nil {
			r.subs <- sub
		}
		r.conns <- ws
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			r.frames <- raw
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

type captureDispatcher struct {
	ch chan *envelope.Envelope
}

func (d *captureDispatcher) Dispatch(e *envelope.Envelope) { d.ch <- e }

func waitSub(t *testing.T, r *testRelay) subscribeFrame {
	t.Helper()
	select {
	case s := <-r.subs:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for subscribe frame")
		return subscribeFrame{}
	}
}

func TestOpenSubscribesToPrivateTopic(t *testing.T) {
	relay := newTestRelay(t)
	disp := &captureDispatcher{ch: make(chan *envelope.Envelope, 4)}
	c := New(relay.wsURL(), "alice", "secret", disp, Options{})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	sub := waitSub(t, relay)
	if sub.Action != "subscribe" || sub.Topic != "alice" {
		t.Errorf("subscribe frame = %+v", sub)
	}
	if sub.Credential != "secret" {
		t.Errorf("credential = %q", sub.Credential)
	}
}

func TestInboundFramesReachDispatcher(t *testing.T) {
	relay := newTestRelay(t)
	disp := &captureDispatcher{ch: make(chan *envelope.Envelope, 4)}
	c := New(relay.wsURL(), "bob", "", disp, Options{})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	waitSub(t, relay)
	ws := <-relay.conns
	data, _ := envelope.Encode(envelope.NewChat("alice", "bob", "hi"))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
	// A malformed frame must be dropped without killing the pump.
	ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"NOPE"}`))
	data2, _ := envelope.Encode(envelope.NewChat("alice", "bob", "again"))
	ws.WriteMessage(websocket.TextMessage, data2)

	for _, want := range []string{"hi", "again"} {
		select {
		case e := <-disp.ch:
			if e.Content != want {
				t.Errorf("content = %q, want %q", e.Content, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestPublishDelivers(t *testing.T) {
	relay := newTestRelay(t)
	disp := &captureDispatcher{ch: make(chan *envelope.Envelope, 4)}
	c := New(relay.wsURL(), "alice", "", disp, Options{})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()
	waitSub(t, relay)

	c.Publish(envelope.NewChat("alice", "bob", "hello"))
	select {
	case raw := <-relay.frames:
		e, err := envelope.Parse(raw)
		if err != nil {
			t.Fatalf("relay got bad frame: %v", err)
		}
		if e.Kind != envelope.KindChat || e.Content != "hello" {
			t.Errorf("frame = %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for published frame")
	}
}

func TestPublishWhileDisconnectedIsSilentDrop(t *testing.T) {
	disp := &captureDispatcher{ch: make(chan *envelope.Envelope, 1)}
	c := New("ws://127.0.0.1:1/collab/ws", "alice", "", disp, Options{})
	// Never opened: must neither panic nor block.
	c.Publish(envelope.NewChat("alice", "bob", "lost"))
	if c.Connected() {
		t.Error("Connected() = true for unopened conn")
	}
}

func TestReconnectResubscribes(t *testing.T) {
	relay := newTestRelay(t)
	disp := &captureDispatcher{ch: make(chan *envelope.Envelope, 4)}
	c := New(relay.wsURL(), "alice", "", disp, Options{ReconnectDelay: 50 * time.Millisecond})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	waitSub(t, relay)
	ws := <-relay.conns
	ws.Close() // simulate transport loss

	sub := waitSub(t, relay)
	if sub.Topic != "alice" {
		t.Errorf("resubscribe topic = %q", sub.Topic)
	}
}

func TestCloseInterruptsReconnectDial(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	first := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		select {
		case first <- struct{}{}:
		default:
			// Redial attempt: hang the handshake until the test ends.
			<-block
			return
		}
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		ws.ReadMessage() // subscribe frame
		ws.Close()
	}))
	defer srv.Close()

	disp := &captureDispatcher{ch: make(chan *envelope.Envelope, 1)}
	c := New("ws"+strings.TrimPrefix(srv.URL, "http"), "alice", "", disp, Options{ReconnectDelay: 20 * time.Millisecond})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Let the redial reach the hung handshake.
	time.Sleep(100 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an in-flight redial")
	}
}

func TestOpenFailsWhenRelayUnreachable(t *testing.T) {
	disp := &captureDispatcher{ch: make(chan *envelope.Envelope, 1)}
	c := New("ws://127.0.0.1:1/collab/ws", "alice", "", disp, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Open(ctx); err == nil {
		t.Fatal("expected dial error")
	}
}
