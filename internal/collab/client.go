// Package collab assembles the collaboration client for one signed-in
// identity: channel connection, router, chat inbox, call session and
// whiteboard session, wired together at construction.
package collab

import (
	"context"
	"time"

	"github.com/collab/internal/call"
	"github.com/collab/internal/channel"
	"github.com/collab/internal/config"
	"github.com/collab/internal/directory"
	"github.com/collab/internal/envelope"
	"github.com/collab/internal/inbox"
	"github.com/collab/internal/logger"
	"github.com/collab/internal/router"
	"github.com/collab/internal/whiteboard"
)

// Client is the per-identity collaboration layer. Identity is fixed for the
// Client's lifetime: on sign-out or identity change, Close the old Client
// and build a new one, so no envelope is ever dispatched against a stale
// identity's sessions.
type Client struct {
	identity string
	conn     *channel.Conn
	inbox    *inbox.Manager
	call     *call.Manager
	board    *whiteboard.Session
}

// Options override pieces of the default wiring. Zero values keep the
// defaults.
type Options struct {
	// Credential is passed in the subscribe frame, empty when the relay
	// does not check one.
	Credential string
	// OnStatus is invoked with true/false on channel connect/disconnect.
	OnStatus func(connected bool)
	// CallOptions inject media/negotiator factories, used by tests.
	CallOptions *call.Options
}

// New wires a Client from cfg. The router is fully registered before the
// channel connection exists, so the first inbound frame already finds its
// handler.
func New(cfg *config.Config, identity string, opts Options) *Client {
	c := &Client{identity: identity}

	dir := directory.NewClient(cfg.DirectoryURL)

	callOpts := call.Options{ICEServers: cfg.ICEServers}
	if opts.CallOptions != nil {
		callOpts = *opts.CallOptions
	}

	// The sessions publish through the Conn; the Conn silently drops while
	// disconnected, which matches the at-most-once channel semantics the
	// relay provides.
	pub := publisher{c}
	c.inbox = inbox.New(identity, pub, dir)
	c.call = call.New(identity, pub, callOpts)
	c.board = whiteboard.New(identity, pub)

	c.call.OnMissed(func(peer string) {
		c.inbox.SendSystem(peer, "Missed call")
	})

	r := router.New()
	r.Handle(c.inbox, envelope.KindChat)
	r.Handle(c.call, envelope.KindOffer, envelope.KindAnswer, envelope.KindICECandidate, envelope.KindHangup)
	r.Handle(c.board, envelope.KindWBRequest, envelope.KindWBAccept, envelope.KindWBReject, envelope.KindWBDraw, envelope.KindWBClear)

	c.conn = channel.New(cfg.ChannelURL, identity, opts.Credential, r, channel.Options{
		ReconnectDelay: cfg.ReconnectDelay,
		PongWait:       time.Duration(cfg.ChannelPongSecs) * time.Second,
		WriteWait:      time.Duration(cfg.ChannelWriteSecs) * time.Second,
		OnStatus:       opts.OnStatus,
	})
	return c
}

// publisher defers the Conn lookup to publish time so the sessions can be
// constructed before the connection.
type publisher struct{ c *Client }

func (p publisher) Publish(e *envelope.Envelope) {
	p.c.conn.Publish(e)
}

// Open dials the channel and loads the contact directory. A directory
// failure is logged, not fatal: the registry fills in lazily as envelopes
// arrive.
func (c *Client) Open(ctx context.Context) error {
	if err := c.conn.Open(ctx); err != nil {
		return err
	}
	if err := c.inbox.LoadContacts(ctx); err != nil {
		logger.Errorf("collab: load contacts user=%s: %v", c.identity, err)
	}
	logger.Infof("collab: client open user=%s", c.identity)
	return nil
}

// Close ends any live sessions and tears the channel down. Safe to call
// twice.
func (c *Client) Close() {
	c.call.HangUp()
	c.board.End()
	c.conn.Close()
	logger.Infof("collab: client closed user=%s", c.identity)
}

// Identity returns the signed-in identity this Client serves.
func (c *Client) Identity() string { return c.identity }

// Connected reports whether the channel transport is currently up.
func (c *Client) Connected() bool { return c.conn.Connected() }

// Inbox exposes the chat inbox for the presentation shell.
func (c *Client) Inbox() *inbox.Manager { return c.inbox }

// Call exposes the call session for the presentation shell.
func (c *Client) Call() *call.Manager { return c.call }

// Whiteboard exposes the whiteboard session for the presentation shell.
func (c *Client) Whiteboard() *whiteboard.Session { return c.board }
