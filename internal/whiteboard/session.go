// Package whiteboard manages the shared 1:1 drawing session: invite
// handshake over the channel connection and replication of completed
// strokes between the two peers.
package whiteboard

import (
	"sync"

	"github.com/collab/internal/envelope"
	"github.com/collab/internal/logger"
)

// Stroke is one continuous pointer-down-to-pointer-up drawing action.
// Points is a flat list of alternating x,y coordinates.
type Stroke struct {
	Points []float64
	Color  string
	Width  float64
}

// Publisher sends envelopes out on the channel connection.
type Publisher interface {
	Publish(e *envelope.Envelope)
}

// Session owns the single whiteboard session for one signed-in identity.
// Strokes accumulate locally between pointer-down and pointer-up and are
// published once, in full, when the stroke ends. Point-by-point streaming
// is deliberately avoided to bound message rate.
type Session struct {
	self string
	pub  Publisher

	mu      sync.Mutex
	state   State
	peer    string
	strokes []Stroke
	current *Stroke

	listenerMu sync.RWMutex
	onInvite   []func(peer string)
	onState    []func(peer string, st State)
	onBoard    []func()
}

func New(self string, pub Publisher) *Session {
	return &Session{self: self, pub: pub}
}

// OnInvite registers a callback fired when an inbound WB_REQUEST opens a
// fresh invite.
func (s *Session) OnInvite(fn func(peer string)) {
	s.listenerMu.Lock()
	s.onInvite = append(s.onInvite, fn)
	s.listenerMu.Unlock()
}

// OnStateChange registers a callback fired on session state transitions.
func (s *Session) OnStateChange(fn func(peer string, st State)) {
	s.listenerMu.Lock()
	s.onState = append(s.onState, fn)
	s.listenerMu.Unlock()
}

// OnBoardChange registers a callback fired whenever the stroke buffer
// changes, locally or from the peer.
func (s *Session) OnBoardChange(fn func()) {
	s.listenerMu.Lock()
	s.onBoard = append(s.onBoard, fn)
	s.listenerMu.Unlock()
}

// Invite asks peer to open a shared board. A no-op unless idle.
func (s *Session) Invite(peer string) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateInviteSent
	s.peer = peer
	s.mu.Unlock()

	s.pub.Publish(envelope.NewControl(envelope.KindWBRequest, s.self, peer))
	s.notifyState(peer, StateInviteSent)
}

// Accept answers a pending inbound invite. The invite is cleared before
// the publish so a retransmitted request cannot re-prompt. Stale accepts
// are no-ops.
func (s *Session) Accept() {
	s.mu.Lock()
	if s.state != StateInviteReceived {
		s.mu.Unlock()
		return
	}
	s.state = StateActive
	peer := s.peer
	s.mu.Unlock()

	s.pub.Publish(envelope.NewControl(envelope.KindWBAccept, s.self, peer))
	s.notifyState(peer, StateActive)
}

// Reject declines a pending inbound invite. The invite is cleared before
// the publish. Stale rejects are no-ops.
func (s *Session) Reject() {
	s.mu.Lock()
	if s.state != StateInviteReceived {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	peer := s.peer
	s.mu.Unlock()

	s.pub.Publish(envelope.NewControl(envelope.KindWBReject, s.self, peer))
	s.teardown()
}

// End closes the session from any non-terminal state and tells the peer.
// WB_REJECT doubles as the end-of-session signal on the wire.
func (s *Session) End() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	peer := s.peer
	s.mu.Unlock()

	s.pub.Publish(envelope.NewControl(envelope.KindWBReject, s.self, peer))
	s.teardown()
}

// BeginStroke starts a local stroke with the current style. Ignored unless
// the session is active.
func (s *Session) BeginStroke(color string, width, x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	s.current = &Stroke{Points: []float64{x, y}, Color: color, Width: width}
}

// ExtendStroke appends a point to the stroke in progress. No network
// traffic happens until the stroke ends.
func (s *Session) ExtendStroke(x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.current == nil {
		return
	}
	s.current.Points = append(s.current.Points, x, y)
}

// EndStroke commits the stroke in progress to the board and publishes it,
// complete, to the peer.
func (s *Session) EndStroke() {
	s.mu.Lock()
	if s.state != StateActive || s.current == nil {
		s.mu.Unlock()
		return
	}
	stroke := *s.current
	s.current = nil
	s.strokes = append(s.strokes, stroke)
	peer := s.peer
	s.mu.Unlock()

	s.pub.Publish(envelope.NewDraw(s.self, peer, stroke.Points, stroke.Color, stroke.Width))
	s.notifyBoard()
}

// Clear empties the board on both sides. Clearing an already empty board
// is harmless.
func (s *Session) Clear() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.strokes = nil
	s.current = nil
	peer := s.peer
	s.mu.Unlock()

	s.pub.Publish(envelope.NewControl(envelope.KindWBClear, s.self, peer))
	s.notifyBoard()
}

// HandleEnvelope processes one inbound whiteboard envelope.
func (s *Session) HandleEnvelope(e *envelope.Envelope) {
	switch e.Kind {
	case envelope.KindWBRequest:
		s.handleRequest(e)
	case envelope.KindWBAccept:
		s.handleAccept(e)
	case envelope.KindWBReject:
		s.handleReject(e)
	case envelope.KindWBDraw:
		s.handleDraw(e)
	case envelope.KindWBClear:
		s.handleClear(e)
	}
}

// handleRequest opens a fresh inbound invite when none is pending. A
// request arriving mid-session is dropped; one arriving after a reject
// opens a new invite, since the old one was already cleared.
func (s *Session) handleRequest(e *envelope.Envelope) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		logger.Infof("whiteboard: dropping request from %s while %s", e.Sender, s.State())
		return
	}
	s.state = StateInviteReceived
	s.peer = e.Sender
	s.mu.Unlock()

	s.notifyState(e.Sender, StateInviteReceived)
	s.notifyInvite(e.Sender)
}

func (s *Session) handleAccept(e *envelope.Envelope) {
	s.mu.Lock()
	if s.state != StateInviteSent || s.peer != e.Sender {
		s.mu.Unlock()
		return
	}
	s.state = StateActive
	s.mu.Unlock()
	s.notifyState(e.Sender, StateActive)
}

func (s *Session) handleReject(e *envelope.Envelope) {
	s.mu.Lock()
	match := s.peer == e.Sender && s.state != StateIdle
	s.mu.Unlock()
	if !match {
		return
	}
	s.teardown()
}

// handleDraw appends a peer stroke. Strokes arriving outside an active
// session are silently ignored, never buffered.
func (s *Session) handleDraw(e *envelope.Envelope) {
	s.mu.Lock()
	if s.state != StateActive || s.peer != e.Sender {
		s.mu.Unlock()
		return
	}
	pts := make([]float64, len(e.Points))
	copy(pts, e.Points)
	s.strokes = append(s.strokes, Stroke{Points: pts, Color: e.Color, Width: e.StrokeWidth})
	s.mu.Unlock()
	s.notifyBoard()
}

func (s *Session) handleClear(e *envelope.Envelope) {
	s.mu.Lock()
	if s.state != StateActive || s.peer != e.Sender {
		s.mu.Unlock()
		return
	}
	s.strokes = nil
	s.mu.Unlock()
	s.notifyBoard()
}

// State returns the current session state, StateIdle when no session exists.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the remote identity of the current session, empty when idle.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Strokes returns a copy of the committed stroke buffer in draw order.
func (s *Session) Strokes() []Stroke {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stroke, len(s.strokes))
	copy(out, s.strokes)
	return out
}

func (s *Session) teardown() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	peer := s.peer
	s.state = StateEnded
	s.mu.Unlock()

	s.notifyState(peer, StateEnded)

	s.mu.Lock()
	s.state = StateIdle
	s.peer = ""
	s.strokes = nil
	s.current = nil
	s.mu.Unlock()
}

func (s *Session) notifyInvite(peer string) {
	s.listenerMu.RLock()
	fns := make([]func(string), len(s.onInvite))
	copy(fns, s.onInvite)
	s.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(peer)
	}
}

func (s *Session) notifyState(peer string, st State) {
	s.listenerMu.RLock()
	fns := make([]func(string, State), len(s.onState))
	copy(fns, s.onState)
	s.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(peer, st)
	}
}

func (s *Session) notifyBoard() {
	s.listenerMu.RLock()
	fns := make([]func(), len(s.onBoard))
	copy(fns, s.onBoard)
	s.listenerMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}
