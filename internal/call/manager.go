// Package call manages the 1:1 audio/video call session: offer/answer/ICE
// negotiation over the channel connection and exclusive ownership of the
// local media source. At most one session exists at a time.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/collab/internal/config"
	"github.com/collab/internal/envelope"
	"github.com/collab/internal/logger"
)

var (
	// ErrBusy is returned by Start while another session is not yet ended.
	ErrBusy = errors.New("call: another session is active")
	// ErrMediaAccess wraps camera/microphone acquisition failures. It is
	// terminal for the attempt: the session returns to idle, no retry.
	ErrMediaAccess = errors.New("call: media device access denied")
)

// Publisher sends envelopes out on the channel connection.
type Publisher interface {
	Publish(e *envelope.Envelope)
}

// Negotiator abstracts the peer connection so the state machine can be
// driven in tests without a network stack. The pion implementation lives in
// pion.go.
type Negotiator interface {
	CreateOffer() ([]byte, error)
	CreateAnswer() ([]byte, error)
	SetRemoteDescription(desc []byte) error
	AddICECandidate(cand []byte) error
	OnICECandidate(fn func(cand []byte))
	OnConnected(fn func())
	OnRemoteTrack(fn func(kind string))
	OnFailure(fn func())
	Close() error
}

// Options configure a Manager. Nil factories fall back to the pion
// implementations.
type Options struct {
	ICEServers    []config.IceServer
	NewMedia      func(ctx context.Context) (MediaSource, error)
	NewNegotiator func(media MediaSource) (Negotiator, error)
}

// Manager owns the single call session for one signed-in identity.
type Manager struct {
	self          string
	pub           Publisher
	newMedia      func(ctx context.Context) (MediaSource, error)
	newNegotiator func(media MediaSource) (Negotiator, error)

	mu          sync.Mutex
	state       State
	peer        string
	minimized   bool
	audioOn     bool
	videoOn     bool
	media       MediaSource
	neg         Negotiator
	remoteOffer []byte
	pendingICE  [][]byte
	hangupSent  bool

	listenerMu sync.RWMutex
	onRing     []func(peer string)
	onMissed   []func(peer string)
	onState    []func(peer string, st State)
	onMedia    []func(peer, kind string)
}

func New(self string, pub Publisher, opts Options) *Manager {
	m := &Manager{
		self:          self,
		pub:           pub,
		newMedia:      opts.NewMedia,
		newNegotiator: opts.NewNegotiator,
	}
	if m.newMedia == nil {
		m.newMedia = func(ctx context.Context) (MediaSource, error) {
			return NewTrackSource(ctx)
		}
	}
	if m.newNegotiator == nil {
		ice := opts.ICEServers
		m.newNegotiator = func(media MediaSource) (Negotiator, error) {
			return NewPionNegotiator(ice, media)
		}
	}
	return m
}

// OnRing registers a callback fired when an inbound OFFER opens a new
// ringing session.
func (m *Manager) OnRing(fn func(peer string)) {
	m.listenerMu.Lock()
	m.onRing = append(m.onRing, fn)
	m.listenerMu.Unlock()
}

// OnMissed registers a callback fired when an OFFER arrives while another
// session is active.
func (m *Manager) OnMissed(fn func(peer string)) {
	m.listenerMu.Lock()
	m.onMissed = append(m.onMissed, fn)
	m.listenerMu.Unlock()
}

// OnStateChange registers a callback fired on session state transitions.
func (m *Manager) OnStateChange(fn func(peer string, st State)) {
	m.listenerMu.Lock()
	m.onState = append(m.onState, fn)
	m.listenerMu.Unlock()
}

// OnRemoteMedia registers a callback fired when the first frame of a remote
// track arrives, kind "audio" or "video". The shell clears its connecting
// status on the first of these.
func (m *Manager) OnRemoteMedia(fn func(peer, kind string)) {
	m.listenerMu.Lock()
	m.onMedia = append(m.onMedia, fn)
	m.listenerMu.Unlock()
}

// Start begins an outgoing call: acquire media, create the peer connection,
// publish the offer. The caller acquires media up front; only the callee
// waits for an explicit accept.
func (m *Manager) Start(ctx context.Context, peer string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.state = StateOutgoing
	m.peer = peer
	m.audioOn, m.videoOn = true, true
	m.mu.Unlock()

	media, err := m.newMedia(ctx)
	if err != nil {
		m.reset()
		return fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	neg, err := m.newNegotiator(media)
	if err != nil {
		media.Close()
		m.reset()
		return err
	}
	m.wireNegotiator(neg, peer)
	offer, err := neg.CreateOffer()
	if err != nil {
		media.Close()
		neg.Close()
		m.reset()
		return fmt.Errorf("call: create offer: %w", err)
	}

	m.mu.Lock()
	if m.state != StateOutgoing || m.peer != peer {
		// Torn down while we were acquiring media.
		m.mu.Unlock()
		media.Close()
		neg.Close()
		return nil
	}
	m.media = media
	m.neg = neg
	m.mu.Unlock()

	m.pub.Publish(envelope.NewSignal(envelope.KindOffer, m.self, peer, offer))
	m.notifyState(peer, StateOutgoing)
	return nil
}

// Accept answers a ringing call. The ring is discarded the moment the state
// leaves IncomingRinging, before media or network work, so a superseding
// event cannot re-display it. Stale or repeated accepts are safe no-ops.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIncomingRinging {
		m.mu.Unlock()
		return nil
	}
	m.state = StateNegotiating
	peer := m.peer
	offer := m.remoteOffer
	m.mu.Unlock()
	m.notifyState(peer, StateNegotiating)

	media, err := m.newMedia(ctx)
	if err != nil {
		m.teardown(true)
		return fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	neg, err := m.newNegotiator(media)
	if err != nil {
		media.Close()
		m.teardown(true)
		return err
	}
	m.wireNegotiator(neg, peer)
	if err := neg.SetRemoteDescription(offer); err != nil {
		media.Close()
		neg.Close()
		m.teardown(true)
		return fmt.Errorf("call: remote offer: %w", err)
	}
	answer, err := neg.CreateAnswer()
	if err != nil {
		media.Close()
		neg.Close()
		m.teardown(true)
		return fmt.Errorf("call: create answer: %w", err)
	}

	m.mu.Lock()
	if m.state != StateNegotiating || m.peer != peer {
		m.mu.Unlock()
		media.Close()
		neg.Close()
		return nil
	}
	m.media = media
	m.neg = neg
	pending := m.pendingICE
	m.pendingICE = nil
	m.mu.Unlock()

	m.pub.Publish(envelope.NewSignal(envelope.KindAnswer, m.self, peer, answer))
	for _, cand := range pending {
		if err := neg.AddICECandidate(cand); err != nil {
			logger.Errorf("call: buffered candidate peer=%s: %v", peer, err)
		}
	}
	return nil
}

// Reject declines a ringing call without ever acquiring media. A stale
// reject (ring already superseded) is a no-op.
func (m *Manager) Reject() {
	m.mu.Lock()
	ringing := m.state == StateIncomingRinging
	m.mu.Unlock()
	if !ringing {
		return
	}
	m.teardown(true)
}

// HangUp ends the session from any non-terminal state.
func (m *Manager) HangUp() {
	m.mu.Lock()
	idle := m.state == StateIdle
	m.mu.Unlock()
	if idle {
		return
	}
	m.teardown(true)
}

// HandleEnvelope processes one inbound call-signaling envelope.
func (m *Manager) HandleEnvelope(e *envelope.Envelope) {
	switch e.Kind {
	case envelope.KindOffer:
		m.handleOffer(e)
	case envelope.KindAnswer:
		m.handleAnswer(e)
	case envelope.KindICECandidate:
		m.handleCandidate(e)
	case envelope.KindHangup:
		m.handleHangup(e)
	}
}

// handleOffer rings for a new call, or reports a missed call when a session
// is already underway. The busy caller gets a HANGUP so their ring ends.
func (m *Manager) handleOffer(e *envelope.Envelope) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		logger.Infof("call: missed offer from %s (busy with %s)", e.Sender, m.Peer())
		m.pub.Publish(envelope.NewControl(envelope.KindHangup, m.self, e.Sender))
		m.notifyMissed(e.Sender)
		return
	}
	m.state = StateIncomingRinging
	m.peer = e.Sender
	m.remoteOffer = e.Data
	m.audioOn, m.videoOn = true, true
	m.mu.Unlock()

	m.notifyState(e.Sender, StateIncomingRinging)
	m.notifyRing(e.Sender)
}

func (m *Manager) handleAnswer(e *envelope.Envelope) {
	m.mu.Lock()
	if m.peer != e.Sender || (m.state != StateOutgoing && m.state != StateNegotiating) || m.neg == nil {
		m.mu.Unlock()
		return
	}
	neg := m.neg
	m.state = StateActive
	pending := m.pendingICE
	m.pendingICE = nil
	m.mu.Unlock()

	if err := neg.SetRemoteDescription(e.Data); err != nil {
		logger.Errorf("call: remote answer peer=%s: %v", e.Sender, err)
		m.teardown(true)
		return
	}
	for _, cand := range pending {
		if err := neg.AddICECandidate(cand); err != nil {
			logger.Errorf("call: buffered candidate peer=%s: %v", e.Sender, err)
		}
	}
	m.notifyState(e.Sender, StateActive)
}

// handleCandidate applies or buffers a remote ICE candidate. Candidates
// cannot be applied before the remote description: on the ringing callee no
// peer connection exists yet, and on the caller the ANSWER has not arrived.
// Both cases buffer; accept and handleAnswer flush.
func (m *Manager) handleCandidate(e *envelope.Envelope) {
	m.mu.Lock()
	if m.peer != e.Sender || m.state == StateIdle || m.state == StateEnded {
		m.mu.Unlock()
		return
	}
	neg := m.neg
	if neg == nil || m.state == StateOutgoing {
		m.pendingICE = append(m.pendingICE, e.Data)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if err := neg.AddICECandidate(e.Data); err != nil {
		logger.Errorf("call: candidate peer=%s: %v", e.Sender, err)
	}
}

func (m *Manager) handleHangup(e *envelope.Envelope) {
	m.mu.Lock()
	match := m.peer == e.Sender && m.state != StateIdle
	m.mu.Unlock()
	if !match {
		return
	}
	m.teardown(false)
}

// SetMinimized toggles the presentation-only flag. It never touches the
// state machine.
func (m *Manager) SetMinimized(v bool) {
	m.mu.Lock()
	m.minimized = v
	m.mu.Unlock()
}

func (m *Manager) Minimized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minimized
}

// ToggleAudio flips the local audio track. Returns the new muted state.
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioOn = !m.audioOn
	return !m.audioOn
}

// ToggleVideo flips the local video track. Returns the new disabled state.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoOn = !m.videoOn
	return !m.videoOn
}

// State returns the current session state, StateIdle when no session exists.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peer returns the remote identity of the current session, empty when idle.
func (m *Manager) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

func (m *Manager) wireNegotiator(neg Negotiator, peer string) {
	neg.OnICECandidate(func(cand []byte) {
		m.pub.Publish(envelope.NewSignal(envelope.KindICECandidate, m.self, peer, cand))
	})
	neg.OnConnected(func() {
		m.mu.Lock()
		if m.peer != peer || m.state != StateNegotiating {
			m.mu.Unlock()
			return
		}
		m.state = StateActive
		m.mu.Unlock()
		m.notifyState(peer, StateActive)
	})
	neg.OnRemoteTrack(func(kind string) {
		m.notifyMedia(peer, kind)
	})
	neg.OnFailure(func() {
		logger.Errorf("call: negotiation failed peer=%s", peer)
		m.teardown(false)
	})
}

// teardown releases media, closes the peer connection and destroys the
// session, publishing at most one HANGUP across all racing paths.
func (m *Manager) teardown(sendHangup bool) {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateEnded {
		m.mu.Unlock()
		return
	}
	peer := m.peer
	media, neg := m.media, m.neg
	send := sendHangup && !m.hangupSent
	if send {
		m.hangupSent = true
	}
	m.state = StateEnded
	m.mu.Unlock()

	if send {
		m.pub.Publish(envelope.NewControl(envelope.KindHangup, m.self, peer))
	}
	if media != nil {
		media.Close()
	}
	if neg != nil {
		neg.Close()
	}
	m.notifyState(peer, StateEnded)
	m.reset()
}

// reset returns the manager to idle with no session fields populated.
func (m *Manager) reset() {
	m.mu.Lock()
	m.state = StateIdle
	m.peer = ""
	m.media = nil
	m.neg = nil
	m.remoteOffer = nil
	m.pendingICE = nil
	m.hangupSent = false
	m.minimized = false
	m.mu.Unlock()
}

func (m *Manager) notifyRing(peer string) {
	m.listenerMu.RLock()
	fns := make([]func(string), len(m.onRing))
	copy(fns, m.onRing)
	m.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(peer)
	}
}

func (m *Manager) notifyMissed(peer string) {
	m.listenerMu.RLock()
	fns := make([]func(string), len(m.onMissed))
	copy(fns, m.onMissed)
	m.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(peer)
	}
}

func (m *Manager) notifyMedia(peer, kind string) {
	m.listenerMu.RLock()
	fns := make([]func(string, string), len(m.onMedia))
	copy(fns, m.onMedia)
	m.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(peer, kind)
	}
}

func (m *Manager) notifyState(peer string, st State) {
	m.listenerMu.RLock()
	fns := make([]func(string, State), len(m.onState))
	copy(fns, m.onState)
	m.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(peer, st)
	}
}
