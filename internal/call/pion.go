package call

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/collab/internal/config"
	"github.com/collab/internal/logger"
)

// pionNegotiator is the production Negotiator backed by a pion
// PeerConnection. Locally gathered candidates are buffered until the remote
// description is set, then trickled through OnICECandidate.
type pionNegotiator struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	pending     []*webrtc.ICECandidate
	onCandidate func(cand []byte)
	onConnected func()
	onTrack     func(kind string)
	onFailure   func()
}

// NewPionNegotiator builds a peer connection against the configured ICE
// servers and attaches the local media tracks. Without tracks it still adds
// recvonly transceivers so the SDP carries valid media sections.
func NewPionNegotiator(iceServers []config.IceServer, media MediaSource) (Negotiator, error) {
	cfg := webrtc.Configuration{ICEServers: toPionICE(iceServers)}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("call: peer connection: %w", err)
	}
	n := &pionNegotiator{pc: pc}

	var tracks []webrtc.TrackLocal
	if media != nil {
		tracks = media.Tracks()
	}
	if len(tracks) == 0 {
		addRecvOnlyTransceivers(pc)
	}
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("call: add track: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		n.mu.Lock()
		if pc.RemoteDescription() == nil {
			n.pending = append(n.pending, c)
			n.mu.Unlock()
			return
		}
		fn := n.onCandidate
		n.mu.Unlock()
		n.emitCandidate(fn, c)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.mu.Lock()
		fn := n.onTrack
		n.mu.Unlock()
		if fn != nil {
			fn(track.Kind().String())
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		switch s {
		case webrtc.ICEConnectionStateConnected:
			n.mu.Lock()
			fn := n.onConnected
			n.mu.Unlock()
			if fn != nil {
				fn()
			}
		case webrtc.ICEConnectionStateFailed:
			n.mu.Lock()
			fn := n.onFailure
			n.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})
	return n, nil
}

func (n *pionNegotiator) CreateOffer() ([]byte, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (n *pionNegotiator) CreateAnswer() ([]byte, error) {
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (n *pionNegotiator) SetRemoteDescription(desc []byte) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("call: decode description: %w", err)
	}
	if err := n.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	// Flush candidates gathered before the remote side was known.
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	fn := n.onCandidate
	n.mu.Unlock()
	for _, c := range pending {
		n.emitCandidate(fn, c)
	}
	return nil
}

func (n *pionNegotiator) AddICECandidate(cand []byte) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(cand, &init); err != nil {
		return fmt.Errorf("call: decode candidate: %w", err)
	}
	return n.pc.AddICECandidate(init)
}

func (n *pionNegotiator) OnICECandidate(fn func(cand []byte)) {
	n.mu.Lock()
	n.onCandidate = fn
	n.mu.Unlock()
}

func (n *pionNegotiator) OnConnected(fn func()) {
	n.mu.Lock()
	n.onConnected = fn
	n.mu.Unlock()
}

func (n *pionNegotiator) OnRemoteTrack(fn func(kind string)) {
	n.mu.Lock()
	n.onTrack = fn
	n.mu.Unlock()
}

func (n *pionNegotiator) OnFailure(fn func()) {
	n.mu.Lock()
	n.onFailure = fn
	n.mu.Unlock()
}

func (n *pionNegotiator) Close() error {
	return n.pc.Close()
}

func (n *pionNegotiator) emitCandidate(fn func([]byte), c *webrtc.ICECandidate) {
	if fn == nil {
		return
	}
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		logger.Errorf("call: encode candidate: %v", err)
		return
	}
	fn(data)
}

// addRecvOnlyTransceivers keeps CreateOffer/CreateAnswer producing valid
// audio and video m-lines when no local tracks are attached.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			logger.Errorf("call: add %s transceiver: %v", kind, err)
		}
	}
}

func toPionICE(servers []config.IceServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
