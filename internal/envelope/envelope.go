// Package envelope defines the single wire unit multiplexing chat, call
// signaling and whiteboard events over one channel connection.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the envelope discriminant. Exactly one payload shape is populated
// per kind.
type Kind string

const (
	KindChat         Kind = "CHAT"
	KindOffer        Kind = "OFFER"
	KindAnswer       Kind = "ANSWER"
	KindICECandidate Kind = "ICE_CANDIDATE"
	KindHangup       Kind = "HANGUP"
	KindWBRequest    Kind = "WB_REQUEST"
	KindWBAccept     Kind = "WB_ACCEPT"
	KindWBReject     Kind = "WB_REJECT"
	KindWBDraw       Kind = "WB_DRAW"
	KindWBClear      Kind = "WB_CLEAR"
)

var known = map[Kind]struct{}{
	KindChat:         {},
	KindOffer:        {},
	KindAnswer:       {},
	KindICECandidate: {},
	KindHangup:       {},
	KindWBRequest:    {},
	KindWBAccept:     {},
	KindWBReject:     {},
	KindWBDraw:       {},
	KindWBClear:      {},
}

// Known reports whether k is a kind this codec understands.
func Known(k Kind) bool {
	_, ok := known[k]
	return ok
}

var (
	ErrUnknownKind   = errors.New("envelope: unknown kind")
	ErrMissingParty  = errors.New("envelope: sender and recipient required")
	ErrMissingPoints = errors.New("envelope: draw requires points")
)

// Envelope is the flat JSON wire shape. Chat kinds use Content/IsRead/
// Timestamp, call kinds carry the SDP or ICE candidate in Data, WB_DRAW uses
// Points/Color/StrokeWidth, control kinds carry no payload.
type Envelope struct {
	Kind        Kind            `json:"kind"`
	Sender      string          `json:"sender"`
	Recipient   string          `json:"recipient"`
	Content     string          `json:"content,omitempty"`
	IsRead      bool            `json:"isRead,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Points      []float64       `json:"points,omitempty"`
	Color       string          `json:"color,omitempty"`
	StrokeWidth float64         `json:"strokeWidth,omitempty"`
}

// Validate checks the invariants every envelope must satisfy before it is
// published or dispatched.
func (e *Envelope) Validate() error {
	if !Known(e.Kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.Sender == "" || e.Recipient == "" {
		return ErrMissingParty
	}
	if e.Kind == KindWBDraw && (len(e.Points) == 0 || len(e.Points)%2 != 0) {
		return ErrMissingPoints
	}
	return nil
}

// Parse decodes and validates one inbound frame.
func Parse(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Encode validates and serializes an envelope for the wire.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// NewChat builds a chat envelope stamped with the current time.
func NewChat(sender, recipient, content string) *Envelope {
	return &Envelope{
		Kind:      KindChat,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// NewSignal builds a call-signaling envelope (OFFER, ANSWER, ICE_CANDIDATE)
// carrying data as its payload.
func NewSignal(kind Kind, sender, recipient string, data []byte) *Envelope {
	return &Envelope{Kind: kind, Sender: sender, Recipient: recipient, Data: data}
}

// NewControl builds a payload-free envelope (HANGUP, WB_REQUEST, WB_ACCEPT,
// WB_REJECT, WB_CLEAR).
func NewControl(kind Kind, sender, recipient string) *Envelope {
	return &Envelope{Kind: kind, Sender: sender, Recipient: recipient}
}

// NewDraw builds a whiteboard stroke envelope. Points are flattened x,y pairs.
func NewDraw(sender, recipient string, points []float64, color string, width float64) *Envelope {
	return &Envelope{
		Kind:        KindWBDraw,
		Sender:      sender,
		Recipient:   recipient,
		Points:      points,
		Color:       color,
		StrokeWidth: width,
	}
}
