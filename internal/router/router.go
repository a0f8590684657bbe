// Package router dispatches inbound envelopes to the session object owning
// their kind. The table-driven dispatch means adding a protocol is a new
// registration, not an edit to existing handler logic.
package router

import (
	"github.com/collab/internal/envelope"
	"github.com/collab/internal/logger"
)

// Handler consumes envelopes of the kinds it registered for.
type Handler interface {
	HandleEnvelope(e *envelope.Envelope)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(e *envelope.Envelope)

func (f HandlerFunc) HandleEnvelope(e *envelope.Envelope) { f(e) }

// Router maps envelope kinds to handlers. Register everything before the
// first Dispatch; the table is not mutated afterwards.
type Router struct {
	table map[envelope.Kind]Handler
}

func New() *Router {
	return &Router{table: make(map[envelope.Kind]Handler)}
}

// Handle registers h for the given kinds.
func (r *Router) Handle(h Handler, kinds ...envelope.Kind) {
	for _, k := range kinds {
		r.table[k] = h
	}
}

// HandleFunc registers fn for the given kinds.
func (r *Router) HandleFunc(fn func(*envelope.Envelope), kinds ...envelope.Kind) {
	r.Handle(HandlerFunc(fn), kinds...)
}

// Dispatch routes one envelope to its registered handler. Envelopes of
// unhandled kinds are logged and discarded; Dispatch never fails.
func (r *Router) Dispatch(e *envelope.Envelope) {
	h, ok := r.table[e.Kind]
	if !ok {
		logger.Errorf("router: no handler for kind=%s sender=%s, dropped", e.Kind, e.Sender)
		return
	}
	h.HandleEnvelope(e)
}
