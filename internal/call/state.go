package call

// State is the call session lifecycle. Minimization is deliberately not a
// state: it is view-only and lives in a separate flag.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncomingRinging
	StateNegotiating
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncomingRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}
