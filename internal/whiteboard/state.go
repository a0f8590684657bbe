package whiteboard

// State is the whiteboard session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateInviteSent
	StateInviteReceived
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInviteSent:
		return "invite-sent"
	case StateInviteReceived:
		return "invite-received"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}
