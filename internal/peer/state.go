package peer

import "fmt"

// State is the lifecycle of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateTransferring
	StateDisconnected
	StateConnectFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateTransferring:
		return "transferring"
	case StateDisconnected:
		return "disconnected"
	case StateConnectFailed:
		return "connect_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateConnectFailed
}

// Idle reaches disconnected only through Close on a session that never
// connected. Negotiation failures always pass through connecting.
var transitions = map[State][]State{
	StateIdle:         {StateConnecting, StateDisconnected},
	StateConnecting:   {StateConnected, StateConnectFailed, StateDisconnected},
	StateConnected:    {StateTransferring, StateConnectFailed, StateDisconnected},
	StateTransferring: {StateDisconnected},
}

// CanTransition reports whether the lifecycle allows moving from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Role is which side of the negotiation a Session plays.
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "none"
	}
}

// Event describes one lifecycle transition. Err is set when entering
// StateConnectFailed or StateDisconnected.
type Event struct {
	From State
	To   State
	Err  error
}
