package session

// State is the call session's single source of truth. Readiness details
// (media acquired, link connected) are guard conditions for transitions,
// never parallel state.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateReceiving
	StateConnecting
	StateActive
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateReceiving:
		return "receiving"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Role is which side of the call this session plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "receiver"
}

// EndReason is the single human-readable reason attached to a
// non-idle -> ending transition. Exactly one is published per call attempt.
type EndReason string

const (
	ReasonTimeout        EndReason = "no answer"
	ReasonUnanswered     EndReason = "not answered"
	ReasonRejected       EndReason = "rejected"
	ReasonConnectionLost EndReason = "connection lost"
	ReasonPeerError      EndReason = "peer error"
	ReasonHangup         EndReason = "hung up"
	ReasonRemoteEnded    EndReason = "ended by peer"
)

// StateChange is published on the session topic for every transition.
type StateChange struct {
	From State
	To   State
}

// Ended is published exactly once per call attempt, when the session leaves
// a non-idle state for ending.
type Ended struct {
	CallID string
	Reason EndReason
}

// Snapshot is the serializable identity of a session, restorable atomically
// after a process or component restart.
type Snapshot struct {
	CallID string `json:"callId"`
	Role   Role   `json:"role"`
	State  State  `json:"state"`
	PeerID string `json:"peerId"`
}
