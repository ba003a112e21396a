// Package signal defines the wire envelope relayed between clients and the
// signaling server. The relay routes envelopes by event and target; it never
// inspects Payload.
package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Signal types carried inside call events.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeReject       = "reject"
	TypeEnd          = "end"
)

// Client -> relay events.
const (
	EventJoinRoom        = "join-room"
	EventJoinUserRoom    = "join-user-room"
	EventCallUser        = "call-user"
	EventAnswerCall      = "answer-call"
	EventSignalUpdate    = "signal-update"
	EventRejectCall      = "reject-call"
	EventEndCall         = "end-call"
	EventJoinRandomCall  = "join-random-call"
	EventLeaveRandomCall = "leave-random-call"
	EventPing            = "ping"
	EventChatMessage     = "chat-message"
)

// Relay -> client events.
const (
	EventWelcome              = "welcome"
	EventIncomingCall         = "incoming-call"
	EventCallAccepted         = "call-accepted"
	EventCallRejected         = "call-rejected"
	EventCallEnded            = "call-ended"
	EventCallSignalUpdate     = "call-signal-update"
	EventUserJoinedRoom       = "user-joined-room"
	EventUserLeftRoom         = "user-left-room"
	EventUserJoinedRandomCall = "user-joined-random-call"
	EventUserLeftRandomCall   = "user-left-random-call"
	EventNewMessage           = "new-message"
	EventAck                  = "ack"
)

// Envelope is one relayed control message. From is always stamped by the
// relay with the sender's identity; clients cannot spoof it.
type Envelope struct {
	Event        string          `json:"event"`
	Type         string          `json:"type,omitempty"`
	From         string          `json:"from,omitempty"`
	FromUsername string          `json:"fromUsername,omitempty"`
	To           string          `json:"to,omitempty"`
	Room         string          `json:"room,omitempty"`
	PeerID       string          `json:"peerId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp,omitempty"`
	AckRequested bool            `json:"ackRequested,omitempty"`
	Seq          uint64          `json:"seq,omitempty"`
}

// Ack is the relay's response to an envelope that requested one, and to
// every ping and end-call.
type Ack struct {
	Seq   uint64 `json:"seq"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ValidationError reports a malformed envelope rejected at the relay
// boundary.
type ValidationError struct {
	Event string
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("signal: event %q missing required field %q", e.Event, e.Field)
}

// Validate checks the structural requirements of an inbound envelope.
// Payload contents are deliberately not inspected.
func Validate(env *Envelope) error {
	switch env.Event {
	case EventJoinRoom:
		if env.Room == "" {
			return &ValidationError{Event: env.Event, Field: "room"}
		}
	case EventJoinUserRoom:
		if env.To == "" {
			return &ValidationError{Event: env.Event, Field: "to"}
		}
	case EventCallUser, EventAnswerCall, EventSignalUpdate:
		if env.To == "" {
			return &ValidationError{Event: env.Event, Field: "to"}
		}
		if len(env.Payload) == 0 {
			return &ValidationError{Event: env.Event, Field: "payload"}
		}
	case EventRejectCall, EventEndCall:
		if env.To == "" {
			return &ValidationError{Event: env.Event, Field: "to"}
		}
	case EventJoinRandomCall, EventLeaveRandomCall:
		if env.Room == "" {
			return &ValidationError{Event: env.Event, Field: "room"}
		}
		if env.PeerID == "" {
			return &ValidationError{Event: env.Event, Field: "peerId"}
		}
	case EventChatMessage:
		if env.Room == "" && env.To == "" {
			return &ValidationError{Event: env.Event, Field: "room"}
		}
		if len(env.Payload) == 0 {
			return &ValidationError{Event: env.Event, Field: "payload"}
		}
	case EventPing:
		// No required fields.
	case "":
		return &ValidationError{Event: "", Field: "event"}
	default:
		return fmt.Errorf("signal: unknown event %q", env.Event)
	}
	return nil
}

// SignalType maps a call event to the signal type it carries.
func SignalType(event string) string {
	switch event {
	case EventCallUser:
		return TypeOffer
	case EventAnswerCall:
		return TypeAnswer
	case EventSignalUpdate:
		return TypeICECandidate
	case EventRejectCall:
		return TypeReject
	case EventEndCall:
		return TypeEnd
	}
	return ""
}
