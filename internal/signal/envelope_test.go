package signal

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateCallEvents(t *testing.T) {
	payload := json.RawMessage(`{"sdp":"v=0"}`)

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
		field   string
	}{
		{"call-user ok", Envelope{Event: EventCallUser, To: "bob", Payload: payload}, false, ""},
		{"call-user missing to", Envelope{Event: EventCallUser, Payload: payload}, true, "to"},
		{"call-user missing payload", Envelope{Event: EventCallUser, To: "bob"}, true, "payload"},
		{"answer missing payload", Envelope{Event: EventAnswerCall, To: "alice"}, true, "payload"},
		{"signal-update ok", Envelope{Event: EventSignalUpdate, To: "alice", Payload: payload}, false, ""},
		{"reject needs to only", Envelope{Event: EventRejectCall, To: "alice"}, false, ""},
		{"end missing to", Envelope{Event: EventEndCall}, true, "to"},
		{"ping", Envelope{Event: EventPing}, false, ""},
		{"random call missing peer", Envelope{Event: EventJoinRandomCall, Room: "r1"}, true, "peerId"},
		{"empty event", Envelope{}, true, "event"},
	}

	for _, tc := range cases {
		err := Validate(&tc.env)
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
			continue
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
			continue
		}
		if tc.wantErr && tc.field != "" {
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("%s: expected ValidationError, got %T", tc.name, err)
				continue
			}
			if verr.Field != tc.field {
				t.Errorf("%s: expected field %q, got %q", tc.name, tc.field, verr.Field)
			}
		}
	}
}

func TestValidateUnknownEvent(t *testing.T) {
	err := Validate(&Envelope{Event: "teleport"})
	if err == nil {
		t.Fatal("expected error for unknown event")
	}
}

func TestSignalType(t *testing.T) {
	if got := SignalType(EventCallUser); got != TypeOffer {
		t.Errorf("expected offer, got %s", got)
	}
	if got := SignalType(EventSignalUpdate); got != TypeICECandidate {
		t.Errorf("expected ice-candidate, got %s", got)
	}
	if got := SignalType(EventPing); got != "" {
		t.Errorf("expected empty type for ping, got %s", got)
	}
}
