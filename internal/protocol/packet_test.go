package protocol

import (
	"errors"
	"testing"
)

func TestUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Packet
		wantErr bool
	}{
		{"Complete", `{"action":"MESSAGE","message":"hi","source":"bob"}`, New(ActionMessage, "hi", "bob"), false},
		{"EmptyFields", `{"action":"CONNECT","message":"","source":""}`, New(ActionConnect, "", ""), false},
		{"MissingMessage", `{"action":"MESSAGE","source":"bob"}`, Packet{}, true},
		{"MissingAction", `{"message":"hi","source":"bob"}`, Packet{}, true},
		{"MissingSource", `{"action":"MESSAGE","message":"hi"}`, Packet{}, true},
		{"NotJSON", `hello`, Packet{}, true},
		{"NullField", `{"action":null,"message":"hi","source":"bob"}`, Packet{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedPacket) {
					t.Fatalf("expected ErrMalformedPacket, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestErrorf(t *testing.T) {
	p := Errorf(2, "NAME CANNOT BE BLANK")
	if p.Action != ActionError || p.Source != SourceServer {
		t.Fatalf("unexpected packet %+v", p)
	}
	if p.Message != "2: NAME CANNOT BE BLANK" {
		t.Errorf("unexpected message %q", p.Message)
	}
}

func TestActionKnown(t *testing.T) {
	for _, a := range []Action{ActionConnect, ActionDisconnect, ActionError, ActionMessage, ActionSetupEncryption} {
		if !a.Known() {
			t.Errorf("%s should be known", a)
		}
	}
	if Action("FIND").Known() || Action("").Known() {
		t.Error("unexpected known action")
	}
}
