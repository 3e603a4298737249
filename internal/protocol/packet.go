// Package protocol defines the three-field packet exchanged between a room host and its peers.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action tags what a packet means.
type Action string

const (
	ActionConnect         Action = "CONNECT"
	ActionDisconnect      Action = "DISCONNECT"
	ActionError           Action = "ERROR"
	ActionMessage         Action = "MESSAGE"
	ActionSetupEncryption Action = "SETUP_ENCRYPTION"
)

// Well-known sources for control packets.
const (
	SourceServer = "SERVER"
	SourceClient = "CLIENT"
)

// ErrMalformedPacket is returned when a frame does not decode into a complete packet.
var ErrMalformedPacket = errors.New("protocol: malformed packet")

// Packet is the application message unit. It is passed by value and never mutated after construction.
type Packet struct {
	Action  Action `json:"action"`
	Message string `json:"message"`
	Source  string `json:"source"`
}

// wirePacket mirrors Packet with pointer fields so that a missing field can be told apart from an empty one.
type wirePacket struct {
	Action  *string `json:"action"`
	Message *string `json:"message"`
	Source  *string `json:"source"`
}

// New builds a packet.
func New(action Action, message, source string) Packet {
	return Packet{Action: action, Message: message, Source: source}
}

// Errorf builds an ERROR packet from the server carrying "<code>: <text>".
func Errorf(code int, text string) Packet {
	return New(ActionError, fmt.Sprintf("%d: %s", code, text), SourceServer)
}

// Known reports whether the action is one of the defined tags.
func (a Action) Known() bool {
	switch a {
	case ActionConnect, ActionDisconnect, ActionError, ActionMessage, ActionSetupEncryption:
		return true
	}
	return false
}

// Marshal serializes the packet.
func Marshal(p Packet) ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal decodes one frame. All three fields must be present.
func Unmarshal(data []byte) (Packet, error) {
	var w wirePacket
	if err := json.Unmarshal(data, &w); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if w.Action == nil || w.Message == nil || w.Source == nil {
		return Packet{}, fmt.Errorf("%w: missing field", ErrMalformedPacket)
	}
	return Packet{Action: Action(*w.Action), Message: *w.Message, Source: *w.Source}, nil
}
