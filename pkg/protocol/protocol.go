// Package protocol describes the JSON frames exchanged with a game client:
// headers, message purposes, concrete packets and the registry mapping packet
// identifiers to packet shapes.
package protocol

import "strings"

// Version is the header version sent with every outbound frame.
const Version = 1

// ID identifies a packet kind. For events it equals the event name.
type ID string

// Purpose is the messagePurpose header field.
type Purpose string

const (
	PurposeSubscribe       Purpose = "subscribe"
	PurposeUnsubscribe     Purpose = "unsubscribe"
	PurposeEvent           Purpose = "event"
	PurposeError           Purpose = "error"
	PurposeCommandRequest  Purpose = "commandRequest"
	PurposeCommandResponse Purpose = "commandResponse"
	PurposeEncrypt         Purpose = "ws:encrypt"
	PurposeDataBlock       Purpose = "data:block"
	PurposeDataItem        Purpose = "data:item"
	PurposeDataMob         Purpose = "data:mob"
)

// IsData reports whether p is one of the data query purposes.
func (p Purpose) IsData() bool {
	return strings.HasPrefix(string(p), "data:")
}

// Header accompanies every frame.
type Header struct {
	Version        int     `json:"version"`
	RequestID      string  `json:"requestId"`
	MessagePurpose Purpose `json:"messagePurpose"`
	MessageType    string  `json:"messageType,omitempty"`
	EventName      string  `json:"eventName,omitempty"`
}

// Packet is a typed protocol message. Concrete packets are plain structs whose
// json tags describe their body.
type Packet interface {
	ID() ID
	Purpose() Purpose
}

// EventNamer is implemented by packets that carry an eventName header field.
type EventNamer interface {
	EventName() string
}

// BodyEncoder lets a packet build its own body instead of the json tag mapping.
type BodyEncoder interface {
	EncodeBody() (map[string]any, error)
}

// BodyDecoder lets a packet read its own body instead of the json tag mapping.
type BodyDecoder interface {
	DecodeBody(body map[string]any) error
}
