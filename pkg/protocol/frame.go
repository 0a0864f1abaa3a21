package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Frame is the {header, body} envelope of every message.
type Frame struct {
	Header Header         `json:"header"`
	Body   map[string]any `json:"body"`
}

// ParseFrame decodes a JSON frame. A frame without messagePurpose is rejected.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(err, "parse frame")
	}
	if f.Header.MessagePurpose == "" {
		return Frame{}, ErrMissingPurpose
	}
	if f.Body == nil {
		f.Body = map[string]any{}
	}
	return f, nil
}

// Marshal encodes the frame as JSON text.
func (f Frame) Marshal() ([]byte, error) {
	if f.Body == nil {
		f.Body = map[string]any{}
	}
	return json.Marshal(f)
}

// EventID returns the event discriminant of an event frame. Older clients
// only put the event name in the body.
func (f Frame) EventID() ID {
	if f.Header.EventName != "" {
		return ID(f.Header.EventName)
	}
	if name, ok := f.Body["eventName"].(string); ok {
		return ID(name)
	}
	return ""
}
