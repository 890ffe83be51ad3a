// Package protocol defines the wire format spoken over the channel: frame
// envelopes, the closed set of inbound events and the outbound commands.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope of every message exchanged over the channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseFrame decodes a raw channel message.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("invalid frame: missing event name")
	}
	return f, nil
}

// NewFrame marshals data under the given event name.
func NewFrame(event string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: payload})
}
