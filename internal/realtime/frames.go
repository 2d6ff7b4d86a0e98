// ABOUTME: JSON frames exchanged over the realtime websocket
// ABOUTME: Inbound subscribe_dashboard/ping, outbound new_message/connection_update/pong

package realtime

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	FrameSubscribeDashboard = "subscribe_dashboard"
	FramePing               = "ping"

	FrameNewMessage       = "new_message"
	FrameConnectionUpdate = "connection_update"
	FramePong             = "pong"
	FrameSubscribed       = "subscribed"
	FrameError            = "error"
)

// Frame is one JSON message on the socket.
type Frame struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewFrame encodes data into a frame of the given type.
func NewFrame(frameType string, data any) (*Frame, error) {
	f := &Frame{Type: frameType}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", frameType, err)
	}
	f.Data = raw
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Type)
	}
	return json.Unmarshal(f.Data, v)
}
