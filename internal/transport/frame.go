package transport

import (
	"encoding/json"
)

// FrameType discriminates messages on the bidirectional channel.
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameSend        FrameType = "send"
	FrameMessage     FrameType = "message"
	FrameError       FrameType = "error"
)

// Frame is the wire envelope for the topic channel. Client-to-server frames
// are subscribe/unsubscribe/send; server-to-client frames are message/error.
type Frame struct {
	Type        FrameType       `json:"type"`
	Topic       string          `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// NewSendFrame builds an outbound publish frame for a destination.
func NewSendFrame(destination string, payload interface{}) (Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameSend, Destination: destination, Body: body}, nil
}
