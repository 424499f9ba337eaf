package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedFrame = errors.New("malformed stream frame")

type FrameType string

const (
	FrameConnected FrameType = "connected"
	FrameMessages  FrameType = "messages"
	FrameError     FrameType = "error"
)

// Frame is the JSON envelope carried in the data field of each stream event.
type Frame struct {
	Type           FrameType         `json:"type"`
	ConversationID string            `json:"conversationId,omitempty"`
	Messages       []json.RawMessage `json:"messages,omitempty"`
	Message        string            `json:"message,omitempty"`
}

// ParseFrame decodes data and checks it carries the fields its type requires.
func ParseFrame(data []byte) (Frame, error) {
	var raw struct {
		Type           FrameType         `json:"type"`
		ConversationID string            `json:"conversationId"`
		Messages       []json.RawMessage `json:"messages"`
		Message        *string           `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	frame := Frame{
		Type:           raw.Type,
		ConversationID: raw.ConversationID,
		Messages:       raw.Messages,
	}
	switch raw.Type {
	case FrameConnected:
	case FrameMessages:
		if raw.Messages == nil {
			return Frame{}, fmt.Errorf("%w: messages frame without messages", ErrMalformedFrame)
		}
	case FrameError:
		if raw.Message == nil {
			return Frame{}, fmt.Errorf("%w: error frame without message", ErrMalformedFrame)
		}
		frame.Message = *raw.Message
	case "":
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, raw.Type)
	}
	return frame, nil
}
