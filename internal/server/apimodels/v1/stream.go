package v1

import (
	"github.com/USA-RedDragon/lms-realtime/internal/db/models"
)

type StreamFrameType string

const (
	StreamFrameConnected StreamFrameType = "connected"
	StreamFrameMessages  StreamFrameType = "messages"
	StreamFrameError     StreamFrameType = "error"
)

// StreamFrame is the JSON payload of every message stream event.
type StreamFrame struct {
	Type           StreamFrameType  `json:"type"`
	ConversationID string           `json:"conversationId,omitempty"`
	Messages       []models.Message `json:"messages,omitempty"`
	Message        string           `json:"message,omitempty"`
}
