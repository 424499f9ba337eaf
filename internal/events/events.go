package events

import (
	"github.com/USA-RedDragon/lms-realtime/internal/db/models"
)

type EventType string

const (
	EventTypeMessagesCreated EventType = "messages.created"
)

type Event interface {
	GetType() EventType
	GetTopic() string
}

// MessagesCreatedEvent carries messages newly stored in one conversation.
type MessagesCreatedEvent struct {
	ConversationID string
	Messages       []models.Message
}

func (e MessagesCreatedEvent) GetType() EventType {
	return EventTypeMessagesCreated
}

func (e MessagesCreatedEvent) GetTopic() string {
	return e.ConversationID
}
