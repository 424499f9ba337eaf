package v1

import (
	"github.com/USA-RedDragon/lms-realtime/internal/db/models"
)

type POSTConversationRequest struct {
	Title          string `json:"title" binding:"required"`
	ParticipantIDs []uint `json:"participant_ids"`
}

type POSTParticipantRequest struct {
	UserID uint `json:"user_id" binding:"required"`
}

type POSTMessageRequest struct {
	// Body is limited to 65536 characters.
	Body     string `json:"body" binding:"required,max=65536"`
	ClientID string `json:"client_id" binding:"max=64"`
}

type GETMessagesResponse struct {
	Messages []models.Message `json:"messages"`
}
