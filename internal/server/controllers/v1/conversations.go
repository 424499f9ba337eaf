package v1

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/USA-RedDragon/lms-realtime/internal/db/models"
	v1 "github.com/USA-RedDragon/lms-realtime/internal/server/apimodels/v1"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func GETConversations(c *gin.Context) {
	user, ok := c.MustGet("user").(*models.User)
	if !ok {
		slog.Error("Failed to get user from context")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}

	db, ok := c.MustGet("db").(*gorm.DB)
	if !ok {
		slog.Error("Failed to get db from context")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}

	conversations, err := models.ListConversationsByUserID(db, user.ID)
	if err != nil {
		slog.Error("Failed to list conversations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}

	c.JSON(http.StatusOK, conversations)
}

func POSTConversation(c *gin.Context) {
	user, ok := c.MustGet("user").(*models.User)
	if !ok {
		slog.Error("Failed to get user from context")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}

	db, ok := c.MustGet("db").(*gorm.DB)
	if !ok {
		slog.Error("Failed to get db from context")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}

	var req v1.POSTConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	for _, id := range req.ParticipantIDs {
		exists, err := models.UserIDExists(db, id)
		if err != nil {
			slog.Error("Failed to look up participant", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
			return
		}
		if !exists {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown participant"})
			return
		}
	}

	conversation, err := models.CreateConversation(db, req.Title, user.ID, req.ParticipantIDs...)
	if err != nil {
		slog.Error("Failed to create conversation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}

	c.JSON(http.StatusCreated, conversation)
}

// POSTParticipant adds a user to the conversation loaded by requireParticipant.
func POSTParticipant(c *gin.Context) {
	conversation, ok := c.MustGet("conversation").(*models.Conversation)
	if !ok {
		slog.Error("Failed to get conversation from context")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}

	db, ok := c.MustGet("db").(*gorm.DB)
	if !ok {
		slog.Error("Failed to get db from context")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}

	var req v1.POSTParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if _, err := models.FindUserByID(db, req.UserID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		slog.Error("Failed to find user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}

	if err := models.AddParticipant(db, conversation.ID, req.UserID); err != nil {
		slog.Error("Failed to add participant", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": 1})
}
