package v1

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/USA-RedDragon/lms-realtime/internal/db/models"
	"github.com/USA-RedDragon/lms-realtime/internal/events"
	"github.com/USA-RedDragon/lms-realtime/internal/metrics"
	v1 "github.com/USA-RedDragon/lms-realtime/internal/server/apimodels/v1"
	"github.com/gin-gonic/gin"
	"github.com/mattn/go-nulltype"
	"gorm.io/gorm"
)

const maxMessagesPerPage = 200

func GETMessages(c *gin.Context) {
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

	var after uint64
	if raw := c.Query("after"); raw != "" {
		var err error
		after, err = strconv.ParseUint(raw, 10, 0)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a message id"})
			return
		}
	}
	limit := maxMessagesPerPage
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive number"})
			return
		}
		limit = min(parsed, maxMessagesPerPage)
	}

	messages, err := models.ListMessagesAfter(db, conversation.ID, uint(after), limit)
	if err != nil {
		slog.Error("Failed to list messages", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	c.JSON(http.StatusOK, v1.GETMessagesResponse{Messages: messages})
}

// POSTMessage stores a message and publishes it to live stream subscribers.
// Resending a client_id already stored for the sender returns the original
// message without publishing it again.
func POSTMessage(c *gin.Context) {
	user, ok := c.MustGet("user").(*models.User)
	if !ok {
		slog.Error("Failed to get user from context")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}

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

	broker, ok := c.MustGet("broker").(*events.Broker)
	if !ok {
		slog.Error("Failed to get broker from context")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}

	metrics, ok := c.MustGet("metrics").(*metrics.Metrics)
	if !ok {
		slog.Error("Failed to get metrics from context")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}

	var req v1.POSTMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	message := models.Message{
		ConversationID: conversation.ID,
		SenderID:       user.ID,
		Body:           req.Body,
	}
	if req.ClientID != "" {
		message.ClientID = nulltype.NullStringOf(req.ClientID)
	}

	// Ids are assigned and published under the conversation's ordering lock,
	// so streams never see a lower id after a higher one.
	var created bool
	subscribers, err := broker.Sequence(conversation.ID, func() (events.Event, error) {
		var err error
		created, err = models.CreateMessage(db, &message)
		if err != nil || !created {
			return nil, err
		}
		return events.MessagesCreatedEvent{
			ConversationID: conversation.ID,
			Messages:       []models.Message{message},
		}, nil
	})
	if err != nil {
		slog.Error("Failed to create message", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
		return
	}
	if !created {
		c.JSON(http.StatusOK, message)
		return
	}
	metrics.IncrementMessagesPublished()
	slog.Debug("Published message", "conversation", conversation.ID, "message", message.ID, "subscribers", subscribers)

	c.JSON(http.StatusCreated, message)
}
