package v1

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/USA-RedDragon/lms-realtime/internal/config"
	"github.com/USA-RedDragon/lms-realtime/internal/db/models"
	"github.com/USA-RedDragon/lms-realtime/internal/events"
	"github.com/USA-RedDragon/lms-realtime/internal/metrics"
	v1 "github.com/USA-RedDragon/lms-realtime/internal/server/apimodels/v1"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// messageStream writes one conversation's frames to a single SSE response.
// lastSent is the highest message id already delivered; anything at or
// below it is never written again.
type messageStream struct {
	w              gin.ResponseWriter
	db             *gorm.DB
	conversationID string
	replayLimit    int
	lastSent       uint
}

func (s *messageStream) write(event sse.Event) error {
	if err := sse.Encode(s.w, event); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

func (s *messageStream) keepalive() error {
	if _, err := io.WriteString(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

// maxFrameBytes bounds the encoded messages of one frame. A single message
// larger than this still goes out alone.
const maxFrameBytes = 512 << 10

func (s *messageStream) sendMessages(messages []models.Message) error {
	fresh := make([]models.Message, 0, len(messages))
	for _, message := range messages {
		if message.ID > s.lastSent {
			fresh = append(fresh, message)
		}
	}
	for _, batch := range splitFrames(fresh, maxFrameBytes) {
		last := batch[len(batch)-1].ID
		err := s.write(sse.Event{
			Id: strconv.FormatUint(uint64(last), 10),
			Data: v1.StreamFrame{
				Type:     v1.StreamFrameMessages,
				Messages: batch,
			},
		})
		if err != nil {
			return err
		}
		s.lastSent = last
	}
	return nil
}

// splitFrames groups messages into consecutive batches whose JSON encoding
// stays within budget bytes.
func splitFrames(messages []models.Message, budget int) [][]models.Message {
	var batches [][]models.Message
	start, size := 0, 0
	for i, message := range messages {
		n := budget
		if encoded, err := json.Marshal(message); err == nil {
			n = len(encoded) + 1
		}
		if i > start && size+n > budget {
			batches = append(batches, messages[start:i])
			start, size = i, 0
		}
		size += n
	}
	if start < len(messages) {
		batches = append(batches, messages[start:])
	}
	return batches
}

func (s *messageStream) sendError(message string) error {
	return s.write(sse.Event{
		Data: v1.StreamFrame{
			Type:    v1.StreamFrameError,
			Message: message,
		},
	})
}

// replay sends everything stored after lastSent, one page per frame.
// A database failure is reported to the client as an error frame and the
// stream stays open.
func (s *messageStream) replay() error {
	for {
		messages, err := models.ListMessagesAfter(s.db, s.conversationID, s.lastSent, s.replayLimit)
		if err != nil {
			slog.Error("Failed to replay messages", "conversation", s.conversationID, "after", s.lastSent, "error", err)
			return s.sendError("Failed to load missed messages")
		}
		if err := s.sendMessages(messages); err != nil {
			return err
		}
		if len(messages) < s.replayLimit {
			return nil
		}
	}
}

func lastEventID(c *gin.Context) (uint, bool, error) {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("lastEventId")
	}
	if raw == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseUint(raw, 10, 0)
	if err != nil {
		return 0, false, err
	}
	return uint(id), true, nil
}

// GETMessagesStream serves the live message stream of a conversation as
// server-sent events. A client resuming with Last-Event-ID first receives
// every message it missed.
func GETMessagesStream(c *gin.Context) {
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

	config, ok := c.MustGet("config").(*config.Config)
	if !ok {
		slog.Error("Failed to get config from context")
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

	resumeFrom, resuming, err := lastEventID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Last-Event-ID must be a message id"})
		return
	}

	// Subscribe before reading the database so nothing published in
	// between is lost.
	sub := broker.Subscribe(conversation.ID)
	defer sub.Close()

	if !resuming {
		resumeFrom, err = models.LatestMessageID(db, conversation.ID)
		if err != nil {
			slog.Error("Failed to find latest message", "conversation", conversation.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
			return
		}
	}

	metrics.IncrementStreamSubscribers(conversation.ID)
	defer metrics.DecrementStreamSubscribers(conversation.ID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	stream := &messageStream{
		w:              c.Writer,
		db:             db,
		conversationID: conversation.ID,
		replayLimit:    config.Stream.ReplayLimit,
		lastSent:       resumeFrom,
	}
	if stream.replayLimit <= 0 {
		stream.replayLimit = maxMessagesPerPage
	}

	err = stream.write(sse.Event{
		Retry: uint(config.Stream.RetryInterval / time.Millisecond),
		Data: v1.StreamFrame{
			Type:           v1.StreamFrameConnected,
			ConversationID: conversation.ID,
		},
	})
	if err != nil {
		slog.Debug("Stream closed before connect frame", "conversation", conversation.ID, "error", err)
		return
	}

	if resuming {
		if err := stream.replay(); err != nil {
			return
		}
	}

	ticker := time.NewTicker(config.Stream.KeepaliveInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Stream client went away", "conversation", conversation.ID)
			return
		case <-ticker.C:
			if err := stream.keepalive(); err != nil {
				return
			}
		case event := <-sub.Events():
			created, ok := event.(events.MessagesCreatedEvent)
			if !ok {
				continue
			}
			if err := stream.sendMessages(created.Messages); err != nil {
				return
			}
		}
		// The broker drops events for a full subscriber; catch up from the
		// database instead.
		if sub.Missed() {
			if err := stream.replay(); err != nil {
				return
			}
		}
	}
}
