package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/USA-RedDragon/lms-realtime/internal/config"
	"github.com/USA-RedDragon/lms-realtime/internal/db/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	bufferSize = 1024
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type Websocket interface {
	OnMessage(ctx context.Context, r *http.Request, w Writer, msg []byte, t int, user *models.User)
	OnConnect(ctx context.Context, r *http.Request, w Writer, user *models.User)
	OnDisconnect(ctx context.Context, r *http.Request, w Writer, user *models.User)
}

type Message struct {
	Type int
	Data []byte
}

// Writer queues frames for one connection.
type Writer interface {
	ID() string
	// WriteMessage reports false when the frame was dropped because the
	// connection is closed or its queue is full.
	WriteMessage(msg Message) bool
	Error(reason string)
}

type wsWriter struct {
	id     string
	writer chan Message
	error  chan string
	done   chan struct{}
}

func (w wsWriter) ID() string {
	return w.id
}

func (w wsWriter) WriteMessage(msg Message) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.writer <- msg:
		return true
	default:
		return false
	}
}

func (w wsWriter) Error(reason string) {
	select {
	case w.error <- reason:
	case <-w.done:
	}
}

type WSHandler struct {
	wsUpgrader websocket.Upgrader
	handler    Websocket
}

func CreateHandler(ws Websocket, config *config.Config) func(*gin.Context) {
	handler := &WSHandler{
		wsUpgrader: websocket.Upgrader{
			HandshakeTimeout: 0,
			ReadBufferSize:   bufferSize,
			WriteBufferSize:  bufferSize,
			WriteBufferPool:  nil,
			Subprotocols:     []string{},
			Error: func(_ http.ResponseWriter, r *http.Request, status int, reason error) {
				slog.Warn("Websocket upgrade failed", "path", r.URL.Path, "status", status, "error", reason)
			},
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(config.HTTP.CORSHosts) == 0 {
					return true
				}
				origin = strings.ToLower(origin)
				for _, host := range config.HTTP.CORSHosts {
					host = strings.ToLower(host)
					if strings.HasSuffix(host, ":443") && strings.HasPrefix(origin, "https://") {
						host = strings.TrimSuffix(host, ":443")
					}
					if strings.HasSuffix(host, ":80") && strings.HasPrefix(origin, "http://") {
						host = strings.TrimSuffix(host, ":80")
					}
					if strings.Contains(origin, host) {
						return true
					}
				}
				return false
			},
			EnableCompression: true,
		},
		handler: ws,
	}

	return func(c *gin.Context) {
		user, ok := c.MustGet("user").(*models.User)
		if !ok {
			slog.Error("Failed to get user from context")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
			return
		}
		conn, err := handler.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to set websocket upgrade", "error", err)
			return
		}
		defer func() {
			_ = conn.Close()
		}()

		handler.handle(c.Request.Context(), c.Request, conn, user)
	}
}

func (h *WSHandler) handle(ctx context.Context, r *http.Request, conn *websocket.Conn, user *models.User) {
	writer := wsWriter{
		id:     uuid.NewString(),
		writer: make(chan Message, bufferSize),
		error:  make(chan string),
		done:   make(chan struct{}),
	}
	defer close(writer.done)

	h.handler.OnConnect(ctx, r, writer, user)
	defer h.handler.OnDisconnect(ctx, r, writer, user)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		for {
			t, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("Websocket read failed", "client", writer.id, "error", err)
				}
				writer.Error("read failed")
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			if strings.EqualFold(string(msg), "ping") {
				writer.WriteMessage(Message{
					Type: websocket.TextMessage,
					Data: []byte("PONG"),
				})
				continue
			}
			h.handler.OnMessage(ctx, r, writer, msg, t, user)
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			closeGoingAway(conn, "")
			return
		case reason := <-writer.error:
			closeGoingAway(conn, reason)
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case msg := <-writer.writer:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(msg.Type, msg.Data)
			if err != nil {
				return
			}
		}
	}
}

// closeGoingAway is best effort; the peer may already be gone.
func closeGoingAway(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason), time.Now().Add(writeWait))
}
