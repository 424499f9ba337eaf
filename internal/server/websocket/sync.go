package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/USA-RedDragon/lms-realtime/internal/db/models"
	"github.com/USA-RedDragon/lms-realtime/internal/metrics"
	"github.com/USA-RedDragon/lms-realtime/internal/websocket"
	gorillaWebsocket "github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

type client struct {
	writer websocket.Writer
	userID uint
}

// SyncWebsocket relays every JSON text frame a client sends to all other
// connected clients.
type SyncWebsocket struct {
	websocket.Websocket
	connectedClients *xsync.Counter
	clients          *xsync.MapOf[string, *client]
	metrics          *metrics.Metrics
}

func CreateSyncWebsocket(metrics *metrics.Metrics) *SyncWebsocket {
	return &SyncWebsocket{
		connectedClients: xsync.NewCounter(),
		clients:          xsync.NewMapOf[string, *client](),
		metrics:          metrics,
	}
}

func (s *SyncWebsocket) OnConnect(_ context.Context, _ *http.Request, w websocket.Writer, user *models.User) {
	s.clients.Store(w.ID(), &client{writer: w, userID: user.ID})
	s.connectedClients.Inc()
	s.metrics.IncrementSyncConnections()
	slog.Debug("Sync client connected", "client", w.ID(), "user", user.ID)
}

func (s *SyncWebsocket) OnDisconnect(_ context.Context, _ *http.Request, w websocket.Writer, user *models.User) {
	if _, loaded := s.clients.LoadAndDelete(w.ID()); !loaded {
		return
	}
	s.connectedClients.Dec()
	s.metrics.DecrementSyncConnections()
	slog.Debug("Sync client disconnected", "client", w.ID(), "user", user.ID)
}

func (s *SyncWebsocket) OnMessage(_ context.Context, _ *http.Request, w websocket.Writer, msg []byte, msgType int, user *models.User) {
	if msgType != gorillaWebsocket.TextMessage {
		slog.Warn("Dropping non-text sync frame", "client", w.ID(), "type", msgType)
		return
	}
	if !json.Valid(msg) {
		slog.Warn("Dropping malformed sync frame", "client", w.ID(), "user", user.ID)
		return
	}
	s.Broadcast(msg, w.ID())
}

// Broadcast queues data for every client except the one with id except.
// It returns the number of clients the frame was queued for.
func (s *SyncWebsocket) Broadcast(data []byte, except string) int {
	delivered := 0
	s.clients.Range(func(id string, c *client) bool {
		if id == except {
			return true
		}
		if c.writer.WriteMessage(websocket.Message{Type: gorillaWebsocket.TextMessage, Data: data}) {
			delivered++
		} else {
			slog.Warn("Sync client queue full, dropping frame", "client", id)
		}
		return true
	})
	return delivered
}

func (s *SyncWebsocket) Clients() int64 {
	return s.connectedClients.Value()
}

// Shutdown asks every connected client to go away.
func (s *SyncWebsocket) Shutdown() {
	s.clients.Range(func(_ string, c *client) bool {
		go c.writer.Error("server shutting down")
		return true
	})
}
