package server

import (
	"log/slog"
	"net/http"

	"github.com/USA-RedDragon/lms-realtime/internal/config"
	controllersV1 "github.com/USA-RedDragon/lms-realtime/internal/server/controllers/v1"
	websocketControllers "github.com/USA-RedDragon/lms-realtime/internal/server/websocket"
	"github.com/USA-RedDragon/lms-realtime/internal/websocket"
	"github.com/gin-gonic/gin"
)

func applyRoutes(r *gin.Engine, config *config.Config, syncWebsocket *websocketControllers.SyncWebsocket) {
	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	apiV1 := r.Group("/api/v1")
	v1(apiV1, config)

	// Sync channel
	wsV1 := r.Group("/ws/v1")
	wsV1.GET("/sync", requireAuth(config), websocket.CreateHandler(syncWebsocket, config))

	r.NoRoute(func(c *gin.Context) {
		slog.Warn("Not Found", "path", c.Request.URL.Path)
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
	})
}

func v1(group *gin.RouterGroup, config *config.Config) {
	group.GET("/conversations", requireAuth(config), controllersV1.GETConversations)
	group.POST("/conversations", requireAuth(config), controllersV1.POSTConversation)
	group.POST("/conversations/:id/participants", requireAuth(config), requireParticipant(), controllersV1.POSTParticipant)
	group.GET("/conversations/:id/messages", requireAuth(config), requireParticipant(), controllersV1.GETMessages)
	group.POST("/conversations/:id/messages", requireAuth(config), requireParticipant(), controllersV1.POSTMessage)
	group.GET("/messages/stream", requireAuth(config), requireParticipant(), controllersV1.GETMessagesStream)
}
