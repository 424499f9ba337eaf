package server

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/USA-RedDragon/lms-realtime/internal/config"
	"github.com/USA-RedDragon/lms-realtime/internal/db/models"
	"github.com/USA-RedDragon/lms-realtime/internal/events"
	"github.com/USA-RedDragon/lms-realtime/internal/metrics"
	websocketControllers "github.com/USA-RedDragon/lms-realtime/internal/server/websocket"
	"github.com/USA-RedDragon/lms-realtime/internal/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type dependencies struct {
	db            *gorm.DB
	broker        *events.Broker
	syncWebsocket *websocketControllers.SyncWebsocket
	metrics       *metrics.Metrics
}

func applyMiddleware(r *gin.Engine, config *config.Config, otelComponent string, deps dependencies) {
	r.Use(gin.Recovery())

	r.TrustedPlatform = "X-Real-IP"

	// CORS
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "authorization", "last-event-id")
	corsConfig.AllowCredentials = true
	corsConfig.AllowWildcard = true
	if len(config.HTTP.CORSHosts) == 0 {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowOrigins = config.HTTP.CORSHosts
	r.Use(cors.New(corsConfig))

	err := r.SetTrustedProxies(config.HTTP.TrustedProxies)
	if err != nil {
		slog.Error("Failed to set trusted proxies", "error", err.Error())
	}

	r.Use(valueMiddleware("syncWebsocket", deps.syncWebsocket))
	r.Use(valueMiddleware("db", deps.db))
	r.Use(valueMiddleware("broker", deps.broker))
	r.Use(valueMiddleware("metrics", deps.metrics))
	r.Use(valueMiddleware("config", config))

	if config.HTTP.Tracing.Enabled {
		r.Use(otelgin.Middleware(otelComponent))
		r.Use(tracingProvider(config))
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	r.Use(sloggin.NewWithConfig(logger, sloggin.Config{
		WithSpanID:        config.HTTP.Tracing.Enabled,
		WithTraceID:       config.HTTP.Tracing.Enabled,
		DefaultLevel:      slog.LevelInfo,
		ClientErrorLevel:  slog.LevelWarn,
		ServerErrorLevel:  slog.LevelError,
		WithRequestHeader: false,
	}))
}

func valueMiddleware(key string, value any) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(key, value)
		c.Next()
	}
}

func tracingProvider(config *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.HTTP.Tracing.OTLPEndpoint != "" {
			ctx := c.Request.Context()
			span := trace.SpanFromContext(ctx)
			if span.IsRecording() {
				span.SetAttributes(
					attribute.String("http.method", c.Request.Method),
					attribute.String("http.path", c.Request.URL.Path),
				)
				if conversationID := conversationIDFromRequest(c); conversationID != "" {
					span.SetAttributes(attribute.String("lms.conversation_id", conversationID))
				}
			}
		}
		c.Next()
	}
}

// requireAuth accepts a user JWT in an "Authorization: JWT <token>" header
// or, for browsers that cannot set headers on EventSource and WebSocket
// requests, in the access_token query parameter.
func requireAuth(config *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			if c.Query("access_token") != "" {
				authHeader = "JWT " + c.Query("access_token")
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
				return
			}
		}

		if !strings.HasPrefix(authHeader, "JWT ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		jwtString := strings.TrimPrefix(authHeader, "JWT ")

		db, ok := c.MustGet("db").(*gorm.DB)
		if !ok {
			slog.Error("Failed to get db from context")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
			return
		}

		uid, err := utils.VerifyJWT(config.JWT.Secret, jwtString)
		if err != nil {
			slog.Warn("Failed to verify user JWT", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		user, err := models.FindUserByID(db, uid)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				slog.Warn("JWT names an unknown user", "user", uid)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
				return
			}
			slog.Error("Failed to find user", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
			return
		}
		c.Set("user", &user)

		c.Next()
	}
}

func conversationIDFromRequest(c *gin.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	return c.Query("conversationId")
}

// requireParticipant loads the conversation named by the :id path parameter
// or the conversationId query parameter. The user from requireAuth must be
// one of its participants.
func requireParticipant() gin.HandlerFunc {
	return func(c *gin.Context) {
		conversationID := conversationIDFromRequest(c)
		if conversationID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "conversationId is required"})
			return
		}

		db, ok := c.MustGet("db").(*gorm.DB)
		if !ok {
			slog.Error("Failed to get db from context")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
			return
		}

		user, ok := c.MustGet("user").(*models.User)
		if !ok {
			slog.Error("Failed to get user from context")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
			return
		}

		conversation, err := models.FindConversationByID(db, conversationID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
				return
			}
			slog.Error("Failed to find conversation", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
			return
		}

		member, err := models.IsParticipant(db, conversation.ID, user.ID)
		if err != nil {
			slog.Error("Failed to check participant", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Try again later"})
			return
		}
		if !member {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			return
		}
		c.Set("conversation", &conversation)

		c.Next()
	}
}
