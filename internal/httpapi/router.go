package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/suPer8Hu/querychat/internal/common"
	"github.com/suPer8Hu/querychat/internal/httpapi/handlers"
	"github.com/suPer8Hu/querychat/internal/httpapi/middleware"
	"github.com/suPer8Hu/querychat/internal/observability"
)

func NewRouter(h *handlers.Handler, jwtSecret string, log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(observability.GinMetrics())

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))

	// Connections
	authGroup.POST("/connections", h.CreateConnection)
	authGroup.GET("/connections", h.ListConnections)
	authGroup.DELETE("/connections/:id", h.DeleteConnection)
	authGroup.POST("/connections/:id/test", h.TestConnection)
	authGroup.GET("/connections/:id/schema", h.GetSchema)
	authGroup.GET("/connections/:id/schema/raw", h.GetRawSchema)
	authGroup.POST("/connections/:id/schema/refresh", h.RefreshSchema)
	authGroup.POST("/connections/:id/query", h.RunQuery)

	// Conversations
	authGroup.POST("/conversations", h.CreateConversation)
	authGroup.GET("/conversations", h.ListConversations)
	authGroup.GET("/conversations/:id/messages", h.ListChatMessages)
	authGroup.GET("/conversations/:id/events", h.ConversationEvents)

	// Chat
	authGroup.POST("/chat/messages", h.SendChatMessage)
	authGroup.POST("/chat/messages/stream", h.SendChatMessageStream)
	authGroup.POST("/chat/messages/async", h.SendChatMessageAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)
	return r
}
