package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/masrizal/pushbox/internal/app"
	iauth "github.com/masrizal/pushbox/internal/auth"
	"github.com/masrizal/pushbox/internal/handlers"
	"github.com/masrizal/pushbox/internal/middleware"
	"github.com/masrizal/pushbox/internal/sse"
	"github.com/masrizal/pushbox/pkg/response"
)

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(db *gorm.DB, registry *sse.Registry, jwt *iauth.JWTService, cfg *app.Config) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if registry == nil {
		return nil, fmt.Errorf("connection registry must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	r.NoRoute(middleware.NotFoundHandler)

	r.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	notificationHandler, err := handlers.NewNotificationHandler(db, registry)
	if err != nil {
		return nil, err
	}
	service := notificationHandler.Service()

	authHandler := handlers.NewAuthHandler(db, jwt, service)
	streamHandler := handlers.NewStreamHandler(registry, service, cfg.SSE.MaxReconnectAttempts)

	requireAuth := middleware.Auth(jwt)

	v1 := r.Group("/api/v1")

	auth := v1.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.GET("/profile", requireAuth, authHandler.Profile)
	}

	stream := v1.Group("/sse")
	{
		// EventSource clients cannot set headers, so connect accepts the
		// token as a query parameter too.
		stream.GET("/connect", middleware.AuthWithQueryFallback(jwt), streamHandler.Connect)
		stream.GET("/health", streamHandler.Health)
		stream.GET("/stats", requireAuth, streamHandler.Stats)
		stream.GET("/check/:userId", requireAuth, streamHandler.Check)
		stream.POST("/test", requireAuth, streamHandler.SendTest)
		stream.POST("/broadcast", requireAuth, streamHandler.Broadcast)
		stream.DELETE("/connections/:userId", requireAuth, streamHandler.Disconnect)
	}

	notifications := v1.Group("/notifications", requireAuth)
	{
		notifications.GET("", notificationHandler.List)
		notifications.GET("/unread", notificationHandler.Unread)
		notifications.GET("/unread/count", notificationHandler.UnreadCount)
		notifications.GET("/:id", notificationHandler.Get)
		notifications.PATCH("/:id/read", notificationHandler.MarkRead)
		notifications.PATCH("/read-all", notificationHandler.MarkAllRead)
		notifications.DELETE("/:id", notificationHandler.Delete)
		notifications.POST("", notificationHandler.Create)
	}

	return r, nil
}
