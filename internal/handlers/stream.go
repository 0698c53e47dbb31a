package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/masrizal/pushbox/internal/middleware"
	"github.com/masrizal/pushbox/internal/services"
	"github.com/masrizal/pushbox/internal/sse"
	"github.com/masrizal/pushbox/pkg/errors"
	"github.com/masrizal/pushbox/pkg/logger"
	"github.com/masrizal/pushbox/pkg/response"
)

// StreamHandler owns the SSE surface: the long-lived connect endpoint plus
// the health, stats and operator endpoints around it.
type StreamHandler struct {
	registry             *sse.Registry
	broadcaster          *sse.Broadcaster
	service              *services.NotificationService
	maxReconnectAttempts int
	startedAt            time.Time
	log                  *zap.Logger
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(registry *sse.Registry, service *services.NotificationService, maxReconnectAttempts int) *StreamHandler {
	return &StreamHandler{
		registry:             registry,
		broadcaster:          sse.NewBroadcaster(registry),
		service:              service,
		maxReconnectAttempts: maxReconnectAttempts,
		startedAt:            time.Now().UTC(),
		log:                  logger.WithModule("sse"),
	}
}

// Connect establishes the caller's push channel and holds the request open
// until the client goes away or the connection is torn down server-side.
func (h *StreamHandler) Connect(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	// Disable proxy buffering so frames reach the client immediately.
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	metadata := map[string]string{
		"client_ip":  c.ClientIP(),
		"user_agent": c.Request.UserAgent(),
	}
	if claims := currentClaims(c); claims != nil && claims.Email != "" {
		metadata["email"] = claims.Email
	}

	conn := h.registry.Register(userID, c.Writer, metadata)

	connected := sse.Frame{
		Event: sse.EventConnected,
		Data: gin.H{
			"message":   "SSE connection established",
			"timestamp": time.Now().UTC(),
			"config": gin.H{
				"heartbeatInterval":    h.registry.HeartbeatInterval().Milliseconds(),
				"maxReconnectAttempts": h.maxReconnectAttempts,
			},
		},
	}
	if err := conn.WriteFrame(connected); err != nil {
		h.log.Warn("write connected frame", zap.String("user_id", userID), zap.Error(err))
		h.registry.Drop(conn)
		return
	}

	select {
	case <-c.Request.Context().Done():
		// Client went away; tear down our connection only, never a
		// replacement registered in the meantime.
		h.registry.Drop(conn)
	case <-conn.Done():
		// Torn down server-side: replaced, dropped or drained.
	}
}

// Health reports liveness of the SSE subsystem. Public, no auth.
func (h *StreamHandler) Health(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"status":             "healthy",
		"active_connections": h.registry.Count(),
		"uptime_seconds":     int64(time.Since(h.startedAt).Seconds()),
		"timestamp":          time.Now().UTC(),
	})
}

// Stats returns a snapshot of every live connection.
func (h *StreamHandler) Stats(c *gin.Context) {
	response.Success(c, http.StatusOK, h.registry.Stats())
}

// Check reports whether a specific user currently holds a live connection.
func (h *StreamHandler) Check(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	if userID == "" {
		response.Error(c, errors.NewValidation("user id is required"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"user_id":   userID,
		"connected": h.registry.IsConnected(userID),
	})
}

type testNotificationRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// SendTest pushes a synthetic notification to the caller through the full
// persist-then-push pipeline.
func (h *StreamHandler) SendTest(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req testNotificationRequest
	if c.Request.ContentLength > 0 && !bindAndValidate(c, &req) {
		return
	}
	if req.Title == "" {
		req.Title = "Test Notification"
	}
	if req.Message == "" {
		req.Message = "This is a test notification from the SSE service"
	}

	result, err := h.service.Create(c.Request.Context(), services.CreateNotificationInput{
		UserID:   userID,
		Title:    req.Title,
		Message:  req.Message,
		Metadata: map[string]any{"test": true},
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, result)
}

type broadcastRequest struct {
	UserIDs  []string       `json:"user_ids"`
	Title    string         `json:"title" validate:"required"`
	Message  string         `json:"message" validate:"required"`
	Type     string         `json:"type" validate:"omitempty,oneof=WELCOME PROMO SYSTEM"`
	Priority string         `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH"`
	Metadata map[string]any `json:"metadata"`
	// Transient broadcasts go straight over the wire as message events
	// and leave no record behind.
	Transient bool       `json:"transient"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Broadcast fans one notification out to the listed users, or to every
// connected user when no explicit targets are given.
func (h *StreamHandler) Broadcast(c *gin.Context) {
	var req broadcastRequest
	if !bindAndValidate(c, &req) {
		return
	}

	targets := req.UserIDs
	if len(targets) == 0 {
		targets = h.registry.ConnectedUserIDs()
	}

	if req.Transient {
		result := h.broadcaster.Broadcast(sse.EventMessage, gin.H{
			"title":     req.Title,
			"message":   req.Message,
			"metadata":  req.Metadata,
			"timestamp": time.Now().UTC(),
		}, targets...)
		response.Success(c, http.StatusOK, result)
		return
	}

	outcome := h.service.BroadcastToMany(c.Request.Context(), targets, services.NotificationTemplate{
		Title:     req.Title,
		Message:   req.Message,
		Type:      req.Type,
		Priority:  req.Priority,
		Metadata:  req.Metadata,
		ExpiresAt: req.ExpiresAt,
	})

	response.Success(c, http.StatusOK, outcome)
}

// Disconnect force-closes a user's push channel. Operator surface.
func (h *StreamHandler) Disconnect(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	if userID == "" {
		response.Error(c, errors.NewValidation("user id is required"))
		return
	}

	removed := h.registry.Unregister(userID)
	response.Success(c, http.StatusOK, gin.H{
		"user_id":      userID,
		"disconnected": removed,
	})
}
