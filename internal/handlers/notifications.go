package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/masrizal/pushbox/internal/middleware"
	"github.com/masrizal/pushbox/internal/services"
	"github.com/masrizal/pushbox/internal/sse"
	"github.com/masrizal/pushbox/pkg/errors"
	"github.com/masrizal/pushbox/pkg/response"
)

// NotificationHandler exposes HTTP endpoints for notifications.
type NotificationHandler struct {
	service *services.NotificationService
}

// NewNotificationHandler constructs a notification handler.
func NewNotificationHandler(db *gorm.DB, registry *sse.Registry) (*NotificationHandler, error) {
	service, err := services.NewNotificationService(db, registry)
	if err != nil {
		return nil, err
	}
	return &NotificationHandler{service: service}, nil
}

// Service returns the underlying notification service for wiring sibling
// handlers against the same pipeline.
func (h *NotificationHandler) Service() *services.NotificationService {
	return h.service
}

// List returns the caller's non-expired notifications, newest first.
func (h *NotificationHandler) List(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	page := parseIntQuery(c, "page", 1)
	limit := parseIntQuery(c, "limit", 20)

	result, err := h.service.ListActive(c.Request.Context(), userID, page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, result.Notifications, &response.Meta{
		Page:       result.Pagination.Page,
		Limit:      result.Pagination.Limit,
		Total:      result.Pagination.Total,
		TotalPages: result.Pagination.TotalPages,
	})
}

// Unread returns the caller's unread notifications, highest priority first.
func (h *NotificationHandler) Unread(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	items, err := h.service.ListUnread(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"notifications": items,
		"count":         len(items),
	})
}

// UnreadCount returns only the unread counter, for badge polling.
func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	count, err := h.service.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"count": count})
}

// Get returns a single notification by id.
func (h *NotificationHandler) Get(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	id := strings.TrimSpace(c.Param("id"))
	dto, err := h.service.Get(c.Request.Context(), id, userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, dto)
}

// MarkRead flags a notification as read.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	id := strings.TrimSpace(c.Param("id"))
	if err := h.service.MarkRead(c.Request.Context(), id, userID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"updated": true})
}

// MarkAllRead flags every unread notification for the caller.
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.service.MarkAllRead(c.Request.Context(), userID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"updated": true})
}

// Delete removes a notification.
func (h *NotificationHandler) Delete(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	id := strings.TrimSpace(c.Param("id"))
	if err := h.service.Delete(c.Request.Context(), id, userID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

type createNotificationRequest struct {
	UserID    string         `json:"user_id" validate:"required"`
	Title     string         `json:"title" validate:"required"`
	Message   string         `json:"message" validate:"required"`
	Type      string         `json:"type" validate:"omitempty,oneof=WELCOME PROMO SYSTEM"`
	Priority  string         `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH"`
	Metadata  map[string]any `json:"metadata"`
	ExpiresAt *time.Time     `json:"expires_at"`
}

// Create persists a notification for any user and attempts real-time
// delivery. Internal/admin surface.
func (h *NotificationHandler) Create(c *gin.Context) {
	var req createNotificationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.service.Create(c.Request.Context(), services.CreateNotificationInput{
		UserID:    req.UserID,
		Title:     req.Title,
		Message:   req.Message,
		Type:      req.Type,
		Priority:  req.Priority,
		Metadata:  req.Metadata,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, result)
}
