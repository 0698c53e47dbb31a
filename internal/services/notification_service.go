package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/masrizal/pushbox/internal/models"
	"github.com/masrizal/pushbox/internal/sse"
	apperrors "github.com/masrizal/pushbox/pkg/errors"
	"github.com/masrizal/pushbox/pkg/logger"
	"github.com/masrizal/pushbox/pkg/metrics"
	"github.com/masrizal/pushbox/pkg/validator"
)

// NotificationDTO represents the API-friendly notification payload.
type NotificationDTO struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Priority   string         `json:"priority"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IsRead     bool           `json:"is_read"`
	ReadAt     *time.Time     `json:"read_at,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	SentViaSSE bool           `json:"sent_via_sse"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// CreateNotificationInput defines attributes required to persist a notification.
type CreateNotificationInput struct {
	UserID    string         `json:"user_id" validate:"required"`
	Title     string         `json:"title" validate:"required"`
	Message   string         `json:"message" validate:"required"`
	Type      string         `json:"type" validate:"omitempty,oneof=WELCOME PROMO SYSTEM"`
	Priority  string         `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH"`
	Metadata  map[string]any `json:"metadata"`
	ExpiresAt *time.Time     `json:"expires_at"`
}

// NotificationTemplate is the per-user-independent part of a fan-out create.
type NotificationTemplate struct {
	Title     string         `json:"title" validate:"required"`
	Message   string         `json:"message" validate:"required"`
	Type      string         `json:"type" validate:"omitempty,oneof=WELCOME PROMO SYSTEM"`
	Priority  string         `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH"`
	Metadata  map[string]any `json:"metadata"`
	ExpiresAt *time.Time     `json:"expires_at"`
}

// CreateResult reports both halves of a delivery: the durable record and
// whether the real-time push reached a live connection.
type CreateResult struct {
	Notification NotificationDTO `json:"notification"`
	SentViaSSE   bool            `json:"sent_via_sse"`
}

// Pagination describes a page of results.
type Pagination struct {
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int   `json:"total_pages"`
}

// ListResult is a page of notifications, newest first.
type ListResult struct {
	Notifications []NotificationDTO `json:"notifications"`
	Pagination    Pagination        `json:"pagination"`
}

// BroadcastOutcome aggregates per-user create results for a fan-out.
type BroadcastOutcome struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// pushPayload is what goes over the wire for a notification event: the
// record plus the timestamp of the push attempt itself.
type pushPayload struct {
	NotificationDTO
	Timestamp time.Time `json:"timestamp"`
}

// NotificationService orchestrates "persist, then best-effort push".
// The push is a single attempt: there is no retry and no redelivery queue.
type NotificationService struct {
	db       *gorm.DB
	registry *sse.Registry
	log      *zap.Logger
}

// NewNotificationService constructs a NotificationService. The registry may
// be nil, in which case every create degrades to persist-only.
func NewNotificationService(db *gorm.DB, registry *sse.Registry) (*NotificationService, error) {
	if db == nil {
		return nil, errors.New("notification service: db is required")
	}
	return &NotificationService{
		db:       db,
		registry: registry,
		log:      logger.WithModule("notifications"),
	}, nil
}

// Create persists the notification and then makes one non-blocking push
// attempt. Persistence failure aborts the whole call and no push happens;
// a push failure never fails the call and is recorded as sent_via_sse=false.
func (s *NotificationService) Create(ctx context.Context, input CreateNotificationInput) (*CreateResult, error) {
	ctx = ensureContext(ctx)

	input.UserID = strings.TrimSpace(input.UserID)
	input.Title = strings.TrimSpace(input.Title)
	input.Message = strings.TrimSpace(input.Message)
	input.Type = strings.ToUpper(strings.TrimSpace(defaultIfEmpty(input.Type, models.TypeSystem)))
	input.Priority = strings.ToUpper(strings.TrimSpace(defaultIfEmpty(input.Priority, models.PriorityNormal)))

	if err := validator.ValidateStruct(input); err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}

	notification := models.Notification{
		UserID:    input.UserID,
		Type:      input.Type,
		Title:     input.Title,
		Message:   input.Message,
		Priority:  input.Priority,
		ExpiresAt: input.ExpiresAt,
	}

	if input.Metadata != nil {
		data, err := json.Marshal(input.Metadata)
		if err != nil {
			return nil, apperrors.NewValidation(fmt.Sprintf("metadata is not serializable: %v", err))
		}
		notification.Metadata = datatypes.JSON(data)
	}

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return nil, apperrors.NewStorage(err, "create notification")
	}
	metrics.NotificationsCreated.WithLabelValues(notification.Type).Inc()

	sent := s.push(notification)
	if sent {
		if err := s.db.WithContext(ctx).Model(&models.Notification{}).
			Where("id = ?", notification.ID).
			Update("sent_via_sse", true).Error; err != nil {
			// The push happened; a failed flag update only skews reporting.
			s.log.Warn("record push outcome", zap.String("notification_id", notification.ID), zap.Error(err))
		} else {
			notification.SentViaSSE = true
		}
	}

	return &CreateResult{
		Notification: mapNotification(notification),
		SentViaSSE:   sent,
	}, nil
}

// push makes the single real-time delivery attempt for a fresh record.
func (s *NotificationService) push(notification models.Notification) bool {
	if s.registry == nil || !s.registry.IsConnected(notification.UserID) {
		metrics.PushAttempts.WithLabelValues("offline").Inc()
		return false
	}

	payload := pushPayload{
		NotificationDTO: mapNotification(notification),
		Timestamp:       time.Now().UTC(),
	}

	sent := s.registry.Send(notification.UserID, sse.Frame{
		ID:    notification.ID,
		Event: sse.EventNotification,
		Data:  payload,
	})

	if sent {
		metrics.PushAttempts.WithLabelValues("delivered").Inc()
	} else {
		metrics.PushAttempts.WithLabelValues("failed").Inc()
	}
	return sent
}

// ListActive returns the user's non-expired notifications, newest first.
func (s *NotificationService) ListActive(ctx context.Context, userID string, page, limit int) (*ListResult, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.NewValidation("user id is required")
	}

	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	now := time.Now().UTC()
	scope := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ?", userID).
		Where("expires_at IS NULL OR expires_at > ?", now)

	var total int64
	if err := scope.Count(&total).Error; err != nil {
		return nil, apperrors.NewStorage(err, "count notifications")
	}

	var rows []models.Notification
	if err := scope.
		Order("created_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&rows).Error; err != nil {
		return nil, apperrors.NewStorage(err, "list notifications")
	}

	return &ListResult{
		Notifications: mapNotificationRows(rows),
		Pagination: Pagination{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: int(math.Ceil(float64(total) / float64(limit))),
		},
	}, nil
}

// ListUnread returns unread, non-expired notifications ordered by priority
// (HIGH first) then recency.
func (s *NotificationService) ListUnread(ctx context.Context, userID string) ([]NotificationDTO, error) {
	ctx = ensureContext(ctx)

	var rows []models.Notification
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_read = ?", userID, false).
		Where("expires_at IS NULL OR expires_at > ?", time.Now().UTC()).
		Order(models.PriorityRankSQL + " DESC").
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, apperrors.NewStorage(err, "list unread notifications")
	}

	return mapNotificationRows(rows), nil
}

// UnreadCount counts unread, non-expired notifications.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	ctx = ensureContext(ctx)

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Where("expires_at IS NULL OR expires_at > ?", time.Now().UTC()).
		Count(&count).Error; err != nil {
		return 0, apperrors.NewStorage(err, "count unread notifications")
	}
	return count, nil
}

// Get loads a single notification by id, scoped to the owning user. Expiry
// does not hide a record from direct lookup.
func (s *NotificationService) Get(ctx context.Context, id, userID string) (*NotificationDTO, error) {
	ctx = ensureContext(ctx)

	var notification models.Notification
	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&notification).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.NewStorage(err, "load notification")
	}

	dto := mapNotification(notification)
	return &dto, nil
}

// MarkRead flags one notification as read. Marking a missing or foreign id
// is a no-op, not an error; is_read and read_at are set together.
func (s *NotificationService) MarkRead(ctx context.Context, id, userID string) error {
	ctx = ensureContext(ctx)

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{
			"is_read": true,
			"read_at": now,
		}).Error; err != nil {
		return apperrors.NewStorage(err, "mark notification read")
	}
	return nil
}

// MarkAllRead flags every unread notification for the user. Idempotent.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{
			"is_read": true,
			"read_at": now,
		}).Error; err != nil {
		return apperrors.NewStorage(err, "mark all notifications read")
	}
	return nil
}

// Delete removes one notification scoped to the owning user; deleting a
// missing or foreign id is a no-op.
func (s *NotificationService) Delete(ctx context.Context, id, userID string) error {
	ctx = ensureContext(ctx)

	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&models.Notification{}).Error; err != nil {
		return apperrors.NewStorage(err, "delete notification")
	}
	return nil
}

// BroadcastToMany creates one notification per user through the full
// persist-then-push pipeline. Users are handled independently: one failed
// persist does not abort the rest.
func (s *NotificationService) BroadcastToMany(ctx context.Context, userIDs []string, template NotificationTemplate) BroadcastOutcome {
	ctx = ensureContext(ctx)

	outcome := BroadcastOutcome{Total: len(userIDs)}
	for _, userID := range userIDs {
		_, err := s.Create(ctx, CreateNotificationInput{
			UserID:    userID,
			Title:     template.Title,
			Message:   template.Message,
			Type:      template.Type,
			Priority:  template.Priority,
			Metadata:  template.Metadata,
			ExpiresAt: template.ExpiresAt,
		})
		if err != nil {
			s.log.Warn("broadcast create failed", zap.String("user_id", userID), zap.Error(err))
			outcome.Failed++
			continue
		}
		outcome.Success++
	}
	return outcome
}

// SendWelcome delivers the onboarding notification for a fresh account.
func (s *NotificationService) SendWelcome(ctx context.Context, userID, name string) (*CreateResult, error) {
	return s.Create(ctx, CreateNotificationInput{
		UserID:   userID,
		Title:    "Welcome!",
		Message:  fmt.Sprintf("Hi %s! Thanks for joining us. Enjoy your stay!", name),
		Type:     models.TypeWelcome,
		Priority: models.PriorityHigh,
		Metadata: map[string]any{
			"category": "onboarding",
			"action":   "registration_complete",
		},
	})
}

// PromoInput describes a promotional notification.
type PromoInput struct {
	Title     string         `json:"title" validate:"required"`
	Message   string         `json:"message" validate:"required"`
	Metadata  map[string]any `json:"metadata"`
	ExpiresAt *time.Time     `json:"expires_at"`
}

// SendPromo delivers a promotional notification at normal priority.
func (s *NotificationService) SendPromo(ctx context.Context, userID string, promo PromoInput) (*CreateResult, error) {
	return s.Create(ctx, CreateNotificationInput{
		UserID:    userID,
		Title:     promo.Title,
		Message:   promo.Message,
		Type:      models.TypePromo,
		Priority:  models.PriorityNormal,
		Metadata:  promo.Metadata,
		ExpiresAt: promo.ExpiresAt,
	})
}

func mapNotificationRows(rows []models.Notification) []NotificationDTO {
	items := make([]NotificationDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapNotification(row))
	}
	return items
}

func mapNotification(row models.Notification) NotificationDTO {
	return NotificationDTO{
		ID:         row.ID,
		UserID:     row.UserID,
		Type:       row.Type,
		Title:      row.Title,
		Message:    row.Message,
		Priority:   row.Priority,
		Metadata:   decodeJSON(row.Metadata),
		IsRead:     row.IsRead,
		ReadAt:     row.ReadAt,
		ExpiresAt:  row.ExpiresAt,
		SentViaSSE: row.SentViaSSE,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

func decodeJSON(data datatypes.JSON) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
