package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	iauth "github.com/masrizal/pushbox/internal/auth"
	"github.com/masrizal/pushbox/internal/middleware"
	"github.com/masrizal/pushbox/internal/models"
	"github.com/masrizal/pushbox/internal/services"
	apperrors "github.com/masrizal/pushbox/pkg/errors"
	"github.com/masrizal/pushbox/pkg/logger"
	"github.com/masrizal/pushbox/pkg/response"
)

// AuthHandler manages account registration, login and profile lookup.
type AuthHandler struct {
	db            *gorm.DB
	jwt           *iauth.JWTService
	notifications *services.NotificationService
	log           *zap.Logger
}

// NewAuthHandler constructs an auth handler. The notification service is
// optional; without it registration skips the welcome notification.
func NewAuthHandler(db *gorm.DB, jwt *iauth.JWTService, notifications *services.NotificationService) *AuthHandler {
	return &AuthHandler{
		db:            db,
		jwt:           jwt,
		notifications: notifications,
		log:           logger.WithModule("auth"),
	}
}

type registerRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type userPayload struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// POST /api/v1/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	var existing int64
	if err := h.db.WithContext(c.Request.Context()).Model(&models.User{}).
		Where("email = ?", email).Count(&existing).Error; err != nil {
		response.Error(c, apperrors.NewStorage(err, "check email"))
		return
	}
	if existing > 0 {
		response.Error(c, apperrors.ErrEmailTaken)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	user := models.User{
		Name:     strings.TrimSpace(req.Name),
		Email:    email,
		Password: string(hash),
		IsActive: true,
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&user).Error; err != nil {
		response.Error(c, apperrors.NewStorage(err, "create user"))
		return
	}

	if h.notifications != nil {
		if _, err := h.notifications.SendWelcome(c.Request.Context(), user.ID, user.Name); err != nil {
			// Registration already succeeded; the welcome ping is best effort.
			h.log.Warn("send welcome notification", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	token, err := h.jwt.GenerateAccessToken(iauth.AccessTokenInput{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	})
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"token": token,
		"user":  mapUser(user),
	})
}

// POST /api/v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	var user models.User
	if err := h.db.WithContext(c.Request.Context()).
		Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Error(c, apperrors.ErrInvalidCredentials)
			return
		}
		response.Error(c, apperrors.NewStorage(err, "load user"))
		return
	}

	if !user.IsActive {
		response.Error(c, apperrors.ErrForbidden)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		response.Error(c, apperrors.ErrInvalidCredentials)
		return
	}

	now := time.Now().UTC()
	if err := h.db.WithContext(c.Request.Context()).Model(&user).
		Update("last_login_at", now).Error; err != nil {
		h.log.Warn("record login time", zap.String("user_id", user.ID), zap.Error(err))
	}

	token, err := h.jwt.GenerateAccessToken(iauth.AccessTokenInput{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	})
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"token": token,
		"user":  mapUser(user),
	})
}

// GET /api/v1/auth/profile
func (h *AuthHandler) Profile(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	var user models.User
	if err := h.db.WithContext(c.Request.Context()).
		Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Error(c, apperrors.ErrNotFound)
			return
		}
		response.Error(c, apperrors.NewStorage(err, "load user"))
		return
	}

	response.Success(c, http.StatusOK, mapUser(user))
}

func mapUser(user models.User) userPayload {
	return userPayload{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		IsActive:  user.IsActive,
		CreatedAt: user.CreatedAt,
	}
}
