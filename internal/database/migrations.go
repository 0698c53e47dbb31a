package database

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/masrizal/pushbox/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Notification{},
	)
}

// SeedData populates demo users and a couple of inbox notifications so a
// fresh install has something to show. Safe to run repeatedly.
func SeedData(db *gorm.DB) error {
	users := []models.User{
		{
			BaseModel:     models.BaseModel{ID: "user-alice-001"},
			Name:          "Alice Johnson",
			Email:         "alice@example.com",
			Password:      "!", // unusable hash; demo accounts cannot log in
			EmailVerified: true,
			IsActive:      true,
		},
		{
			BaseModel: models.BaseModel{ID: "user-bob-002"},
			Name:      "Bob Smith",
			Email:     "bob@example.com",
			Password:  "!",
			IsActive:  true,
		},
	}

	for _, user := range users {
		if err := db.Where(models.User{BaseModel: models.BaseModel{ID: user.ID}}).
			Attrs(user).FirstOrCreate(&models.User{}).Error; err != nil {
			return err
		}
	}

	meta, err := json.Marshal(map[string]any{
		"promoCode": "WELCOME50",
		"discount":  50,
	})
	if err != nil {
		return err
	}

	expires := time.Now().UTC().Add(365 * 24 * time.Hour)
	seedNotifications := []models.Notification{
		{
			BaseModel: models.BaseModel{ID: "seed-welcome-alice"},
			UserID:    "user-alice-001",
			Type:      models.TypeWelcome,
			Title:     "Welcome Alice!",
			Message:   "Welcome to our platform! Get 50% off your first purchase with code WELCOME50",
			Priority:  models.PriorityHigh,
			Metadata:  datatypes.JSON(meta),
			ExpiresAt: &expires,
		},
		{
			BaseModel: models.BaseModel{ID: "seed-welcome-bob"},
			UserID:    "user-bob-002",
			Type:      models.TypeWelcome,
			Title:     "Hi Bob!",
			Message:   "Thanks for joining! Here's 50% off with code WELCOME50",
			Priority:  models.PriorityHigh,
			Metadata:  datatypes.JSON(meta),
			ExpiresAt: &expires,
		},
	}

	for _, n := range seedNotifications {
		if err := db.Where(models.Notification{BaseModel: models.BaseModel{ID: n.ID}}).
			Attrs(n).FirstOrCreate(&models.Notification{}).Error; err != nil {
			return err
		}
	}

	return nil
}
