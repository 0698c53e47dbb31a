package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notification categories.
const (
	TypeWelcome = "WELCOME"
	TypePromo   = "PROMO"
	TypeSystem  = "SYSTEM"
)

// Notification priorities. The upstream data contained both "HIGH" and the
// misspelled "HIGHT" for the top level; only HIGH is accepted here.
const (
	PriorityLow    = "LOW"
	PriorityNormal = "NORMAL"
	PriorityHigh   = "HIGH"
)

// PriorityRankSQL yields a numeric rank for ordering notifications by
// priority in SQL, portable across sqlite, postgres and mysql.
const PriorityRankSQL = "CASE priority WHEN 'HIGH' THEN 3 WHEN 'NORMAL' THEN 2 ELSE 1 END"

// Notification represents one unit of information delivered to a single user.
type Notification struct {
	BaseModel

	UserID   string         `gorm:"type:uuid;index;not null" json:"user_id"`
	Type     string         `gorm:"type:varchar(32);not null;default:'SYSTEM'" json:"type"`
	Title    string         `gorm:"type:varchar(255);not null" json:"title"`
	Message  string         `gorm:"type:text;not null" json:"message"`
	Priority string         `gorm:"type:varchar(16);not null;default:'NORMAL'" json:"priority"`
	Metadata datatypes.JSON `json:"metadata"`

	IsRead bool       `gorm:"default:false;index" json:"is_read"`
	ReadAt *time.Time `json:"read_at"`

	// ExpiresAt past means the notification drops out of active listings.
	// It is never deleted on expiry alone.
	ExpiresAt *time.Time `gorm:"index" json:"expires_at"`

	// SentViaSSE records whether the push attempt made at creation time
	// reached a live connection. Never updated by later reconnects.
	SentViaSSE bool `gorm:"default:false" json:"sent_via_sse"`
}

// Expired reports whether the notification has passed its expiry instant.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}
