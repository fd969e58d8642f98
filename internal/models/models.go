// Package models defines GORM models and SQLite database setup for AgentMux.
package models

import (
	"time"
)

// Message is one persisted inbox entry. Messages are immutable after
// creation except for the Read flag, which the router flips exactly once.
type Message struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	From      string    `gorm:"not null;size:255;index" json:"from"`
	To        string    `gorm:"not null;size:255;index:idx_msg_to_created" json:"to"`
	Content   string    `gorm:"type:text" json:"content"`
	Priority  string    `gorm:"not null;size:16;default:normal" json:"priority"`
	Read      bool      `gorm:"not null;default:false" json:"read"`
	CreatedAt time.Time `gorm:"index:idx_msg_to_created" json:"timestamp"`
}

// Participant is a registered message-bus endpoint. Participant rows are
// independent of message rows so that replaying history after a restart
// never requires membership to have survived.
type Participant struct {
	ID        string    `gorm:"primaryKey;size:255" json:"id"`
	CreatedAt time.Time `json:"registered_at"`
}

// Setting stores application-level key-value configuration, e.g. the
// bcrypt hash of the operator password.
type Setting struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Key       string    `gorm:"uniqueIndex;not null;size:255" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// ValidPriority reports whether p is one of the three known priorities.
func ValidPriority(p string) bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}
