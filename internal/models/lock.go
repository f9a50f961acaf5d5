package models

import "time"

// ConversationLock is a short-lived mutual-exclusion lease. At most one row
// exists per key; acquisition is create-if-absent after expiring any stale
// row. The token identifies the holder so a stale worker cannot release a
// lease it no longer owns.
type ConversationLock struct {
	Key       string    `gorm:"primaryKey;size:64"`
	Token     string    `gorm:"size:32;not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time
}
