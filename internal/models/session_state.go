package models

import "time"

// Session statuses for live conversation orchestration.
const (
	SessionActive          = "active"
	SessionPaused          = "paused"
	SessionGenerating      = "generating"
	SessionWaitingForInput = "waiting_for_input"
	SessionForceAgreement  = "force_agreement"
	SessionCompleted       = "completed"
)

// SessionState is the ephemeral orchestration record for one conversation.
// Absence of a row is a valid uninitialized/terminal state distinct from
// completed. LockedAt is diagnostic only; lock authority lives in
// ConversationLock.
type SessionState struct {
	ConversationID      string  `gorm:"primaryKey;size:32"`
	Status              string  `gorm:"size:24;not null"`
	CurrentAgentID      *string `gorm:"size:32"`
	CurrentRound        int     `gorm:"default:1"`
	PendingInterjection *string `gorm:"type:text"`
	ForceAgreementPhase *int
	LockedAt            *time.Time
	ExpiresAt           time.Time `gorm:"not null;index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
