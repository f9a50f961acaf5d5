package models

import "time"

// Orchestration job types.
const (
	JobStartConversation   = "start_conversation"
	JobNextTurn            = "next_turn"
	JobProcessInterjection = "process_interjection"
	JobForceAgreementPhase = "force_agreement_phase"
	JobResumeConversation  = "resume_conversation"
)

// Orchestration job statuses.
const (
	JobPending   = "pending"
	JobLeased    = "leased"
	JobCompleted = "completed"
	JobDead      = "dead"
)

// OrchestrationJob is a durable unit of orchestration work. The payload is
// immutable once enqueued; retries resubmit the same payload. Jobs that
// exhaust their attempts move to the dead status for operator inspection
// rather than being dropped.
type OrchestrationJob struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	JobType        string    `gorm:"size:32;not null;index"`
	ConversationID string    `gorm:"size:32;not null;index"`
	Payload        string    `gorm:"type:json;not null"`
	Status         string    `gorm:"size:16;default:pending;index"`
	Attempts       int       `gorm:"default:0"`
	MaxAttempts    int       `gorm:"default:3"`
	RunAt          time.Time `gorm:"not null;index"`
	LeasedBy       string    `gorm:"size:64"`
	LeaseExpiresAt *time.Time
	LastError      string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}
