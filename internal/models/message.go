package models

import "time"

// Message roles.
const (
	RoleAgent  = "agent"
	RoleUser   = "user"
	RoleSystem = "system"
)

// ConversationMessage is one persisted utterance in a conversation: an agent
// turn, a user interjection, or a synthesized system message. Token and cost
// accounting is recorded per agent turn; the ledger reference for the turn's
// deduction is derived from the orchestration job, not the message.
type ConversationMessage struct {
	ID             string  `gorm:"primaryKey;size:32"`
	ConversationID string  `gorm:"size:32;not null;index"`
	AgentID        *string `gorm:"size:32"`
	Role           string  `gorm:"size:16;not null"`
	Content        string  `gorm:"type:mediumtext;not null"`
	Round          int     `gorm:"default:0"`
	InputTokens    int     `gorm:"default:0"`
	OutputTokens   int     `gorm:"default:0"`
	CostCents      int     `gorm:"default:0"`
	CreatedAt      time.Time
}
