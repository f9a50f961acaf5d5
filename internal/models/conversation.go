package models

import "time"

// Conversation modes.
const (
	ModeDebate        = "debate"
	ModeCollaboration = "collaboration"
	ModeArena         = "arena"
)

// Conversation is a persisted multi-agent conversation. Live orchestration
// state (current speaker, round, pending interjection) lives in SessionState;
// this row holds the durable configuration and final status.
type Conversation struct {
	ID          string `gorm:"primaryKey;size:32"`
	UserID      string `gorm:"size:32;not null;index"`
	Title       string `gorm:"size:256"`
	Mode        string `gorm:"size:16;default:debate"`
	Status      string `gorm:"size:24;default:created;index"`
	Topic       string `gorm:"type:text"`
	TotalRounds int    `gorm:"default:3"`
	MaxTokens   int    `gorm:"default:800"`
	// HumanGated pauses for user input at each round boundary instead of
	// running rounds back to back. Arena conversations are always gated.
	HumanGated     bool `gorm:"default:false"`
	TotalCostCents int  `gorm:"default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time

	Participants []ConversationParticipant `gorm:"foreignKey:ConversationID"`
	Messages     []ConversationMessage     `gorm:"foreignKey:ConversationID"`
}

// Gated reports whether the conversation waits for the user at round
// boundaries.
func (c *Conversation) Gated() bool {
	return c.HumanGated || c.Mode == ModeArena
}

// ConversationParticipant joins an agent into a conversation. Position
// defines the fixed turn order within a round.
type ConversationParticipant struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:32;not null;index:idx_conv_position,unique"`
	AgentID        string `gorm:"size:32;not null"`
	Position       int    `gorm:"not null;index:idx_conv_position,unique"`
	CreatedAt      time.Time

	Agent Agent `gorm:"foreignKey:AgentID"`
}
