package models

import "time"

// Agent is an AI persona that can participate in conversations. CRUD and
// validation live in the API layer; the orchestrator only reads these rows.
type Agent struct {
	ID           string `gorm:"primaryKey;size:32"`
	UserID       string `gorm:"size:32;not null;index"`
	Name         string `gorm:"size:128;not null"`
	Model        string `gorm:"size:128;not null"`
	SystemPrompt string `gorm:"type:text"`
	Archived     bool   `gorm:"default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
