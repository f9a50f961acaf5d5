package db

import (
	"fmt"

	"github.com/psychophant/arena/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Agent{},
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.ConversationMessage{},
		&models.CreditBalance{},
		&models.CreditTransaction{},
		&models.OrchestrationJob{},
		&models.ConversationLock{},
		&models.SessionState{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
