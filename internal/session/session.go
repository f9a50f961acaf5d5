// Package session stores each conversation's live orchestration state as a
// small TTL-backed record. Updates are merge-only: only the fields supplied
// in an Update are written, and every write refreshes the TTL. The store
// performs no field-level validation; invariant enforcement belongs to the
// orchestrator's transition handlers.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/psychophant/arena/internal/models"
	"gorm.io/gorm"
)

// DefaultTTL is the session record lifetime used when the store is built
// with a zero TTL.
const DefaultTTL = 24 * time.Hour

// Store reads and writes SessionState records.
type Store struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewStore creates a session store with the given record TTL.
func NewStore(db *gorm.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl}
}

// Update is a merge-only partial write. Nil fields are left untouched.
// Clearing a nullable field is expressed by pointing at its zero value
// sentinel (see ClearString, ClearInt, ClearTime).
type Update struct {
	Status              *string
	CurrentAgentID      **string
	CurrentRound        *int
	PendingInterjection **string
	ForceAgreementPhase **int
	LockedAt            **time.Time
}

// StringField wraps a value for a nullable string column.
func StringField(v string) **string {
	p := &v
	return &p
}

// ClearString clears a nullable string column.
func ClearString() **string {
	var p *string
	return &p
}

// IntField wraps a value for a nullable int column.
func IntField(v int) **int {
	p := &v
	return &p
}

// ClearInt clears a nullable int column.
func ClearInt() **int {
	var p *int
	return &p
}

// TimeField wraps a value for a nullable time column.
func TimeField(v time.Time) **time.Time {
	p := &v
	return &p
}

// ClearTime clears a nullable time column.
func ClearTime() **time.Time {
	var p *time.Time
	return &p
}

// String returns a pointer for a required string field.
func String(v string) *string { return &v }

// Int returns a pointer for a required int field.
func Int(v int) *int { return &v }

// Get returns the session record for a conversation, or nil if no record
// exists or the record's TTL has lapsed. Absence is a valid state distinct
// from completed.
func (s *Store) Get(conversationID string) (*models.SessionState, error) {
	var state models.SessionState
	err := s.db.Where("conversation_id = ? AND expires_at > ?", conversationID, time.Now()).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", conversationID, err)
	}
	return &state, nil
}

// Set merges the supplied fields into the conversation's record, creating
// it if absent, and refreshes the TTL. A created record defaults to round 1.
func (s *Store) Set(conversationID string, u Update) error {
	if conversationID == "" {
		return fmt.Errorf("session: conversationID is required")
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		expires := time.Now().Add(s.ttl)

		var state models.SessionState
		err := tx.Where("conversation_id = ?", conversationID).First(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			state = models.SessionState{
				ConversationID: conversationID,
				Status:         models.SessionActive,
				CurrentRound:   1,
				ExpiresAt:      expires,
			}
			applyUpdate(&state, u)
			state.ExpiresAt = expires
			if err := tx.Create(&state).Error; err != nil {
				return fmt.Errorf("session: create %s: %w", conversationID, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("session: load %s: %w", conversationID, err)
		}

		applyUpdate(&state, u)
		state.ExpiresAt = expires
		if err := tx.Save(&state).Error; err != nil {
			return fmt.Errorf("session: save %s: %w", conversationID, err)
		}
		return nil
	})
}

// Delete removes the conversation's record. Deleting an absent record is
// not an error.
func (s *Store) Delete(conversationID string) error {
	if err := s.db.Where("conversation_id = ?", conversationID).
		Delete(&models.SessionState{}).Error; err != nil {
		return fmt.Errorf("session: delete %s: %w", conversationID, err)
	}
	return nil
}

// PurgeExpired removes records whose TTL has lapsed and returns the count.
func (s *Store) PurgeExpired() (int64, error) {
	result := s.db.Where("expires_at <= ?", time.Now()).Delete(&models.SessionState{})
	if result.Error != nil {
		return 0, fmt.Errorf("session: purge expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func applyUpdate(state *models.SessionState, u Update) {
	if u.Status != nil {
		state.Status = *u.Status
	}
	if u.CurrentAgentID != nil {
		state.CurrentAgentID = *u.CurrentAgentID
	}
	if u.CurrentRound != nil {
		state.CurrentRound = *u.CurrentRound
	}
	if u.PendingInterjection != nil {
		state.PendingInterjection = *u.PendingInterjection
	}
	if u.ForceAgreementPhase != nil {
		state.ForceAgreementPhase = *u.ForceAgreementPhase
	}
	if u.LockedAt != nil {
		state.LockedAt = *u.LockedAt
	}
}
