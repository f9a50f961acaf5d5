// Package lock implements short-lived mutual-exclusion leases keyed by
// conversation id. Leases are advisory: every orchestration mutation path
// acquires the lease before touching session state. Acquire issues an
// ownership token that Release and Extend require, so a worker resumed
// after its lease expired cannot interfere with the current holder.
package lock

import (
	"errors"
	"fmt"
	"time"

	"github.com/psychophant/arena/internal/models"
	"gorm.io/gorm"
)

// DefaultTTL is the lease duration used when callers pass zero.
const DefaultTTL = 60 * time.Second

// ErrNotHeld is returned by Release and Extend when the key/token pair does
// not match a live lease. The current holder's lease is left untouched.
var ErrNotHeld = errors.New("lock: not held with this token")

// Key returns the lease key for a conversation.
func Key(conversationID string) string {
	return "lock:" + conversationID
}

// Acquire attempts to take the lease for key with the given TTL. It expires
// any stale row first, then creates the lease row if absent. Returns the
// ownership token and true on success, or false if another holder has a
// live lease. Losing a race to another creator is reported as contention,
// not an error.
func Acquire(db *gorm.DB, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, fmt.Errorf("lock: key is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token, err := models.NewID("tok")
	if err != nil {
		return "", false, fmt.Errorf("lock: %w", err)
	}

	var held bool
	err = db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		// Drop an expired lease so the key is free for re-acquisition.
		if err := tx.Where("`key` = ? AND expires_at <= ?", key, now).
			Delete(&models.ConversationLock{}).Error; err != nil {
			return fmt.Errorf("expire stale lease: %w", err)
		}

		var existing models.ConversationLock
		result := tx.Where("`key` = ?", key).First(&existing)
		if result.Error == nil {
			held = true
			return nil
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check lease: %w", result.Error)
		}

		lease := models.ConversationLock{
			Key:       key,
			Token:     token,
			ExpiresAt: now.Add(ttl),
		}
		if err := tx.Create(&lease).Error; err != nil {
			// Losing the insert race leaves the winner's row behind. Any
			// create failure without one is an infrastructure error and
			// must not be mistaken for contention.
			var winner models.ConversationLock
			if ferr := tx.Where("`key` = ?", key).First(&winner).Error; ferr == nil {
				held = true
				return nil
			}
			return fmt.Errorf("create lease: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if held {
		return "", false, nil
	}
	return token, true, nil
}

// Extend pushes the lease expiry forward. Only the holder identified by
// token may extend.
func Extend(db *gorm.DB, key, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	result := db.Model(&models.ConversationLock{}).
		Where("`key` = ? AND token = ? AND expires_at > ?", key, token, time.Now()).
		Update("expires_at", time.Now().Add(ttl))
	if result.Error != nil {
		return fmt.Errorf("lock: extend %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release deletes the lease. Only the holder identified by token may
// release; a stale worker gets ErrNotHeld and the live lease survives.
func Release(db *gorm.DB, key, token string) error {
	result := db.Where("`key` = ? AND token = ?", key, token).
		Delete(&models.ConversationLock{})
	if result.Error != nil {
		return fmt.Errorf("lock: release %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotHeld
	}
	return nil
}
