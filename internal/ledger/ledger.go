// Package ledger tracks per-user spendable credit across the free and
// purchased pools. Deductions run as single atomic read-modify-write
// transactions against the store, append to an immutable transaction log,
// and are idempotent by reference id so a retried job charges at most once.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/psychophant/arena/internal/events"
	"github.com/psychophant/arena/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsufficientBalanceError reports a deduction that would overdraw the
// combined pools. The operation fails whole; no partial deduction occurs.
type InsufficientBalanceError struct {
	UserID         string
	RequestedCents int
	AvailableCents int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance for %s: requested %d cents, available %d",
		e.UserID, e.RequestedCents, e.AvailableCents)
}

// Balance is the spendable snapshot returned by ledger operations.
type Balance struct {
	FreeCents      int
	PurchasedCents int
	TotalCents     int
}

// Ledger mediates all credit balance mutations.
type Ledger struct {
	db             *gorm.DB
	cache          *balanceCache
	pub            events.Publisher
	dailyFreeCents int
}

// New creates a ledger. pub may be nil when no event stream is wired (e.g.
// offline maintenance commands).
func New(db *gorm.DB, pub events.Publisher, dailyFreeCents int, cacheTTL time.Duration) *Ledger {
	return &Ledger{
		db:             db,
		cache:          newBalanceCache(cacheTTL),
		pub:            pub,
		dailyFreeCents: dailyFreeCents,
	}
}

// Deduct atomically removes amountCents from the user's balance, consuming
// the free pool before the purchased pool, and appends a usage transaction
// tagged with whichever pools were touched. A referenceID already present
// in the transaction log makes the call a no-op returning the current
// balance, which is what keeps retried turn jobs from double-charging.
func (l *Ledger) Deduct(userID string, amountCents int, referenceID string) (Balance, error) {
	if userID == "" || referenceID == "" {
		return Balance{}, fmt.Errorf("ledger: userID and referenceID are required")
	}
	if amountCents <= 0 {
		return Balance{}, fmt.Errorf("ledger: amount must be positive, got %d", amountCents)
	}

	var out Balance
	var alreadyCharged bool

	err := l.db.Transaction(func(tx *gorm.DB) error {
		// Replayed reference: the charge already landed.
		var prior int64
		if err := tx.Model(&models.CreditTransaction{}).
			Where("reference_id = ?", referenceID).
			Count(&prior).Error; err != nil {
			return fmt.Errorf("check reference: %w", err)
		}
		if prior > 0 {
			alreadyCharged = true
			var balance models.CreditBalance
			if err := tx.Where("user_id = ?", userID).First(&balance).Error; err != nil {
				return fmt.Errorf("load balance: %w", err)
			}
			out = Balance{balance.FreeCents, balance.PurchasedCents, balance.TotalCents()}
			return nil
		}

		q := tx.Where("user_id = ?", userID)
		if tx.Dialector.Name() == "mysql" {
			// sqlite serializes writers; the row lock is only needed on mysql.
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var balance models.CreditBalance
		if err := q.First(&balance).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &InsufficientBalanceError{UserID: userID, RequestedCents: amountCents}
			}
			return fmt.Errorf("load balance: %w", err)
		}

		if balance.TotalCents() < amountCents {
			return &InsufficientBalanceError{
				UserID:         userID,
				RequestedCents: amountCents,
				AvailableCents: balance.TotalCents(),
			}
		}

		newFree := balance.FreeCents
		newPurchased := balance.PurchasedCents
		remaining := amountCents
		source := models.SourceFree
		if newFree >= remaining {
			newFree -= remaining
		} else {
			remaining -= newFree
			newFree = 0
			newPurchased -= remaining
			if balance.FreeCents > 0 {
				source = models.SourceMixed
			} else {
				source = models.SourcePurchased
			}
		}

		if err := tx.Model(&models.CreditBalance{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"free_cents":      newFree,
				"purchased_cents": newPurchased,
			}).Error; err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		ref := referenceID
		record := models.CreditTransaction{
			UserID:            userID,
			AmountCents:       -amountCents,
			TransactionType:   models.TxUsage,
			SourceType:        source,
			ReferenceID:       &ref,
			Description:       "Message generation",
			BalanceAfterCents: newFree + newPurchased,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}

		out = Balance{newFree, newPurchased, newFree + newPurchased}
		return nil
	})
	if err != nil {
		var insufficient *InsufficientBalanceError
		if errors.As(err, &insufficient) {
			return Balance{}, insufficient
		}
		return Balance{}, fmt.Errorf("ledger: deduct for %s: %w", userID, err)
	}

	if !alreadyCharged {
		l.cache.Invalidate(userID)
		l.publishUpdate(userID, out)
	}
	return out, nil
}

// CheckSufficient reports whether the user can spend at least minimumCents.
// It consults the read-through cache first and falls back to the
// authoritative store on a miss. A stale "sufficient" answer here can never
// bypass Deduct's atomic check.
func (l *Ledger) CheckSufficient(userID string, minimumCents int) (bool, error) {
	if cached, ok := l.cache.Get(userID); ok {
		return cached.TotalCents >= minimumCents, nil
	}

	var balance models.CreditBalance
	err := l.db.Where("user_id = ?", userID).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: check sufficient for %s: %w", userID, err)
	}

	snap := Balance{balance.FreeCents, balance.PurchasedCents, balance.TotalCents()}
	l.cache.Set(userID, snap)
	return snap.TotalCents >= minimumCents, nil
}

// GetBalance returns the user's balance, creating the record with the daily
// free grant on first sight and applying a lazy daily reset when the last
// reset predates today's UTC midnight.
func (l *Ledger) GetBalance(userID string) (Balance, error) {
	if userID == "" {
		return Balance{}, fmt.Errorf("ledger: userID is required")
	}

	var out Balance
	err := l.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var balance models.CreditBalance
		err := tx.Where("user_id = ?", userID).First(&balance).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			balance = models.CreditBalance{
				UserID:        userID,
				FreeCents:     l.dailyFreeCents,
				LastFreeReset: now,
			}
			if err := tx.Create(&balance).Error; err != nil {
				return fmt.Errorf("create balance: %w", err)
			}
			out = Balance{balance.FreeCents, balance.PurchasedCents, balance.TotalCents()}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load balance: %w", err)
		}

		if needsDailyReset(balance.LastFreeReset, now) {
			if err := applyDailyReset(tx, &balance, l.dailyFreeCents, now); err != nil {
				return err
			}
		}

		out = Balance{balance.FreeCents, balance.PurchasedCents, balance.TotalCents()}
		return nil
	})
	if err != nil {
		return Balance{}, fmt.Errorf("ledger: get balance for %s: %w", userID, err)
	}

	l.cache.Set(userID, out)
	return out, nil
}

// GrantPurchased adds purchased credits (e.g. after a payment confirmation)
// and appends a purchase transaction.
func (l *Ledger) GrantPurchased(userID string, amountCents int, referenceID, description string) (Balance, error) {
	if amountCents <= 0 {
		return Balance{}, fmt.Errorf("ledger: grant amount must be positive, got %d", amountCents)
	}

	var out Balance
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var balance models.CreditBalance
		err := tx.Where("user_id = ?", userID).First(&balance).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			balance = models.CreditBalance{UserID: userID, LastFreeReset: time.Now().UTC()}
			if err := tx.Create(&balance).Error; err != nil {
				return fmt.Errorf("create balance: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("load balance: %w", err)
		}

		newPurchased := balance.PurchasedCents + amountCents
		if err := tx.Model(&models.CreditBalance{}).
			Where("user_id = ?", userID).
			Update("purchased_cents", newPurchased).Error; err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		var ref *string
		if referenceID != "" {
			ref = &referenceID
		}
		record := models.CreditTransaction{
			UserID:            userID,
			AmountCents:       amountCents,
			TransactionType:   models.TxPurchase,
			SourceType:        models.SourcePurchased,
			ReferenceID:       ref,
			Description:       description,
			BalanceAfterCents: balance.FreeCents + newPurchased,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}

		out = Balance{balance.FreeCents, newPurchased, balance.FreeCents + newPurchased}
		return nil
	})
	if err != nil {
		return Balance{}, fmt.Errorf("ledger: grant for %s: %w", userID, err)
	}

	l.cache.Invalidate(userID)
	l.publishUpdate(userID, out)
	return out, nil
}

// ResetDailyFree sweeps every balance whose last reset predates today's UTC
// midnight, topping the free pool back up. Returns the number of users
// reset. The lazy reset in GetBalance covers active users; this sweep keeps
// idle ledgers current.
func (l *Ledger) ResetDailyFree() (int, error) {
	now := time.Now().UTC()

	var stale []models.CreditBalance
	if err := l.db.Where("last_free_reset < ?", midnightUTC(now)).Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("ledger: find stale balances: %w", err)
	}

	reset := 0
	for i := range stale {
		userID := stale[i].UserID
		err := l.db.Transaction(func(tx *gorm.DB) error {
			var balance models.CreditBalance
			if err := tx.Where("user_id = ?", userID).First(&balance).Error; err != nil {
				return fmt.Errorf("load balance: %w", err)
			}
			if !needsDailyReset(balance.LastFreeReset, now) {
				return nil // raced with a lazy reset
			}
			return applyDailyReset(tx, &balance, l.dailyFreeCents, now)
		})
		if err != nil {
			return reset, fmt.Errorf("ledger: daily reset for %s: %w", userID, err)
		}
		reset++
		l.cache.Invalidate(userID)
	}
	return reset, nil
}

// Transactions returns the user's transaction log, newest first.
func (l *Ledger) Transactions(userID string, limit, offset int) ([]models.CreditTransaction, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var rows []models.CreditTransaction
	if err := l.db.Where("user_id = ?", userID).
		Order("id DESC").Limit(limit).Offset(offset).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("ledger: transactions for %s: %w", userID, err)
	}
	var total int64
	if err := l.db.Model(&models.CreditTransaction{}).
		Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("ledger: count transactions for %s: %w", userID, err)
	}
	return rows, total, nil
}

func (l *Ledger) publishUpdate(userID string, b Balance) {
	if l.pub == nil {
		return
	}
	l.pub.Publish(events.UserCreditsTopic(userID), events.CreditUpdate(b.FreeCents, b.PurchasedCents))
}

func needsDailyReset(lastReset, now time.Time) bool {
	return midnightUTC(lastReset.UTC()).Before(midnightUTC(now))
}

func midnightUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func applyDailyReset(tx *gorm.DB, balance *models.CreditBalance, dailyFreeCents int, now time.Time) error {
	if err := tx.Model(&models.CreditBalance{}).
		Where("user_id = ?", balance.UserID).
		Updates(map[string]interface{}{
			"free_cents":      dailyFreeCents,
			"last_free_reset": now,
		}).Error; err != nil {
		return fmt.Errorf("apply daily reset: %w", err)
	}

	record := models.CreditTransaction{
		UserID:            balance.UserID,
		AmountCents:       dailyFreeCents,
		TransactionType:   models.TxDailyReset,
		SourceType:        models.SourceFree,
		Description:       "Daily free credit reset",
		BalanceAfterCents: dailyFreeCents + balance.PurchasedCents,
	}
	if err := tx.Create(&record).Error; err != nil {
		return fmt.Errorf("append reset transaction: %w", err)
	}

	balance.FreeCents = dailyFreeCents
	balance.LastFreeReset = now
	return nil
}
