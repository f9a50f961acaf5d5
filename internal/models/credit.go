package models

import "time"

// Credit transaction types.
const (
	TxUsage      = "usage"
	TxPurchase   = "purchase"
	TxDailyReset = "daily_reset"
)

// Credit source pools.
const (
	SourceFree      = "free"
	SourcePurchased = "purchased"
	SourceMixed     = "mixed"
)

// CreditBalance tracks a user's spendable balance across the free and
// purchased pools. Both fields are kept non-negative; deductions that would
// overdraw fail whole inside the ledger transaction.
type CreditBalance struct {
	UserID         string    `gorm:"primaryKey;size:32"`
	FreeCents      int       `gorm:"not null;default:0"`
	PurchasedCents int       `gorm:"not null;default:0"`
	LastFreeReset  time.Time `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TotalCents returns the combined spendable balance.
func (b *CreditBalance) TotalCents() int {
	return b.FreeCents + b.PurchasedCents
}

// CreditTransaction is an append-only audit record of a balance mutation.
// Rows are never updated after creation. ReferenceID carries a unique index
// so a retried deduction for the same unit of work records at most one row.
type CreditTransaction struct {
	ID                uint    `gorm:"primaryKey;autoIncrement"`
	UserID            string  `gorm:"size:32;not null;index"`
	AmountCents       int     `gorm:"not null"` // signed delta
	TransactionType   string  `gorm:"size:16;not null"`
	SourceType        string  `gorm:"size:16;not null"`
	ReferenceID       *string `gorm:"size:64;uniqueIndex"`
	Description       string  `gorm:"size:256"`
	BalanceAfterCents int     `gorm:"not null"`
	CreatedAt         time.Time
}
