package ledger

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psychophant/arena/internal/events"
	"github.com/psychophant/arena/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.CreditBalance{}, &models.CreditTransaction{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// capturePub records published events for assertions.
type capturePub struct {
	mu     sync.Mutex
	topics []string
	events []events.Event
}

func (p *capturePub) Publish(topic string, evt events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, evt)
}

func seedBalance(t *testing.T, db *gorm.DB, userID string, free, purchased int) {
	t.Helper()
	balance := models.CreditBalance{
		UserID:         userID,
		FreeCents:      free,
		PurchasedCents: purchased,
		LastFreeReset:  time.Now().UTC(),
	}
	if err := db.Create(&balance).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func TestDeduct_FreePoolFirst(t *testing.T) {
	db := openLedgerTestDB(t)
	l := New(db, nil, 100, time.Minute)
	seedBalance(t, db, "user-1", 50, 100)

	got, err := l.Deduct("user-1", 30, "msg-1")
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if got.FreeCents != 20 || got.PurchasedCents != 100 {
		t.Errorf("balance = %+v, want free=20 purchased=100", got)
	}

	var tx models.CreditTransaction
	if err := db.First(&tx, "reference_id = ?", "msg-1").Error; err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	if tx.SourceType != models.SourceFree {
		t.Errorf("SourceType = %q, want free", tx.SourceType)
	}
	if tx.AmountCents != -30 {
		t.Errorf("AmountCents = %d, want -30", tx.AmountCents)
	}
	if tx.BalanceAfterCents != 120 {
		t.Errorf("BalanceAfterCents = %d, want 120", tx.BalanceAfterCents)
	}
}

func TestDeduct_MixedSource(t *testing.T) {
	db := openLedgerTestDB(t)
	l := New(db, nil, 100, time.Minute)
	seedBalance(t, db, "user-1", 20, 100)

	got, err := l.Deduct("user-1", 50, "msg-1")
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if got.FreeCents != 0 || got.PurchasedCents != 70 {
		t.Errorf("balance = %+v, want free=0 purchased=70", got)
	}

	var tx models.CreditTransaction
	db.First(&tx, "reference_id = ?", "msg-1")
	if tx.SourceType != models.SourceMixed {
		t.Errorf("SourceType = %q, want mixed", tx.SourceType)
	}
}

func TestDeduct_PurchasedOnly(t *testing.T) {
	db := openLedgerTestDB(t)
	l := New(db, nil, 100, time.Minute)
	seedBalance(t, db, "user-1", 0, 100)

	if _, err := l.Deduct("user-1", 40, "msg-1"); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	var tx models.CreditTransaction
	db.First(&tx, "reference_id = ?", "msg-1")
	if tx.SourceType != models.SourcePurchased {
		t.Errorf("SourceType = %q, want purchased", tx.SourceType)
	}
}

func TestDeduct_Conservation(t *testing.T) {
	db := openLedgerTestDB(t)
	l := New(db, nil, 100, time.Minute)
	seedBalance(t, db, "user-1", 55, 70)

	before := 55 + 70
	amount := 42
	got, err := l.Deduct("user-1", amount, "msg-1")
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if got.FreeCents+got.PurchasedCents != before-amount {
		t.Errorf("after = %d, want %d", got.FreeCents+got.PurchasedCents, before-amount)
	}
	var tx models.CreditTransaction
	db.First(&tx, "reference_id = ?", "msg-1")
	if tx.BalanceAfterCents != before-amount {
		t.Errorf("BalanceAfterCents = %d, want %d", tx.BalanceAfterCents, before-amount)
	}
}

func TestDeduct_Insufficient(t *testing.T) {
	db := openLedgerTestDB(t)
	l := New(db, nil, 100, time.Minute)
	seedBalance(t, db, "user-1", 10, 5)

	_, err := l.Deduct("user-1", 20, "msg-1")
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientBalanceError", err)
	}
	if insufficient.AvailableCents != 15 {
		t.Errorf("AvailableCents = %d, want 15", insufficient.AvailableCents)
	}

	// No partial deduction and no transaction row.
	var balance models.CreditBalance
	db.First(&balance, "user_id = ?", "user-1")
	if balance.FreeCents != 10 || balance.PurchasedCents != 5 {
		t.Errorf("balance mutated: %+v", balance)
	}
	var count int64
	db.Model(&models.CreditTransaction{}).Count(&count)
	if count != 0 {
		t.Errorf("transaction rows = %d, want 0", count)
	}
}

func TestDeduct_UnknownUser(t *testing.T) {
	db := openLedgerTestDB(t)
	l := New(db, nil, 100, time.Minute)

	_, err := l.Deduct("ghost", 1, "msg-1")
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientBalanceError", err)
	}
}

func TestDeduct_IdempotentByReference(t *testing.T) {
	db := openLedgerTestDB(t)
	pub := &capturePub{}
	l := New(db, pub, 100, time.Minute)
	seedBalance(t, db, "user-1", 100, 0)

	first, err := l.Deduct("user-1", 30, "msg-1")
	if err != nil {
		t.Fatalf("first Deduct: %v", err)
	}
	second, err := l.Deduct("user-1", 30, "msg-1")
	if err != nil {
		t.Fatalf("replayed Deduct: %v", err)
	}
	if second.TotalCents != first.TotalCents {
		t.Errorf("replay changed balance: first=%+v second=%+v", first, second)
	}

	var count int64
	db.Model(&models.CreditTransaction{}).Where("reference_id = ?", "msg-1").Count(&count)
	if count != 1 {
		t.Errorf("transaction rows for msg-1 = %d, want 1", count)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 {
		t.Errorf("credit events published = %d, want 1", len(pub.events))
	}
}

func TestDeduct_ConcurrentExhaustion(t *testing.T) {
	db := openLedgerTestDB(t)
	l := New(db, nil, 100, time.Minute)

	// Balance 100, 7 concurrent deductions of 30: exactly floor(100/30)=3
	// may succeed.
	seedBalance(t, db, "user-1", 60, 40)

	const workers = 7
	var successes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := l.Deduct("user-1", 30, models.MustNewID("msg"))
			if err == nil {
				successes.Add(1)
			} else {
				var insufficient *InsufficientBalanceError
				if !errors.As(err, &insufficient) {
					t.Errorf("worker %d: unexpected error: %v", n, err)
				}
			}
		}(i)
	}
	wg.Wait()

	if got := successes.Load(); got != 3 {
		t.Errorf("successes = %d, want 3", got)
	}
	var balance models.CreditBalance
	db.First(&balance, "user_id = ?", "user-1")
	if balance.TotalCents() != 10 {
		t.Errorf("remaining = %d, want 10", balance.TotalCents())
	}
	if balance.FreeCents < 0 || balance.PurchasedCents < 0 {
		t.Errorf("negative pool: %+v", balance)
	}
}

func TestDeduct_PublishesCreditUpdate(t *testing.T) {
	db := openLedgerTestDB(t)
	pub := &capturePub{}
	l := New(db, pub, 100, time.Minute)
	seedBalance(t, db, "user-1", 100, 0)

	if _, err := l.Deduct("user-1", 25, "msg-1"); err != nil {
		t.Fatalf("Deduct: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 {
		t.Fatalf("events = %d, want 1", len(pub.events))
	}
	if pub.topics[0] != events.UserCreditsTopic("user-1") {
		t.Errorf("topic = %q", pub.topics[0])
	}
	if pub.events[0].Type != events.TypeCreditUpdate {
		t.Errorf("type = %q", pub.events[0].Type)
	}
	if pub.events[0].Data["totalCents"] != 75 {
		t.Errorf("totalCents = %v, want 75", pub.events[0].Data["totalCents"])
	}
}

func TestCheckSufficient_CacheAndFallback(t *testing.T) {
	db := openLedgerTestDB(t)
	l := New(db, nil, 100, time.Minute)
	seedBalance(t, db, "user-1", 50, 0)

	ok, err := l.CheckSufficient("user-1", 40)
	if err != nil || !ok {
		t.Fatalf("CheckSufficient = %v, %v; want true", ok, err)
	}

	// Cached now; a deduction must invalidate so the next check sees the
	// new balance.
	if _, err := l.Deduct("user-1", 45, "msg-1"); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	ok, err = l.CheckSufficient("user-1", 40)
	if err != nil {
		t.Fatalf("CheckSufficient: %v", err)
	}
	if ok {
		t.Error("stale cache answered sufficient after deduction")
	}
}

func TestCheckSufficient_UnknownUser(t *testing.T) {
	db := openLedgerTestDB(t)
	l := New(db, nil, 100, time.Minute)
	ok, err := l.CheckSufficient("ghost", 1)
	if err != nil {
		t.Fatalf("CheckSufficient: %v", err)
	}
	if ok {
		t.Error("unknown user reported sufficient")
	}
}

func TestGetBalance_CreatesWithDailyGrant(t *testing.T) {
	db := openLedgerTestDB(t)
	l := New(db, nil, 100, time.Minute)

	got, err := l.GetBalance("user-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got.FreeCents != 100 || got.PurchasedCents != 0 {
		t.Errorf("balance = %+v", got)
	}
}

func TestGetBalance_LazyDailyReset(t *testing.T) {
	db := openLedgerTestDB(t)
	l := New(db, nil, 100, time.Minute)

	balance := models.CreditBalance{
		UserID:         "user-1",
		FreeCents:      3,
		PurchasedCents: 40,
		LastFreeReset:  time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := db.Create(&balance).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := l.GetBalance("user-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got.FreeCents != 100 {
		t.Errorf("FreeCents = %d, want 100 after reset", got.FreeCents)
	}
	if got.PurchasedCents != 40 {
		t.Errorf("PurchasedCents = %d, purchased pool must not change", got.PurchasedCents)
	}

	var tx models.CreditTransaction
	if err := db.First(&tx, "transaction_type = ?", models.TxDailyReset).Error; err != nil {
		t.Fatalf("reset transaction not recorded: %v", err)
	}
	if tx.BalanceAfterCents != 140 {
		t.Errorf("BalanceAfterCents = %d, want 140", tx.BalanceAfterCents)
	}
}

func TestResetDailyFree_Sweep(t *testing.T) {
	db := openLedgerTestDB(t)
	l := New(db, nil, 100, time.Minute)

	stale := models.CreditBalance{
		UserID:        "user-stale",
		FreeCents:     0,
		LastFreeReset: time.Now().UTC().Add(-30 * time.Hour),
	}
	fresh := models.CreditBalance{
		UserID:        "user-fresh",
		FreeCents:     42,
		LastFreeReset: time.Now().UTC(),
	}
	db.Create(&stale)
	db.Create(&fresh)

	n, err := l.ResetDailyFree()
	if err != nil {
		t.Fatalf("ResetDailyFree: %v", err)
	}
	if n != 1 {
		t.Errorf("reset count = %d, want 1", n)
	}

	var got models.CreditBalance
	db.First(&got, "user_id = ?", "user-stale")
	if got.FreeCents != 100 {
		t.Errorf("stale user FreeCents = %d, want 100", got.FreeCents)
	}
	db.First(&got, "user_id = ?", "user-fresh")
	if got.FreeCents != 42 {
		t.Errorf("fresh user FreeCents = %d, want untouched 42", got.FreeCents)
	}
}

func TestGrantPurchased(t *testing.T) {
	db := openLedgerTestDB(t)
	pub := &capturePub{}
	l := New(db, pub, 100, time.Minute)

	got, err := l.GrantPurchased("user-1", 500, "pay-1", "pack_500")
	if err != nil {
		t.Fatalf("GrantPurchased: %v", err)
	}
	if got.PurchasedCents != 500 {
		t.Errorf("PurchasedCents = %d, want 500", got.PurchasedCents)
	}

	var tx models.CreditTransaction
	db.First(&tx, "transaction_type = ?", models.TxPurchase)
	if tx.AmountCents != 500 || tx.SourceType != models.SourcePurchased {
		t.Errorf("transaction = %+v", tx)
	}
}

func TestTransactions_Pagination(t *testing.T) {
	db := openLedgerTestDB(t)
	l := New(db, nil, 100, time.Minute)
	seedBalance(t, db, "user-1", 1000, 0)

	for i := 0; i < 5; i++ {
		if _, err := l.Deduct("user-1", 10, models.MustNewID("msg")); err != nil {
			t.Fatalf("Deduct %d: %v", i, err)
		}
	}

	rows, total, err := l.Transactions("user-1", 2, 0)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(rows) != 2 {
		t.Errorf("rows = %d, want 2", len(rows))
	}
	if len(rows) == 2 && rows[0].ID < rows[1].ID {
		t.Error("rows not newest-first")
	}
}
