package session

import (
	"testing"
	"time"

	"github.com/psychophant/arena/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openSessionTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.SessionState{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func TestStore_GetAbsent(t *testing.T) {
	s := NewStore(openSessionTestDB(t), DefaultTTL)

	state, err := s.Get("conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state != nil {
		t.Fatalf("state = %+v, want nil for absent record", state)
	}
}

func TestStore_SetCreatesWithDefaults(t *testing.T) {
	s := NewStore(openSessionTestDB(t), DefaultTTL)

	err := s.Set("conv-1", Update{Status: String(models.SessionGenerating)})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}

	state, err := s.Get("conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state == nil {
		t.Fatal("expected a record")
	}
	if state.Status != models.SessionGenerating {
		t.Errorf("Status = %q", state.Status)
	}
	if state.CurrentRound != 1 {
		t.Errorf("CurrentRound = %d, want 1", state.CurrentRound)
	}
	if state.CurrentAgentID != nil {
		t.Errorf("CurrentAgentID = %v, want nil", state.CurrentAgentID)
	}
}

func TestStore_SetMergesOnlySuppliedFields(t *testing.T) {
	s := NewStore(openSessionTestDB(t), DefaultTTL)

	if err := s.Set("conv-1", Update{
		Status:         String(models.SessionActive),
		CurrentAgentID: StringField("agt-1"),
		CurrentRound:   Int(2),
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Update only the status; agent and round must survive.
	if err := s.Set("conv-1", Update{Status: String(models.SessionGenerating)}); err != nil {
		t.Fatalf("Set merge: %v", err)
	}

	state, _ := s.Get("conv-1")
	if state.Status != models.SessionGenerating {
		t.Errorf("Status = %q", state.Status)
	}
	if state.CurrentAgentID == nil || *state.CurrentAgentID != "agt-1" {
		t.Errorf("CurrentAgentID = %v, want agt-1", state.CurrentAgentID)
	}
	if state.CurrentRound != 2 {
		t.Errorf("CurrentRound = %d, want 2", state.CurrentRound)
	}
}

func TestStore_ClearNullableFields(t *testing.T) {
	s := NewStore(openSessionTestDB(t), DefaultTTL)

	if err := s.Set("conv-1", Update{
		Status:              String(models.SessionForceAgreement),
		PendingInterjection: StringField("what about ethics?"),
		ForceAgreementPhase: IntField(2),
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := s.Set("conv-1", Update{
		PendingInterjection: ClearString(),
		ForceAgreementPhase: ClearInt(),
	}); err != nil {
		t.Fatalf("Set clear: %v", err)
	}

	state, _ := s.Get("conv-1")
	if state.PendingInterjection != nil {
		t.Errorf("PendingInterjection = %v, want nil", *state.PendingInterjection)
	}
	if state.ForceAgreementPhase != nil {
		t.Errorf("ForceAgreementPhase = %v, want nil", *state.ForceAgreementPhase)
	}
	if state.Status != models.SessionForceAgreement {
		t.Errorf("Status = %q, untouched field changed", state.Status)
	}
}

func TestStore_SetRefreshesTTL(t *testing.T) {
	db := openSessionTestDB(t)
	s := NewStore(db, time.Hour)

	if err := s.Set("conv-1", Update{Status: String(models.SessionActive)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var first models.SessionState
	db.First(&first, "conversation_id = ?", "conv-1")

	// Age the record, then write again.
	db.Model(&models.SessionState{}).
		Where("conversation_id = ?", "conv-1").
		Update("expires_at", time.Now().Add(time.Minute))

	if err := s.Set("conv-1", Update{CurrentRound: Int(2)}); err != nil {
		t.Fatalf("Set refresh: %v", err)
	}
	var second models.SessionState
	db.First(&second, "conversation_id = ?", "conv-1")

	if !second.ExpiresAt.After(time.Now().Add(30 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, TTL not refreshed", second.ExpiresAt)
	}
}

func TestStore_ExpiredRecordReadsAsAbsent(t *testing.T) {
	db := openSessionTestDB(t)
	s := NewStore(db, time.Hour)

	if err := s.Set("conv-1", Update{Status: String(models.SessionActive)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	db.Model(&models.SessionState{}).
		Where("conversation_id = ?", "conv-1").
		Update("expires_at", time.Now().Add(-time.Second))

	state, err := s.Get("conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state != nil {
		t.Fatal("expired record should read as absent")
	}

	purged, err := s.PurgeExpired()
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}

func TestStore_Delete(t *testing.T) {
	s := NewStore(openSessionTestDB(t), DefaultTTL)

	if err := s.Set("conv-1", Update{Status: String(models.SessionCompleted)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete("conv-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	state, _ := s.Get("conv-1")
	if state != nil {
		t.Fatal("record should be gone")
	}

	// Deleting again is not an error.
	if err := s.Delete("conv-1"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}
