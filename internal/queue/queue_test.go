package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/psychophant/arena/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openQueueTestDB(t *testing.T) *gorm.DB {
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
	if err := db.AutoMigrate(&models.OrchestrationJob{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func TestEnqueueAndClaim_FIFO(t *testing.T) {
	q := New(openQueueTestDB(t), Options{})

	if _, err := q.NextTurn("conv-1"); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if _, err := q.ProcessInterjection("conv-1", "hold on"); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	first, err := q.Claim("worker-1", DefaultLeaseTTL)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if first == nil || first.JobType != models.JobNextTurn {
		t.Fatalf("first claim = %+v, want next_turn", first)
	}

	second, err := q.Claim("worker-1", DefaultLeaseTTL)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if second == nil || second.JobType != models.JobProcessInterjection {
		t.Fatalf("second claim = %+v, want process_interjection", second)
	}
}

func TestClaim_Empty(t *testing.T) {
	q := New(openQueueTestDB(t), Options{})
	job, err := q.Claim("worker-1", DefaultLeaseTTL)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job != nil {
		t.Fatalf("job = %+v, want nil", job)
	}
}

func TestClaim_LeasedJobNotReclaimable(t *testing.T) {
	q := New(openQueueTestDB(t), Options{})
	q.NextTurn("conv-1")

	if job, _ := q.Claim("worker-1", DefaultLeaseTTL); job == nil {
		t.Fatal("first claim failed")
	}
	job, err := q.Claim("worker-2", DefaultLeaseTTL)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job != nil {
		t.Fatalf("leased job claimed twice: %+v", job)
	}
}

func TestComplete(t *testing.T) {
	db := openQueueTestDB(t)
	q := New(db, Options{})
	q.NextTurn("conv-1")

	job, _ := q.Claim("worker-1", DefaultLeaseTTL)
	if err := q.Complete(job); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var got models.OrchestrationJob
	db.First(&got, job.ID)
	if got.Status != models.JobCompleted {
		t.Errorf("Status = %q", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	if err := q.Complete(job); err == nil {
		t.Error("completing a completed job should error")
	}
}

func TestFail_BackoffThenDead(t *testing.T) {
	db := openQueueTestDB(t)
	q := New(db, Options{MaxAttempts: 3, BackoffBase: time.Second})
	q.NextTurn("conv-1")

	// Attempt 1: retried with ~1s backoff.
	job, _ := q.Claim("worker-1", DefaultLeaseTTL)
	retried, err := q.Fail(job, errors.New("provider 503"))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !retried {
		t.Fatal("first failure should retry")
	}

	var got models.OrchestrationJob
	db.First(&got, job.ID)
	if got.Status != models.JobPending {
		t.Fatalf("Status = %q, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if !got.RunAt.After(time.Now().Add(500 * time.Millisecond)) {
		t.Errorf("RunAt = %v, want ~1s in the future", got.RunAt)
	}

	// Backed-off job is not yet claimable.
	if j, _ := q.Claim("worker-1", DefaultLeaseTTL); j != nil {
		t.Fatal("backed-off job claimed early")
	}

	// Attempt 2 then 3: second failure doubles the delay, third kills it.
	db.Model(&models.OrchestrationJob{}).Where("id = ?", job.ID).Update("run_at", time.Now())
	job, _ = q.Claim("worker-1", DefaultLeaseTTL)
	if retried, _ = q.Fail(job, errors.New("provider 503")); !retried {
		t.Fatal("second failure should retry")
	}
	db.First(&got, job.ID)
	if !got.RunAt.After(time.Now().Add(1500 * time.Millisecond)) {
		t.Errorf("RunAt = %v, want ~2s backoff on second failure", got.RunAt)
	}

	db.Model(&models.OrchestrationJob{}).Where("id = ?", job.ID).Update("run_at", time.Now())
	job, _ = q.Claim("worker-1", DefaultLeaseTTL)
	retried, err = q.Fail(job, errors.New("provider 503 final"))
	if err != nil {
		t.Fatalf("final Fail: %v", err)
	}
	if retried {
		t.Fatal("third failure should not retry")
	}

	db.First(&got, job.ID)
	if got.Status != models.JobDead {
		t.Errorf("Status = %q, want dead", got.Status)
	}
	if got.LastError != "provider 503 final" {
		t.Errorf("LastError = %q", got.LastError)
	}

	dead, err := q.DeadJobs(10)
	if err != nil {
		t.Fatalf("DeadJobs: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != job.ID {
		t.Errorf("DeadJobs = %+v", dead)
	}
}

func TestRequeue_NoAttemptConsumed(t *testing.T) {
	db := openQueueTestDB(t)
	q := New(db, Options{})
	q.NextTurn("conv-1")

	job, _ := q.Claim("worker-1", DefaultLeaseTTL)
	if err := q.Requeue(job, 10*time.Millisecond); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	var got models.OrchestrationJob
	db.First(&got, job.ID)
	if got.Status != models.JobPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, requeue must not consume an attempt", got.Attempts)
	}
}

func TestKill(t *testing.T) {
	db := openQueueTestDB(t)
	q := New(db, Options{})
	q.NextTurn("conv-1")

	job, _ := q.Claim("worker-1", DefaultLeaseTTL)
	if err := q.Kill(job, errors.New("unknown payload")); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	var got models.OrchestrationJob
	db.First(&got, job.ID)
	if got.Status != models.JobDead {
		t.Errorf("Status = %q, want dead", got.Status)
	}
	if got.LastError != "unknown payload" {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func TestReapExpiredLeases(t *testing.T) {
	db := openQueueTestDB(t)
	q := New(db, Options{MaxAttempts: 2})
	q.NextTurn("conv-1")

	job, _ := q.Claim("worker-1", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	reaped, err := q.ReapExpiredLeases()
	if err != nil {
		t.Fatalf("ReapExpiredLeases: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	var got models.OrchestrationJob
	db.First(&got, job.ID)
	if got.Status != models.JobPending {
		t.Errorf("Status = %q, want pending after reap", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, reap counts as a failed attempt", got.Attempts)
	}
}

func TestDecodePayload(t *testing.T) {
	q := New(openQueueTestDB(t), Options{})

	job, err := q.ProcessInterjection("conv-1", "what about cost?")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	decoded, err := DecodePayload(job)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	p, ok := decoded.(*ProcessInterjectionPayload)
	if !ok {
		t.Fatalf("decoded = %T", decoded)
	}
	if p.Content != "what about cost?" || p.ConversationID != "conv-1" {
		t.Errorf("payload = %+v", p)
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	job := &models.OrchestrationJob{JobType: "reticulate_splines", Payload: "{}"}
	if _, err := DecodePayload(job); err == nil {
		t.Fatal("expected error for unknown job type")
	}
}

func TestDecodePayload_Malformed(t *testing.T) {
	job := &models.OrchestrationJob{JobType: models.JobNextTurn, Payload: "{nope"}
	if _, err := DecodePayload(job); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
