// Package queue implements the durable orchestration job queue over the
// relational store. Delivery is at-least-once: a job is leased to exactly
// one worker at a time, failed attempts retry with exponential backoff up
// to a hard cap, and exhausted jobs move to a dead status operators can
// inspect. The queue provides FIFO dispatch per worker pull but no
// cross-job ordering; per-conversation serialization belongs to the
// conversation lock.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/psychophant/arena/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Defaults matching the upstream queue configuration.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
	DefaultLeaseTTL    = 2 * time.Minute
)

// Options tunes retry behavior for all jobs enqueued through a Queue.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Queue enqueues and leases orchestration jobs.
type Queue struct {
	db   *gorm.DB
	opts Options
}

// New creates a queue. Zero option fields take defaults.
func New(db *gorm.DB, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	return &Queue{db: db, opts: opts}
}

// Enqueue appends a job. The payload is marshalled once and never mutated.
func (q *Queue) Enqueue(jobType, conversationID string, payload any) (*models.OrchestrationJob, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("queue: conversationID is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal %s payload: %w", jobType, err)
	}

	job := models.OrchestrationJob{
		JobType:        jobType,
		ConversationID: conversationID,
		Payload:        string(data),
		Status:         models.JobPending,
		MaxAttempts:    q.opts.MaxAttempts,
		RunAt:          time.Now(),
	}
	if err := q.db.Create(&job).Error; err != nil {
		return nil, fmt.Errorf("queue: enqueue %s for %s: %w", jobType, conversationID, err)
	}
	return &job, nil
}

// StartConversation enqueues the seeding job for a new conversation.
func (q *Queue) StartConversation(conversationID, initialPrompt string) (*models.OrchestrationJob, error) {
	return q.Enqueue(models.JobStartConversation, conversationID, &StartConversationPayload{
		Type:           models.JobStartConversation,
		ConversationID: conversationID,
		InitialPrompt:  initialPrompt,
	})
}

// NextTurn enqueues the next agent turn.
func (q *Queue) NextTurn(conversationID string) (*models.OrchestrationJob, error) {
	return q.Enqueue(models.JobNextTurn, conversationID, &NextTurnPayload{
		Type:           models.JobNextTurn,
		ConversationID: conversationID,
	})
}

// ProcessInterjection enqueues an out-of-band user message.
func (q *Queue) ProcessInterjection(conversationID, content string) (*models.OrchestrationJob, error) {
	return q.Enqueue(models.JobProcessInterjection, conversationID, &ProcessInterjectionPayload{
		Type:           models.JobProcessInterjection,
		ConversationID: conversationID,
		Content:        content,
	})
}

// ForceAgreementPhase enqueues one phase of the force-agreement protocol.
func (q *Queue) ForceAgreementPhase(conversationID string, phase int) (*models.OrchestrationJob, error) {
	return q.Enqueue(models.JobForceAgreementPhase, conversationID, &ForceAgreementPhasePayload{
		Type:           models.JobForceAgreementPhase,
		ConversationID: conversationID,
		Phase:          phase,
	})
}

// ResumeConversation enqueues a resume for a paused conversation.
func (q *Queue) ResumeConversation(conversationID string) (*models.OrchestrationJob, error) {
	return q.Enqueue(models.JobResumeConversation, conversationID, &ResumeConversationPayload{
		Type:           models.JobResumeConversation,
		ConversationID: conversationID,
	})
}

// Claim leases the oldest runnable pending job to workerID. Returns nil
// when no job is due. The lease must be resolved by Complete, Fail, or
// Requeue before it expires, or the reaper returns the job to the pool.
func (q *Queue) Claim(workerID string, leaseTTL time.Duration) (*models.OrchestrationJob, error) {
	if workerID == "" {
		return nil, fmt.Errorf("queue: workerID is required")
	}
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}

	var claimed *models.OrchestrationJob
	err := q.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		find := tx.Where("status = ? AND run_at <= ?", models.JobPending, now)
		if tx.Dialector.Name() == "mysql" {
			find = find.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var job models.OrchestrationJob
		result := find.Order("id ASC").Limit(1).Find(&job)
		if result.Error != nil {
			return fmt.Errorf("find runnable job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		expires := now.Add(leaseTTL)
		update := tx.Model(&models.OrchestrationJob{}).
			Where("id = ? AND status = ?", job.ID, models.JobPending).
			Updates(map[string]interface{}{
				"status":           models.JobLeased,
				"leased_by":        workerID,
				"lease_expires_at": expires,
			})
		if update.Error != nil {
			return fmt.Errorf("lease job %d: %w", job.ID, update.Error)
		}
		if update.RowsAffected == 0 {
			// Another worker won the row between find and update.
			return nil
		}

		job.Status = models.JobLeased
		job.LeasedBy = workerID
		job.LeaseExpiresAt = &expires
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return claimed, nil
}

// Complete marks a leased job done.
func (q *Queue) Complete(job *models.OrchestrationJob) error {
	now := time.Now()
	result := q.db.Model(&models.OrchestrationJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobLeased).
		Updates(map[string]interface{}{
			"status":       models.JobCompleted,
			"completed_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("queue: complete job %d: %w", job.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: complete job %d: not leased", job.ID)
	}
	return nil
}

// Fail records a failed attempt. The job retries with exponential backoff
// (base, 2×base, 4×base, …) until MaxAttempts, then moves to the dead
// status with the final error retained. Returns true if another attempt
// was scheduled.
func (q *Queue) Fail(job *models.OrchestrationJob, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var retried bool
	err := q.db.Transaction(func(tx *gorm.DB) error {
		var current models.OrchestrationJob
		if err := tx.Where("id = ?", job.ID).First(&current).Error; err != nil {
			return fmt.Errorf("load job: %w", err)
		}

		attempts := current.Attempts + 1
		updates := map[string]interface{}{
			"attempts":   attempts,
			"last_error": msg,
		}
		if attempts >= current.MaxAttempts {
			updates["status"] = models.JobDead
		} else {
			delay := q.opts.BackoffBase << (attempts - 1)
			updates["status"] = models.JobPending
			updates["run_at"] = time.Now().Add(delay)
			retried = true
		}

		if err := tx.Model(&models.OrchestrationJob{}).
			Where("id = ?", job.ID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("queue: fail job %d: %w", job.ID, err)
	}
	return retried, nil
}

// Kill moves a job straight to the dead status with no further retries.
// Used for data-integrity faults where replaying the same payload can only
// fail the same way.
func (q *Queue) Kill(job *models.OrchestrationJob, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	result := q.db.Model(&models.OrchestrationJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":     models.JobDead,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": msg,
		})
	if result.Error != nil {
		return fmt.Errorf("queue: kill job %d: %w", job.ID, result.Error)
	}
	return nil
}

// Requeue returns a leased job to the pool after delay without consuming
// an attempt. Used when a worker loses the conversation-lock race: the
// loser backs off instead of blocking.
func (q *Queue) Requeue(job *models.OrchestrationJob, delay time.Duration) error {
	result := q.db.Model(&models.OrchestrationJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobLeased).
		Updates(map[string]interface{}{
			"status":           models.JobPending,
			"run_at":           time.Now().Add(delay),
			"leased_by":        "",
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("queue: requeue job %d: %w", job.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: requeue job %d: not leased", job.ID)
	}
	return nil
}

// ReapExpiredLeases returns crashed workers' jobs to the pool. A reaped
// lease counts as a failed attempt so a job that keeps killing its worker
// eventually lands in the dead set instead of cycling forever.
func (q *Queue) ReapExpiredLeases() (int, error) {
	var expired []models.OrchestrationJob
	if err := q.db.Where("status = ? AND lease_expires_at <= ?", models.JobLeased, time.Now()).
		Find(&expired).Error; err != nil {
		return 0, fmt.Errorf("queue: find expired leases: %w", err)
	}

	reaped := 0
	for i := range expired {
		if _, err := q.Fail(&expired[i], errors.New("lease expired")); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// DeadJobs returns permanently failed jobs, newest first, for inspection.
func (q *Queue) DeadJobs(limit int) ([]models.OrchestrationJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []models.OrchestrationJob
	if err := q.db.Where("status = ?", models.JobDead).
		Order("id DESC").Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("queue: dead jobs: %w", err)
	}
	return jobs, nil
}
