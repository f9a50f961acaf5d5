// Package orchestrator implements the turn workers that advance multi-agent
// conversations. Workers pull jobs from the shared queue; per-conversation
// serialization comes from the conversation lock, never from queue
// partitioning, so two workers may race for the same conversation and the
// loser backs off with a short requeue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/psychophant/arena/internal/events"
	"github.com/psychophant/arena/internal/ledger"
	"github.com/psychophant/arena/internal/models"
	"github.com/psychophant/arena/internal/provider"
	"github.com/psychophant/arena/internal/queue"
	"github.com/psychophant/arena/internal/session"
	"gorm.io/gorm"
)

// Stable error codes carried on published error events.
const (
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeProviderError       = "PROVIDER_ERROR"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeRetryExhausted      = "RETRY_EXHAUSTED"
)

// contentionDelay is how long a lock-race loser backs off before its job
// becomes runnable again.
const contentionDelay = 2 * time.Second

// errLockContention marks the expected race of two workers claiming jobs
// for the same conversation. Not a failure: the job requeues without
// consuming an attempt.
var errLockContention = errors.New("orchestrator: conversation lock held")

// InvalidTransitionError reports a job that is inconsistent with the
// conversation's session state: a programming or data-integrity fault.
// The job dies without retry and the conversation is parked for manual
// recovery.
type InvalidTransitionError struct {
	ConversationID string
	Reason         string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("orchestrator: invalid transition for %s: %s", e.ConversationID, e.Reason)
}

// Notifier escalates terminal conversation failures to operators.
// Implementations must be best-effort and non-blocking.
type Notifier interface {
	ConversationPaused(conversationID, code, message string)
}

// Options tunes a worker.
type Options struct {
	LockTTL      time.Duration
	TurnTimeout  time.Duration
	PollInterval time.Duration
	LeaseTTL     time.Duration

	// MinimumBalanceCents is the balance floor checked before each turn.
	MinimumBalanceCents int
}

func (o *Options) applyDefaults() {
	if o.LockTTL <= 0 {
		o.LockTTL = 60 * time.Second
	}
	if o.MinimumBalanceCents <= 0 {
		o.MinimumBalanceCents = 1
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = 45 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = queue.DefaultLeaseTTL
	}
}

// Worker consumes orchestration jobs and drives the conversation state
// machine.
type Worker struct {
	ID       string
	db       *gorm.DB
	queue    *queue.Queue
	sessions *session.Store
	ledger   *ledger.Ledger
	provider provider.CompletionProvider
	pub      events.Publisher
	notifier Notifier
	opts     Options
}

// NewWorker wires a worker. notifier may be nil.
func NewWorker(db *gorm.DB, q *queue.Queue, sessions *session.Store, l *ledger.Ledger,
	p provider.CompletionProvider, pub events.Publisher, notifier Notifier, opts Options) (*Worker, error) {
	id, err := models.NewID("wrk")
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	opts.applyDefaults()
	return &Worker{
		ID:       id,
		db:       db,
		queue:    q,
		sessions: sessions,
		ledger:   l,
		provider: p,
		pub:      pub,
		notifier: notifier,
		opts:     opts,
	}, nil
}

// Run pulls and processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	fmt.Fprintf(out, "Worker %s starting (poll every %s)\n", w.ID, w.opts.PollInterval)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "Worker %s stopping\n", w.ID)
			return nil
		default:
		}

		job, err := w.queue.Claim(w.ID, w.opts.LeaseTTL)
		if err != nil {
			log.Printf("worker %s: claim: %v", w.ID, err)
			sleepCtx(ctx, w.opts.PollInterval)
			continue
		}
		if job == nil {
			sleepCtx(ctx, w.opts.PollInterval)
			continue
		}
		w.Process(ctx, job)
	}
}

// Process runs one claimed job through its handler and resolves the lease
// according to the error taxonomy.
func (w *Worker) Process(ctx context.Context, job *models.OrchestrationJob) {
	err := w.dispatch(ctx, job)
	if err == nil {
		if cerr := w.queue.Complete(job); cerr != nil {
			log.Printf("worker %s: complete job %d: %v", w.ID, job.ID, cerr)
		}
		return
	}

	if errors.Is(err, errLockContention) {
		if rerr := w.queue.Requeue(job, contentionDelay); rerr != nil {
			log.Printf("worker %s: requeue job %d: %v", w.ID, job.ID, rerr)
		}
		return
	}

	var invalid *InvalidTransitionError
	if errors.As(err, &invalid) {
		log.Printf("worker %s: job %d: %v", w.ID, job.ID, err)
		if kerr := w.queue.Kill(job, err); kerr != nil {
			log.Printf("worker %s: kill job %d: %v", w.ID, job.ID, kerr)
		}
		w.parkConversation(job.ConversationID, CodeInvalidTransition, invalid.Reason)
		return
	}

	var insufficient *ledger.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		// User-visible, never retried: the user must top up and resume.
		if kerr := w.queue.Kill(job, err); kerr != nil {
			log.Printf("worker %s: kill job %d: %v", w.ID, job.ID, kerr)
		}
		w.parkConversation(job.ConversationID, CodeInsufficientBalance,
			"Not enough credits to continue the conversation")
		return
	}

	// Everything else is transient (provider failures, store hiccups):
	// surface the error to observers and lean on the retry policy. The
	// provider code is reserved for actual provider failures.
	code := CodeInternalError
	var perr *provider.ProviderError
	if errors.As(err, &perr) {
		code = CodeProviderError
	}
	log.Printf("worker %s: job %d (%s): %v", w.ID, job.ID, job.JobType, err)
	w.publishConv(job.ConversationID, events.Error(code, err.Error()))

	retried, ferr := w.queue.Fail(job, err)
	if ferr != nil {
		log.Printf("worker %s: fail job %d: %v", w.ID, job.ID, ferr)
		return
	}
	if !retried {
		w.parkConversation(job.ConversationID, CodeRetryExhausted,
			fmt.Sprintf("Job %s failed after %d attempts", job.JobType, job.MaxAttempts))
	}
}

// dispatch decodes the tagged payload union and routes to the handler.
func (w *Worker) dispatch(ctx context.Context, job *models.OrchestrationJob) error {
	decoded, err := queue.DecodePayload(job)
	if err != nil {
		return &InvalidTransitionError{ConversationID: job.ConversationID, Reason: err.Error()}
	}

	switch p := decoded.(type) {
	case *queue.StartConversationPayload:
		return w.handleStartConversation(ctx, job, p)
	case *queue.NextTurnPayload:
		return w.handleNextTurn(ctx, job, p)
	case *queue.ProcessInterjectionPayload:
		return w.handleProcessInterjection(ctx, job, p)
	case *queue.ForceAgreementPhasePayload:
		return w.handleForceAgreementPhase(ctx, job, p)
	case *queue.ResumeConversationPayload:
		return w.handleResumeConversation(ctx, job, p)
	default:
		return &InvalidTransitionError{ConversationID: job.ConversationID,
			Reason: fmt.Sprintf("no handler for payload %T", decoded)}
	}
}

// parkConversation pauses a conversation after a terminal failure, emits
// the terminal error event, and escalates to operators.
func (w *Worker) parkConversation(conversationID, code, message string) {
	if err := w.sessions.Set(conversationID, session.Update{
		Status:   session.String(models.SessionPaused),
		LockedAt: session.ClearTime(),
	}); err != nil {
		log.Printf("worker %s: park %s: %v", w.ID, conversationID, err)
	}
	if err := w.db.Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("status", models.SessionPaused).Error; err != nil {
		log.Printf("worker %s: park %s: %v", w.ID, conversationID, err)
	}
	w.publishConv(conversationID, events.Error(code, message))
	if w.notifier != nil {
		w.notifier.ConversationPaused(conversationID, code, message)
	}
}

func (w *Worker) publishConv(conversationID string, evt events.Event) {
	if w.pub != nil {
		w.pub.Publish(events.ConversationTopic(conversationID), evt)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
