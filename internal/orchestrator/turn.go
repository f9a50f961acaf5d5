package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/psychophant/arena/internal/events"
	"github.com/psychophant/arena/internal/ledger"
	"github.com/psychophant/arena/internal/lock"
	"github.com/psychophant/arena/internal/models"
	"github.com/psychophant/arena/internal/provider"
	"github.com/psychophant/arena/internal/queue"
	"github.com/psychophant/arena/internal/session"
	"gorm.io/gorm"
)

// withLock runs fn while holding the conversation's lease. Losing the
// acquisition race returns errLockContention so the job requeues with a
// short delay instead of blocking.
func (w *Worker) withLock(conversationID string, fn func() error) error {
	key := lock.Key(conversationID)
	token, ok, err := lock.Acquire(w.db, key, w.opts.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return errLockContention
	}
	defer func() {
		if rerr := lock.Release(w.db, key, token); rerr != nil {
			// Expired mid-turn: the next holder is already safe to proceed.
			log.Printf("worker %s: release %s: %v", w.ID, key, rerr)
		}
	}()
	return fn()
}

// loadConversation fetches the conversation with its participants in turn
// order, agents included.
func (w *Worker) loadConversation(conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := w.db.
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Participants.Agent").
		Where("id = ?", conversationID).
		First(&conv).Error
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load conversation %s: %w", conversationID, err)
	}
	return &conv, nil
}

func (w *Worker) handleStartConversation(ctx context.Context, job *models.OrchestrationJob, p *queue.StartConversationPayload) error {
	return w.withLock(p.ConversationID, func() error {
		conv, err := w.loadConversation(p.ConversationID)
		if err != nil {
			return &InvalidTransitionError{ConversationID: p.ConversationID, Reason: err.Error()}
		}
		if len(conv.Participants) == 0 {
			return &InvalidTransitionError{ConversationID: conv.ID, Reason: "conversation has no participants"}
		}

		sess, err := w.sessions.Get(conv.ID)
		if err != nil {
			return err
		}
		fresh := sess == nil
		retrying := sess != nil && sess.Status == models.SessionGenerating && sess.CurrentRound == 1
		if !fresh && !retrying {
			return &InvalidTransitionError{ConversationID: conv.ID,
				Reason: fmt.Sprintf("start on already-started conversation (status %s)", sess.Status)}
		}

		if fresh && p.InitialPrompt != "" {
			prompt := models.ConversationMessage{
				ID:             models.MustNewID("msg"),
				ConversationID: conv.ID,
				Role:           models.RoleUser,
				Content:        p.InitialPrompt,
			}
			if err := w.db.Create(&prompt).Error; err != nil {
				return fmt.Errorf("orchestrator: persist initial prompt: %w", err)
			}
		}
		if err := w.db.Model(&models.Conversation{}).
			Where("id = ?", conv.ID).
			Update("status", models.SessionActive).Error; err != nil {
			return fmt.Errorf("orchestrator: activate conversation %s: %w", conv.ID, err)
		}

		first := conv.Participants[0]
		if err := w.sessions.Set(conv.ID, session.Update{
			Status:         session.String(models.SessionGenerating),
			CurrentAgentID: session.StringField(first.AgentID),
			CurrentRound:   session.Int(1),
			LockedAt:       session.TimeField(time.Now()),
		}); err != nil {
			return err
		}
		w.publishConv(conv.ID, events.TurnChange(first.AgentID, first.Agent.Name, 1))

		if err := w.runAgentTurn(ctx, conv, first.Agent, 1, jobRef(job), nil, ""); err != nil {
			return err
		}
		return w.afterTurn(conv, 0, 1)
	})
}

func (w *Worker) handleNextTurn(ctx context.Context, job *models.OrchestrationJob, p *queue.NextTurnPayload) error {
	return w.withLock(p.ConversationID, func() error {
		conv, err := w.loadConversation(p.ConversationID)
		if err != nil {
			return &InvalidTransitionError{ConversationID: p.ConversationID, Reason: err.Error()}
		}
		sess, err := w.sessions.Get(conv.ID)
		if err != nil {
			return err
		}
		if sess == nil {
			return &InvalidTransitionError{ConversationID: conv.ID, Reason: "next_turn without session state"}
		}

		switch sess.Status {
		case models.SessionPaused, models.SessionCompleted, models.SessionWaitingForInput,
			models.SessionForceAgreement:
			// Paused cancels the turn until resume; the rest are stale or
			// gated duplicates. All are safe no-ops.
			return nil
		case models.SessionActive, models.SessionGenerating:
		default:
			return &InvalidTransitionError{ConversationID: conv.ID,
				Reason: fmt.Sprintf("next_turn from status %q", sess.Status)}
		}

		parts := conv.Participants
		idx := participantIndex(parts, sess.CurrentAgentID)
		turnIdx := 0
		if idx >= 0 {
			if sess.Status == models.SessionGenerating {
				// A previous attempt died mid-turn; redo the same speaker.
				turnIdx = idx
			} else {
				turnIdx = (idx + 1) % len(parts)
			}
		}
		round := sess.CurrentRound
		speaker := parts[turnIdx]

		if err := w.sessions.Set(conv.ID, session.Update{
			Status:         session.String(models.SessionGenerating),
			CurrentAgentID: session.StringField(speaker.AgentID),
			LockedAt:       session.TimeField(time.Now()),
		}); err != nil {
			return err
		}
		w.publishConv(conv.ID, events.TurnChange(speaker.AgentID, speaker.Agent.Name, round))

		if err := w.runAgentTurn(ctx, conv, speaker.Agent, round, jobRef(job), sess.PendingInterjection, ""); err != nil {
			return err
		}
		if sess.PendingInterjection != nil {
			if err := w.sessions.Set(conv.ID, session.Update{PendingInterjection: session.ClearString()}); err != nil {
				return err
			}
		}
		return w.afterTurn(conv, turnIdx, round)
	})
}

func (w *Worker) handleProcessInterjection(ctx context.Context, job *models.OrchestrationJob, p *queue.ProcessInterjectionPayload) error {
	return w.withLock(p.ConversationID, func() error {
		sess, err := w.sessions.Get(p.ConversationID)
		if err != nil {
			return err
		}
		if sess == nil {
			return &InvalidTransitionError{ConversationID: p.ConversationID,
				Reason: "interjection without session state"}
		}
		if sess.Status == models.SessionCompleted {
			log.Printf("worker %s: dropping interjection for completed conversation %s", w.ID, p.ConversationID)
			return nil
		}

		row := models.ConversationMessage{
			ID:             models.MustNewID("msg"),
			ConversationID: p.ConversationID,
			Role:           models.RoleUser,
			Content:        p.Content,
			Round:          sess.CurrentRound,
		}
		if err := w.db.Create(&row).Error; err != nil {
			return fmt.Errorf("orchestrator: persist interjection: %w", err)
		}

		update := session.Update{PendingInterjection: session.StringField(p.Content)}
		resume := sess.Status == models.SessionWaitingForInput
		if resume {
			update.Status = session.String(models.SessionActive)
		}
		if err := w.sessions.Set(p.ConversationID, update); err != nil {
			return err
		}
		if resume {
			if _, err := w.queue.NextTurn(p.ConversationID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Worker) handleResumeConversation(ctx context.Context, job *models.OrchestrationJob, p *queue.ResumeConversationPayload) error {
	return w.withLock(p.ConversationID, func() error {
		sess, err := w.sessions.Get(p.ConversationID)
		if err != nil {
			return err
		}
		if sess == nil || sess.Status != models.SessionPaused {
			status := "absent"
			if sess != nil {
				status = sess.Status
			}
			return &InvalidTransitionError{ConversationID: p.ConversationID,
				Reason: fmt.Sprintf("resume from status %q, only paused can resume", status)}
		}

		if err := w.sessions.Set(p.ConversationID, session.Update{
			Status: session.String(models.SessionActive),
		}); err != nil {
			return err
		}
		if err := w.db.Model(&models.Conversation{}).
			Where("id = ?", p.ConversationID).
			Update("status", models.SessionActive).Error; err != nil {
			return fmt.Errorf("orchestrator: reactivate conversation %s: %w", p.ConversationID, err)
		}
		_, err = w.queue.NextTurn(p.ConversationID)
		return err
	})
}

// afterTurn applies round accounting after a successful turn by the
// participant at turnIdx and schedules what follows.
func (w *Worker) afterTurn(conv *models.Conversation, turnIdx, round int) error {
	if turnIdx == len(conv.Participants)-1 {
		w.publishConv(conv.ID, events.RoundComplete(round))

		if round >= conv.TotalRounds {
			return w.completeConversation(conv, "")
		}
		if conv.Gated() {
			if err := w.sessions.Set(conv.ID, session.Update{
				Status:       session.String(models.SessionWaitingForInput),
				CurrentRound: session.Int(round + 1),
				LockedAt:     session.ClearTime(),
			}); err != nil {
				return err
			}
			return nil
		}
		round++
	}

	if err := w.sessions.Set(conv.ID, session.Update{
		Status:       session.String(models.SessionActive),
		CurrentRound: session.Int(round),
		LockedAt:     session.ClearTime(),
	}); err != nil {
		return err
	}
	_, err := w.queue.NextTurn(conv.ID)
	return err
}

// completeConversation is the single terminal transition.
func (w *Worker) completeConversation(conv *models.Conversation, summary string) error {
	if err := w.sessions.Set(conv.ID, session.Update{
		Status:   session.String(models.SessionCompleted),
		LockedAt: session.ClearTime(),
	}); err != nil {
		return err
	}
	now := time.Now()
	if err := w.db.Model(&models.Conversation{}).
		Where("id = ?", conv.ID).
		Updates(map[string]interface{}{
			"status":       models.SessionCompleted,
			"completed_at": now,
		}).Error; err != nil {
		return fmt.Errorf("orchestrator: complete conversation %s: %w", conv.ID, err)
	}

	var totalCost int
	w.db.Model(&models.Conversation{}).
		Where("id = ?", conv.ID).
		Pluck("total_cost_cents", &totalCost)
	w.publishConv(conv.ID, events.ConversationComplete(totalCost, summary))
	return nil
}

// runAgentTurn performs one agent generation: credit pre-check, provider
// call, token streaming, message persistence, and the idempotent charge.
// Every mutation lands after the external call succeeds, so a crash before
// commit leaves the session consistent for the retried job.
func (w *Worker) runAgentTurn(ctx context.Context, conv *models.Conversation, agent models.Agent,
	round int, referenceID string, pending *string, instruction string) error {

	enough, err := w.ledger.CheckSufficient(conv.UserID, w.opts.MinimumBalanceCents)
	if err != nil {
		return err
	}
	if !enough {
		return &ledger.InsufficientBalanceError{UserID: conv.UserID, RequestedCents: w.opts.MinimumBalanceCents}
	}

	var history []models.ConversationMessage
	if err := w.db.Where("conversation_id = ?", conv.ID).
		Order("id ASC").
		Find(&history).Error; err != nil {
		return fmt.Errorf("orchestrator: load history for %s: %w", conv.ID, err)
	}

	messages := buildPrompt(conv, agent, history, pending, instruction)

	cctx, cancel := context.WithTimeout(ctx, w.opts.TurnTimeout)
	defer cancel()
	completion, err := w.provider.Complete(cctx, agent.Model, messages, conv.MaxTokens)
	if err != nil {
		return err
	}

	messageID := models.MustNewID("msg")
	w.publishConv(conv.ID, events.MessageStart(agent.ID, messageID))
	for i, token := range splitTokens(completion.Content) {
		w.publishConv(conv.ID, events.MessageToken(messageID, token, i))
	}

	agentID := agent.ID
	row := models.ConversationMessage{
		ID:             messageID,
		ConversationID: conv.ID,
		AgentID:        &agentID,
		Role:           models.RoleAgent,
		Content:        completion.Content,
		Round:          round,
		InputTokens:    completion.InputTokens,
		OutputTokens:   completion.OutputTokens,
		CostCents:      completion.CostCents,
	}
	if err := w.db.Create(&row).Error; err != nil {
		return fmt.Errorf("orchestrator: persist message: %w", err)
	}
	w.publishConv(conv.ID, events.MessageComplete(messageID, completion.Content,
		completion.InputTokens, completion.OutputTokens, completion.CostCents))

	if completion.CostCents > 0 {
		if _, err := w.ledger.Deduct(conv.UserID, completion.CostCents, referenceID); err != nil {
			return err
		}
		if err := w.db.Model(&models.Conversation{}).
			Where("id = ?", conv.ID).
			Update("total_cost_cents", gorm.Expr("total_cost_cents + ?", completion.CostCents)).Error; err != nil {
			return fmt.Errorf("orchestrator: accumulate cost for %s: %w", conv.ID, err)
		}
	}
	return nil
}

// jobRef is the ledger reference for a job's charge. Retries replay the
// same job ID, which is what pins the deduction to exactly once.
func jobRef(job *models.OrchestrationJob) string {
	return fmt.Sprintf("job-%d", job.ID)
}

func participantIndex(parts []models.ConversationParticipant, agentID *string) int {
	if agentID == nil {
		return -1
	}
	for i := range parts {
		if parts[i].AgentID == *agentID {
			return i
		}
	}
	return -1
}

// buildPrompt assembles the provider message list for one agent turn: the
// agent's own persona plus conversation framing, then the shared history
// from this agent's point of view, then any pending user interjection.
func buildPrompt(conv *models.Conversation, agent models.Agent,
	history []models.ConversationMessage, pending *string, instruction string) []provider.Message {

	names := make(map[string]string, len(conv.Participants))
	for _, p := range conv.Participants {
		names[p.AgentID] = p.Agent.Name
	}

	var sys strings.Builder
	sys.WriteString(agent.SystemPrompt)
	if sys.Len() > 0 {
		sys.WriteString("\n\n")
	}
	sys.WriteString(modeFraming(conv))
	messages := []provider.Message{{Role: "system", Content: sys.String()}}

	for _, m := range history {
		switch {
		case m.AgentID != nil && *m.AgentID == agent.ID:
			messages = append(messages, provider.Message{Role: "assistant", Content: m.Content})
		case m.AgentID != nil:
			name := names[*m.AgentID]
			if name == "" {
				name = *m.AgentID
			}
			messages = append(messages, provider.Message{Role: "user", Content: name + ": " + m.Content})
		default:
			messages = append(messages, provider.Message{Role: "user", Content: "User: " + m.Content})
		}
	}

	if pending != nil && *pending != "" {
		messages = append(messages, provider.Message{
			Role:    "user",
			Content: "The user interjects: " + *pending,
		})
	}
	if instruction != "" {
		messages = append(messages, provider.Message{Role: "user", Content: instruction})
	}
	return messages
}

func modeFraming(conv *models.Conversation) string {
	switch conv.Mode {
	case models.ModeCollaboration:
		return fmt.Sprintf("You are collaborating with other AI agents on: %s. Build on the others' contributions.", conv.Topic)
	case models.ModeArena:
		return fmt.Sprintf("You are competing in a live arena conversation on: %s. The audience votes on the winner.", conv.Topic)
	default:
		return fmt.Sprintf("You are in a structured debate on: %s. Take a clear position and challenge the other participants.", conv.Topic)
	}
}

// splitTokens chunks completed content into word-sized pieces for the
// incremental stream. Observers reassemble by concatenation.
func splitTokens(content string) []string {
	fields := strings.Fields(content)
	tokens := make([]string, 0, len(fields))
	for i, f := range fields {
		if i < len(fields)-1 {
			tokens = append(tokens, f+" ")
		} else {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
