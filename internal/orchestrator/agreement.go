package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/psychophant/arena/internal/events"
	"github.com/psychophant/arena/internal/models"
	"github.com/psychophant/arena/internal/queue"
	"github.com/psychophant/arena/internal/session"
)

// Force-agreement phases. The protocol is a fixed four-step ladder, so it
// terminates no matter how stubborn the agents are: resolution synthesizes
// a summary whether or not consensus was reached.
const (
	phaseAnnouncement = 1
	phaseRestatement  = 2
	phaseNegotiation  = 3
	phaseResolution   = 4
)

// agreementMarkers are scanned case-insensitively in negotiation output to
// detect an agent conceding.
var agreementMarkers = []string{"i agree", "we agree", "i concede", "common ground"}

func (w *Worker) handleForceAgreementPhase(ctx context.Context, job *models.OrchestrationJob, p *queue.ForceAgreementPhasePayload) error {
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
			return &InvalidTransitionError{ConversationID: conv.ID,
				Reason: "force_agreement without session state"}
		}

		switch sess.Status {
		case models.SessionCompleted:
			return nil
		case models.SessionPaused:
			log.Printf("worker %s: force_agreement phase %d parked with conversation %s", w.ID, p.Phase, conv.ID)
			return nil
		}

		if p.Phase == phaseAnnouncement {
			if sess.Status == models.SessionForceAgreement && sess.ForceAgreementPhase != nil &&
				*sess.ForceAgreementPhase > phaseAnnouncement {
				// Duplicate announcement after the protocol already advanced.
				return nil
			}
		} else {
			if sess.Status != models.SessionForceAgreement {
				return &InvalidTransitionError{ConversationID: conv.ID,
					Reason: fmt.Sprintf("force_agreement phase %d from status %q", p.Phase, sess.Status)}
			}
		}

		switch p.Phase {
		case phaseAnnouncement:
			return w.phaseAnnouncement(conv)
		case phaseRestatement:
			return w.phaseRestatement(ctx, job, conv, sess)
		case phaseNegotiation:
			return w.phaseNegotiation(ctx, job, conv, sess)
		case phaseResolution:
			return w.phaseResolution(ctx, job, conv, sess)
		default:
			return &InvalidTransitionError{ConversationID: conv.ID,
				Reason: fmt.Sprintf("force_agreement phase %d out of range", p.Phase)}
		}
	})
}

// phaseAnnouncement flips the session into the protocol and schedules the
// first generation phase. No agent speaks here.
func (w *Worker) phaseAnnouncement(conv *models.Conversation) error {
	if err := w.sessions.Set(conv.ID, session.Update{
		Status:              session.String(models.SessionForceAgreement),
		ForceAgreementPhase: session.IntField(phaseAnnouncement),
	}); err != nil {
		return err
	}
	w.publishConv(conv.ID, events.ForceAgreementPhase(phaseAnnouncement, "announcement",
		"The moderator has called for agreement. Agents will restate their positions and seek common ground."))
	_, err := w.queue.ForceAgreementPhase(conv.ID, phaseRestatement)
	return err
}

// phaseRestatement has every participant restate its position in two or
// three sentences before negotiation begins.
func (w *Worker) phaseRestatement(ctx context.Context, job *models.OrchestrationJob, conv *models.Conversation, sess *models.SessionState) error {
	if err := w.sessions.Set(conv.ID, session.Update{
		ForceAgreementPhase: session.IntField(phaseRestatement),
	}); err != nil {
		return err
	}
	w.publishConv(conv.ID, events.ForceAgreementPhase(phaseRestatement, "position_restatement",
		"Each agent restates its core position."))

	instruction := "The moderator has called for agreement. Restate your core position in two or three sentences. Do not argue; just state where you stand."
	for i, part := range conv.Participants {
		w.publishConv(conv.ID, events.TurnChange(part.AgentID, part.Agent.Name, sess.CurrentRound))
		ref := phaseRef(job, i)
		if err := w.runAgentTurn(ctx, conv, part.Agent, sess.CurrentRound, ref, nil, instruction); err != nil {
			return err
		}
	}
	_, err := w.queue.ForceAgreementPhase(conv.ID, phaseNegotiation)
	return err
}

// phaseNegotiation has every participant respond to the restated positions.
// Output is scanned for agreement markers; a partial coalition is reported,
// and resolution follows either way.
func (w *Worker) phaseNegotiation(ctx context.Context, job *models.OrchestrationJob, conv *models.Conversation, sess *models.SessionState) error {
	if err := w.sessions.Set(conv.ID, session.Update{
		ForceAgreementPhase: session.IntField(phaseNegotiation),
	}); err != nil {
		return err
	}
	w.publishConv(conv.ID, events.ForceAgreementPhase(phaseNegotiation, "negotiation",
		"Agents respond to each other's positions and seek common ground."))

	instruction := "Review the restated positions above. Where you genuinely agree, say so explicitly, for example \"I agree that ...\". Where you still differ, name the single most important disagreement."
	var agreed []string
	for i, part := range conv.Participants {
		w.publishConv(conv.ID, events.TurnChange(part.AgentID, part.Agent.Name, sess.CurrentRound))
		ref := phaseRef(job, i)
		if err := w.runAgentTurn(ctx, conv, part.Agent, sess.CurrentRound, ref, nil, instruction); err != nil {
			return err
		}
		content, err := w.lastAgentMessage(conv.ID, part.AgentID)
		if err != nil {
			return err
		}
		if detectAgreement(content) {
			agreed = append(agreed, part.AgentID)
		}
	}

	if len(agreed) >= 2 && len(agreed) < len(conv.Participants) {
		w.publishConv(conv.ID, events.CoalitionDetected(agreed, conv.Topic))
	}
	_, err := w.queue.ForceAgreementPhase(conv.ID, phaseResolution)
	return err
}

// phaseResolution synthesizes a closing summary through the first
// participant and completes the conversation.
func (w *Worker) phaseResolution(ctx context.Context, job *models.OrchestrationJob, conv *models.Conversation, sess *models.SessionState) error {
	if err := w.sessions.Set(conv.ID, session.Update{
		ForceAgreementPhase: session.IntField(phaseResolution),
	}); err != nil {
		return err
	}
	w.publishConv(conv.ID, events.ForceAgreementPhase(phaseResolution, "resolution",
		"Negotiation has ended. A final summary of the outcome follows."))

	if len(conv.Participants) == 0 {
		return &InvalidTransitionError{ConversationID: conv.ID, Reason: "resolution with no participants"}
	}
	synthesizer := conv.Participants[0]
	instruction := "Write a neutral closing summary of this conversation: the points all participants agreed on, and the disagreements that remain. Write in the third person, four sentences at most."
	w.publishConv(conv.ID, events.TurnChange(synthesizer.AgentID, synthesizer.Agent.Name, sess.CurrentRound))
	if err := w.runAgentTurn(ctx, conv, synthesizer.Agent, sess.CurrentRound, phaseRef(job, 0), nil, instruction); err != nil {
		return err
	}
	summary, err := w.lastAgentMessage(conv.ID, synthesizer.AgentID)
	if err != nil {
		return err
	}
	return w.completeConversation(conv, summary)
}

// phaseRef derives a per-agent ledger reference inside a multi-generation
// phase job, so a retried phase replays each charge idempotently.
func phaseRef(job *models.OrchestrationJob, index int) string {
	return fmt.Sprintf("job-%d-agent-%d", job.ID, index)
}

func (w *Worker) lastAgentMessage(conversationID, agentID string) (string, error) {
	var msg models.ConversationMessage
	err := w.db.Where("conversation_id = ? AND agent_id = ?", conversationID, agentID).
		Order("id DESC").
		First(&msg).Error
	if err != nil {
		return "", fmt.Errorf("orchestrator: last message for agent %s: %w", agentID, err)
	}
	return msg.Content, nil
}

func detectAgreement(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range agreementMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
