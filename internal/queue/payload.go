package queue

import (
	"encoding/json"
	"fmt"

	"github.com/psychophant/arena/internal/models"
)

// Job payloads form a tagged union keyed by Type. Payloads are immutable
// once enqueued; a retry resubmits the same bytes.

// StartConversationPayload seeds a new conversation.
type StartConversationPayload struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	InitialPrompt  string `json:"initialPrompt"`
}

// NextTurnPayload advances the conversation by one agent turn.
type NextTurnPayload struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// ProcessInterjectionPayload inserts an out-of-band user message.
type ProcessInterjectionPayload struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// ForceAgreementPhasePayload drives one phase of the force-agreement
// protocol.
type ForceAgreementPhasePayload struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Phase          int    `json:"phase"`
}

// ResumeConversationPayload restores a paused conversation.
type ResumeConversationPayload struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// DecodePayload decodes a job's payload into its typed form. The switch is
// exhaustive over the job types; anything else is a malformed job the
// caller must fail without retry.
func DecodePayload(job *models.OrchestrationJob) (any, error) {
	switch job.JobType {
	case models.JobStartConversation:
		var p StartConversationPayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return nil, fmt.Errorf("queue: decode %s payload: %w", job.JobType, err)
		}
		return &p, nil
	case models.JobNextTurn:
		var p NextTurnPayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return nil, fmt.Errorf("queue: decode %s payload: %w", job.JobType, err)
		}
		return &p, nil
	case models.JobProcessInterjection:
		var p ProcessInterjectionPayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return nil, fmt.Errorf("queue: decode %s payload: %w", job.JobType, err)
		}
		return &p, nil
	case models.JobForceAgreementPhase:
		var p ForceAgreementPhasePayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return nil, fmt.Errorf("queue: decode %s payload: %w", job.JobType, err)
		}
		return &p, nil
	case models.JobResumeConversation:
		var p ResumeConversationPayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return nil, fmt.Errorf("queue: decode %s payload: %w", job.JobType, err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("queue: unknown job type %q", job.JobType)
	}
}
