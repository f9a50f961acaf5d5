// Package events defines the typed event set published during conversation
// orchestration and an in-memory topic broadcaster that fans events out to
// streaming subscribers.
package events

import (
	"fmt"
	"time"
)

// Event types. The set is closed: workers only publish these.
const (
	TypeMessageStart         = "message_start"
	TypeMessageToken         = "message_token"
	TypeMessageComplete      = "message_complete"
	TypeTurnChange           = "turn_change"
	TypeRoundComplete        = "round_complete"
	TypeConversationComplete = "conversation_complete"
	TypeForceAgreementPhase  = "force_agreement_phase"
	TypeCoalitionDetected    = "coalition_detected"
	TypeCreditUpdate         = "credit_update"
	TypeError                = "error"
)

// Event is a single fire-and-forget broadcast. Events are not persisted;
// downstream transports relay them verbatim to observers.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// ConversationTopic returns the topic for a conversation's event stream.
func ConversationTopic(conversationID string) string {
	return "conversation:" + conversationID
}

// UserCreditsTopic returns the topic for a user's credit updates.
func UserCreditsTopic(userID string) string {
	return fmt.Sprintf("user:%s:credits", userID)
}

func newEvent(eventType string, data map[string]any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}

// MessageStart signals that an agent has begun generating a message.
func MessageStart(agentID, messageID string) Event {
	return newEvent(TypeMessageStart, map[string]any{
		"agentId":   agentID,
		"messageId": messageID,
	})
}

// MessageToken carries one incremental chunk of a message being generated.
func MessageToken(messageID, token string, tokenIndex int) Event {
	return newEvent(TypeMessageToken, map[string]any{
		"messageId":  messageID,
		"token":      token,
		"tokenIndex": tokenIndex,
	})
}

// MessageComplete carries the full content and accounting for a finished
// message.
func MessageComplete(messageID, fullContent string, inputTokens, outputTokens, costCents int) Event {
	return newEvent(TypeMessageComplete, map[string]any{
		"messageId":    messageID,
		"fullContent":  fullContent,
		"inputTokens":  inputTokens,
		"outputTokens": outputTokens,
		"costCents":    costCents,
	})
}

// TurnChange announces the next speaker.
func TurnChange(nextAgentID, agentName string, round int) Event {
	return newEvent(TypeTurnChange, map[string]any{
		"nextAgentId": nextAgentID,
		"agentName":   agentName,
		"round":       round,
	})
}

// RoundComplete announces that every participant has spoken in the round.
func RoundComplete(roundNumber int) Event {
	return newEvent(TypeRoundComplete, map[string]any{
		"roundNumber": roundNumber,
	})
}

// ConversationComplete is the terminal event for a conversation. Summary is
// empty unless a force-agreement resolution synthesized one.
func ConversationComplete(totalCostCents int, summary string) Event {
	data := map[string]any{"totalCostCents": totalCostCents}
	if summary != "" {
		data["summary"] = summary
	}
	return newEvent(TypeConversationComplete, data)
}

// ForceAgreementPhase announces a phase transition in the force-agreement
// protocol.
func ForceAgreementPhase(phase int, phaseLabel, description string) Event {
	return newEvent(TypeForceAgreementPhase, map[string]any{
		"phase":       phase,
		"phaseLabel":  phaseLabel,
		"description": description,
	})
}

// CoalitionDetected reports agents that have converged on a shared position
// during force-agreement negotiation.
func CoalitionDetected(agentIDs []string, topic string) Event {
	return newEvent(TypeCoalitionDetected, map[string]any{
		"agentIds": agentIDs,
		"topic":    topic,
	})
}

// CreditUpdate carries a user's balance after a ledger mutation.
func CreditUpdate(freeCents, purchasedCents int) Event {
	return newEvent(TypeCreditUpdate, map[string]any{
		"freeCents":      freeCents,
		"purchasedCents": purchasedCents,
		"totalCents":     freeCents + purchasedCents,
	})
}

// Error carries a stable error code and a human-readable message.
func Error(code, message string) Event {
	return newEvent(TypeError, map[string]any{
		"code":    code,
		"message": message,
	})
}
