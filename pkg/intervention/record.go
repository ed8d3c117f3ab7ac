package intervention

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of help the orchestrator decided to offer.
type Type string

const (
	TypeTooltip             Type = "tooltip"
	TypeTutorialPrompt      Type = "tutorial_prompt"
	TypeEnhancedSupport     Type = "enhanced_support"
	TypePriorityOutreach    Type = "priority_outreach"
	TypePersonalizedMessage Type = "personalized_message"
)

// ChannelName identifies a delivery channel.
type ChannelName string

const (
	ChannelInApp       ChannelName = "in_app"
	ChannelPush        ChannelName = "push"
	ChannelEmail       ChannelName = "email"
	ChannelAgentTicket ChannelName = "agent_ticket"
)

// Trigger records which pipeline path produced the decision.
type Trigger string

const (
	TriggerStruggle Trigger = "struggle"
	TriggerRisk     Trigger = "risk"
)

// Status tracks the delivery lifecycle of a record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// Outcome is the effectiveness verdict for a delivered intervention.
type Outcome string

const (
	OutcomeUnknown     Outcome = "unknown"
	OutcomeEffective   Outcome = "effective"
	OutcomeIneffective Outcome = "ineffective"
)

// Record is one intervention decision and its delivery/outcome
// lifecycle. Records are persisted before dispatch so no decision is
// lost to a crash.
type Record struct {
	ID             string      `json:"id"`
	UserID         string      `json:"userId"`
	Type           Type        `json:"type"`
	Channel        ChannelName `json:"channel"`
	VariantID      string      `json:"variantId"`
	Trigger        Trigger     `json:"trigger"`
	TriggerFeature string      `json:"triggerFeature,omitempty"`
	TriggerBand    string      `json:"triggerBand,omitempty"`
	Message        string      `json:"message,omitempty"`
	Status         Status      `json:"status"`
	Outcome        Outcome     `json:"outcome"`
	CreatedAt      time.Time   `json:"createdAt"`
	DeliveredAt    time.Time   `json:"deliveredAt,omitempty"`
	OutcomeAt      time.Time   `json:"outcomeAt,omitempty"`
	// FollowUpUntil bounds the effectiveness window: the trigger
	// condition clearing before this instant marks the record
	// effective, the window elapsing marks it ineffective.
	FollowUpUntil time.Time `json:"followUpUntil"`
}

// NewRecord creates a pending record with a fresh id.
func NewRecord(userID string, typ Type, channel ChannelName, trigger Trigger) *Record {
	return &Record{
		ID:      uuid.NewString(),
		UserID:  userID,
		Type:    typ,
		Channel: channel,
		Trigger: trigger,
		Status:  StatusPending,
		Outcome: OutcomeUnknown,
	}
}
