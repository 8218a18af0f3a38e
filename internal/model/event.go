package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// EventStatus is the processing status of a domain event.
type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusProcessed EventStatus = "processed"
	EventStatusFailed    EventStatus = "failed"
)

// Terminal reports whether the status admits no further transition.
func (s EventStatus) Terminal() bool {
	return s == EventStatusProcessed || s == EventStatusFailed
}

// Event types emitted by the core. Dotted names, subsystem first.
const (
	EventLeadCreated          = "lead.created"
	EventMessageReceived      = "message.received"
	EventMessageSent          = "message.sent"
	EventSendFailed           = "send.failed"
	EventSequenceStepExecuted = "sequence.step_executed"
	EventSequenceStalled      = "sequence.stalled"
	EventSequenceGhosted      = "sequence.ghosted"
	EventSequenceReactivate   = "sequence.reactivate"
	EventAutopilotActionDue   = "autopilot.action_due"
	EventCompactionDue        = "memory.compaction_due"
	EventIdentityReviewQueued = "identity.review_queued"
)

// MaxErrorMessageLen bounds the persisted failure text.
const MaxErrorMessageLen = 4000

// Event is an append-only domain fact. Only the terminal status and its
// timestamps are ever mutated after insert.
type Event struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID      uuid.UUID      `gorm:"type:uuid;not null;index:idx_events_tenant_type_created" json:"tenant_id"`
	Type          string         `gorm:"not null;index:idx_events_tenant_type_created" json:"type"`
	Payload       datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	Source        string         `gorm:"not null" json:"source"`
	Status        EventStatus    `gorm:"not null;default:'pending'" json:"status"`
	CorrelationID uuid.UUID      `gorm:"type:uuid;not null;index" json:"correlation_id"`
	CausationID   *uuid.UUID     `gorm:"type:uuid" json:"causation_id,omitempty"`
	RequestID     *string        `json:"request_id,omitempty"`
	Meta          datatypes.JSON `gorm:"type:jsonb" json:"meta,omitempty"`
	CreatedAt     time.Time      `gorm:"index:idx_events_tenant_type_created" json:"created_at"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	ErrorMessage  *string        `gorm:"size:4000" json:"error_message,omitempty"`
}
