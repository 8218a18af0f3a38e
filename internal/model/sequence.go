package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// StepCondition gates a follow-up step on the lead's recent interactions.
type StepCondition string

const (
	ConditionAlways          StepCondition = "always"
	ConditionNoReply         StepCondition = "no_reply"
	ConditionRepliedPositive StepCondition = "replied_positive"
	ConditionRepliedNegative StepCondition = "replied_negative"
)

// SequenceStatus is the per-lead cursor status through a sequence.
type SequenceStatus string

const (
	SequenceNotStarted      SequenceStatus = "not_started"
	SequenceInProgress      SequenceStatus = "in_progress"
	SequenceWaitingResponse SequenceStatus = "waiting_response"
	SequenceCompleted       SequenceStatus = "completed"
	SequenceStopped         SequenceStatus = "stopped"
	SequencePaused          SequenceStatus = "paused"
	SequenceGhosted         SequenceStatus = "ghosted"
)

// Terminal reports whether the status admits no further transition.
func (s SequenceStatus) Terminal() bool {
	return s == SequenceCompleted || s == SequenceStopped
}

// TriggerKeyReactivation enrolls ghosted leads into their comeback sequence.
const TriggerKeyReactivation = "ghosted_reactivation"

// FollowUpSequence is an immutable published sequence definition. Edits
// create a new version.
type FollowUpSequence struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name       string         `gorm:"not null" json:"name"`
	TriggerKey string         `gorm:"index" json:"trigger_key"`
	Steps      []FollowUpStep `gorm:"foreignKey:SequenceID" json:"steps"`
	IsActive   bool           `gorm:"default:true" json:"is_active"`
	IsDefault  bool           `gorm:"default:false" json:"is_default"`
	Version    int            `gorm:"default:1" json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
}

// FollowUpStep is one ordered step of a sequence. OrderIndex is 0-based and
// dense.
type FollowUpStep struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SequenceID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"sequence_id"`
	OrderIndex    int            `gorm:"not null" json:"order_index"`
	DayOffset     int            `gorm:"not null" json:"day_offset"` // >= 0, 0 fires immediately
	Channel       ChannelType    `gorm:"not null" json:"channel"`
	TemplateKey   string         `gorm:"not null" json:"template_key"`
	Condition     StepCondition  `gorm:"not null;default:'always'" json:"condition"`
	ConditionExpr datatypes.JSON `gorm:"type:jsonb" json:"condition_expr,omitempty"` // JSON-logic form
}

// SequenceState is the per-(lead, sequence) cursor. At most one non-terminal
// state exists per pair.
type SequenceState struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID            uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	LeadID              uuid.UUID      `gorm:"type:uuid;not null;index" json:"lead_id"`
	SequenceID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"sequence_id"`
	Status              SequenceStatus `gorm:"not null;default:'not_started';index" json:"status"`
	CurrentStepIndex    int            `gorm:"default:0" json:"current_step_index"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	LastStepScheduledAt *time.Time     `json:"last_step_scheduled_at,omitempty"`
	LastStepCompletedAt *time.Time     `json:"last_step_completed_at,omitempty"`
	LastInteractionType string         `json:"last_interaction_type,omitempty"`
	PausedUntil         *time.Time     `json:"paused_until,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	NextActionAt        *time.Time     `gorm:"index" json:"next_action_at,omitempty"`
	ReactivateAt        *time.Time     `gorm:"index" json:"reactivate_at,omitempty"`
	HoldCount           int            `gorm:"default:0" json:"hold_count"`
	Version             int            `gorm:"default:0" json:"version"` // optimistic concurrency
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// StepAttempt is the deduplication record making step execution idempotent.
// (state_id, step_index, action) is unique; a repeat within the retry window
// returns the stored outcome.
type StepAttempt struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	StateID   uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_step_attempt" json:"state_id"`
	StepIndex int            `gorm:"not null;uniqueIndex:idx_step_attempt" json:"step_index"`
	Action    string         `gorm:"not null;uniqueIndex:idx_step_attempt" json:"action"`
	Outcome   datatypes.JSON `gorm:"type:jsonb" json:"outcome,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
