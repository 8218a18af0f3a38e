package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Direction marks who produced a message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role is the rendering-time view of a direction.
type Role string

const (
	RoleUser Role = "User"
	RoleAI   Role = "AI"
)

// RoleFor derives the prompt role from a message direction. The stored
// direction is the source of truth; roles exist only at render time.
func RoleFor(d Direction) Role {
	if d == DirectionInbound {
		return RoleUser
	}
	return RoleAI
}

// ContentType classifies message content.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeMedia    ContentType = "media"
	ContentTypeTemplate ContentType = "template"
)

// Message is an immutable conversation record. The bigint primary key is the
// per-lead insertion order; summary windows reference it as
// [start_message_id, end_message_id].
type Message struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	LeadID        uuid.UUID      `gorm:"type:uuid;not null;index:idx_messages_lead_created" json:"lead_id"`
	ChannelType   ChannelType    `gorm:"not null" json:"channel_type"`
	Direction     Direction      `gorm:"not null" json:"direction"`
	Content       string         `gorm:"type:text" json:"content"`
	ContentType   ContentType    `gorm:"not null;default:'text'" json:"content_type"`
	OriginEventID *uuid.UUID     `gorm:"type:uuid" json:"origin_event_id,omitempty"`
	Meta          datatypes.JSON `gorm:"type:jsonb" json:"meta,omitempty"`
	CreatedAt     time.Time      `gorm:"index:idx_messages_lead_created" json:"created_at"`
}

// ConversationSummary is the rolling compressed memory of a closed message
// window. Windows are non-overlapping and strictly increasing per lead.
type ConversationSummary struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	LeadID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"lead_id"`
	Summary        string         `gorm:"type:text;not null" json:"summary"`
	KeyFacts       datatypes.JSON `gorm:"type:jsonb" json:"key_facts,omitempty"`
	Sentiment      string         `json:"sentiment,omitempty"`
	StartMessageID int64          `gorm:"not null" json:"start_message_id"`
	EndMessageID   int64          `gorm:"not null" json:"end_message_id"`
	CreatedAt      time.Time      `json:"created_at"`
}

/// InteractionEmbedding is the cold-tier record: one embedded interaction.
// It lives in the vector index, keyed by the originating message id so each
// message is embedded at most once.
type InteractionEmbedding struct {
	MessageID       int64       `json:"message_id"`
	LeadID          uuid.UUID   `json:"lead_id"`
	TenantID        uuid.UUID   `json:"tenant_id"`
	Channel         ChannelType `json:"channel"`
	InteractionType string      `json:"interaction_type"`
	Content         string      `json:"content"`
	Summary         string      `json:"summary,omitempty"`
	Vector          []float32   `json:"-"`
	Topics          []string    `json:"topics,omitempty"`
	Sentiment       string      `json:"sentiment,omitempty"`
	InteractionAt   time.Time   `json:"interaction_at"`
}
