// Package model defines the typed records of the follow-up core.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ContactStatus tracks where a lead stands in the outreach lifecycle.
type ContactStatus string

const (
	ContactStatusNeverContacted ContactStatus = "never_contacted"
	ContactStatusAwaitingReply  ContactStatus = "awaiting_reply"
	ContactStatusInSequence     ContactStatus = "in_sequence"
	ContactStatusPaused         ContactStatus = "paused"
	ContactStatusConverted      ContactStatus = "converted"
	ContactStatusDormant        ContactStatus = "dormant"
)

// ChannelType identifies a messaging channel.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelSMS      ChannelType = "sms"
	ChannelEmail    ChannelType = "email"
)

// Lead is the owning identity for all per-contact records. Identities and
// messages reference it by id only.
type Lead struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name             string         `gorm:"not null" json:"name"`
	Email            string         `gorm:"index" json:"email,omitempty"`
	Phone            string         `gorm:"index" json:"phone,omitempty"`
	SocialHandle     string         `gorm:"index" json:"social_handle,omitempty"`
	PreferredChannel ChannelType    `json:"preferred_channel,omitempty"`
	Timezone         string         `json:"timezone,omitempty"` // IANA name
	Language         string         `json:"language,omitempty"`
	ContactStatus    ContactStatus  `gorm:"not null;default:'never_contacted'" json:"contact_status"`
	ContactCount     int            `gorm:"default:0" json:"contact_count"`
	LastContactAt    *time.Time     `json:"last_contact_at,omitempty"`
	Score            int            `gorm:"default:0" json:"score"` // 0-100, precomputed upstream
	Source           string         `json:"source,omitempty"`
	Tags             datatypes.JSON `gorm:"type:jsonb" json:"tags,omitempty"`          // []string
	CustomFields     datatypes.JSON `gorm:"type:jsonb" json:"custom_fields,omitempty"` // map[string]any
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ChannelIdentity binds a channel-scoped identifier to its owning lead.
// (tenant_id, channel_type, identifier) is unique.
type ChannelIdentity struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID     uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_channel_identity" json:"tenant_id"`
	LeadID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"lead_id"`
	ChannelType  ChannelType    `gorm:"not null;uniqueIndex:idx_channel_identity" json:"channel_type"`
	Identifier   string         `gorm:"not null;uniqueIndex:idx_channel_identity" json:"identifier"`
	LastActiveAt *time.Time     `json:"last_active_at,omitempty"`
	Metadata     datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
