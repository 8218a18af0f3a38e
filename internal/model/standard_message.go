package model

import (
	"encoding/json"
	"time"
)

// StandardMessage is the channel-neutral form every adapter normalizes
// inbound webhooks into. Raw keeps the vendor payload for audit; it is
// persisted with the originating event.
type StandardMessage struct {
	ChannelType      ChannelType     `json:"channel_type"`
	SenderIdentifier string          `json:"sender_identifier"`
	Content          string          `json:"content"`
	ContentType      ContentType     `json:"content_type"`
	ReceivedAt       time.Time       `json:"received_at"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	Raw              json.RawMessage `json:"-"`
}

// OutboundMessage is the envelope handed to a channel adapter for delivery.
type OutboundMessage struct {
	Recipient   string         `json:"recipient"`
	Content     string         `json:"content"`
	ContentType ContentType    `json:"content_type"`
	TemplateKey string         `json:"template_key,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// SendReceipt is the adapter's acknowledgement of an accepted send.
type SendReceipt struct {
	Accepted        bool   `json:"accepted"`
	VendorMessageID string `json:"vendor_message_id,omitempty"`
}
