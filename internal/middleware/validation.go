package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateLeadID validates a lead ID.
func ValidateLeadID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid lead ID format")
	}
	return nil
}

// ValidateChannelType validates a channel type path segment.
func ValidateChannelType(ct string) error {
	switch ct {
	case "whatsapp", "sms", "email":
		return nil
	}
	return errors.New("unknown channel type")
}

// ValidateTenantID validates a tenant ID.
func ValidateTenantID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid tenant ID format")
	}
	return nil
}
