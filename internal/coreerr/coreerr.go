// Package coreerr defines the failure taxonomy shared across components.
// Component boundaries return these typed errors instead of suppressing
// failures; the orchestrator translates them into event failures.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies a core failure.
type Kind string

const (
	KindNotFound             Kind = "NOT_FOUND"
	KindUnparseablePayload   Kind = "UNPARSEABLE_PAYLOAD"
	KindStorageUnavailable   Kind = "STORAGE_UNAVAILABLE"
	KindChannelTimeout       Kind = "CHANNEL_TIMEOUT"
	KindChannelRejected      Kind = "CHANNEL_REJECTED"
	KindChannelUnavailable   Kind = "CHANNEL_UNAVAILABLE"
	KindEmbeddingDimMismatch Kind = "EMBEDDING_DIM_MISMATCH"
	KindQuotaExceeded        Kind = "QUOTA_EXCEEDED"
	KindWipeIncomplete       Kind = "WIPE_INCOMPLETE"
)

// Error is a classified core error. Details carries structured context, for
// example the rejection reason or the subsystems left over from a partial
// wipe.
type Error struct {
	Kind    Kind
	Details string
	cause   error
}

// New creates a classified error.
func New(kind Kind, details string) *Error {
	return &Error{Kind: kind, Details: details}
}

// Newf creates a classified error with a formatted detail string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Details: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around a cause.
func Wrap(kind Kind, details string, cause error) *Error {
	return &Error{Kind: kind, Details: details, cause: cause}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors of the same kind, so callers can test against a bare
// coreerr.New(kind, "") sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// IsKind reports whether err is a core error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the kind from err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
