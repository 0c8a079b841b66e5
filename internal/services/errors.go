package services

import (
	"errors"
	"fmt"
)

// Kind classifies a service failure so the transport layer can map it to a
// status code without inspecting messages.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindForbidden       Kind = "forbidden"
	KindSlotUnavailable Kind = "slot_unavailable"
	KindHoldExpired     Kind = "hold_expired"
	KindNDARequired     Kind = "nda_required"
	KindTransient       Kind = "transient"
	KindWebhookAuth     Kind = "webhook_auth"
)

// Error carries a failure kind alongside a user-visible message and the
// underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a service error.
func E(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the failure kind, defaulting to Transient for errors that
// did not originate in a service.
func KindOf(err error) Kind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return KindTransient
}

// MessageOf extracts the user-visible message, or a generic one.
func MessageOf(err error) string {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Message
	}
	return "internal error"
}
