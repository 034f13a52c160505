package core

import (
	"errors"
	"fmt"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeExpired  = errors.New("challenge has expired")
	ErrChallengeMismatch = errors.New("challenge mismatch")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidIdentity   = errors.New("invalid identity address")

	ErrNotFound             = errors.New("not found")
	ErrUnauthenticatedWrite = errors.New("unauthenticated registry writes are disabled")

	ErrRequestNotFound     = errors.New("request not found")
	ErrRequestExpired      = errors.New("request has expired")
	ErrTargetNotRegistered = errors.New("target not registered")

	ErrHandshakeFailed   = errors.New("handshake failed")
	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrInvalidFormat     = errors.New("invalid format")
	ErrIdentityMismatch  = errors.New("identity does not match authenticated peer")

	ErrPermissionRejected = errors.New("permission rejected")
	ErrPermissionExpired  = errors.New("permission request expired or cancelled")
	ErrPermissionTimeout  = errors.New("permission not granted in time")
)

// ValidationError reports a malformed field in a request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid returns a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsAuthFailure reports whether err is one of the proof-of-possession failures.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrChallengeNotFound) ||
		errors.Is(err, ErrChallengeExpired) ||
		errors.Is(err, ErrChallengeMismatch) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrInvalidIdentity)
}

// wireErrors are the errors whose messages are sent verbatim to remote parties
var wireErrors = []error{
	ErrChallengeNotFound,
	ErrChallengeExpired,
	ErrChallengeMismatch,
	ErrInvalidSignature,
	ErrInvalidIdentity,
	ErrNotFound,
	ErrUnauthenticatedWrite,
	ErrRequestNotFound,
	ErrRequestExpired,
	ErrTargetNotRegistered,
	ErrUnexpectedMessage,
	ErrInvalidFormat,
	ErrIdentityMismatch,
	ErrHandshakeFailed,
}

// WireMessage returns the text reported to a remote party for err. Known
// sentinels and validation errors keep their message; anything else is
// reported as an internal error and ok is false.
func WireMessage(err error) (msg string, ok bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Error(), true
	}
	for _, known := range wireErrors {
		if errors.Is(err, known) {
			return known.Error(), true
		}
	}
	return "internal error", false
}

// FromWireMessage maps a remote error message back to a sentinel when it
// names one.
func FromWireMessage(msg string) error {
	for _, known := range wireErrors {
		if known.Error() == msg {
			return known
		}
	}
	return errors.New(msg)
}
