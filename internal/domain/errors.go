package domain

import "errors"

// ErrorKind classifies failures surfaced to callers.
type ErrorKind string

// Error kinds.
const (
	KindValidation         ErrorKind = "validation_error"
	KindCapacityExceeded   ErrorKind = "capacity_exceeded"
	KindResourceExhausted  ErrorKind = "resource_exhausted"
	KindUnknownMachineType ErrorKind = "unknown_machine_type"
	KindSessionNotFound    ErrorKind = "session_not_found"
	KindProvisioningFailed ErrorKind = "provisioning_failed"
	KindTeardownFailed     ErrorKind = "teardown_failed"
	KindFlagMismatch       ErrorKind = "flag_mismatch"
	KindRateLimited        ErrorKind = "rate_limited"
	KindInternal           ErrorKind = "internal_error"
)

// Error is a classified failure. Message is safe to show to users; Err
// carries the underlying cause for logs.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrCapacityExceeded   = &Error{Kind: KindCapacityExceeded}
	ErrResourceExhausted  = &Error{Kind: KindResourceExhausted}
	ErrUnknownMachineType = &Error{Kind: KindUnknownMachineType}
	ErrSessionNotFound    = &Error{Kind: KindSessionNotFound}
	ErrProvisioningFailed = &Error{Kind: KindProvisioningFailed}
	ErrTeardownFailed     = &Error{Kind: KindTeardownFailed}
	ErrFlagMismatch       = &Error{Kind: KindFlagMismatch}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
)

// NewError creates a classified error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message of err without the wrapped cause.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal error"
}
