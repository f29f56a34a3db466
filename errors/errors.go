// Package errors provides error handling for Loom.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check against the orchestration taxonomy
//	if errors.Is(err, errors.ErrInvalidState) {
//	    // transition attempted from an incompatible state
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Orchestration error taxonomy.
// Every error produced by the core wraps one of these sentinels so that
// callers can dispatch with errors.Is without string matching.
var (
	// ErrValidation indicates malformed input, configuration, or webhook
	// payload. Rejected before any state change.
	ErrValidation = New("validation failed")

	// ErrAuth indicates a webhook credential mismatch. Rejected before
	// any state change.
	ErrAuth = New("authentication failed")

	// ErrNotFound indicates an unknown workflow, execution, webhook, or
	// cron job id.
	ErrNotFound = New("not found")

	// ErrInvalidState indicates a transition attempted from an
	// incompatible state, e.g. cancelling a completed execution.
	ErrInvalidState = New("invalid state")

	// ErrConcurrentModification indicates an optimistic update conflict.
	// Callers should refetch; for cancel, treat as already resolved.
	ErrConcurrentModification = New("concurrent modification")

	// ErrInvoker indicates an agent runtime failure or timeout. Always
	// terminal for the execution, never retried in place.
	ErrInvoker = New("agent invocation failed")

	// ErrScheduler indicates an invalid cron expression or timezone.
	// Jobs are rejected at creation, never silently disabled later.
	ErrScheduler = New("scheduler rejected job")

	// ErrInactive indicates the target workflow or webhook is not active.
	ErrInactive = New("inactive")
)

// IsValidation reports whether err is or wraps ErrValidation.
func IsValidation(err error) bool { return err != nil && Is(err, ErrValidation) }

// IsAuth reports whether err is or wraps ErrAuth.
func IsAuth(err error) bool { return err != nil && Is(err, ErrAuth) }

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return err != nil && Is(err, ErrNotFound) }

// IsInvalidState reports whether err is or wraps ErrInvalidState.
func IsInvalidState(err error) bool { return err != nil && Is(err, ErrInvalidState) }

// IsConcurrentModification reports whether err is or wraps ErrConcurrentModification.
func IsConcurrentModification(err error) bool {
	return err != nil && Is(err, ErrConcurrentModification)
}

// IsInvoker reports whether err is or wraps ErrInvoker.
func IsInvoker(err error) bool { return err != nil && Is(err, ErrInvoker) }

// IsScheduler reports whether err is or wraps ErrScheduler.
func IsScheduler(err error) bool { return err != nil && Is(err, ErrScheduler) }

// IsInactive reports whether err is or wraps ErrInactive.
func IsInactive(err error) bool { return err != nil && Is(err, ErrInactive) }

// NewValidationf creates a validation error with a formatted message.
func NewValidationf(format string, args ...interface{}) error {
	return Wrap(ErrValidation, Newf(format, args...).Error())
}

// NewAuthf creates an authentication error with a formatted message.
func NewAuthf(format string, args ...interface{}) error {
	return Wrap(ErrAuth, Newf(format, args...).Error())
}

// NewNotFoundf creates a not-found error with a formatted message.
func NewNotFoundf(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidStatef creates an invalid-state error with a formatted message.
func NewInvalidStatef(format string, args ...interface{}) error {
	return Wrap(ErrInvalidState, Newf(format, args...).Error())
}

// NewInvokerf creates an invoker error with a formatted message.
func NewInvokerf(format string, args ...interface{}) error {
	return Wrap(ErrInvoker, Newf(format, args...).Error())
}

// NewSchedulerf creates a scheduler error with a formatted message.
func NewSchedulerf(format string, args ...interface{}) error {
	return Wrap(ErrScheduler, Newf(format, args...).Error())
}

// NewInactivef creates an inactive error with a formatted message.
func NewInactivef(format string, args ...interface{}) error {
	return Wrap(ErrInactive, Newf(format, args...).Error())
}
