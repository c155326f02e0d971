package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors.
type ErrorKind string

const (
	KindConfiguration   ErrorKind = "configuration"
	KindValidation      ErrorKind = "validation"
	KindPermission      ErrorKind = "permission"
	KindActionExecution ErrorKind = "action_execution"
	KindIntegrity       ErrorKind = "integrity"
)

// Sentinels matched with errors.Is against an *Error of the same kind.
var (
	ErrConfiguration   = errors.New("configuration error")
	ErrValidation      = errors.New("validation error")
	ErrPermission      = errors.New("permission denied")
	ErrActionExecution = errors.New("action execution failed")
	ErrIntegrity       = errors.New("integrity error")
)

// Specific causes carried inside an *Error.
var (
	ErrInstanceNotRunning    = errors.New("instance is not running")
	ErrDefinitionInactive    = errors.New("definition is not active")
	ErrTransitionUnavailable = errors.New("transition not available from current state")
	ErrConditionsNotMet      = errors.New("transition conditions not met")
	ErrApprovalRequired      = errors.New("transition requires approval")
	ErrNotPendingApproval    = errors.New("instance has no pending approval")
	ErrHopLimitExceeded      = errors.New("transition chain exceeded hop limit")
	ErrUnknownState          = errors.New("state not defined")
)

var kindSentinels = map[ErrorKind]error{
	KindConfiguration:   ErrConfiguration,
	KindValidation:      ErrValidation,
	KindPermission:      ErrPermission,
	KindActionExecution: ErrActionExecution,
	KindIntegrity:       ErrIntegrity,
}

// Error is returned by engine operations for failures the caller can act on.
type Error struct {
	Kind       ErrorKind
	Op         string
	InstanceID uint64
	Step       string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	if e.InstanceID != 0 {
		msg += fmt.Sprintf(" (instance %d)", e.InstanceID)
	}
	if e.Step != "" {
		msg += fmt.Sprintf(" at %s", e.Step)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the kind of an engine error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind ErrorKind, op string, instanceID uint64, err error) *Error {
	return &Error{Kind: kind, Op: op, InstanceID: instanceID, Err: err}
}

func configurationError(op string, format string, args ...interface{}) *Error {
	return newError(KindConfiguration, op, 0, fmt.Errorf(format, args...))
}

func validationError(op string, format string, args ...interface{}) *Error {
	return newError(KindValidation, op, 0, fmt.Errorf(format, args...))
}
