package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/lom/pkg/channel"
	"github.com/openfroyo/lom/pkg/protocol"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: timeouts, a plugin that has not reconnected yet.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a registry state conflict such as a duplicate action.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassValidation indicates a malformed request that will never succeed as sent.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error carrying a protocol result code.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code is the result code reported back to plugins.
	Code protocol.ResultCode `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Plugin is the proc_id involved, if applicable.
	Plugin string `json:"plugin,omitempty"`

	// Action is the action name involved, if applicable.
	Action string `json:"action,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Plugin != "" {
		msg += fmt.Sprintf(" (plugin=%s)", e.Plugin)
	}
	if e.Action != "" {
		msg += fmt.Sprintf(" (action=%s)", e.Action)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same result code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithPlugin adds plugin context to an error.
func (e *EngineError) WithPlugin(procID string) *EngineError {
	e.Plugin = procID
	return e
}

// WithAction adds action context to an error.
func (e *EngineError) WithAction(action string) *EngineError {
	e.Action = action
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnknownPlugin    = &EngineError{Code: protocol.ResultUnknownPlugin}
	ErrDuplicateAction  = &EngineError{Code: protocol.ResultDuplicateAction}
	ErrUnknownAction    = &EngineError{Code: protocol.ResultUnknownAction}
	ErrTimeout          = &EngineError{Code: protocol.ResultTimeout}
	ErrChannelClosed    = &EngineError{Code: protocol.ResultChannelClosed}
	ErrMalformedPayload = &EngineError{Code: protocol.ResultMalformedPayload}
	ErrInternal         = &EngineError{Code: protocol.ResultInternal}
)

// NewUnknownPluginError reports an operation on an unregistered proc_id.
func NewUnknownPluginError(procID string) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Code:    protocol.ResultUnknownPlugin,
		Message: "plugin is not registered",
		Plugin:  procID,
	}
}

// NewDuplicateActionError reports an action already owned by another live plugin.
func NewDuplicateActionError(action, owner string) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Code:    protocol.ResultDuplicateAction,
		Message: fmt.Sprintf("action is owned by %s", owner),
		Action:  action,
	}
}

// NewUnknownActionError reports an operation on an unregistered action.
func NewUnknownActionError(action string) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Code:    protocol.ResultUnknownAction,
		Message: "action is not registered",
		Action:  action,
	}
}

// NewMalformedError reports an undecodable or incomplete request.
func NewMalformedError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Code:    protocol.ResultMalformedPayload,
		Message: message,
		Err:     err,
	}
}

// NewInternalError reports an unrecoverable engine condition.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    protocol.ResultInternal,
		Message: message,
		Err:     err,
	}
}

// ResultCodeOf maps any error to the protocol result code reported for it.
func ResultCodeOf(err error) protocol.ResultCode {
	if err == nil {
		return protocol.ResultOK
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, channel.ErrClosed):
		return protocol.ResultChannelClosed
	case errors.Is(err, protocol.ErrMalformedPayload):
		return protocol.ResultMalformedPayload
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ResultTimeout
	case errors.Is(err, context.Canceled):
		return protocol.ResultAborted
	default:
		return protocol.ResultInternal
	}
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}
