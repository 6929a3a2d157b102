package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: dropped SSH sessions, database connection refused.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the collaborator asked us to slow down
	// (too many connections). Retried with a longer backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict such as a lock wait timeout.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: incomplete alias, permission denied, destination already exists.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the alias, database or path that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
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

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeActionFailed     = "ACTION_FAILED"
	ErrCodeUndoFailed       = "UNDO_FAILED"
	ErrCodeLocked           = "LOCKED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
)

// classifyError converts an arbitrary collaborator error to an EngineError.
// Errors exposing Temporary() (SSH transport, network) are transient, the rest permanent.
func classifyError(err error) *EngineError {
	if err == nil {
		return nil
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return NewTransientError("temporary failure", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewPermanentError("action timed out", err).WithCode(ErrCodeTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return NewPermanentError("cancelled", err).WithCode(ErrCodeCancelled)
	}

	return NewPermanentError("action failed", err).WithCode(ErrCodeActionFailed)
}

// IncompleteDestinationError reports a destination alias missing a required field.
type IncompleteDestinationError struct {
	Alias string

	// Field is the top-level alias field at fault, e.g. "databases".
	Field string

	// Missing lists every missing path, e.g. "databases.password".
	Missing []string
}

func (e *IncompleteDestinationError) Error() string {
	return fmt.Sprintf("destination alias %q is incomplete: missing %s (%s)",
		e.Alias, e.Field, strings.Join(e.Missing, ", "))
}

// IncompleteSourceError reports a source alias that cannot be cloned from.
type IncompleteSourceError struct {
	Alias   string
	Field   string
	Missing []string
}

func (e *IncompleteSourceError) Error() string {
	return fmt.Sprintf("source alias %q is incomplete: missing %s (%s)",
		e.Alias, e.Field, strings.Join(e.Missing, ", "))
}

// ActionFailure wraps the error that stopped a run, tagged with the action's position.
type ActionFailure struct {
	Action   ActionKind
	Position int
	Err      error
}

func (e *ActionFailure) Error() string {
	return fmt.Sprintf("action %d (%s) failed: %v", e.Position, e.Action, e.Err)
}

func (e *ActionFailure) Unwrap() error {
	return e.Err
}

// UndoFailure records an undo that did not complete during an unwind.
type UndoFailure struct {
	Action    ActionKind
	Position  int
	Err       error
	Artifacts []Artifact
}

func (e *UndoFailure) Error() string {
	return fmt.Sprintf("undo of action %d (%s) failed: %v", e.Position, e.Action, e.Err)
}

func (e *UndoFailure) Unwrap() error {
	return e.Err
}

// LockedError is returned when another run holds the destination lock.
type LockedError struct {
	Key      string
	Holder   string
	Acquired time.Time
}

func (e *LockedError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("destination %q is locked", e.Key)
	}
	return fmt.Sprintf("destination %q is locked by run %s since %s",
		e.Key, e.Holder, e.Acquired.Format(time.RFC3339))
}

// JournalError wraps a failure to record a run before it starts.
type JournalError struct {
	Err error
}

func (e *JournalError) Error() string {
	return fmt.Sprintf("run journal: %v", e.Err)
}

func (e *JournalError) Unwrap() error {
	return e.Err
}

// ErrNothingToUndo is returned by Undo when Apply left nothing behind.
var ErrNothingToUndo = errors.New("nothing to undo")
