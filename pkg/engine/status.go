package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a provisioning or deletion run.
type RunStatus string

const (
	// RunStatusPending indicates the run is recorded but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every action completed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates an action failed and the run was unwound.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled and unwound.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// RunKind distinguishes provisioning runs from deletion runs.
type RunKind string

const (
	RunKindProvision RunKind = "provision"
	RunKindDelete    RunKind = "delete"
)

// ActionStatus is the forward outcome of one action.
type ActionStatus string

const (
	// ActionStatusPending indicates the action has not been reached.
	ActionStatusPending ActionStatus = "pending"

	// ActionStatusSucceeded indicates Apply returned without error.
	ActionStatusSucceeded ActionStatus = "succeeded"

	// ActionStatusFailed indicates Apply returned an error after all retries.
	ActionStatusFailed ActionStatus = "failed"

	// ActionStatusSkipped indicates the action was never run because an earlier one failed.
	ActionStatusSkipped ActionStatus = "skipped"
)

// Validate checks if the action status is valid.
func (s ActionStatus) Validate() error {
	switch s {
	case ActionStatusPending, ActionStatusSucceeded, ActionStatusFailed, ActionStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid action status: %s", s)
	}
}

// UndoStatus is the unwind outcome of one action.
type UndoStatus string

const (
	// UndoStatusNone means no unwind happened for this action.
	UndoStatusNone UndoStatus = "none"

	// UndoStatusNotRequired means the action left nothing to undo.
	UndoStatusNotRequired UndoStatus = "not_required"

	// UndoStatusUndone means Undo removed everything the action created.
	UndoStatusUndone UndoStatus = "undone"

	// UndoStatusFailed means Undo returned an error; artifacts remain.
	UndoStatusFailed UndoStatus = "failed"
)

// Validate checks if the undo status is valid.
func (s UndoStatus) Validate() error {
	switch s {
	case UndoStatusNone, UndoStatusNotRequired, UndoStatusUndone, UndoStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid undo status: %s", s)
	}
}

// EventType represents the type of event in a run timeline.
type EventType string

const (
	EventTypeRunStarted      EventType = "run_started"
	EventTypeRunCompleted    EventType = "run_completed"
	EventTypeRunFailed       EventType = "run_failed"
	EventTypeActionStarted   EventType = "action_started"
	EventTypeActionCompleted EventType = "action_completed"
	EventTypeActionFailed    EventType = "action_failed"
	EventTypeActionRetry     EventType = "action_retry"
	EventTypeUndoCompleted   EventType = "undo_completed"
	EventTypeUndoFailed      EventType = "undo_failed"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeActionFailed, EventTypeUndoFailed:
		return "error"
	case EventTypeActionRetry:
		return "warning"
	default:
		return "info"
	}
}
