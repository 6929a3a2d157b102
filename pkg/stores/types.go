package stores

import (
	"time"

	"github.com/sitespinner/sitespinner/pkg/engine"
)

// Run is a journaled run with its action rows.
type Run struct {
	ID              string                 `json:"id"`
	PlanID          string                 `json:"plan_id"`
	Kind            engine.RunKind         `json:"kind"`
	Source          string                 `json:"source,omitempty"`
	Destination     string                 `json:"destination"`
	Owner           string                 `json:"owner,omitempty"`
	Status          engine.RunStatus       `json:"status"`
	FailingAction   engine.ActionKind      `json:"failing_action,omitempty"`
	FailingPosition int                    `json:"failing_position,omitempty"`
	Error           string                 `json:"error,omitempty"`
	BoundURI        string                 `json:"bound_uri,omitempty"`
	Leftovers       []engine.Artifact      `json:"leftovers,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	Duration        time.Duration          `json:"duration"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	Actions         []*engine.ActionResult `json:"actions,omitempty"`
	UndoFailures    []*UndoFailure         `json:"undo_failures,omitempty"`
}

// UndoFailure is a journaled undo failure.
type UndoFailure struct {
	ID        int64             `json:"id"`
	RunID     string            `json:"run_id"`
	Position  int               `json:"position"`
	Action    engine.ActionKind `json:"action"`
	Error     string            `json:"error"`
	Artifacts []engine.Artifact `json:"artifacts,omitempty"`
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Destination string
	Status      engine.RunStatus
	Limit       int
	Offset      int
}

// LockInfo describes a held lock.
type LockInfo struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "run.started", "lock.taken_over"
	Actor     string    `json:"actor"`               // run id or user
	TargetID  *string   `json:"target_id,omitempty"` // destination or lock key
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}
