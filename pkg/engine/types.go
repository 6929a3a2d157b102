package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitespinner/sitespinner/pkg/alias"
)

// ActionKind names an action in a provisioning or deletion plan.
type ActionKind string

const (
	ActionFetchLiveVariables ActionKind = "FetchLiveVariables"
	ActionCopyDatabase       ActionKind = "CopyDatabase"
	ActionCopyFiles          ActionKind = "CopyFiles"
	ActionWriteSettings      ActionKind = "WriteSettings"
	ActionBindDomain         ActionKind = "BindDomain"
	ActionApplyVariables     ActionKind = "ApplyVariables"

	ActionDropDatabase   ActionKind = "DropDatabase"
	ActionRemoveFiles    ActionKind = "RemoveFiles"
	ActionRemoveSettings ActionKind = "RemoveSettings"
	ActionUnbindDomain   ActionKind = "UnbindDomain"
)

// ProvisionOrder is the fixed order of provisioning actions.
var ProvisionOrder = []ActionKind{
	ActionFetchLiveVariables,
	ActionCopyDatabase,
	ActionCopyFiles,
	ActionWriteSettings,
	ActionBindDomain,
	ActionApplyVariables,
}

// DeletionOrder is the fixed order of deletion steps.
var DeletionOrder = []ActionKind{
	ActionUnbindDomain,
	ActionRemoveSettings,
	ActionRemoveFiles,
	ActionDropDatabase,
}

// Phase is the direction an action runs in.
type Phase string

const (
	PhaseApply Phase = "apply"
	PhaseUndo  Phase = "undo"
)

// ArtifactKind classifies what an action leaves on a system.
type ArtifactKind string

const (
	ArtifactDatabase  ArtifactKind = "database"
	ArtifactFiles     ArtifactKind = "files"
	ArtifactSettings  ArtifactKind = "settings"
	ArtifactBinding   ArtifactKind = "binding"
	ArtifactVariables ArtifactKind = "variables"
)

// Artifact is something on disk or in a database that a run is responsible for.
type Artifact struct {
	Kind     ArtifactKind `json:"kind"`
	Location string       `json:"location"`
}

func (a Artifact) String() string {
	return fmt.Sprintf("%s %s", a.Kind, a.Location)
}

// Action is one reversible step of a plan.
type Action interface {
	Kind() ActionKind

	// Describe returns a human-readable one-line description.
	Describe() string

	// Apply performs the step.
	Apply(ctx context.Context, env *RunEnv) error

	// Undo reverses Apply. It returns ErrNothingToUndo when Apply left nothing behind.
	Undo(ctx context.Context, env *RunEnv) error

	// Artifacts lists what this action is currently responsible for: what Apply created
	// and Undo has not yet removed, or for deletion steps what is still to be removed.
	Artifacts() []Artifact
}

// RunState carries values produced by one action and consumed by a later one.
type RunState struct {
	// LiveVariables holds what FetchLiveVariables read from the source site.
	LiveVariables alias.Map

	// BoundURI is the URI returned by BindDomain.
	BoundURI string
}

// RunEnv is what an action sees while running.
type RunEnv struct {
	RunID    string
	Backends Backends
	State    *RunState
	Logger   zerolog.Logger
}

// Plan is an ordered list of actions for one run.
type Plan struct {
	ID          string
	Kind        RunKind
	Source      *alias.ResolvedAlias
	Destination *alias.ResolvedAlias
	Actions     []Action
	CreatedAt   time.Time
}

// Describe returns one line per action, numbered from 1.
func (p *Plan) Describe() []string {
	lines := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		lines[i] = fmt.Sprintf("%d. %s: %s", i+1, a.Kind(), a.Describe())
	}
	return lines
}

// Kinds returns the action kinds in plan order.
func (p *Plan) Kinds() []ActionKind {
	kinds := make([]ActionKind, len(p.Actions))
	for i, a := range p.Actions {
		kinds[i] = a.Kind()
	}
	return kinds
}

// ActionResult is the outcome of one action within a run.
type ActionResult struct {
	Position    int           `json:"position"`
	Kind        ActionKind    `json:"kind"`
	Description string        `json:"description"`
	Status      ActionStatus  `json:"status"`
	Attempts    int           `json:"attempts"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`

	Undo         UndoStatus    `json:"undo"`
	UndoDuration time.Duration `json:"undo_duration,omitempty"`
	UndoError    string        `json:"undo_error,omitempty"`
}

// ExecutionReport is the result of running a plan.
type ExecutionReport struct {
	RunID       string    `json:"run_id"`
	PlanID      string    `json:"plan_id"`
	Kind        RunKind   `json:"kind"`
	Source      string    `json:"source,omitempty"`
	Destination string    `json:"destination"`
	Owner       string    `json:"owner,omitempty"`
	Status      RunStatus `json:"status"`

	// FailingAction is empty unless an action failed.
	FailingAction   ActionKind `json:"failing_action,omitempty"`
	FailingPosition int        `json:"failing_position,omitempty"`
	Cause           error      `json:"-"`

	Actions      []*ActionResult `json:"actions"`
	UndoFailures []*UndoFailure  `json:"-"`

	// Leftovers lists artifacts that remain after a failed run and need manual cleanup.
	Leftovers []Artifact `json:"leftovers,omitempty"`

	// DeletionFailures holds every failed deletion step; deletion runs do not stop early.
	DeletionFailures []*ActionFailure `json:"-"`

	BoundURI    string        `json:"bound_uri,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Succeeded reports whether the run completed every action.
func (r *ExecutionReport) Succeeded() bool {
	return r.Status == RunStatusSucceeded
}

// Err returns nil for a successful run, otherwise the primary cause.
func (r *ExecutionReport) Err() error {
	if r.Succeeded() {
		return nil
	}
	if r.Cause != nil {
		return r.Cause
	}
	return fmt.Errorf("run %s finished with status %s", r.RunID, r.Status)
}

// Result returns the result for kind, or nil.
func (r *ExecutionReport) Result(kind ActionKind) *ActionResult {
	for _, a := range r.Actions {
		if a.Kind == kind {
			return a
		}
	}
	return nil
}

// Event is a run timeline entry.
type Event struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	Type      EventType  `json:"type"`
	Action    ActionKind `json:"action,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Message   string     `json:"message"`
	Level     string     `json:"level"`
}
