package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ExecutorOptions tune retries, timeouts and locking.
type ExecutorOptions struct {
	// MaxRetries is how often a retryable Apply is retried.
	MaxRetries int

	// ActionTimeout bounds a single Apply attempt. Zero means no limit.
	ActionTimeout time.Duration

	// LockTTL is how long the destination lock is held before it may be taken over.
	LockTTL time.Duration

	// Owner identifies who started the run in the journal.
	Owner string
}

// Executor runs plans against a set of backends.
type Executor struct {
	backends Backends
	opts     ExecutorOptions
	logger   zerolog.Logger
	locker   Locker
	journal  Journal
	observer Observer

	// backoff computes the wait before retry attempt n; replaced in tests.
	backoff func(attempt int, err error) time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLocker serialises runs per destination through l.
func WithLocker(l Locker) ExecutorOption {
	return func(e *Executor) { e.locker = l }
}

// WithJournal records runs in j.
func WithJournal(j Journal) ExecutorOption {
	return func(e *Executor) { e.journal = j }
}

// WithObserver reports action spans and run metrics to o.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// WithLogger sets the executor logger.
func WithLogger(l zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithBackoff overrides the retry backoff.
func WithBackoff(f func(attempt int, err error) time.Duration) ExecutorOption {
	return func(e *Executor) { e.backoff = f }
}

// NewExecutor creates an executor.
func NewExecutor(backends Backends, opts ExecutorOptions, options ...ExecutorOption) *Executor {
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Hour
	}
	e := &Executor{
		backends: backends,
		opts:     opts,
		logger:   zerolog.Nop(),
		backoff:  calculateBackoff,
	}
	for _, o := range options {
		o(e)
	}
	e.logger = e.logger.With().Str("component", "executor").Logger()
	return e
}

// Run executes plan and always returns a report. Provisioning plans stop at the first
// failed action and unwind; deletion plans run every step and collect failures.
func (e *Executor) Run(ctx context.Context, plan *Plan) *ExecutionReport {
	report := &ExecutionReport{
		RunID:       uuid.New().String(),
		PlanID:      plan.ID,
		Kind:        plan.Kind,
		Destination: plan.Destination.Name,
		Owner:       e.opts.Owner,
		Status:      RunStatusPending,
		StartedAt:   time.Now(),
		Actions:     make([]*ActionResult, len(plan.Actions)),
	}
	if plan.Source != nil {
		report.Source = plan.Source.Name
	}
	for i, a := range plan.Actions {
		report.Actions[i] = &ActionResult{
			Position:    i + 1,
			Kind:        a.Kind(),
			Description: a.Describe(),
			Status:      ActionStatusPending,
			Undo:        UndoStatusNone,
		}
	}

	log := e.logger.With().
		Str("run_id", report.RunID).
		Str("kind", string(plan.Kind)).
		Str("destination", report.Destination).
		Logger()

	if e.locker != nil {
		lock, err := e.locker.Acquire(ctx, "destination:"+report.Destination, report.RunID, e.opts.LockTTL)
		if err != nil {
			return e.abort(ctx, report, err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("failed to release destination lock")
			}
		}()
	}

	report.Status = RunStatusRunning
	if e.journal != nil {
		if err := e.journal.StartRun(ctx, report); err != nil {
			return e.abort(ctx, report, &JournalError{Err: err})
		}
	}
	e.publishEvent(ctx, report.RunID, "", EventTypeRunStarted, fmt.Sprintf("%s run started", plan.Kind))
	log.Info().Int("actions", len(plan.Actions)).Msg("run started")

	env := &RunEnv{
		RunID:    report.RunID,
		Backends: e.backends,
		State:    &RunState{},
		Logger:   log,
	}

	if plan.Kind == RunKindDelete {
		e.runDeletion(ctx, plan, env, report)
	} else {
		e.runProvision(ctx, plan, env, report)
	}
	report.BoundURI = env.State.BoundURI

	return e.finish(ctx, report, log)
}

func (e *Executor) runProvision(ctx context.Context, plan *Plan, env *RunEnv, report *ExecutionReport) {
	for i, action := range plan.Actions {
		result := report.Actions[i]
		err := e.applyWithRetry(ctx, action, env, result)
		e.recordAction(ctx, report.RunID, result)
		if err == nil {
			continue
		}

		report.FailingAction = action.Kind()
		report.FailingPosition = i + 1
		report.Cause = &ActionFailure{Action: action.Kind(), Position: i + 1, Err: err}
		report.Status = RunStatusFailed
		if ctx.Err() != nil {
			report.Status = RunStatusCancelled
		}
		for _, rest := range report.Actions[i+1:] {
			rest.Status = ActionStatusSkipped
		}

		// The unwind must run even when ctx was cancelled.
		e.unwind(context.WithoutCancel(ctx), plan, env, report, i)
		break
	}

	if report.Status == RunStatusRunning {
		report.Status = RunStatusSucceeded
	}
}

// unwind undoes the failing action (if it left artifacts) and every earlier action in
// reverse order. Undo failures are collected, never returned early.
func (e *Executor) unwind(ctx context.Context, plan *Plan, env *RunEnv, report *ExecutionReport, failed int) {
	for i := failed; i >= 0; i-- {
		action := plan.Actions[i]
		result := report.Actions[i]

		if len(action.Artifacts()) == 0 {
			result.Undo = UndoStatusNotRequired
			e.recordAction(ctx, report.RunID, result)
			continue
		}

		start := time.Now()
		spanCtx, done := e.startSpan(ctx, report.RunID, action.Kind(), PhaseUndo)
		err := action.Undo(spanCtx, env)
		done(err)
		result.UndoDuration = time.Since(start)

		switch {
		case err == nil:
			result.Undo = UndoStatusUndone
			e.publishEvent(ctx, report.RunID, action.Kind(), EventTypeUndoCompleted, "undone")
		case errors.Is(err, ErrNothingToUndo):
			result.Undo = UndoStatusNotRequired
		default:
			result.Undo = UndoStatusFailed
			result.UndoError = err.Error()
			report.UndoFailures = append(report.UndoFailures, &UndoFailure{
				Action:    action.Kind(),
				Position:  i + 1,
				Err:       err,
				Artifacts: action.Artifacts(),
			})
			env.Logger.Error().Err(err).Str("action", string(action.Kind())).Msg("undo failed")
			e.publishEvent(ctx, report.RunID, action.Kind(), EventTypeUndoFailed, err.Error())
		}
		e.recordAction(ctx, report.RunID, result)
	}

	report.Leftovers = collectArtifacts(plan)
}

func (e *Executor) runDeletion(ctx context.Context, plan *Plan, env *RunEnv, report *ExecutionReport) {
	for i, step := range plan.Actions {
		result := report.Actions[i]
		err := e.applyWithRetry(ctx, step, env, result)
		e.recordAction(ctx, report.RunID, result)
		if err == nil {
			continue
		}
		failure := &ActionFailure{Action: step.Kind(), Position: i + 1, Err: err}
		report.DeletionFailures = append(report.DeletionFailures, failure)
		if report.Cause == nil {
			report.FailingAction = step.Kind()
			report.FailingPosition = i + 1
			report.Cause = failure
		}
	}

	switch {
	case report.Cause == nil:
		report.Status = RunStatusSucceeded
	case ctx.Err() != nil:
		report.Status = RunStatusCancelled
	default:
		report.Status = RunStatusFailed
	}
	report.Leftovers = collectArtifacts(plan)
}

// applyWithRetry runs one action, retrying retryable errors with backoff.
func (e *Executor) applyWithRetry(ctx context.Context, action Action, env *RunEnv, result *ActionResult) error {
	result.StartedAt = time.Now()
	e.publishEvent(ctx, env.RunID, action.Kind(), EventTypeActionStarted, action.Describe())

	var err error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			break
		}
		result.Attempts = attempt + 1

		execCtx, cancel := ctx, context.CancelFunc(func() {})
		if e.opts.ActionTimeout > 0 {
			execCtx, cancel = context.WithTimeout(ctx, e.opts.ActionTimeout)
		}
		spanCtx, done := e.startSpan(execCtx, env.RunID, action.Kind(), PhaseApply)
		err = action.Apply(spanCtx, env)
		done(err)
		cancel()

		if err == nil || !IsRetryable(classifyError(err)) || attempt >= e.opts.MaxRetries {
			break
		}

		wait := e.backoff(attempt, classifyError(err))
		env.Logger.Warn().Err(err).
			Str("action", string(action.Kind())).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Msg("retrying action")
		e.publishEvent(ctx, env.RunID, action.Kind(), EventTypeActionRetry,
			fmt.Sprintf("retrying after failure (attempt %d/%d)", attempt+1, e.opts.MaxRetries+1))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	result.Duration = time.Since(result.StartedAt)
	if err != nil {
		result.Status = ActionStatusFailed
		result.Error = err.Error()
		env.Logger.Error().Err(err).Str("action", string(action.Kind())).Msg("action failed")
		e.publishEvent(ctx, env.RunID, action.Kind(), EventTypeActionFailed, err.Error())
		return err
	}
	result.Status = ActionStatusSucceeded
	env.Logger.Info().
		Str("action", string(action.Kind())).
		Dur("duration", result.Duration).
		Msg("action completed")
	e.publishEvent(ctx, env.RunID, action.Kind(), EventTypeActionCompleted, action.Describe())
	return nil
}

// abort finishes a run that never started its first action.
func (e *Executor) abort(ctx context.Context, report *ExecutionReport, cause error) *ExecutionReport {
	report.Status = RunStatusFailed
	report.Cause = cause
	for _, r := range report.Actions {
		r.Status = ActionStatusSkipped
	}
	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	e.logger.Error().Err(cause).Str("destination", report.Destination).Msg("run aborted before any action")
	if e.observer != nil {
		e.observer.RunFinished(ctx, report)
	}
	return report
}

func (e *Executor) finish(ctx context.Context, report *ExecutionReport, log zerolog.Logger) *ExecutionReport {
	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	ctx = context.WithoutCancel(ctx)

	if e.journal != nil {
		if err := e.journal.FinishRun(ctx, report); err != nil {
			log.Warn().Err(err).Msg("failed to record run result")
		}
	}
	if e.observer != nil {
		e.observer.RunFinished(ctx, report)
	}

	if report.Succeeded() {
		e.publishEvent(ctx, report.RunID, "", EventTypeRunCompleted, "run completed successfully")
		log.Info().Dur("duration", report.Duration).Msg("run succeeded")
		return report
	}

	e.publishEvent(ctx, report.RunID, "", EventTypeRunFailed,
		fmt.Sprintf("run finished with status %s", report.Status))
	ev := log.Error().
		Err(report.Cause).
		Str("status", string(report.Status)).
		Str("failing_action", string(report.FailingAction)).
		Int("undo_failures", len(report.UndoFailures))
	if len(report.Leftovers) > 0 {
		left := make([]string, len(report.Leftovers))
		for i, a := range report.Leftovers {
			left[i] = a.String()
		}
		ev = ev.Strs("leftovers", left)
	}
	ev.Msg("run failed")
	return report
}

func (e *Executor) recordAction(ctx context.Context, runID string, result *ActionResult) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordAction(context.WithoutCancel(ctx), runID, result); err != nil {
		e.logger.Warn().Err(err).Str("action", string(result.Kind)).Msg("failed to record action")
	}
}

func (e *Executor) startSpan(ctx context.Context, runID string, kind ActionKind, phase Phase) (context.Context, func(error)) {
	if e.observer == nil {
		return ctx, func(error) {}
	}
	return e.observer.StartAction(ctx, runID, kind, phase)
}

// publishEvent records a timeline event. Journal failures are logged, not returned.
func (e *Executor) publishEvent(ctx context.Context, runID string, kind ActionKind, eventType EventType, message string) {
	if e.journal == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      eventType,
		Action:    kind,
		Timestamp: time.Now(),
		Message:   message,
		Level:     eventType.Severity(),
	}
	if err := e.journal.RecordEvent(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Debug().Err(err).Msg("failed to record event")
	}
}

func collectArtifacts(plan *Plan) []Artifact {
	var out []Artifact
	for _, a := range plan.Actions {
		out = append(out, a.Artifacts()...)
	}
	return out
}

// backoffJitter is the largest fraction a retry delay is moved by.
const backoffJitter = 0.25

// calculateBackoff calculates exponential backoff with jitter.
func calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second

	// Use different base delays for different error types
	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	// Exponential backoff: delay = baseDelay * 2^attempt
	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	// Cap at 1 minute
	if delay > time.Minute {
		delay = time.Minute
	}

	// Spread by up to 25% either way.
	jitter := (rand.Float64()*2 - 1) * backoffJitter
	return time.Duration(float64(delay) * (1 + jitter))
}
