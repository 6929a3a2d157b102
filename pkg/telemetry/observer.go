package telemetry

import (
	"context"
	"errors"

	"github.com/sitespinner/sitespinner/pkg/engine"
)

// Observer turns executor callbacks into spans and metrics.
type Observer struct {
	tracer  *Tracer
	metrics *Metrics
	logger  *Logger
}

var _ engine.Observer = (*Observer)(nil)

// leftoverKinds are reset to zero on every run so a clean run clears the gauge.
var leftoverKinds = []engine.ArtifactKind{
	engine.ArtifactDatabase,
	engine.ArtifactFiles,
	engine.ArtifactSettings,
	engine.ArtifactBinding,
	engine.ArtifactVariables,
}

// NewObserver returns an engine.Observer backed by t.
func NewObserver(t *Telemetry) *Observer {
	return &Observer{
		tracer:  t.Tracer,
		metrics: t.Metrics,
		logger:  t.Logger.NewComponentLogger("executor"),
	}
}

// StartRun opens the run span. The executor's callbacks nest under the
// returned context.
func (o *Observer) StartRun(ctx context.Context, runID string, kind engine.RunKind, destination string) (context.Context, func()) {
	ctx, span := o.tracer.StartRunSpan(ctx, runID, string(kind), destination)
	o.metrics.RecordRunStarted()
	return ctx, func() { span.End() }
}

// StartAction implements engine.Observer.
func (o *Observer) StartAction(ctx context.Context, runID string, kind engine.ActionKind, phase engine.Phase) (context.Context, func(error)) {
	ctx, span := o.tracer.StartActionSpan(ctx, runID, string(kind), string(phase))
	timer := NewTimer()

	return ctx, func(err error) {
		status := "succeeded"
		if err != nil {
			status = "failed"
			RecordError(span, err)
			o.recordError(err)
			if phase == engine.PhaseUndo {
				o.metrics.RecordUndoFailure(string(kind))
			}
		} else {
			RecordSuccess(span)
		}
		span.End()

		o.metrics.RecordAction(string(kind), string(phase), status, timer.Duration())
		o.logger.WithRunID(runID).WithAction(string(kind), string(phase)).
			Debugf("%s %s in %s", phase, status, timer.Duration())
	}
}

// RunFinished implements engine.Observer.
func (o *Observer) RunFinished(ctx context.Context, report *engine.ExecutionReport) {
	span := SpanFromContext(ctx)
	span.SetAttributes(
		AttrRunStatus.String(string(report.Status)),
		AttrUndoFailures.Int(len(report.UndoFailures)),
		AttrLeftovers.Int(len(report.Leftovers)),
	)
	if err := report.Err(); err != nil {
		RecordError(span, err)
	}

	o.metrics.RecordRunCompleted(string(report.Kind), string(report.Status), report.Duration)
	for _, action := range report.Actions {
		if action.Attempts > 1 {
			o.metrics.RecordRetries(string(action.Kind), action.Attempts-1)
		}
	}

	counts := map[engine.ArtifactKind]int{}
	for _, kind := range leftoverKinds {
		counts[kind] = 0
	}
	for _, artifact := range report.Leftovers {
		counts[artifact.Kind]++
	}
	for kind, n := range counts {
		o.metrics.SetLeftovers(report.Destination, string(kind), n)
	}
}

func (o *Observer) recordError(err error) {
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		o.metrics.RecordError(string(engErr.Class), engErr.Code)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		o.metrics.RecordError("cancelled", "")
		return
	}
	o.metrics.RecordError(string(engine.ErrorClassPermanent), "")
}
