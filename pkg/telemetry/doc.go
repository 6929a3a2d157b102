// Package telemetry provides logging, tracing and metrics for sitespinner.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry with stdout or OTLP
// exporters, and metrics use a private Prometheus registry. A one-shot CLI run has
// nothing to scrape, so the registry is normally written to a textfile on shutdown
// for node_exporter's textfile collector; a listen address can still be set for
// long-lived wrappers.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	obs := telemetry.NewObserver(tel)
//	ctx, end := obs.StartRun(ctx, runID, engine.RunKindProvision, "peace")
//	defer end()
//
//	exec := engine.NewExecutor(backends, opts, engine.WithObserver(obs))
//
// The Observer opens one span per apply, undo and delete step and records
//
//   - sitespinner_runs_completed_total{kind,status}
//   - sitespinner_actions_executed_total{action,phase,status}
//   - sitespinner_undo_failures_total{action}
//   - sitespinner_leftover_artifacts{destination,kind}
//
// together with duration histograms and error counters by class and code.
package telemetry
