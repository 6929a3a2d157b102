// Package engine turns resolved site aliases into reversible provisioning plans and runs them.
//
// # Workflow
//
// A provisioning plan always holds six actions, in this order:
//
//  1. FetchLiveVariables - read the overridden variables from the source site
//  2. CopyDatabase - dump the source database and load it into a new destination database
//  3. CopyFiles - copy the source files directory
//  4. WriteSettings - render the settings template with the destination database
//  5. BindDomain - make the destination reachable under its path, domain or subdomain
//  6. ApplyVariables - write Overlay(live, overrides) into the destination database
//
// The Planner validates both aliases before any action is built, so resolution and
// validation errors (IncompleteDestinationError, IncompleteSourceError) never leave
// partial state behind.
//
// # Execution
//
// The Executor runs actions strictly in order. When an action fails, forward progress
// stops and every action that left artifacts is undone in reverse order, the failing
// one included. Undo errors are collected as UndoFailure values and the report lists
// the artifacts that remain. Cancellation of the run context takes the same path.
//
//	planner := engine.NewPlanner(logger)
//	plan, err := planner.Build(source, dest, engine.PlanOptions{})
//	if err != nil {
//	    return err
//	}
//	exec := engine.NewExecutor(backends, engine.ExecutorOptions{MaxRetries: 2},
//	    engine.WithLocker(locker), engine.WithJournal(journal))
//	report := exec.Run(ctx, plan)
//	if err := report.Err(); err != nil {
//	    for _, a := range report.Leftovers {
//	        fmt.Println("manual cleanup required:", a)
//	    }
//	}
//
// Deletion plans (Planner.BuildDeletion) run every step even after a failure and
// report each failed step in ExecutionReport.DeletionFailures.
//
// # Collaborators
//
// Database engines, filesystems and domain binders are injected through Backends.
// Implementations live in pkg/backends.
package engine
