package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/sitespinner/sitespinner/pkg/engine"
)

// Exit codes, one per stage that can fail.
const (
	ExitOK        = 0
	ExitUsage     = 1
	ExitAlias     = 2
	ExitPlan      = 3
	ExitPolicy    = 4
	ExitLocked    = 5
	ExitJournal   = 30
	ExitCancelled = 16

	// exitActionBase + i is returned when provisioning action i (0-based) fails.
	exitActionBase = 10

	// Deletion step failures.
	ExitDropDatabase   = 20
	ExitRemoveFiles    = 21
	ExitRemoveSettings = 22
	ExitUnbindDomain   = 23
)

var deletionExitCodes = map[engine.ActionKind]int{
	engine.ActionDropDatabase:   ExitDropDatabase,
	engine.ActionRemoveFiles:    ExitRemoveFiles,
	engine.ActionRemoveSettings: ExitRemoveSettings,
	engine.ActionUnbindDomain:   ExitUnbindDomain,
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error

	// reported is set once the failure has been printed to the user.
	reported bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitWith(code int, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

// reported marks err as already shown in the command's output.
func reported(err *ExitError) *ExitError {
	err.reported = true
	return err
}

// ExitCode maps an Execute error to a process exit code. Errors that carry no
// code are usage errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitUsage
}

// Reported tells main whether the error was already printed.
func Reported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.reported
}

// reportExitCode derives the exit code of a finished run.
func reportExitCode(report *engine.ExecutionReport) int {
	if report.Succeeded() {
		return ExitOK
	}

	var (
		locked  *engine.LockedError
		journal *engine.JournalError
	)
	switch {
	case errors.As(report.Cause, &locked):
		return ExitLocked
	case errors.As(report.Cause, &journal):
		return ExitJournal
	case report.Status == engine.RunStatusCancelled, errors.Is(report.Cause, context.Canceled):
		return ExitCancelled
	}

	if report.Kind == engine.RunKindDelete {
		if code, ok := deletionExitCodes[report.FailingAction]; ok {
			return code
		}
		return ExitUsage
	}
	for i, kind := range engine.ProvisionOrder {
		if kind == report.FailingAction {
			return exitActionBase + i
		}
	}
	return ExitUsage
}
