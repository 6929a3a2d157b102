package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sitespinner/sitespinner/pkg/alias"
)

func TestExecutor_SuccessfulProvision(t *testing.T) {
	f := newFixture()
	plan, err := f.planner.Build(f.source, f.dest, PlanOptions{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	journal := &fakeJournal{}
	report := f.executor(WithJournal(journal), WithLocker(&fakeLocker{})).Run(context.Background(), plan)

	if report.Status != RunStatusSucceeded {
		t.Fatalf("Status = %s, cause = %v", report.Status, report.Cause)
	}
	if report.Err() != nil {
		t.Errorf("Err() = %v, want nil", report.Err())
	}

	var order []ActionKind
	for _, r := range report.Actions {
		order = append(order, r.Kind)
		if r.Status != ActionStatusSucceeded {
			t.Errorf("%s status = %s", r.Kind, r.Status)
		}
		if r.Undo != UndoStatusNone {
			t.Errorf("%s undo = %s, want none", r.Kind, r.Undo)
		}
		if r.Attempts != 1 {
			t.Errorf("%s attempts = %d, want 1", r.Kind, r.Attempts)
		}
	}
	if !reflect.DeepEqual(order, ProvisionOrder) {
		t.Errorf("order = %v, want %v", order, ProvisionOrder)
	}

	if got := string(f.fs.files["/var/www/sites/peace/files/img/b.png"]); got != "b" {
		t.Errorf("copied file = %q", got)
	}
	settings := string(f.fs.files["/var/www/sites/peace/settings.php"])
	if !strings.Contains(settings, "'database' => 'peace'") || !strings.Contains(settings, "$conf['x'] = 1;") {
		t.Errorf("settings.php = %s", settings)
	}
	if f.fs.owner["/var/www/sites/peace/settings.php"] != "deploy:www-data" {
		t.Errorf("settings owner = %q", f.fs.owner["/var/www/sites/peace/settings.php"])
	}
	if f.fs.modes["/var/www/sites/peace/files"] != 0o770 {
		t.Errorf("files mode = %o", f.fs.modes["/var/www/sites/peace/files"])
	}
	if report.BoundURI != "example.com/peace/peace" {
		t.Errorf("BoundURI = %q", report.BoundURI)
	}

	vars := alias.ToNative(f.db.variables["peace"])
	want := map[string]interface{}{
		"site_name":          "Peace",
		"theme_tao_settings": map[string]interface{}{"logo_path": "peace.png", "toggle_name": int64(1)},
		"unrelated":          "x",
	}
	if !reflect.DeepEqual(vars, want) {
		t.Errorf("destination variables = %#v, want %#v", vars, want)
	}

	if len(journal.started) != 1 || len(journal.finished) != 1 {
		t.Errorf("journal started=%d finished=%d", len(journal.started), len(journal.finished))
	}
}

func TestExecutor_CopyFilesFailureUnwinds(t *testing.T) {
	f := newFixture()
	f.fs.fail["copy"] = errors.New("disk full")
	plan, err := f.planner.Build(f.source, f.dest, PlanOptions{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	report := f.executor().Run(context.Background(), plan)

	if report.Status != RunStatusFailed {
		t.Fatalf("Status = %s, want failed", report.Status)
	}
	if report.FailingAction != ActionCopyFiles || report.FailingPosition != 3 {
		t.Errorf("failing = %s@%d", report.FailingAction, report.FailingPosition)
	}

	var failure *ActionFailure
	if !errors.As(report.Err(), &failure) || failure.Action != ActionCopyFiles {
		t.Fatalf("Err() = %v, want ActionFailure for CopyFiles", report.Err())
	}
	if !strings.Contains(failure.Error(), "disk full") {
		t.Errorf("cause = %v", failure)
	}

	if !f.db.called("drop") {
		t.Error("CopyDatabase was not undone")
	}
	if _, ok := f.db.databases["peace"]; ok {
		t.Error("destination database still exists")
	}
	if got := report.Result(ActionFetchLiveVariables).Undo; got != UndoStatusNotRequired {
		t.Errorf("FetchLiveVariables undo = %s, want not_required", got)
	}
	if got := report.Result(ActionCopyDatabase).Undo; got != UndoStatusUndone {
		t.Errorf("CopyDatabase undo = %s, want undone", got)
	}
	for _, k := range []ActionKind{ActionWriteSettings, ActionBindDomain, ActionApplyVariables} {
		if got := report.Result(k).Status; got != ActionStatusSkipped {
			t.Errorf("%s status = %s, want skipped", k, got)
		}
	}
	if len(report.UndoFailures) != 0 || len(report.Leftovers) != 0 {
		t.Errorf("undo failures = %v, leftovers = %v", report.UndoFailures, report.Leftovers)
	}
	if len(f.fs.under("/var/www/sites/peace/files")) != 0 {
		t.Error("partial copy left behind")
	}
}

func TestExecutor_UndoFailureIsReportedAndUnwindContinues(t *testing.T) {
	f := newFixture()
	f.binder.failOn = errors.New("vhost reload failed")
	f.fs.fail["remove"] = errors.New("read-only filesystem")
	plan, _ := f.planner.Build(f.source, f.dest, PlanOptions{})

	report := f.executor().Run(context.Background(), plan)

	if report.FailingAction != ActionBindDomain {
		t.Fatalf("FailingAction = %s", report.FailingAction)
	}
	if len(report.UndoFailures) != 1 || report.UndoFailures[0].Action != ActionWriteSettings {
		t.Fatalf("UndoFailures = %v", report.UndoFailures)
	}
	if got := report.Result(ActionCopyFiles).Undo; got != UndoStatusUndone {
		t.Errorf("CopyFiles undo = %s, want undone despite earlier undo failure", got)
	}
	if got := report.Result(ActionCopyDatabase).Undo; got != UndoStatusUndone {
		t.Errorf("CopyDatabase undo = %s", got)
	}

	want := []Artifact{{Kind: ArtifactSettings, Location: "/var/www/sites/peace/settings.php"}}
	if !reflect.DeepEqual(report.Leftovers, want) {
		t.Errorf("Leftovers = %v, want %v", report.Leftovers, want)
	}
}

func TestExecutor_RetriesTransientErrors(t *testing.T) {
	f := newFixture()
	flaky := &flakyBinder{fakeBinder: f.binder, failures: 2}
	plan, _ := f.planner.Build(f.source, f.dest, PlanOptions{})

	exec := NewExecutor(Backends{Databases: f.db, Files: f.fs, Binder: flaky},
		ExecutorOptions{MaxRetries: 3},
		WithBackoff(func(int, error) time.Duration { return time.Millisecond }))
	report := exec.Run(context.Background(), plan)

	if !report.Succeeded() {
		t.Fatalf("Status = %s, cause = %v", report.Status, report.Cause)
	}
	if got := report.Result(ActionBindDomain).Attempts; got != 3 {
		t.Errorf("BindDomain attempts = %d, want 3", got)
	}
}

func TestExecutor_PermanentErrorsAreNotRetried(t *testing.T) {
	f := newFixture()
	f.db.databases["peace"] = "existing"
	plan, _ := f.planner.Build(f.source, f.dest, PlanOptions{})

	exec := NewExecutor(f.backends(), ExecutorOptions{MaxRetries: 3},
		WithBackoff(func(int, error) time.Duration { return 0 }))
	report := exec.Run(context.Background(), plan)

	if report.FailingAction != ActionCopyDatabase {
		t.Fatalf("FailingAction = %s", report.FailingAction)
	}
	if got := report.Result(ActionCopyDatabase).Attempts; got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	var engineErr *EngineError
	if !errors.As(report.Err(), &engineErr) || engineErr.Code != ErrCodeAlreadyExists {
		t.Errorf("Err() = %v, want ALREADY_EXISTS", report.Err())
	}
	if f.db.databases["peace"] != "existing" {
		t.Error("pre-existing database was modified")
	}
}

func TestExecutor_CancellationUnwinds(t *testing.T) {
	f := newFixture()
	f.fs.block = make(chan struct{})
	plan, _ := f.planner.Build(f.source, f.dest, PlanOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *ExecutionReport)
	go func() {
		done <- f.executor().Run(ctx, plan)
	}()

	for !f.db.called("load") {
		time.Sleep(time.Millisecond)
	}
	cancel()

	var report *ExecutionReport
	select {
	case report = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	if report.Status != RunStatusCancelled {
		t.Errorf("Status = %s, want cancelled", report.Status)
	}
	if report.FailingAction != ActionCopyFiles {
		t.Errorf("FailingAction = %s", report.FailingAction)
	}
	if !errors.Is(report.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", report.Err())
	}
	if _, ok := f.db.databases["peace"]; ok {
		t.Error("database not dropped after cancellation")
	}
}

func TestExecutor_LockedDestination(t *testing.T) {
	f := newFixture()
	locker := &fakeLocker{}
	held, err := locker.Acquire(context.Background(), "destination:peace", "other-run", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	plan, _ := f.planner.Build(f.source, f.dest, PlanOptions{})

	report := f.executor(WithLocker(locker)).Run(context.Background(), plan)

	var locked *LockedError
	if !errors.As(report.Err(), &locked) || locked.Holder != "other-run" {
		t.Fatalf("Err() = %v, want LockedError", report.Err())
	}
	if len(f.db.calls) != 0 {
		t.Errorf("database touched while locked: %v", f.db.calls)
	}

	_ = held.Release(context.Background())
	report = f.executor(WithLocker(locker)).Run(context.Background(), plan)
	if !report.Succeeded() {
		t.Errorf("second run status = %s, cause = %v", report.Status, report.Cause)
	}
}

func TestExecutor_JournalFailureAbortsBeforeSideEffects(t *testing.T) {
	f := newFixture()
	plan, _ := f.planner.Build(f.source, f.dest, PlanOptions{})

	report := f.executor(WithJournal(&fakeJournal{startErr: errors.New("database is locked")})).
		Run(context.Background(), plan)

	var jerr *JournalError
	if !errors.As(report.Err(), &jerr) {
		t.Fatalf("Err() = %v, want JournalError", report.Err())
	}
	if len(f.db.calls) != 0 {
		t.Errorf("database touched: %v", f.db.calls)
	}
}

func TestExecutor_Deletion(t *testing.T) {
	f := newFixture()
	provision, _ := f.planner.Build(f.source, f.dest, PlanOptions{})
	if report := f.executor().Run(context.Background(), provision); !report.Succeeded() {
		t.Fatalf("provision failed: %v", report.Err())
	}

	plan, err := f.planner.BuildDeletion(f.dest)
	if err != nil {
		t.Fatalf("BuildDeletion() error = %v", err)
	}
	if !reflect.DeepEqual(plan.Kinds(), DeletionOrder) {
		t.Errorf("Kinds() = %v", plan.Kinds())
	}

	report := f.executor().Run(context.Background(), plan)
	if !report.Succeeded() {
		t.Fatalf("Status = %s, cause = %v", report.Status, report.Cause)
	}
	if _, ok := f.db.databases["peace"]; ok {
		t.Error("database not dropped")
	}
	if len(f.fs.under("/var/www/sites/peace")) != 0 {
		t.Errorf("site files left: %v", f.fs.under("/var/www/sites/peace"))
	}
	if len(f.binder.bound) != 0 {
		t.Errorf("binding left: %v", f.binder.bound)
	}
}

func TestExecutor_DeletionCapturesEveryStepError(t *testing.T) {
	f := newFixture()
	f.binder.unbindE = errors.New("vhost missing")
	f.fs.fail["removetree"] = errors.New("permission denied")
	f.db.databases["peace"] = "dump"
	plan, _ := f.planner.BuildDeletion(f.dest)

	report := f.executor().Run(context.Background(), plan)

	if report.Status != RunStatusFailed {
		t.Fatalf("Status = %s", report.Status)
	}
	if report.FailingAction != ActionUnbindDomain {
		t.Errorf("FailingAction = %s, want first failure", report.FailingAction)
	}
	var failed []ActionKind
	for _, df := range report.DeletionFailures {
		failed = append(failed, df.Action)
	}
	want := []ActionKind{ActionUnbindDomain, ActionRemoveSettings, ActionRemoveFiles}
	if !reflect.DeepEqual(failed, want) {
		t.Errorf("DeletionFailures = %v, want %v", failed, want)
	}
	if got := report.Result(ActionDropDatabase).Status; got != ActionStatusSucceeded {
		t.Errorf("DropDatabase status = %s, want succeeded after earlier failures", got)
	}
	if len(report.Leftovers) != 3 {
		t.Errorf("Leftovers = %v", report.Leftovers)
	}
}

type flakyBinder struct {
	*fakeBinder
	failures int
}

func (b *flakyBinder) Bind(ctx context.Context, req BindRequest) (BindResult, error) {
	if b.failures > 0 {
		b.failures--
		return BindResult{}, NewTransientError("web server busy", nil)
	}
	return b.fakeBinder.Bind(ctx, req)
}

// halfBinder writes the entry and then fails, leaving it in place.
type halfBinder struct {
	*fakeBinder
}

func (b *halfBinder) Bind(ctx context.Context, req BindRequest) (BindResult, error) {
	b.bound[req.Binding.Name] = req
	return BindResult{Created: BindParts{Entry: true}}, NewPermanentError("symlink refused", nil)
}

func TestExecutor_UnwindKeepsExistingBinding(t *testing.T) {
	f := newFixture()
	existing := BindRequest{Binding: alias.Binding{Type: alias.BindingPath, Name: "peace"}, SiteDir: "example.com.peace"}
	f.binder.bound["peace"] = existing
	f.db.fail["write"] = errors.New("table is read-only")
	plan, _ := f.planner.Build(f.source, f.dest, PlanOptions{})

	report := f.executor().Run(context.Background(), plan)

	if report.FailingAction != ActionApplyVariables {
		t.Fatalf("FailingAction = %s, cause = %v", report.FailingAction, report.Cause)
	}
	if got := report.Result(ActionBindDomain).Undo; got != UndoStatusNotRequired {
		t.Errorf("BindDomain undo = %s, want not_required", got)
	}
	if got, ok := f.binder.bound["peace"]; !ok || got.SiteDir != existing.SiteDir {
		t.Errorf("existing binding was removed: %v", f.binder.bound)
	}
	if len(report.Leftovers) != 0 {
		t.Errorf("Leftovers = %v", report.Leftovers)
	}
}

func TestExecutor_PartialBinding(t *testing.T) {
	binding := Artifact{Kind: ArtifactBinding, Location: "path:peace"}

	t.Run("undone", func(t *testing.T) {
		f := newFixture()
		plan, _ := f.planner.Build(f.source, f.dest, PlanOptions{})
		exec := NewExecutor(Backends{Databases: f.db, Files: f.fs, Binder: &halfBinder{f.binder}}, ExecutorOptions{},
			WithBackoff(func(int, error) time.Duration { return 0 }))

		report := exec.Run(context.Background(), plan)

		if report.FailingAction != ActionBindDomain {
			t.Fatalf("FailingAction = %s", report.FailingAction)
		}
		if got := report.Result(ActionBindDomain).Undo; got != UndoStatusUndone {
			t.Errorf("BindDomain undo = %s, want undone", got)
		}
		if len(f.binder.bound) != 0 {
			t.Errorf("entry left: %v", f.binder.bound)
		}
	})

	t.Run("reported when undo fails", func(t *testing.T) {
		f := newFixture()
		f.binder.unbindE = errors.New("sites.php is read-only")
		plan, _ := f.planner.Build(f.source, f.dest, PlanOptions{})
		exec := NewExecutor(Backends{Databases: f.db, Files: f.fs, Binder: &halfBinder{f.binder}}, ExecutorOptions{},
			WithBackoff(func(int, error) time.Duration { return 0 }))

		report := exec.Run(context.Background(), plan)

		if len(report.UndoFailures) != 1 || report.UndoFailures[0].Action != ActionBindDomain {
			t.Fatalf("UndoFailures = %v", report.UndoFailures)
		}
		if !reflect.DeepEqual(report.Leftovers, []Artifact{binding}) {
			t.Errorf("Leftovers = %v, want %v", report.Leftovers, []Artifact{binding})
		}
	})
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		err     error
		base    time.Duration
	}{
		{"transient", 0, NewTransientError("busy", nil), time.Second},
		{"transient third attempt", 2, NewTransientError("busy", nil), 4 * time.Second},
		{"throttled", 1, NewThrottledError("slow down", nil), 10 * time.Second},
		{"conflict", 0, NewConflictError("in use", nil), 2 * time.Second},
		{"capped", 10, NewTransientError("busy", nil), time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			low := time.Duration(float64(tt.base) * (1 - backoffJitter))
			high := time.Duration(float64(tt.base) * (1 + backoffJitter))
			seen := make(map[time.Duration]bool)
			for i := 0; i < 100; i++ {
				d := calculateBackoff(tt.attempt, tt.err)
				if d < low || d > high {
					t.Fatalf("calculateBackoff() = %s, want within [%s, %s]", d, low, high)
				}
				seen[d] = true
			}
			if len(seen) < 2 {
				t.Errorf("calculateBackoff() returned the same delay 100 times")
			}
		})
	}
}
