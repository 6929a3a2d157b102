package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sitespinner/sitespinner/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func testReport(runID, destination string, started time.Time) *engine.ExecutionReport {
	return &engine.ExecutionReport{
		RunID:       runID,
		PlanID:      "plan-" + runID,
		Kind:        engine.RunKindProvision,
		Source:      "template",
		Destination: destination,
		Owner:       "aegir",
		Status:      engine.RunStatusRunning,
		StartedAt:   started,
		Actions: []*engine.ActionResult{
			{Position: 1, Kind: engine.ActionFetchLiveVariables, Description: "read 2 variables", Status: engine.ActionStatusPending, Undo: engine.UndoStatusNone},
			{Position: 2, Kind: engine.ActionCopyDatabase, Description: "copy template to peace", Status: engine.ActionStatusPending, Undo: engine.UndoStatusNone},
			{Position: 3, Kind: engine.ActionCopyFiles, Description: "copy files", Status: engine.ActionStatusPending, Undo: engine.UndoStatusNone},
		},
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected Migrate to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"runs", "run_actions", "undo_failures", "events", "locks", "audit"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestJournalRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	report := testReport("run-1", "peace", started)
	if err := store.StartRun(ctx, report); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	first := report.Actions[0]
	first.Status = engine.ActionStatusSucceeded
	first.Attempts = 1
	first.StartedAt = started.Add(time.Second)
	first.Duration = 150 * time.Millisecond
	if err := store.RecordAction(ctx, report.RunID, first); err != nil {
		t.Fatalf("RecordAction failed: %v", err)
	}

	event := &engine.Event{
		ID:        "evt-1",
		RunID:     report.RunID,
		Type:      engine.EventTypeActionFailed,
		Action:    engine.ActionCopyFiles,
		Timestamp: started.Add(2 * time.Second),
		Message:   "copy failed",
		Level:     "error",
	}
	if err := store.RecordEvent(ctx, event); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	report.Actions[1].Status = engine.ActionStatusSucceeded
	report.Actions[1].Undo = engine.UndoStatusFailed
	report.Actions[1].UndoError = "drop refused"
	report.Actions[2].Status = engine.ActionStatusFailed
	report.Actions[2].Error = "disk full"
	report.Status = engine.RunStatusFailed
	report.FailingAction = engine.ActionCopyFiles
	report.FailingPosition = 3
	report.Cause = errors.New("disk full")
	report.Leftovers = []engine.Artifact{{Kind: engine.ArtifactDatabase, Location: "peace"}}
	report.UndoFailures = []*engine.UndoFailure{{
		Action:    engine.ActionCopyDatabase,
		Position:  2,
		Err:       errors.New("drop refused"),
		Artifacts: []engine.Artifact{{Kind: engine.ArtifactDatabase, Location: "peace"}},
	}}
	report.CompletedAt = started.Add(3 * time.Second)
	report.Duration = 3 * time.Second

	if err := store.FinishRun(ctx, report); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}

	if run.Status != engine.RunStatusFailed || run.FailingAction != engine.ActionCopyFiles || run.FailingPosition != 3 {
		t.Errorf("unexpected run outcome: %+v", run)
	}
	if run.Error != "disk full" || run.Owner != "aegir" || run.Source != "template" {
		t.Errorf("unexpected run fields: %+v", run)
	}
	if run.CompletedAt == nil || run.Duration != 3*time.Second {
		t.Errorf("expected completion to be recorded, got %v / %v", run.CompletedAt, run.Duration)
	}
	if len(run.Leftovers) != 1 || run.Leftovers[0].Location != "peace" {
		t.Errorf("unexpected leftovers: %v", run.Leftovers)
	}

	if len(run.Actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(run.Actions))
	}
	if run.Actions[0].Duration != 150*time.Millisecond || run.Actions[0].Attempts != 1 {
		t.Errorf("unexpected first action: %+v", run.Actions[0])
	}
	if run.Actions[1].Undo != engine.UndoStatusFailed || run.Actions[1].UndoError != "drop refused" {
		t.Errorf("unexpected undo state: %+v", run.Actions[1])
	}
	if run.Actions[2].Status != engine.ActionStatusFailed {
		t.Errorf("expected third action failed, got %s", run.Actions[2].Status)
	}

	if len(run.UndoFailures) != 1 || run.UndoFailures[0].Action != engine.ActionCopyDatabase {
		t.Errorf("unexpected undo failures: %+v", run.UndoFailures)
	}

	events, err := store.GetEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != engine.EventTypeActionFailed || events[0].Action != engine.ActionCopyFiles {
		t.Errorf("unexpected events: %+v", events)
	}

	audit, err := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListAuditEntries failed: %v", err)
	}
	if len(audit) != 2 || audit[0].Action != "run.finished" || audit[1].Action != "run.started" {
		t.Errorf("unexpected audit trail: %+v", audit)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	err = store.FinishRun(context.Background(), testReport("missing", "peace", time.Now()))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from FinishRun, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, dest := range []string{"peace", "love", "peace"} {
		report := testReport("run-"+string(rune('a'+i)), dest, base.Add(time.Duration(i)*time.Hour))
		if err := store.StartRun(ctx, report); err != nil {
			t.Fatalf("StartRun failed: %v", err)
		}
		report.Status = engine.RunStatusSucceeded
		if i == 1 {
			report.Status = engine.RunStatusFailed
		}
		if err := store.FinishRun(ctx, report); err != nil {
			t.Fatalf("FinishRun failed: %v", err)
		}
	}

	all, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "run-c" {
		t.Errorf("expected newest first, got %d runs starting with %s", len(all), all[0].ID)
	}

	peace, _ := store.ListRuns(ctx, RunFilter{Destination: "peace"})
	if len(peace) != 2 {
		t.Errorf("expected 2 runs for peace, got %d", len(peace))
	}

	failed, _ := store.ListRuns(ctx, RunFilter{Status: engine.RunStatusFailed})
	if len(failed) != 1 || failed[0].Destination != "love" {
		t.Errorf("unexpected failed runs: %+v", failed)
	}

	page, _ := store.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "run-b" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	finished := testReport("old-finished", "peace", old)
	active := testReport("old-running", "love", old)
	for _, r := range []*engine.ExecutionReport{finished, active} {
		if err := store.StartRun(ctx, r); err != nil {
			t.Fatalf("StartRun failed: %v", err)
		}
	}
	finished.Status = engine.RunStatusSucceeded
	if err := store.FinishRun(ctx, finished); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	deleted, err := store.PruneRuns(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneRuns failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 pruned run, got %d", deleted)
	}

	if _, err := store.GetRun(ctx, "old-running"); err != nil {
		t.Errorf("running run must survive pruning: %v", err)
	}

	var actions int
	store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM run_actions WHERE run_id = ?", "old-finished").Scan(&actions)
	if actions != 0 {
		t.Errorf("expected action rows to cascade, got %d", actions)
	}
}
