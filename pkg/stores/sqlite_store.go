package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/sitespinner/sitespinner/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore is the run journal and lock table.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config

	// now is replaceable in tests.
	now func() time.Time
}

var (
	_ engine.Journal = (*SQLiteStore)(nil)
	_ engine.Locker  = (*SQLiteStore)(nil)
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Init opens the database with WAL, foreign keys and immediate transactions.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// StartRun inserts the run and its pending action rows.
func (s *SQLiteStore) StartRun(ctx context.Context, report *engine.ExecutionReport) error {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, plan_id, kind, source, destination, owner, status, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		report.PlanID,
		report.Kind,
		report.Source,
		report.Destination,
		report.Owner,
		report.Status,
		report.StartedAt.UTC(),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	for _, result := range report.Actions {
		if err := upsertAction(ctx, tx, report.RunID, result, now); err != nil {
			return err
		}
	}

	if err := s.audit(ctx, tx, "run.started", report.RunID, report.Destination, map[string]interface{}{
		"kind":   report.Kind,
		"source": report.Source,
		"owner":  report.Owner,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertAction(ctx context.Context, db execer, runID string, result *engine.ActionResult, now time.Time) error {
	var startedAt *time.Time
	if !result.StartedAt.IsZero() {
		t := result.StartedAt.UTC()
		startedAt = &t
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO run_actions (
			run_id, position, kind, description, status, attempts, started_at, duration_ms,
			error, undo_status, undo_duration_ms, undo_error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, position) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			started_at = excluded.started_at,
			duration_ms = excluded.duration_ms,
			error = excluded.error,
			undo_status = excluded.undo_status,
			undo_duration_ms = excluded.undo_duration_ms,
			undo_error = excluded.undo_error,
			updated_at = excluded.updated_at
	`,
		runID,
		result.Position,
		result.Kind,
		result.Description,
		result.Status,
		result.Attempts,
		startedAt,
		result.Duration.Milliseconds(),
		result.Error,
		result.Undo,
		result.UndoDuration.Milliseconds(),
		result.UndoError,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to record action %d of run %s: %w", result.Position, runID, err)
	}
	return nil
}

// RecordAction stores the latest state of one action.
func (s *SQLiteStore) RecordAction(ctx context.Context, runID string, result *engine.ActionResult) error {
	return upsertAction(ctx, s.db, runID, result, s.now())
}

// FinishRun stores the final report, its undo failures and every action row.
func (s *SQLiteStore) FinishRun(ctx context.Context, report *engine.ExecutionReport) error {
	now := s.now()

	leftovers, err := json.Marshal(nonNilArtifacts(report.Leftovers))
	if err != nil {
		return fmt.Errorf("failed to encode leftovers: %w", err)
	}

	var completedAt *time.Time
	if !report.CompletedAt.IsZero() {
		t := report.CompletedAt.UTC()
		completedAt = &t
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, failing_action = ?, failing_position = ?, error = ?, bound_uri = ?,
			leftovers = ?, completed_at = ?, duration_ms = ?, updated_at = ?
		WHERE id = ?
	`,
		report.Status,
		report.FailingAction,
		report.FailingPosition,
		errorText(report.Cause),
		report.BoundURI,
		string(leftovers),
		completedAt,
		report.Duration.Milliseconds(),
		now,
		report.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("run %s: %w", report.RunID, ErrNotFound)
	}

	for _, action := range report.Actions {
		if err := upsertAction(ctx, tx, report.RunID, action, now); err != nil {
			return err
		}
	}

	for _, failure := range report.UndoFailures {
		artifacts, err := json.Marshal(nonNilArtifacts(failure.Artifacts))
		if err != nil {
			return fmt.Errorf("failed to encode artifacts: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO undo_failures (run_id, position, action, error, artifacts)
			VALUES (?, ?, ?, ?, ?)
		`, report.RunID, failure.Position, failure.Action, errorText(failure.Err), string(artifacts))
		if err != nil {
			return fmt.Errorf("failed to record undo failure: %w", err)
		}
	}

	if err := s.audit(ctx, tx, "run.finished", report.RunID, report.Destination, map[string]interface{}{
		"status":    report.Status,
		"leftovers": len(report.Leftovers),
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func nonNilArtifacts(in []engine.Artifact) []engine.Artifact {
	if in == nil {
		return []engine.Artifact{}
	}
	return in
}

// RecordEvent appends a timeline event.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event *engine.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, type, action, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.RunID,
		event.Type,
		event.Action,
		event.Level,
		event.Message,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

const runColumns = `
	id, plan_id, kind, source, destination, owner, status, failing_action, failing_position,
	error, bound_uri, leftovers, started_at, completed_at, duration_ms, created_at, updated_at
`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var leftovers string
	var durationMS int64

	err := row.Scan(
		&run.ID,
		&run.PlanID,
		&run.Kind,
		&run.Source,
		&run.Destination,
		&run.Owner,
		&run.Status,
		&run.FailingAction,
		&run.FailingPosition,
		&run.Error,
		&run.BoundURI,
		&leftovers,
		&run.StartedAt,
		&run.CompletedAt,
		&durationMS,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(leftovers), &run.Leftovers); err != nil {
		return nil, fmt.Errorf("failed to decode leftovers of run %s: %w", run.ID, err)
	}
	return run, nil
}

// GetRun returns a run with its actions and undo failures.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if run.Actions, err = s.listActions(ctx, id); err != nil {
		return nil, err
	}
	if run.UndoFailures, err = s.listUndoFailures(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns lists runs newest first without their action rows.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+`
		FROM runs
		WHERE (? = '' OR destination = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`,
		filter.Destination, filter.Destination,
		string(filter.Status), string(filter.Status),
		filter.Limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func (s *SQLiteStore) listActions(ctx context.Context, runID string) ([]*engine.ActionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, kind, description, status, attempts, started_at, duration_ms,
			   error, undo_status, undo_duration_ms, undo_error
		FROM run_actions
		WHERE run_id = ?
		ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	actions := []*engine.ActionResult{}
	for rows.Next() {
		a := &engine.ActionResult{}
		var startedAt *time.Time
		var durationMS, undoMS int64
		err := rows.Scan(
			&a.Position,
			&a.Kind,
			&a.Description,
			&a.Status,
			&a.Attempts,
			&startedAt,
			&durationMS,
			&a.Error,
			&a.Undo,
			&undoMS,
			&a.UndoError,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		if startedAt != nil {
			a.StartedAt = *startedAt
		}
		a.Duration = time.Duration(durationMS) * time.Millisecond
		a.UndoDuration = time.Duration(undoMS) * time.Millisecond
		actions = append(actions, a)
	}

	return actions, rows.Err()
}

func (s *SQLiteStore) listUndoFailures(ctx context.Context, runID string) ([]*UndoFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, position, action, error, artifacts
		FROM undo_failures
		WHERE run_id = ?
		ORDER BY position DESC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list undo failures: %w", err)
	}
	defer rows.Close()

	failures := []*UndoFailure{}
	for rows.Next() {
		f := &UndoFailure{}
		var artifacts string
		if err := rows.Scan(&f.ID, &f.RunID, &f.Position, &f.Action, &f.Error, &artifacts); err != nil {
			return nil, fmt.Errorf("failed to scan undo failure: %w", err)
		}
		if err := json.Unmarshal([]byte(artifacts), &f.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to decode artifacts: %w", err)
		}
		failures = append(failures, f)
	}

	return failures, rows.Err()
}

// GetEvents returns the timeline of a run, oldest first.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, limit int) ([]*engine.Event, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, action, level, message, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp ASC
		LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Type,
			&event.Action,
			&event.Level,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// PruneRuns deletes finished runs that started before cutoff. Action rows,
// undo failures and events go with them.
func (s *SQLiteStore) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE started_at < ? AND status NOT IN (?, ?)
	`, cutoff.UTC(), engine.RunStatusPending, engine.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	return result.RowsAffected()
}

// audit writes an audit row inside tx.
func (s *SQLiteStore) audit(ctx context.Context, db execer, action, actor, target string, details map[string]interface{}) error {
	entry := &AuditEntry{Action: action, Actor: actor, Timestamp: s.now()}
	if target != "" {
		entry.TargetID = &target
	}
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		text := string(data)
		entry.Details = &text
	}
	return createAuditEntry(ctx, db, entry)
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	return createAuditEntry(ctx, s.db, entry)
}

func createAuditEntry(ctx context.Context, db execer, entry *AuditEntry) error {
	result, err := db.ExecContext(ctx, `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}
