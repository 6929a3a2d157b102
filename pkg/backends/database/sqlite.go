package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/sitespinner/sitespinner/pkg/alias"
	"github.com/sitespinner/sitespinner/pkg/engine"
)

const sqliteUpsert = "INSERT INTO %s (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value"

// SQLite is the engine for sqlite descriptors. The database name is the path of the
// database file on the machine running sitespinner; host and credentials are ignored.
type SQLite struct {
	logger zerolog.Logger
}

var _ engine.Database = (*SQLite)(nil)

// NewSQLite returns a sqlite engine.
func NewSQLite(logger zerolog.Logger) *SQLite {
	return &SQLite{logger: logger.With().Str("engine", "sqlite").Logger()}
}

func (s *SQLite) open(ctx context.Context, db alias.Database) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", db.Name+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", db.Name, err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open %s: %w", db.Name, err)
	}
	return conn, nil
}

// Exists reports whether the database file exists.
func (s *SQLite) Exists(_ context.Context, db alias.Database, _ alias.Credentials) (bool, error) {
	_, err := os.Stat(db.Name)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", db.Name, err)
	}
	return true, nil
}

// Create creates an empty database file. It fails if the file already exists.
func (s *SQLite) Create(_ context.Context, db alias.Database, _ alias.Credentials) error {
	if err := os.MkdirAll(filepath.Dir(db.Name), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", db.Name, err)
	}

	f, err := os.OpenFile(db.Name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if errors.Is(err, fs.ErrExist) {
		return engine.NewPermanentError("database file already exists", err).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(db.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", db.Name, err)
	}
	return f.Close()
}

// Dump writes a consistent copy of the database file to w.
func (s *SQLite) Dump(ctx context.Context, db alias.Database, w io.Writer) error {
	conn, err := s.open(ctx, db)
	if err != nil {
		return err
	}
	defer conn.Close()

	tmp, err := os.MkdirTemp("", "sitespinner-dump-")
	if err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	snapshot := filepath.Join(tmp, "snapshot.db")
	if _, err := conn.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", db.Name, err)
	}

	f, err := os.Open(snapshot)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	return nil
}

// Load replaces the database file with the dump read from r.
func (s *SQLite) Load(_ context.Context, db alias.Database, r io.Reader) error {
	tmp := db.Name + ".load"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", tmp, err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to load %s: %w", db.Name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to load %s: %w", db.Name, err)
	}

	if err := os.Rename(tmp, db.Name); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to load %s: %w", db.Name, err)
	}
	return nil
}

// Drop removes the database file and its journal files.
func (s *SQLite) Drop(_ context.Context, db alias.Database, _ alias.Credentials) error {
	for _, path := range []string{db.Name, db.Name + "-wal", db.Name + "-shm", db.Name + "-journal"} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	s.logger.Info().Str("database", db.Name).Msg("database dropped")
	return nil
}

// ReadVariables reads the named rows from {prefix}variable.
func (s *SQLite) ReadVariables(ctx context.Context, db alias.Database, names []string) (alias.Map, error) {
	conn, err := s.open(ctx, db)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return newVariableTable(db, sqliteUpsert).read(ctx, conn, names)
}

// WriteVariables upserts vars.
func (s *SQLite) WriteVariables(ctx context.Context, db alias.Database, vars alias.Map) error {
	conn, err := s.open(ctx, db)
	if err != nil {
		return err
	}
	defer conn.Close()

	return newVariableTable(db, sqliteUpsert).write(ctx, conn, vars)
}

// DeleteVariables removes the named rows.
func (s *SQLite) DeleteVariables(ctx context.Context, db alias.Database, names []string) error {
	conn, err := s.open(ctx, db)
	if err != nil {
		return err
	}
	defer conn.Close()

	return newVariableTable(db, sqliteUpsert).delete(ctx, conn, names)
}
