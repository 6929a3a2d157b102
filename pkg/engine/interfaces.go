package engine

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sitespinner/sitespinner/pkg/alias"
)

// Database is the database engine collaborator.
// The admin credentials are the destination's db_creator account when one is configured.
type Database interface {
	// Dump writes a full dump of db to w.
	Dump(ctx context.Context, db alias.Database, w io.Writer) error

	// Exists reports whether the database named by db exists.
	Exists(ctx context.Context, db alias.Database, admin alias.Credentials) (bool, error)

	// Create creates the database and grants db.Username access to it.
	Create(ctx context.Context, db alias.Database, admin alias.Credentials) error

	// Load replays a dump produced by Dump into db.
	Load(ctx context.Context, db alias.Database, r io.Reader) error

	// ReadVariables returns the persistent variables named by names. Absent names are omitted.
	ReadVariables(ctx context.Context, db alias.Database, names []string) (alias.Map, error)

	// WriteVariables upserts every top-level key of vars.
	WriteVariables(ctx context.Context, db alias.Database, vars alias.Map) error

	// DeleteVariables removes the named variables.
	DeleteVariables(ctx context.Context, db alias.Database, names []string) error

	// Drop drops the database.
	Drop(ctx context.Context, db alias.Database, admin alias.Credentials) error
}

// DatabaseProvider returns the Database engine for a driver name such as "mysql".
type DatabaseProvider interface {
	Engine(driver string) (Database, error)
}

// Filesystem is the file collaborator. Paths are absolute paths on the site host.
type Filesystem interface {
	// CopyTree copies src into dst recursively, creating dst if needed.
	CopyTree(ctx context.Context, src, dst string) error

	// RemoveTree removes path and everything below it. A missing path is not an error.
	RemoveTree(ctx context.Context, path string) error

	// Remove removes a single file or symlink. A missing path is not an error.
	Remove(ctx context.Context, path string) error

	SetPermissions(ctx context.Context, path string, mode os.FileMode) error
	SetOwner(ctx context.Context, path, user, group string) error

	// WriteFile writes content to path, creating parent directories.
	WriteFile(ctx context.Context, path string, content []byte, mode os.FileMode) error

	// ReadFile returns the content of path. Templates are read through it.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	Exists(ctx context.Context, path string) (bool, error)

	// IsEmptyDir reports whether path is missing or an empty directory.
	IsEmptyDir(ctx context.Context, path string) (bool, error)

	// Symlink creates link pointing at target.
	Symlink(ctx context.Context, target, link string) error
}

// BindRequest describes the site to make reachable.
type BindRequest struct {
	Binding alias.Binding

	// Root is the multisite document root.
	Root string

	// SiteDir is the directory name under Root/sites holding the site's settings.
	SiteDir string

	// URI is the destination alias uri, used when the binding does not imply one.
	URI string
}

// BindParts names the pieces a binding is made of.
type BindParts struct {
	// Entry is the site's entry in the multisite map.
	Entry bool

	// Link is the symlink a path binding needs under the document root.
	Link bool
}

// Any reports whether at least one part is set.
func (p BindParts) Any() bool { return p.Entry || p.Link }

// AllBindParts selects the whole binding.
var AllBindParts = BindParts{Entry: true, Link: true}

// BindResult reports what Bind did.
type BindResult struct {
	// URI is the address the site is reachable at.
	URI string

	// Created holds the parts Bind added. Parts that were already in place are false.
	Created BindParts
}

// Binder registers sites with the web tier.
type Binder interface {
	// Bind makes the site reachable. On error the result still reports any part
	// that was created and could not be taken back.
	Bind(ctx context.Context, req BindRequest) (BindResult, error)

	// Unbind removes the selected parts. Parts that are already gone are not an error.
	Unbind(ctx context.Context, req BindRequest, parts BindParts) error
}

// Backends bundles the collaborators a run executes against.
type Backends struct {
	Databases DatabaseProvider
	Files     Filesystem
	Binder    Binder
}

// Lock is a held advisory lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker serialises runs against the same destination.
type Locker interface {
	// Acquire takes the lock for key or returns *LockedError when another owner holds it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lock, error)
}

// Journal persists run history.
type Journal interface {
	// StartRun records a run before its first action.
	StartRun(ctx context.Context, report *ExecutionReport) error

	// RecordAction records the latest state of one action.
	RecordAction(ctx context.Context, runID string, result *ActionResult) error

	// FinishRun records the final report.
	FinishRun(ctx context.Context, report *ExecutionReport) error

	// RecordEvent appends a timeline event.
	RecordEvent(ctx context.Context, event *Event) error
}

// Observer receives tracing and metric callbacks.
type Observer interface {
	// StartAction is called before an apply, undo or delete step; the returned func
	// is called with the step's final error.
	StartAction(ctx context.Context, runID string, kind ActionKind, phase Phase) (context.Context, func(error))

	// RunFinished is called once per run with the final report.
	RunFinished(ctx context.Context, report *ExecutionReport)
}
