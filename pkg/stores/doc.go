// Package stores persists run history and advisory locks in SQLite.
// The store implements the engine's Journal and Locker: every run, per-action
// outcome, undo failure, leftover artifact and timeline event is recorded, and
// destination locks carry a TTL so a crashed run cannot block a site forever.
package stores
