package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sitespinner/sitespinner/pkg/engine"
)

// Acquire takes the advisory lock for key without waiting. A live lock held by
// another owner fails at once with *engine.LockedError. An expired lock is taken
// over and the takeover is audited. Re-acquiring a lock already held by owner extends it.
func (s *SQLiteStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (engine.Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}

	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var held LockInfo
	err = tx.QueryRowContext(ctx, `
		SELECT key, owner, acquired_at, expires_at FROM locks WHERE key = ?
	`, key).Scan(&held.Key, &held.Owner, &held.AcquiredAt, &held.ExpiresAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to read lock %s: %w", key, err)
	case held.Owner != owner && now.Before(held.ExpiresAt):
		return nil, &engine.LockedError{Key: key, Holder: held.Owner, Acquired: held.AcquiredAt}
	case held.Owner != owner:
		if err := s.audit(ctx, tx, "lock.taken_over", owner, key, map[string]interface{}{
			"previous_owner": held.Owner,
			"expired_at":     held.ExpiresAt,
		}); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO locks (key, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
	`, key, owner, now, now.Add(ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to take lock %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to take lock %s: %w", key, err)
	}

	return &sqliteLock{store: s, key: key, owner: owner}, nil
}

// Locks lists every lock row, expired ones included.
func (s *SQLiteStore) Locks(ctx context.Context) ([]LockInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, owner, acquired_at, expires_at FROM locks ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	defer rows.Close()

	locks := []LockInfo{}
	for rows.Next() {
		var l LockInfo
		if err := rows.Scan(&l.Key, &l.Owner, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// ForceRelease drops the lock for key whoever holds it.
func (s *SQLiteStore) ForceRelease(ctx context.Context, key, actor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM locks WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("lock %s: %w", key, ErrNotFound)
	}

	if err := s.audit(ctx, tx, "lock.force_released", actor, key, nil); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteLock struct {
	store *SQLiteStore
	key   string
	owner string
}

// Release deletes the lock row if this owner still holds it.
func (l *sqliteLock) Release(ctx context.Context) error {
	_, err := l.store.db.ExecContext(ctx, "DELETE FROM locks WHERE key = ? AND owner = ?", l.key, l.owner)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
