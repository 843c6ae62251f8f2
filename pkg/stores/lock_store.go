package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TryAcquireLock takes key for owner when it is free or already held by
// owner. The upsert only touches the row when the owner matches, so a lock
// held by someone else leaves zero rows affected.
func (s *SQLiteStore) TryAcquireLock(ctx context.Context, key, owner string) (bool, error) {
	query := `
		INSERT INTO locks (key, owner, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET acquired_at = excluded.acquired_at
		WHERE locks.owner = excluded.owner
	`

	result, err := s.db.ExecContext(ctx, query, key, owner, time.Now().UTC())
	if err != nil {
		return false, storeError("acquire lock", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ReleaseLock frees key if owner holds it.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, key, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND owner = ?`, key, owner); err != nil {
		return storeError("release lock", err)
	}
	return nil
}

// ReleaseOwnerLocks frees every lock held by owner.
func (s *SQLiteStore) ReleaseOwnerLocks(ctx context.Context, owner string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE owner = ?`, owner)
	if err != nil {
		return 0, storeError("release owner locks", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// LockHolder returns the owner of key, or "" when it is free.
func (s *SQLiteStore) LockHolder(ctx context.Context, key string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner FROM locks WHERE key = ?`, key).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeError("get lock holder", err)
	}
	return owner, nil
}

// SweepOrphanedLocks frees locks whose owner is not a pending or running
// instance.
func (s *SQLiteStore) SweepOrphanedLocks(ctx context.Context) (int, error) {
	query := `
		DELETE FROM locks
		WHERE owner NOT IN (
			SELECT id FROM instances WHERE status IN ('pending', 'running')
		)
	`

	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, storeError("sweep locks", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}
