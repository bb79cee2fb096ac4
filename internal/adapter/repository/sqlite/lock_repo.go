package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

// LockRepository implements usecase.LockRepository.
type LockRepository struct {
	db *sql.DB
}

// NewLockRepository creates a new LockRepository.
func NewLockRepository(db *sql.DB) *LockRepository {
	return &LockRepository{db: db}
}

// Upsert claims or refreshes a lock.
func (r *LockRepository) Upsert(ctx context.Context, tx usecase.Transaction, lock *domain.OfflineLock) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO locks (resource, device_id, actor, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (resource) DO UPDATE SET
			device_id = excluded.device_id,
			actor = excluded.actor,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
	`, lock.Resource, lock.DeviceID, lock.Actor, toNanos(lock.AcquiredAt), toNanos(lock.ExpiresAt))
	return err
}

// Get returns the lock on resource or nil.
func (r *LockRepository) Get(ctx context.Context, tx usecase.Transaction, resource string) (*domain.OfflineLock, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx,
		`SELECT resource, device_id, actor, acquired_at, expires_at FROM locks WHERE resource = ?`, resource)
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return lock, err
}

// Delete removes the lock on resource.
func (r *LockRepository) Delete(ctx context.Context, tx usecase.Transaction, resource string) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `DELETE FROM locks WHERE resource = ?`, resource)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrLockNotFound)
}

// List returns every stored lock.
func (r *LockRepository) List(ctx context.Context, tx usecase.Transaction) ([]*domain.OfflineLock, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT resource, device_id, actor, acquired_at, expires_at FROM locks ORDER BY resource`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []*domain.OfflineLock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

// DeleteExpired purges locks that lapsed at now and returns their resources.
func (r *LockRepository) DeleteExpired(ctx context.Context, tx usecase.Transaction, now time.Time) ([]string, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		`DELETE FROM locks WHERE expires_at <= ? RETURNING resource`, toNanos(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resources []string
	for rows.Next() {
		var resource string
		if err := rows.Scan(&resource); err != nil {
			return nil, err
		}
		resources = append(resources, resource)
	}
	return resources, rows.Err()
}

func scanLock(s scanner) (*domain.OfflineLock, error) {
	var (
		lock       domain.OfflineLock
		acquiredAt int64
		expiresAt  int64
	)
	if err := s.Scan(&lock.Resource, &lock.DeviceID, &lock.Actor, &acquiredAt, &expiresAt); err != nil {
		return nil, err
	}
	lock.AcquiredAt = fromNanos(acquiredAt)
	lock.ExpiresAt = fromNanos(expiresAt)
	return &lock, nil
}
