package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/metrics"
)

// LockManager hands out advisory, TTL-bounded locks on business resources.
// Locally a resource has at most one holder; the remote registry is
// consulted on sync.
type LockManager struct {
	repo     LockRepository
	tm       TransactionManager
	retrier  Retrier
	clock    Clock
	events   EventPublisher
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	deviceID string
	ttl      time.Duration
}

// NewLockManager creates a new LockManager. A zero ttl uses DefaultLockTTL.
func NewLockManager(
	repo LockRepository,
	tm TransactionManager,
	retrier Retrier,
	clock Clock,
	events EventPublisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
	deviceID string,
	ttl time.Duration,
) *LockManager {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &LockManager{
		repo:     repo,
		tm:       tm,
		retrier:  retrier,
		clock:    clock,
		events:   events,
		metrics:  m,
		logger:   logger,
		deviceID: deviceID,
		ttl:      ttl,
	}
}

// Acquire claims resource for this device. Re-acquiring refreshes the TTL.
// A live lock of another device yields a *domain.LockHeldError.
func (l *LockManager) Acquire(ctx context.Context, resource, actor string, ttl time.Duration) (*domain.OfflineLock, error) {
	if resource == "" {
		return nil, fmt.Errorf("%w: resource is required", domain.ErrValidationFailure)
	}
	if ttl <= 0 {
		ttl = l.ttl
	}

	return Atomic(ctx, l.tm, l.retrier, func(tx Transaction) (*domain.OfflineLock, error) {
		now := l.clock.Now()
		current, err := l.repo.Get(ctx, tx, resource)
		if err != nil {
			return nil, err
		}
		if current != nil && !current.IsExpired(now) && current.DeviceID != l.deviceID {
			return nil, &domain.LockHeldError{Resource: resource, Holder: current.DeviceID}
		}

		lock := &domain.OfflineLock{
			Resource:   resource,
			DeviceID:   l.deviceID,
			Actor:      actor,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		if current != nil && current.DeviceID == l.deviceID && !current.IsExpired(now) {
			lock.AcquiredAt = current.AcquiredAt
		}
		if err := l.repo.Upsert(ctx, tx, lock); err != nil {
			return nil, err
		}
		return lock, nil
	})
}

// Release drops a lock held by this device.
func (l *LockManager) Release(ctx context.Context, resource string) error {
	return AtomicDo(ctx, l.tm, l.retrier, func(tx Transaction) error {
		current, err := l.repo.Get(ctx, tx, resource)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrLockNotFound
		}
		if current.DeviceID != l.deviceID && !current.IsExpired(l.clock.Now()) {
			return &domain.LockHeldError{Resource: resource, Holder: current.DeviceID}
		}
		return l.repo.Delete(ctx, tx, resource)
	})
}

// Holder returns the live lock on resource, or nil.
func (l *LockManager) Holder(ctx context.Context, resource string) (*domain.OfflineLock, error) {
	current, err := l.repo.Get(ctx, nil, resource)
	if err != nil || current == nil {
		return nil, err
	}
	if current.IsExpired(l.clock.Now()) {
		return nil, nil
	}
	return current, nil
}

// Active lists live locks.
func (l *LockManager) Active(ctx context.Context) ([]*domain.OfflineLock, error) {
	all, err := l.repo.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()
	active := all[:0]
	for _, lock := range all {
		if !lock.IsExpired(now) {
			active = append(active, lock)
		}
	}
	return active, nil
}

// Reconcile purges expired locks and confirms the rest with the remote
// registry. Locks the registry assigns to another device are dropped
// locally and announced as lock.lost.
func (l *LockManager) Reconcile(ctx context.Context, registry RemoteLockRegistry, session domain.RemoteSession) (*domain.LockReconciliation, error) {
	now := l.clock.Now()
	result := &domain.LockReconciliation{}

	expired, err := Atomic(ctx, l.tm, l.retrier, func(tx Transaction) ([]string, error) {
		return l.repo.DeleteExpired(ctx, tx, now)
	})
	if err != nil {
		return nil, fmt.Errorf("purge expired locks: %w", err)
	}
	result.Expired = expired

	locks, err := l.repo.List(ctx, nil)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, lock := range locks {
		if lock.DeviceID != l.deviceID {
			continue
		}
		holder, err := registry.AcquireLock(ctx, session, *lock)
		var held *domain.LockHeldError
		switch {
		case err == nil && (holder == nil || holder.DeviceID == l.deviceID):
			result.Confirmed = append(result.Confirmed, lock.Resource)
			continue
		case errors.As(err, &held):
			holder = &domain.OfflineLock{Resource: lock.Resource, DeviceID: held.Holder}
		case err != nil:
			errs = append(errs, fmt.Errorf("confirm lock %s: %w", lock.Resource, err))
			continue
		}

		if err := l.drop(ctx, lock.Resource); err != nil {
			errs = append(errs, err)
			continue
		}
		lost := *lock
		result.Lost = append(result.Lost, lost)
		l.lost(ctx, lost, holder.DeviceID)
	}

	return result, errors.Join(errs...)
}

func (l *LockManager) drop(ctx context.Context, resource string) error {
	return AtomicDo(ctx, l.tm, l.retrier, func(tx Transaction) error {
		err := l.repo.Delete(ctx, tx, resource)
		if errors.Is(err, domain.ErrLockNotFound) {
			return nil
		}
		return err
	})
}

func (l *LockManager) lost(ctx context.Context, lock domain.OfflineLock, holder string) {
	l.logger.Warn().Str("resource", lock.Resource).Str("holder", holder).Msg("lock lost to another device")
	if l.metrics != nil {
		l.metrics.LocksLost.Inc()
	}
	if l.events != nil {
		l.events.Publish(ctx, domain.NewEvent(domain.EventLockLost, domain.SeverityMedium,
			domain.LockLostEvent{Resource: lock.Resource, Holder: holder}))
	}
}
