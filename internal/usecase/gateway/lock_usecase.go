package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

// DefaultMaxLockTTL bounds how long a device may hold a resource.
const DefaultMaxLockTTL = 24 * time.Hour

// LockUseCase brokers collaboration locks between devices.
type LockUseCase struct {
	registry LockRegistry
	clock    usecase.Clock
	maxTTL   time.Duration
	logger   zerolog.Logger
}

// NewLockUseCase creates a new LockUseCase. A zero maxTTL uses DefaultMaxLockTTL.
func NewLockUseCase(registry LockRegistry, clock usecase.Clock, maxTTL time.Duration, logger zerolog.Logger) *LockUseCase {
	if maxTTL <= 0 {
		maxTTL = DefaultMaxLockTTL
	}
	return &LockUseCase{registry: registry, clock: clock, maxTTL: maxTTL, logger: logger}
}

// Acquire grants lock to its device until lock.ExpiresAt, capped at the
// maximum TTL. The lock is refreshed when the device already holds it.
func (uc *LockUseCase) Acquire(ctx context.Context, lock domain.OfflineLock) (*domain.OfflineLock, error) {
	if lock.Resource == "" || lock.DeviceID == "" {
		return nil, fmt.Errorf("%w: resource and device_id are required", domain.ErrValidationFailure)
	}

	now := uc.clock.Now()
	ttl := lock.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: lock on %s already expired", domain.ErrValidationFailure, lock.Resource)
	}
	if ttl > uc.maxTTL {
		ttl = uc.maxTTL
	}
	if lock.AcquiredAt.IsZero() {
		lock.AcquiredAt = now
	}
	lock.ExpiresAt = now.Add(ttl)

	granted, err := uc.registry.Acquire(ctx, lock, ttl)
	if err != nil {
		return nil, err
	}
	uc.logger.Debug().
		Str("resource", granted.Resource).
		Str("device_id", granted.DeviceID).
		Time("expires_at", granted.ExpiresAt).
		Msg("lock granted")
	return granted, nil
}

// Release drops the lock deviceID holds on resource.
func (uc *LockUseCase) Release(ctx context.Context, resource, deviceID string) error {
	if resource == "" || deviceID == "" {
		return fmt.Errorf("%w: resource and device_id are required", domain.ErrValidationFailure)
	}
	return uc.registry.Release(ctx, resource, deviceID)
}

// Holder returns the current holder of resource, or domain.ErrLockNotFound.
func (uc *LockUseCase) Holder(ctx context.Context, resource string) (*domain.OfflineLock, error) {
	lock, err := uc.registry.Holder(ctx, resource)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, domain.ErrLockNotFound
	}
	return lock, nil
}
