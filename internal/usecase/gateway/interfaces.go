// Package gateway holds the server side of the sync protocol: the reference
// authority that versions entities, enforces closed fiscal periods and
// brokers collaboration locks.
package gateway

import (
	"context"
	"time"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

// EntityStore persists the authoritative copy of each entity.
type EntityStore interface {
	// Get returns nil, nil when the entity was never created.
	Get(ctx context.Context, tx usecase.Transaction, entityType domain.EntityType, entityID string) (*domain.RemoteState, error)
	// GetForUpdate is Get with a row lock held until tx ends.
	GetForUpdate(ctx context.Context, tx usecase.Transaction, entityType domain.EntityType, entityID string) (*domain.RemoteState, error)
	Insert(ctx context.Context, tx usecase.Transaction, state *domain.RemoteState, fiscalPeriod, createdBy string) error
	Update(ctx context.Context, tx usecase.Transaction, state *domain.RemoteState, fiscalPeriod string) error
}

// FiscalPeriodStore tracks which YYYY-MM periods are closed for posting.
type FiscalPeriodStore interface {
	IsClosed(ctx context.Context, tx usecase.Transaction, period string) (bool, error)
	Close(ctx context.Context, tx usecase.Transaction, period, closedBy string, at time.Time) error
	Reopen(ctx context.Context, tx usecase.Transaction, period string) error
}

// OperationLog remembers acknowledged operations so a replayed operation
// gets its original result instead of being applied twice.
type OperationLog interface {
	// Lookup returns nil, nil for an unknown operation.
	Lookup(ctx context.Context, tx usecase.Transaction, operationID string) (*domain.OperationResult, error)
	Record(ctx context.Context, tx usecase.Transaction, operationID, userID string, req domain.OperationRequest, result *domain.OperationResult, at time.Time) error
}

// LockRegistry is the shared store of collaboration locks.
type LockRegistry interface {
	// Acquire grants or refreshes lock for ttl. A live lock held by another
	// device yields *domain.LockHeldError.
	Acquire(ctx context.Context, lock domain.OfflineLock, ttl time.Duration) (*domain.OfflineLock, error)
	// Release removes the lock of deviceID on resource.
	Release(ctx context.Context, resource, deviceID string) error
	// Holder returns nil, nil when nobody holds the resource.
	Holder(ctx context.Context, resource string) (*domain.OfflineLock, error)
}

// CachedResponse is a stored HTTP response replayed for a repeated
// idempotency key.
type CachedResponse struct {
	StatusCode int    `json:"status"`
	Body       []byte `json:"body"`
}

// IdempotencyStore reserves idempotency keys and keeps successful responses.
type IdempotencyStore interface {
	// Claim reserves key. It returns the cached response when one exists and
	// domain.ErrRequestInFlight while another request holds the key.
	Claim(ctx context.Context, key string, ttl time.Duration) (*CachedResponse, error)
	Store(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// TokenIssuer signs session tokens.
type TokenIssuer interface {
	Generate(userID, deviceID string) (string, time.Time, error)
}
