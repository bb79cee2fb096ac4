package mocks

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
	"github.com/iho/offledger/internal/usecase/gateway"
)

// NoopTxManager hands out transactions that do nothing. In-memory gateway
// stores apply writes immediately.
type NoopTxManager struct {
	BeginErr error
}

func (m *NoopTxManager) Begin(context.Context) (usecase.Transaction, error) {
	if m.BeginErr != nil {
		return nil, m.BeginErr
	}
	return noopTx{}, nil
}

type noopTx struct{}

func (noopTx) Commit(context.Context) error   { return nil }
func (noopTx) Rollback(context.Context) error { return nil }

// MemoryGatewayStore keeps gateway entities, fiscal periods and the
// operation log in maps.
type MemoryGatewayStore struct {
	mu         sync.Mutex
	entities   map[string]*domain.RemoteState
	periods    map[string]string
	operations map[string]*domain.OperationResult
	creators   map[string]string

	GetErr error
}

var (
	_ gateway.EntityStore       = (*MemoryGatewayStore)(nil)
	_ gateway.FiscalPeriodStore = (*MemoryGatewayStore)(nil)
	_ gateway.OperationLog      = (*MemoryGatewayStore)(nil)
)

func NewMemoryGatewayStore() *MemoryGatewayStore {
	return &MemoryGatewayStore{
		entities:   make(map[string]*domain.RemoteState),
		periods:    make(map[string]string),
		operations: make(map[string]*domain.OperationResult),
		creators:   make(map[string]string),
	}
}

func (s *MemoryGatewayStore) Get(_ context.Context, _ usecase.Transaction, entityType domain.EntityType, entityID string) (*domain.RemoteState, error) {
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := cloneState(s.entities[remoteKey(entityType, entityID)])
	if state != nil {
		_, state.FiscalPeriodClosed = s.periods[gateway.FiscalPeriod(entityType, state.Fields)]
	}
	return state, nil
}

func (s *MemoryGatewayStore) GetForUpdate(ctx context.Context, tx usecase.Transaction, entityType domain.EntityType, entityID string) (*domain.RemoteState, error) {
	return s.Get(ctx, tx, entityType, entityID)
}

func (s *MemoryGatewayStore) Insert(_ context.Context, _ usecase.Transaction, state *domain.RemoteState, _ string, createdBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := remoteKey(state.EntityType, state.EntityID)
	s.entities[key] = cloneState(state)
	s.creators[key] = createdBy
	return nil
}

func (s *MemoryGatewayStore) Update(_ context.Context, _ usecase.Transaction, state *domain.RemoteState, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneState(state)
	cp.FiscalPeriodClosed = false
	s.entities[remoteKey(state.EntityType, state.EntityID)] = cp
	return nil
}

// Put seeds an entity.
func (s *MemoryGatewayStore) Put(state *domain.RemoteState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[remoteKey(state.EntityType, state.EntityID)] = cloneState(state)
}

// CreatedBy reports who created an entity.
func (s *MemoryGatewayStore) CreatedBy(entityType domain.EntityType, entityID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creators[remoteKey(entityType, entityID)]
}

func (s *MemoryGatewayStore) IsClosed(_ context.Context, _ usecase.Transaction, period string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.periods[period]
	return ok, nil
}

func (s *MemoryGatewayStore) Close(_ context.Context, _ usecase.Transaction, period, closedBy string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periods[period] = closedBy
	return nil
}

func (s *MemoryGatewayStore) Reopen(_ context.Context, _ usecase.Transaction, period string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.periods, period)
	return nil
}

func (s *MemoryGatewayStore) Lookup(_ context.Context, _ usecase.Transaction, operationID string) (*domain.OperationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.operations[operationID]
	if !ok {
		return nil, nil
	}
	cp := *res
	cp.Fields = maps.Clone(res.Fields)
	return &cp, nil
}

// Operations counts logged operations.
func (s *MemoryGatewayStore) Operations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.operations)
}

func (s *MemoryGatewayStore) Record(_ context.Context, _ usecase.Transaction, operationID, _ string, _ domain.OperationRequest, result *domain.OperationResult, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *result
	cp.Fields = maps.Clone(result.Fields)
	s.operations[operationID] = &cp
	return nil
}

// MemoryLockRegistry is a gateway.LockRegistry over a map.
type MemoryLockRegistry struct {
	mu    sync.Mutex
	locks map[string]domain.OfflineLock
	Now   func() time.Time
}

var _ gateway.LockRegistry = (*MemoryLockRegistry)(nil)

func NewMemoryLockRegistry(now func() time.Time) *MemoryLockRegistry {
	return &MemoryLockRegistry{locks: make(map[string]domain.OfflineLock), Now: now}
}

func (r *MemoryLockRegistry) Acquire(_ context.Context, lock domain.OfflineLock, _ time.Duration) (*domain.OfflineLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if held, ok := r.locks[lock.Resource]; ok && !held.IsExpired(r.Now()) {
		if held.DeviceID != lock.DeviceID {
			return nil, &domain.LockHeldError{Resource: lock.Resource, Holder: held.DeviceID}
		}
		lock.AcquiredAt = held.AcquiredAt
	}
	r.locks[lock.Resource] = lock
	return &lock, nil
}

func (r *MemoryLockRegistry) Release(_ context.Context, resource, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	held, ok := r.locks[resource]
	if !ok || held.IsExpired(r.Now()) {
		return domain.ErrLockNotFound
	}
	if held.DeviceID != deviceID {
		return &domain.LockHeldError{Resource: resource, Holder: held.DeviceID}
	}
	delete(r.locks, resource)
	return nil
}

func (r *MemoryLockRegistry) Holder(_ context.Context, resource string) (*domain.OfflineLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	held, ok := r.locks[resource]
	if !ok || held.IsExpired(r.Now()) {
		return nil, nil
	}
	return &held, nil
}
