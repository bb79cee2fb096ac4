package mocks

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

// FakeRemote is an in-memory authoritative server. It versions entities the
// way the gateway does and rejects stale base versions.
type FakeRemote struct {
	mu       sync.Mutex
	entities map[string]*domain.RemoteState
	calls    []domain.OperationRequest

	ProcessOperationFunc func(ctx context.Context, session domain.RemoteSession, req domain.OperationRequest, call int) (*domain.OperationResult, error)
	FetchStateFunc       func(ctx context.Context, session domain.RemoteSession, entityType domain.EntityType, entityID string) (*domain.RemoteState, error)
	PingFunc             func(ctx context.Context) error
	Now                  func() time.Time
}

var _ usecase.RemoteBackend = (*FakeRemote)(nil)

func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		entities: make(map[string]*domain.RemoteState),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func remoteKey(entityType domain.EntityType, entityID string) string {
	return string(entityType) + "/" + entityID
}

// ProcessOperation records the call and, unless the hook handles it, applies
// the operation to the in-memory state. call is 1-based.
func (f *FakeRemote) ProcessOperation(ctx context.Context, session domain.RemoteSession, req domain.OperationRequest) (*domain.OperationResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	call := len(f.calls)
	f.mu.Unlock()

	if f.ProcessOperationFunc != nil {
		res, err := f.ProcessOperationFunc(ctx, session, req, call)
		if res != nil || err != nil {
			return res, err
		}
	}
	return f.Apply(req)
}

// Apply mutates the server state without recording a call.
func (f *FakeRemote) Apply(req domain.OperationRequest) (*domain.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := remoteKey(req.EntityType, req.EntityID)
	state := f.entities[key]

	switch req.Type {
	case domain.OperationCreate:
		if state != nil && !state.Deleted {
			return nil, &domain.RemoteConflictError{Reason: domain.RemoteReasonVersionMismatch, State: cloneState(state)}
		}
		state = &domain.RemoteState{
			EntityType:  req.EntityType,
			EntityID:    req.EntityID,
			Version:     1,
			Fields:      maps.Clone(req.Payload),
			VectorClock: req.VectorClock.Clone(),
			UpdatedAt:   f.Now(),
		}
		f.entities[key] = state
	case domain.OperationUpdate:
		if state == nil || state.Deleted {
			return nil, &domain.RemoteConflictError{Reason: domain.RemoteReasonReferential}
		}
		if state.FiscalPeriodClosed {
			return nil, &domain.RemoteConflictError{Reason: domain.RemoteReasonFiscalPeriodClosed, State: cloneState(state)}
		}
		if req.BaseVersion != state.Version {
			return nil, &domain.RemoteConflictError{Reason: domain.RemoteReasonVersionMismatch, State: cloneState(state)}
		}
		if req.Delta {
			if state.Fields == nil {
				state.Fields = make(map[string]any, len(req.Payload))
			}
			maps.Copy(state.Fields, req.Payload)
		} else {
			state.Fields = maps.Clone(req.Payload)
		}
		state.Version++
		state.VectorClock = state.VectorClock.Merge(req.VectorClock)
		state.UpdatedAt = f.Now()
	case domain.OperationDelete:
		if state == nil || state.Deleted {
			return &domain.OperationResult{EntityID: req.EntityID, Deleted: true}, nil
		}
		if req.BaseVersion != state.Version {
			return nil, &domain.RemoteConflictError{Reason: domain.RemoteReasonVersionMismatch, State: cloneState(state)}
		}
		state.Deleted = true
		state.Version++
		state.UpdatedAt = f.Now()
		return &domain.OperationResult{EntityID: req.EntityID, Version: state.Version, Deleted: true}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operation type %q", domain.ErrValidationFailure, req.Type)
	}

	return &domain.OperationResult{
		EntityID:    state.EntityID,
		Version:     state.Version,
		Fields:      maps.Clone(state.Fields),
		VectorClock: state.VectorClock.Clone(),
	}, nil
}

func (f *FakeRemote) FetchState(ctx context.Context, session domain.RemoteSession, entityType domain.EntityType, entityID string) (*domain.RemoteState, error) {
	if f.FetchStateFunc != nil {
		return f.FetchStateFunc(ctx, session, entityType, entityID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneState(f.entities[remoteKey(entityType, entityID)]), nil
}

func (f *FakeRemote) Ping(ctx context.Context) error {
	if f.PingFunc != nil {
		return f.PingFunc(ctx)
	}
	return nil
}

// Put seeds or overwrites server state.
func (f *FakeRemote) Put(state *domain.RemoteState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[remoteKey(state.EntityType, state.EntityID)] = cloneState(state)
}

// State returns a copy of the server state of an entity.
func (f *FakeRemote) State(entityType domain.EntityType, entityID string) *domain.RemoteState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneState(f.entities[remoteKey(entityType, entityID)])
}

// Calls returns every request received so far, in order.
func (f *FakeRemote) Calls() []domain.OperationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.OperationRequest, len(f.calls))
	copy(out, f.calls)
	return out
}

// ResetCalls forgets the call log but keeps the server state.
func (f *FakeRemote) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func cloneState(s *domain.RemoteState) *domain.RemoteState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Fields = maps.Clone(s.Fields)
	cp.VectorClock = s.VectorClock.Clone()
	return &cp
}

// FakeSessionStore is a SessionStore guarded by a mutex.
type FakeSessionStore struct {
	mu      sync.Mutex
	session domain.RemoteSession
	cleared int
}

var _ usecase.SessionStore = (*FakeSessionStore)(nil)

func NewFakeSessionStore(session domain.RemoteSession) *FakeSessionStore {
	return &FakeSessionStore{session: session}
}

func (s *FakeSessionStore) Current() domain.RemoteSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *FakeSessionStore) Set(session domain.RemoteSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
}

func (s *FakeSessionStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = domain.RemoteSession{}
	s.cleared++
}

// Cleared returns how many times Clear was called.
func (s *FakeSessionStore) Cleared() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

// FakeLockRegistry keeps server-side locks in memory.
type FakeLockRegistry struct {
	mu    sync.Mutex
	locks map[string]domain.OfflineLock
	Now   func() time.Time

	AcquireLockFunc func(ctx context.Context, session domain.RemoteSession, lock domain.OfflineLock) (*domain.OfflineLock, error)
}

var _ usecase.RemoteLockRegistry = (*FakeLockRegistry)(nil)

func NewFakeLockRegistry(now func() time.Time) *FakeLockRegistry {
	return &FakeLockRegistry{locks: make(map[string]domain.OfflineLock), Now: now}
}

func (r *FakeLockRegistry) AcquireLock(ctx context.Context, session domain.RemoteSession, lock domain.OfflineLock) (*domain.OfflineLock, error) {
	if r.AcquireLockFunc != nil {
		return r.AcquireLockFunc(ctx, session, lock)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if held, ok := r.locks[lock.Resource]; ok && held.DeviceID != lock.DeviceID && !held.IsExpired(r.Now()) {
		return nil, &domain.LockHeldError{Resource: lock.Resource, Holder: held.DeviceID}
	}
	r.locks[lock.Resource] = lock
	return &lock, nil
}

func (r *FakeLockRegistry) ReleaseLock(ctx context.Context, session domain.RemoteSession, resource string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, resource)
	return nil
}

func (r *FakeLockRegistry) LockHolder(ctx context.Context, session domain.RemoteSession, resource string) (*domain.OfflineLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	held, ok := r.locks[resource]
	if !ok || held.IsExpired(r.Now()) {
		return nil, nil
	}
	return &held, nil
}

// Grant installs a lock held by another device.
func (r *FakeLockRegistry) Grant(lock domain.OfflineLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks[lock.Resource] = lock
}

// EventRecorder captures published events.
type EventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

var _ usecase.EventPublisher = (*EventRecorder)(nil)

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

func (r *EventRecorder) Publish(_ context.Context, event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns all recorded events in publish order.
func (r *EventRecorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type.
func (r *EventRecorder) OfType(eventType string) []domain.Event {
	var out []domain.Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// FakeClock is a settable Clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

var _ usecase.Clock = (*FakeClock)(nil)

func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MockIDGenerator is a mock implementation of IDGenerator.
type MockIDGenerator struct {
	GenerateFunc func() string
	Prefix       string
	counter      int
	mu           sync.Mutex
}

func NewMockIDGenerator() *MockIDGenerator {
	return &MockIDGenerator{Prefix: "id"}
}

// Generate returns sortable ids so insertion order matches id order.
func (m *MockIDGenerator) Generate() string {
	if m.GenerateFunc != nil {
		return m.GenerateFunc()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	return fmt.Sprintf("%s-%06d", m.Prefix, m.counter)
}

// NoRetry runs the operation once.
type NoRetry struct{}

func (NoRetry) Retry(_ context.Context, operation func() error) error {
	return operation()
}
