package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/iho/offledger/internal/domain"
)

// MetaRemoteSession is the metadata key of the persisted remote session.
const MetaRemoteSession = "remote.session"

// MetadataStore persists small values in the local store.
type MetadataStore interface {
	GetMetadata(ctx context.Context, key string) ([]byte, error)
	SetMetadata(ctx context.Context, key string, value []byte) error
	DeleteMetadata(ctx context.Context, key string) error
}

// Sealer encrypts values at rest.
type Sealer interface {
	Encrypt(plaintext []byte, class domain.Classification) (*domain.Envelope, error)
	Decrypt(env *domain.Envelope) ([]byte, error)
}

// SessionStore holds the current remote session in memory. Persist and
// Restore carry it across process restarts, encrypted by the sealer.
type SessionStore struct {
	mu      sync.RWMutex
	session domain.RemoteSession

	store  MetadataStore
	sealer Sealer
}

// NewSessionStore creates an empty SessionStore. store and sealer may be nil
// for a memory-only store.
func NewSessionStore(store MetadataStore, sealer Sealer) *SessionStore {
	return &SessionStore{store: store, sealer: sealer}
}

// Current returns the session, or the zero session.
func (s *SessionStore) Current() domain.RemoteSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Set replaces the session. A missing expiry is read from the token.
func (s *SessionStore) Set(session domain.RemoteSession) {
	if session.ExpiresAt.IsZero() && session.Token != "" {
		if exp, err := TokenExpiry(session.Token); err == nil {
			session.ExpiresAt = exp
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
}

// Clear forgets the session.
func (s *SessionStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = domain.RemoteSession{}
}

type persistedSession struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// Persist writes the current session, or removes it when cleared.
func (s *SessionStore) Persist(ctx context.Context) error {
	if s.store == nil || s.sealer == nil {
		return nil
	}
	session := s.Current()
	if session.IsZero() {
		return s.store.DeleteMetadata(ctx, MetaRemoteSession)
	}

	plain, err := json.Marshal(persistedSession{Token: session.Token, UserID: session.UserID, DeviceID: session.DeviceID})
	if err != nil {
		return err
	}
	env, err := s.sealer.Encrypt(plain, domain.ClassificationRestricted)
	if err != nil {
		return fmt.Errorf("seal session: %w", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.store.SetMetadata(ctx, MetaRemoteSession, raw)
}

// Restore loads a persisted session. It is a no-op when none was saved.
func (s *SessionStore) Restore(ctx context.Context) error {
	if s.store == nil || s.sealer == nil {
		return nil
	}
	raw, err := s.store.GetMetadata(ctx, MetaRemoteSession)
	if err != nil || raw == nil {
		return err
	}

	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: persisted session: %v", domain.ErrIntegrityFailure, err)
	}
	plain, err := s.sealer.Decrypt(&env)
	if err != nil {
		return err
	}
	var p persistedSession
	if err := json.Unmarshal(plain, &p); err != nil {
		return fmt.Errorf("%w: persisted session: %v", domain.ErrIntegrityFailure, err)
	}
	s.Set(domain.RemoteSession{Token: p.Token, UserID: p.UserID, DeviceID: p.DeviceID})
	return nil
}
