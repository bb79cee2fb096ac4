// Package vault holds the master key in memory and encrypts data at rest.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/metrics"
)

// Metadata keys owned by the vault.
const (
	MetaSalt       = "vault.salt"
	MetaVerifier   = "vault.verifier"
	MetaIterations = "vault.iterations"
)

// MetadataStore persists the device salt and key verifier.
// GetMetadata returns nil, nil for a missing key.
type MetadataStore interface {
	GetMetadata(ctx context.Context, key string) ([]byte, error)
	SetMetadata(ctx context.Context, key string, value []byte) error
	DeleteMetadata(ctx context.Context, key string) error
}

// Purger irreversibly removes all local data.
type Purger interface {
	Purge(ctx context.Context) error
}

// EventPublisher receives session transitions.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event)
}

// Config tunes the vault.
type Config struct {
	Iterations  int
	MaxAttempts int
	Lockout     time.Duration
	AutoLock    time.Duration
}

// Session describes an unlocked vault.
type Session struct {
	ID           string
	UnlockedAt   time.Time
	LastActivity time.Time
}

// Vault is the encryption layer. It is Locked until Unlock succeeds and
// returns to Locked on timeout, explicit lock or wipe.
type Vault struct {
	cfg     Config
	store   MetadataStore
	purger  Purger
	events  EventPublisher
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.Mutex
	key         []byte
	session     *Session
	failed      int
	lockedUntil time.Time
	timer       *time.Timer
	gen         uint64
}

// Option customises a Vault.
type Option func(*Vault)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithMetrics records unlock attempts and lockouts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Vault) { v.metrics = m }
}

// New creates a locked vault.
func New(cfg Config, store MetadataStore, purger Purger, events EventPublisher, opts ...Option) *Vault {
	if cfg.Iterations == 0 {
		cfg.Iterations = MinIterations
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Lockout == 0 {
		cfg.Lockout = 5 * time.Minute
	}
	v := &Vault{
		cfg:    cfg,
		store:  store,
		purger: purger,
		events: events,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// IsInitialized reports whether a salt and verifier exist.
func (v *Vault) IsInitialized(ctx context.Context) (bool, error) {
	salt, err := v.store.GetMetadata(ctx, MetaSalt)
	if err != nil {
		return false, err
	}
	return salt != nil, nil
}

// Initialize performs first-time setup and leaves the vault unlocked.
func (v *Vault) Initialize(ctx context.Context, secret []byte) (Session, error) {
	if v.cfg.Iterations < MinIterations {
		return Session{}, fmt.Errorf("%w: %d", domain.ErrWeakKeyDerivation, v.cfg.Iterations)
	}
	ok, err := v.IsInitialized(ctx)
	if err != nil {
		return Session{}, err
	}
	if ok {
		return Session{}, domain.ErrVaultInitialized
	}

	salt, err := NewSalt()
	if err != nil {
		return Session{}, err
	}
	key, err := DeriveKey(secret, salt, v.cfg.Iterations)
	if err != nil {
		return Session{}, err
	}

	if err := v.store.SetMetadata(ctx, MetaSalt, salt); err != nil {
		return Session{}, fmt.Errorf("store salt: %w", err)
	}
	if err := v.store.SetMetadata(ctx, MetaVerifier, MakeVerifier(key)); err != nil {
		return Session{}, fmt.Errorf("store verifier: %w", err)
	}
	if err := v.store.SetMetadata(ctx, MetaIterations, []byte(strconv.Itoa(v.cfg.Iterations))); err != nil {
		return Session{}, fmt.Errorf("store iterations: %w", err)
	}

	v.mu.Lock()
	s := v.openSessionLocked(key)
	v.mu.Unlock()

	v.publish(ctx, domain.NewEvent(domain.EventSessionUnlocked, domain.SeverityLow,
		domain.SessionUnlockedEvent{SessionID: s.ID}))
	return s, nil
}

// Unlock validates secret against the stored verifier.
func (v *Vault) Unlock(ctx context.Context, secret []byte) (Session, error) {
	v.mu.Lock()

	now := v.now()
	if now.Before(v.lockedUntil) {
		v.mu.Unlock()
		v.recordAttempt("locked_out")
		return Session{}, fmt.Errorf("%w: retry after %s", domain.ErrTooManyAttempts, v.lockedUntil.Format(time.RFC3339))
	}
	if !v.lockedUntil.IsZero() {
		v.failed = 0
		v.lockedUntil = time.Time{}
	}

	key, err := v.deriveStoredKey(ctx, secret)
	if err != nil {
		v.mu.Unlock()
		return Session{}, err
	}

	verifier, err := v.store.GetMetadata(ctx, MetaVerifier)
	if err != nil {
		v.mu.Unlock()
		return Session{}, err
	}

	if !CheckVerifier(key, verifier) {
		zero(key)
		v.failed++
		if v.failed >= v.cfg.MaxAttempts {
			v.lockedUntil = now.Add(v.cfg.Lockout)
			v.mu.Unlock()
			v.recordAttempt("failure")
			if v.metrics != nil {
				v.metrics.VaultLockouts.Inc()
			}
			return Session{}, fmt.Errorf("%w: locked for %s", domain.ErrTooManyAttempts, v.cfg.Lockout)
		}
		remaining := v.cfg.MaxAttempts - v.failed
		v.mu.Unlock()
		v.recordAttempt("failure")
		return Session{}, fmt.Errorf("%w: %d attempts left", domain.ErrWrongSecret, remaining)
	}

	v.failed = 0
	s := v.openSessionLocked(key)
	v.mu.Unlock()

	v.recordAttempt("success")
	v.publish(ctx, domain.NewEvent(domain.EventSessionUnlocked, domain.SeverityLow,
		domain.SessionUnlockedEvent{SessionID: s.ID}))
	return s, nil
}

func (v *Vault) deriveStoredKey(ctx context.Context, secret []byte) ([]byte, error) {
	salt, err := v.store.GetMetadata(ctx, MetaSalt)
	if err != nil {
		return nil, err
	}
	if salt == nil {
		return nil, domain.ErrVaultNotInitialized
	}

	iterations := v.cfg.Iterations
	if raw, err := v.store.GetMetadata(ctx, MetaIterations); err != nil {
		return nil, err
	} else if raw != nil {
		iterations, err = strconv.Atoi(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: stored iterations %q", domain.ErrIntegrityFailure, raw)
		}
	}
	return DeriveKey(secret, salt, iterations)
}

func (v *Vault) openSessionLocked(key []byte) Session {
	if v.key != nil {
		zero(v.key)
	}
	now := v.now()
	v.key = key
	v.session = &Session{ID: uuid.NewString(), UnlockedAt: now, LastActivity: now}
	v.armTimerLocked()
	return *v.session
}

// Session returns the active session.
func (v *Vault) Session() (Session, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.session == nil {
		return Session{}, false
	}
	return *v.session, true
}

// IsUnlocked reports whether a key is held.
func (v *Vault) IsUnlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key != nil
}

// Lock zeroes the key. Reason is one of the domain.LockReason constants.
func (v *Vault) Lock(ctx context.Context, reason string) {
	v.mu.Lock()
	wasUnlocked := v.key != nil
	v.lockLocked()
	v.mu.Unlock()

	if wasUnlocked {
		v.publish(ctx, domain.NewEvent(domain.EventSessionLocked, domain.SeverityLow,
			domain.SessionLockedEvent{Reason: reason}))
	}
}

func (v *Vault) lockLocked() {
	if v.key != nil {
		zero(v.key)
	}
	v.key = nil
	v.session = nil
	v.gen++
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
}

func (v *Vault) armTimerLocked() {
	v.gen++
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	if v.cfg.AutoLock <= 0 {
		return
	}
	gen := v.gen
	v.timer = time.AfterFunc(v.cfg.AutoLock, func() { v.expire(gen) })
}

func (v *Vault) expire(gen uint64) {
	v.mu.Lock()
	if gen != v.gen || v.key == nil {
		v.mu.Unlock()
		return
	}
	v.lockLocked()
	v.mu.Unlock()

	v.publish(context.Background(), domain.NewEvent(domain.EventSessionLocked, domain.SeverityMedium,
		domain.SessionLockedEvent{Reason: domain.LockReasonTimeout}))
}

// touchLocked records activity and restarts the inactivity timer.
func (v *Vault) touchLocked() {
	v.session.LastActivity = v.now()
	v.armTimerLocked()
}

// Encrypt seals plaintext with a fresh IV.
func (v *Vault) Encrypt(plaintext []byte, class domain.Classification) (*domain.Envelope, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return nil, domain.ErrVaultLocked
	}
	v.touchLocked()
	return seal(v.key, plaintext, class, v.now().UTC())
}

// Decrypt opens env. A tag mismatch yields ErrWrongKeyOrCorrupted.
func (v *Vault) Decrypt(env *domain.Envelope) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return nil, domain.ErrVaultLocked
	}
	v.touchLocked()
	return open(v.key, env)
}

// Wipe destroys the key, the salt and verifier, and every local record.
// It cannot be undone.
func (v *Vault) Wipe(ctx context.Context) error {
	v.mu.Lock()
	v.lockLocked()
	v.failed = 0
	v.lockedUntil = time.Time{}
	v.mu.Unlock()

	var errs []error
	for _, key := range []string{MetaSalt, MetaVerifier, MetaIterations} {
		if err := v.store.DeleteMetadata(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	if v.purger != nil {
		if err := v.purger.Purge(ctx); err != nil {
			errs = append(errs, fmt.Errorf("purge local store: %w", err))
		}
	}

	v.publish(ctx, domain.NewEvent(domain.EventSecurityWipe, domain.SeverityCritical, nil))
	v.publish(ctx, domain.NewEvent(domain.EventSessionLocked, domain.SeverityHigh,
		domain.SessionLockedEvent{Reason: domain.LockReasonWipe}))

	return errors.Join(errs...)
}

// Close stops the auto-lock timer and zeroes the key without an event.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lockLocked()
}

func (v *Vault) publish(ctx context.Context, event domain.Event) {
	if v.events != nil {
		v.events.Publish(ctx, event)
	}
}

func (v *Vault) recordAttempt(status string) {
	if v.metrics != nil {
		v.metrics.UnlockAttempts.WithLabelValues(status).Inc()
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
