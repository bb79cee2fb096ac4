package domain

import "time"

// OfflineLock is an advisory, TTL-bounded claim of a business resource by a device.
type OfflineLock struct {
	Resource   string    `json:"resource"`
	DeviceID   string    `json:"device_id"`
	Actor      string    `json:"actor"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired reports whether the lock lapsed at now.
func (l *OfflineLock) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Remaining returns the TTL left at now.
func (l *OfflineLock) Remaining(now time.Time) time.Duration {
	if l.IsExpired(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

// LockReconciliation summarises a reconcile pass against the remote registry.
type LockReconciliation struct {
	Confirmed []string
	Lost      []OfflineLock
	Expired   []string
}
