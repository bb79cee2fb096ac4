package domain

import "time"

// RemoteSession is the authenticated session used against the remote backend.
// The zero value means no session.
type RemoteSession struct {
	Token     string
	UserID    string
	DeviceID  string
	ExpiresAt time.Time
}

// IsZero reports whether the session is absent.
func (s RemoteSession) IsZero() bool {
	return s.Token == ""
}

// IsExpired reports whether the session can no longer be used at now.
func (s RemoteSession) IsExpired(now time.Time) bool {
	if s.IsZero() {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
