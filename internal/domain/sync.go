package domain

import "time"

// SyncState is the state of the synchronization engine.
type SyncState string

const (
	SyncIdle            SyncState = "idle"
	SyncRunning         SyncState = "running"
	SyncCompleted       SyncState = "completed"
	SyncFailed          SyncState = "failed"
	SyncDeferredSession SyncState = "deferred_session"
	SyncPaused          SyncState = "paused"
)

// CanStart reports whether a sync run may begin from this state.
func (s SyncState) CanStart() bool {
	return s == SyncIdle || s == SyncCompleted || s == SyncFailed || s == SyncPaused
}

// Progress is a snapshot of a running sync, pushed to subscribers.
type Progress struct {
	RunID     string        `json:"run_id"`
	State     SyncState     `json:"state"`
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Current   string        `json:"current,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	ETA       time.Duration `json:"eta"`
}

// Percent returns completion in [0,100].
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	pct := float64(p.Processed) / float64(p.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// EstimateETA projects the remaining time from the observed rate.
func EstimateETA(processed, total int, elapsed time.Duration) time.Duration {
	if processed <= 0 || total <= processed {
		return 0
	}
	perItem := elapsed / time.Duration(processed)
	return perItem * time.Duration(total-processed)
}

// SyncReport summarises a finished (or interrupted) run.
type SyncReport struct {
	RunID          string
	State          SyncState
	AlreadyRunning bool
	Progress       Progress
	Batches        []string
	StartedAt      time.Time
	FinishedAt     time.Time
}
