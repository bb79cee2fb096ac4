package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/iho/offledger/internal/domain"
)

var (
	success = color.New(color.FgGreen).SprintFunc()
	warning = color.New(color.FgYellow).SprintFunc()
	failure = color.New(color.FgRed, color.Bold).SprintFunc()
	muted   = color.New(color.FgHiBlack).SprintFunc()
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func statusLabel(s domain.SyncStatus) string {
	switch s {
	case domain.SyncStatusPosted, domain.SyncStatusVerified:
		return success(string(s))
	case domain.SyncStatusConflict, domain.SyncStatusPendingVerification:
		return warning(string(s))
	case domain.SyncStatusRejected, domain.SyncStatusCorrupted:
		return failure(string(s))
	default:
		return muted(string(s))
	}
}

func severityLabel(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical, domain.SeverityHigh:
		return failure(string(s))
	case domain.SeverityMedium:
		return warning(string(s))
	default:
		return string(s)
	}
}

func levelLabel(l domain.StorageLevel) string {
	switch l {
	case domain.StorageCritical:
		return failure(string(l))
	case domain.StorageWarning:
		return warning(string(l))
	default:
		return success(string(l))
	}
}

func stateLabel(s domain.SyncState) string {
	switch s {
	case domain.SyncCompleted:
		return success(string(s))
	case domain.SyncFailed:
		return failure(string(s))
	default:
		return warning(string(s))
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// consoleSink prints bus events as they arrive during a command.
type consoleSink struct {
	w io.Writer
}

func (s consoleSink) Publish(ctx context.Context, event domain.Event) error {
	switch data := event.Data.(type) {
	case domain.Progress:
		fmt.Fprintf(s.w, "%s %d/%d processed, %d failed, %d conflicts\n",
			muted("sync"), data.Processed, data.Total, data.Failed, data.Conflicts)
	case domain.SyncErrorEvent:
		if data.Retryable {
			fmt.Fprintf(s.w, "%s %s (will resume)\n", warning("sync"), data.Message)
		} else {
			fmt.Fprintf(s.w, "%s %s\n", failure("sync"), data.Message)
		}
	case domain.ConflictDetectedEvent:
		fmt.Fprintf(s.w, "%s %s %s on entry %s\n",
			warning("conflict"), data.ConflictID, data.Type, data.QueueEntryID)
	case domain.LockLostEvent:
		fmt.Fprintf(s.w, "%s %s now held by %s\n", warning("lock lost"), data.Resource, data.Holder)
	case domain.StorageStatus:
		fmt.Fprintf(s.w, "%s storage at %.0f%%\n", levelLabel(data.Level), data.Ratio*100)
	}
	return nil
}
