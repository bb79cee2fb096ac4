package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/netwatch"
)

// syncEvents are relayed to the terminal while a sync runs.
var syncEvents = []string{
	domain.EventSyncProgress,
	domain.EventSyncError,
	domain.EventConflictDetected,
	domain.EventLockLost,
	domain.EventStorageWarning,
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the sync queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show queue counters and the last checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.queue.Stats(ctx)
				if err != nil {
					return err
				}
				cp, err := a.queue.GetLastCheckpoint(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				tw := newTable(out)
				fmt.Fprintf(tw, "pending\t%d\n", stats.Pending)
				fmt.Fprintf(tw, "processing\t%d\n", stats.Processing)
				fmt.Fprintf(tw, "synced\t%d\n", stats.Synced)
				fmt.Fprintf(tw, "failed\t%d (%d permanent)\n", stats.Failed, stats.PermanentFailed)
				fmt.Fprintf(tw, "conflict\t%d\n", stats.Conflict)
				fmt.Fprintf(tw, "outstanding\t%d\n", stats.Outstanding())
				if err := tw.Flush(); err != nil {
					return err
				}

				if cp != nil {
					fmt.Fprintf(out, "\nlast checkpoint %s (run %s): %d synced, %d pending",
						formatTime(cp.CreatedAt), cp.RunID, len(cp.Synced), len(cp.Pending))
					if cp.ResumeFrom != "" {
						fmt.Fprintf(out, ", resumes from %s", cp.ResumeFrom)
					}
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	})
	return cmd
}

func syncCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push queued operations to the gateway",
		Long: `Runs the sync queue to exhaustion, resuming from the last checkpoint.
With --watch the command keeps running and syncs whenever the gateway becomes reachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stop := a.relayEvents(ctx, consoleSink{w: cmd.OutOrStdout()}, syncEvents...)
				defer stop()

				if watch {
					return watchConnectivity(ctx, a)
				}

				report, err := a.engine.Resume(ctx)
				stop()
				if errors.Is(err, domain.ErrSyncDeferred) {
					fmt.Fprintln(cmd.OutOrStdout(), warning("sync deferred: run `offledger login`"))
					return nil
				}
				if report != nil {
					printReport(cmd, report)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and sync on connectivity changes")
	return cmd
}

func watchConnectivity(ctx context.Context, a *app) error {
	w := netwatch.New(netwatch.Config{
		Pinger:       a.remote,
		Handler:      a.engine,
		Logger:       a.slog,
		Interval:     a.cfg.NetworkProbeInterval,
		ProbeTimeout: a.cfg.RemoteTimeout,
	})
	if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printReport(cmd *cobra.Command, report *domain.SyncReport) {
	out := cmd.OutOrStdout()
	if report.AlreadyRunning {
		fmt.Fprintln(out, warning("a sync is already running"))
		return
	}
	p := report.Progress
	fmt.Fprintf(out, "sync %s: %d/%d processed, %d succeeded, %d failed, %d conflicts in %s\n",
		stateLabel(report.State), p.Processed, p.Total, p.Succeeded, p.Failed, p.Conflicts,
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	if report.State == domain.SyncDeferredSession {
		fmt.Fprintln(out, warning("session expired: run `offledger login` to resume"))
	}
	if p.Conflicts > 0 {
		fmt.Fprintln(out, "review with `offledger conflicts list`")
	}
}

func loginCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Open a gateway session and resume a deferred sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user = strings.TrimSpace(user)
			if user == "" {
				return errors.New("--user is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				session, err := a.remote.Login(ctx, user, a.deviceID)
				if err != nil {
					return fmt.Errorf("login: %w", err)
				}
				a.sessions.Set(session)
				if err := a.sessions.Persist(ctx); err != nil {
					return fmt.Errorf("store session: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s logged in as %s until %s\n", success("✓"), user, formatTime(a.sessions.Current().ExpiresAt))

				stop := a.relayEvents(ctx, consoleSink{w: out}, syncEvents...)
				defer stop()

				report, err := a.engine.ResumeOnLogin(ctx, session)
				stop()
				if report != nil {
					printReport(cmd, report)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Gateway user ID")
	return cmd
}
