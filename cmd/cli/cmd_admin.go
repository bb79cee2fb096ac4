package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

func conflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review and resolve sync conflicts",
	}
	cmd.AddCommand(conflictsListCmd(), conflictsResolveCmd())
	return cmd
}

func conflictsListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				pending, err := a.resolver.Pending(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, pending)
				}
				if len(pending) == 0 {
					fmt.Fprintln(out, success("no open conflicts"))
					return nil
				}

				tw := newTable(out)
				fmt.Fprintln(tw, "ID\tTYPE\tSEVERITY\tENTITY\tDETECTED\tALLOWED")
				for _, c := range pending {
					allowed := make([]string, 0, len(domain.PolicyFor(c.Type).Allowed))
					for _, s := range domain.PolicyFor(c.Type).Allowed {
						allowed = append(allowed, string(s))
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s/%s\t%s\t%s\n",
						c.ID, c.Type, severityLabel(c.Severity), c.EntityType, c.EntityID,
						formatTime(c.DetectedAt), strings.Join(allowed, ","))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func conflictsResolveCmd() *cobra.Command {
	var (
		strategy    string
		discard     bool
		payloadFile string
		actor       string
	)

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Settle a conflict with a resolution strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := usecase.ResolveRequest{
				Strategy: domain.ResolutionStrategy(strategy),
				Discard:  discard,
			}
			if payloadFile != "" {
				record, err := readRecordFile(payloadFile)
				if err != nil {
					return err
				}
				req.Payload = &domain.RecordPayload{Record: record}
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				req.Actor = actorName(actor, a)
				res, err := a.resolver.Resolve(ctx, args[0], req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				verb := "kept local change"
				if res.Discarded {
					verb = "discarded local change"
				}
				fmt.Fprintf(out, "%s resolved %s with %s, %s\n", success("✓"), res.ConflictID, res.Strategy, verb)
				for _, w := range res.Warnings {
					fmt.Fprintf(out, "  %s %s\n", warning("!"), w)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(domain.StrategyManual), "server_wins, last_write_wins, sequence_rebase, merge or manual")
	cmd.Flags().BoolVar(&discard, "discard", false, "Drop the local operation (manual strategy)")
	cmd.Flags().StringVar(&payloadFile, "payload", "", "JSON record to submit instead of the local one (manual strategy)")
	cmd.Flags().StringVar(&actor, "actor", "", "Acting user (default $USER)")
	return cmd
}

func readRecordFile(path string) (*domain.FinancialRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	var record domain.FinancialRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", domain.ErrValidationFailure, err)
	}
	return &record, nil
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Verify and export the audit trail",
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Walk the hash chain and report the first broken link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.audit.Verify(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.Valid {
					fmt.Fprintf(out, "%s audit chain intact (%d entries)\n", success("✓"), res.Checked)
					return nil
				}
				fmt.Fprintf(out, "%s audit chain broken at entry %d: %s\n", failure("✗"), res.FirstInvalidIndex, res.Reason)
				return fmt.Errorf("%w: audit chain", domain.ErrIntegrityFailure)
			})
		},
	}

	var outPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the audit trail as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var w io.Writer = cmd.OutOrStdout()
				if outPath != "" {
					f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				n, err := a.audit.Export(ctx, w)
				if err != nil {
					return err
				}
				if outPath != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries to %s\n", n, outPath)
				}
				return nil
			})
		},
	}
	export.Flags().StringVar(&outPath, "out", "", "Output file (default stdout)")

	cmd.AddCommand(verify, export)
	return cmd
}

func lockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Manage advisory locks on business resources",
	}

	var (
		ttl   time.Duration
		actor string
	)
	acquire := &cobra.Command{
		Use:   "acquire <resource>",
		Short: "Claim a resource for this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				lock, err := a.locks.Acquire(ctx, args[0], actorName(actor, a), ttl)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s locked %s until %s\n", success("✓"), lock.Resource, formatTime(lock.ExpiresAt))
				return nil
			})
		},
	}
	acquire.Flags().DurationVar(&ttl, "ttl", 0, "Lock lifetime (default LOCK_TTL)")
	acquire.Flags().StringVar(&actor, "actor", "", "Acting user (default $USER)")

	release := &cobra.Command{
		Use:   "release <resource>",
		Short: "Release a resource held by this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.locks.Release(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s released %s\n", success("✓"), args[0])
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List live locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				locks, err := a.locks.Active(ctx)
				if err != nil {
					return err
				}
				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "RESOURCE\tDEVICE\tACTOR\tEXPIRES")
				for _, l := range locks {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.Resource, truncate(l.DeviceID, 12), l.Actor, formatTime(l.ExpiresAt))
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(acquire, release, list)
	return cmd
}

func reconcileCmd() *cobra.Command {
	var (
		from, to string
		drafts   bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Print the trial balance and check ledger consistency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := usecase.ReconcileOptions{IncludeDrafts: drafts}
			if from != "" {
				d, err := parseDate(from)
				if err != nil {
					return err
				}
				opts.DateFrom = &d
			}
			if to != "" {
				d, err := parseDate(to)
				if err != nil {
					return err
				}
				opts.DateTo = &d
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.recon.Reconcile(ctx, opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, report)
				}

				tw := newTable(out)
				fmt.Fprintln(tw, "ACCOUNT\tCURRENCY\tDEBIT\tCREDIT\tNET")
				for _, b := range report.Balances {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.AccountCode, b.Currency,
						b.Debit.StringFixed(2), b.Credit.StringFixed(2), b.Net().StringFixed(2))
				}
				for _, t := range report.Totals {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", muted("total"), t.Currency, t.Debit.StringFixed(2), t.Credit.StringFixed(2))
				}
				if err := tw.Flush(); err != nil {
					return err
				}

				fmt.Fprintf(out, "\n%d records checked\n", report.Records)
				for _, id := range report.Unbalanced {
					fmt.Fprintf(out, "%s %s does not balance\n", failure("✗"), id)
				}
				for _, id := range report.Quarantined {
					fmt.Fprintf(out, "%s %s is quarantined\n", failure("✗"), id)
				}
				if !report.AuditChain.Valid {
					fmt.Fprintf(out, "%s audit chain broken at entry %d\n", failure("✗"), report.AuditChain.FirstInvalidIndex)
				}
				if report.Consistent {
					fmt.Fprintf(out, "%s ledger consistent\n", success("✓"))
					return nil
				}
				return fmt.Errorf("%w: ledger inconsistent", domain.ErrIntegrityFailure)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Earliest booking date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "Latest booking date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&drafts, "include-drafts", false, "Include local drafts")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
