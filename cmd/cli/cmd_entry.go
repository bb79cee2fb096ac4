package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

const dateLayout = "2006-01-02"

func entryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entry",
		Short: "Record and inspect financial entries",
	}
	cmd.AddCommand(entryAddCmd(), entryListCmd(), entryShowCmd(), entryAmendCmd(), entryDeleteCmd(), entryPromoteCmd())
	return cmd
}

type entryFlags struct {
	entityType   string
	reference    string
	description  string
	counterparty string
	currency     string
	date         string
	debits       []string
	credits      []string
	actor        string
}

func (f *entryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.reference, "reference", "", "External reference (invoice number, statement line)")
	cmd.Flags().StringVar(&f.description, "description", "", "Free-text description")
	cmd.Flags().StringVar(&f.counterparty, "counterparty", "", "Counterparty name")
	cmd.Flags().StringVar(&f.date, "date", "", "Booking date (YYYY-MM-DD, default today)")
	cmd.Flags().StringArrayVar(&f.debits, "debit", nil, "Debit line as ACCOUNT=AMOUNT (repeatable)")
	cmd.Flags().StringArrayVar(&f.credits, "credit", nil, "Credit line as ACCOUNT=AMOUNT (repeatable)")
	cmd.Flags().StringVar(&f.actor, "actor", "", "Acting user (default $USER)")
}

func (f *entryFlags) lines() ([]domain.Line, error) {
	var lines []domain.Line
	for _, raw := range f.debits {
		code, amount, err := parseLine(raw)
		if err != nil {
			return nil, fmt.Errorf("--debit %q: %w", raw, err)
		}
		lines = append(lines, domain.Line{AccountCode: code, Debit: amount})
	}
	for _, raw := range f.credits {
		code, amount, err := parseLine(raw)
		if err != nil {
			return nil, fmt.Errorf("--credit %q: %w", raw, err)
		}
		lines = append(lines, domain.Line{AccountCode: code, Credit: amount})
	}
	return lines, nil
}

func parseLine(raw string) (string, decimal.Decimal, error) {
	code, amount, ok := strings.Cut(raw, "=")
	code = strings.TrimSpace(code)
	if !ok || code == "" {
		return "", decimal.Zero, errors.New("expected ACCOUNT=AMOUNT")
	}
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("invalid amount: %w", err)
	}
	if !d.IsPositive() {
		return "", decimal.Zero, errors.New("amount must be positive")
	}
	return code, d, nil
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	d, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", raw)
	}
	return d, nil
}

func actorName(flag string, a *app) string {
	if flag != "" {
		return flag
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return a.deviceID
}

func entryAddCmd() *cobra.Command {
	var (
		f         entryFlags
		draft     bool
		dependsOn []string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a new entry and queue it for sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := f.lines()
			if err != nil {
				return err
			}
			date, err := parseDate(f.date)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				record := &domain.FinancialRecord{
					EntityType:   domain.EntityType(f.entityType),
					Reference:    f.reference,
					Description:  f.description,
					Counterparty: f.counterparty,
					Currency:     strings.ToUpper(f.currency),
					Date:         date,
					Lines:        lines,
				}
				res, err := a.entries.CreateEntry(ctx, usecase.CreateEntryInput{
					Record:    record,
					Actor:     actorName(f.actor, a),
					Draft:     draft,
					DependsOn: dependsOn,
				})
				if err != nil {
					return err
				}
				printEntryResult(cmd, "recorded", res)
				return nil
			})
		},
	}

	f.register(cmd)
	cmd.Flags().StringVar(&f.entityType, "type", string(domain.EntityPayment), "Entity type: payment, transaction or journal")
	cmd.Flags().StringVar(&f.currency, "currency", "EUR", "ISO 4217 currency code")
	cmd.Flags().BoolVar(&draft, "draft", false, "Keep as a local draft without queueing")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "Queue entry IDs that must sync first")
	return cmd
}

func entryAmendCmd() *cobra.Command {
	var f entryFlags

	cmd := &cobra.Command{
		Use:   "amend <id>",
		Short: "Change fields of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch domain.RecordPatch
			flags := cmd.Flags()
			if flags.Changed("reference") {
				patch.Reference = &f.reference
			}
			if flags.Changed("description") {
				patch.Description = &f.description
			}
			if flags.Changed("counterparty") {
				patch.Counterparty = &f.counterparty
			}
			if flags.Changed("currency") {
				cur := strings.ToUpper(f.currency)
				patch.Currency = &cur
			}
			if flags.Changed("date") {
				d, err := parseDate(f.date)
				if err != nil {
					return err
				}
				patch.Date = &d
			}
			if flags.Changed("debit") || flags.Changed("credit") {
				lines, err := f.lines()
				if err != nil {
					return err
				}
				patch.Lines = lines
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.entries.AmendEntry(ctx, args[0], patch, actorName(f.actor, a))
				if err != nil {
					return err
				}
				printEntryResult(cmd, "amended", res)
				return nil
			})
		},
	}

	f.register(cmd)
	cmd.Flags().StringVar(&f.currency, "currency", "", "ISO 4217 currency code")
	return cmd
}

func entryDeleteCmd() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove an entry and queue the deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.entries.RemoveEntry(ctx, args[0], actorName(actor, a))
				if err != nil {
					return err
				}
				printEntryResult(cmd, "deleted", res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Acting user (default $USER)")
	return cmd
}

func entryPromoteCmd() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "promote <id>",
		Short: "Queue a local draft for sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.entries.PromoteDraft(ctx, args[0], actorName(actor, a))
				if err != nil {
					return err
				}
				printEntryResult(cmd, "promoted", res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Acting user (default $USER)")
	return cmd
}

func entryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print an entry as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				record, err := a.entries.GetEntry(ctx, args[0])
				if err != nil {
					return err
				}
				if record == nil {
					return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, args[0])
				}
				return printJSON(cmd.OutOrStdout(), record)
			})
		},
	}
}

func entryListCmd() *cobra.Command {
	var (
		from, to    string
		account     string
		search      string
		entityType  string
		status      string
		sortBy      string
		desc        bool
		quarantined bool
		limit       int
		offset      int
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := usecase.QueryOptions{
				AccountCode:        account,
				Search:             search,
				EntityType:         domain.EntityType(entityType),
				Status:             domain.SyncStatus(status),
				IncludeQuarantined: quarantined,
				SortBy:             usecase.SortField(sortBy),
				Descending:         desc,
				Limit:              limit,
				Offset:             offset,
			}
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
				res, err := a.entries.ListEntries(ctx, opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, res)
				}

				tw := newTable(out)
				fmt.Fprintln(tw, "ID\tDATE\tTYPE\tREFERENCE\tCOUNTERPARTY\tAMOUNT\tSTATUS")
				for _, r := range res.Records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s %s\t%s\n",
						r.ID, r.Date.Format(dateLayout), r.EntityType,
						truncate(r.Reference, 20), truncate(r.Counterparty, 24),
						r.Amount().StringFixed(2), r.Currency, statusLabel(r.SyncStatus))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\n", muted(fmt.Sprintf("%d of %d entries", len(res.Records), res.Total)))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Earliest booking date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "Latest booking date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&account, "account", "", "Only entries touching this account code")
	cmd.Flags().StringVar(&search, "search", "", "Match reference, description or counterparty")
	cmd.Flags().StringVar(&entityType, "type", "", "Only this entity type")
	cmd.Flags().StringVar(&status, "status", "", "Only this sync status")
	cmd.Flags().StringVar(&sortBy, "sort", string(usecase.SortByDate), "Sort by date, amount or reference")
	cmd.Flags().BoolVar(&desc, "desc", false, "Sort descending")
	cmd.Flags().BoolVar(&quarantined, "include-quarantined", false, "Include records that failed verification")
	cmd.Flags().IntVar(&limit, "limit", 50, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printEntryResult(cmd *cobra.Command, verb string, res *usecase.EntryResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s %s (%s)\n", success("✓"), verb, res.Record.ID, statusLabel(res.Record.SyncStatus))
	if res.Entry != nil {
		fmt.Fprintf(out, "  queued as %s\n", res.Entry.ID)
	}
	for _, c := range res.Conflicts {
		fmt.Fprintf(out, "  %s possible duplicate of %s (score %.2f), held as conflict %s\n",
			warning("!"), c.DuplicateOf, c.MatchScore, c.ID)
	}
}
