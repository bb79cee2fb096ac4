package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/config"
)

// passwordEnv supplies the master password non-interactively.
const passwordEnv = "OFFLEDGER_PASSWORD"

var dbPath string

// readTerminalPassword is swapped in tests.
var readTerminalPassword = func(fd int) ([]byte, error) {
	return term.ReadPassword(fd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, failure("error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "offledger",
		Short:         "Offline ledger client",
		Long:          `Records financial entries offline, keeps them encrypted on this device and synchronizes them with the ledger gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path of the local store (overrides LOCAL_DB_PATH)")

	rootCmd.AddCommand(
		initCmd(),
		entryCmd(),
		queueCmd(),
		syncCmd(),
		loginCmd(),
		conflictsCmd(),
		auditCmd(),
		lockCmd(),
		reconcileCmd(),
		storageCmd(),
		wipeCmd(),
	)
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if dbPath != "" {
		cfg.LocalDBPath = dbPath
	}
	return cfg, nil
}

// withApp opens the local store, unlocks the vault and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	secret, err := readPassword(cmd, "Master password: ", false)
	if err != nil {
		return err
	}
	defer zero(secret)

	if err := a.unlock(ctx, secret); err != nil {
		return describeUnlockError(err)
	}
	return fn(ctx, a)
}

// readPassword takes the master password from the environment or prompts
// for it on the terminal.
func readPassword(cmd *cobra.Command, prompt string, confirm bool) ([]byte, error) {
	if p := os.Getenv(passwordEnv); p != "" {
		return []byte(p), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("no terminal to prompt on: set %s", passwordEnv)
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprint(errOut, prompt)
	secret, err := readTerminalPassword(fd)
	fmt.Fprintln(errOut)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	if !confirm {
		return secret, nil
	}

	fmt.Fprint(errOut, "Repeat password: ")
	again, err := readTerminalPassword(fd)
	fmt.Fprintln(errOut)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	defer zero(again)
	if string(again) != string(secret) {
		zero(secret)
		return nil, errors.New("passwords do not match")
	}
	return secret, nil
}

func describeUnlockError(err error) error {
	switch {
	case errors.Is(err, domain.ErrWrongSecret):
		return errors.New("wrong master password")
	case errors.Is(err, domain.ErrTooManyAttempts):
		return errors.New("too many failed attempts, try again later")
	default:
		return err
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the encrypted local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ok, err := a.vault.IsInitialized(ctx)
			if err != nil {
				return err
			}
			if ok {
				return domain.ErrVaultInitialized
			}

			secret, err := readPassword(cmd, "New master password: ", true)
			if err != nil {
				return err
			}
			defer zero(secret)

			if _, err := a.vault.Initialize(ctx, secret); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s local store created at %s\n", success("✓"), cfg.LocalDBPath)
			fmt.Fprintf(out, "device id: %s\n", a.deviceID)
			return nil
		},
	}
}

func storageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storage",
		Short: "Show local storage usage against the quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				status, err := a.quota.Check(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "usage: %s of %s (%.1f%%) %s\n",
					formatBytes(status.Usage), formatBytes(status.Quota), status.Ratio*100, levelLabel(status.Level))
				return nil
			})
		},
	}
}

func wipeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Destroy the encryption key and every local record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to wipe without --yes")
			}
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.vault.Wipe(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), warning("local store wiped"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the wipe")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= 3 {
		return s[:limit]
	}
	return s[:limit-3] + "..."
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
