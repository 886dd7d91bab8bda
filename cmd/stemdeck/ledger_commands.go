package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"stemdeck/internal/config"
	"stemdeck/internal/ipc"
	"stemdeck/internal/ledger"
	"stemdeck/internal/logging"
	"stemdeck/internal/reconcile"
)

var errDaemonHoldsLedger = errors.New("the daemon is running and owns the ledger; stop it with `stemdeck daemon stop` first")

func newLedgerCommand(ctx *commandContext) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and repair the global ledger",
	}
	ledgerCmd.AddCommand(newLedgerHealthCommand(ctx))
	ledgerCmd.AddCommand(newLedgerCheckCommand(ctx))
	ledgerCmd.AddCommand(newLedgerRepairCommand(ctx))
	return ledgerCmd
}

func newLedgerHealthCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check ledger database health (schema, integrity, foreign keys)",
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := ledgerHealth(cmd.Context(), ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, health)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Database path: %s\n", health.DBPath)
			fmt.Fprintf(out, "Database exists: %s\n", yesNo(health.DatabaseExists))
			fmt.Fprintf(out, "Readable: %s\n", yesNo(health.DatabaseReadable))
			fmt.Fprintf(out, "Schema version: %d\n", health.SchemaVersion)
			if len(health.TablesPresent) > 0 {
				fmt.Fprintf(out, "Tables: %s\n", strings.Join(health.TablesPresent, ", "))
			}
			if len(health.MissingTables) > 0 {
				fmt.Fprintf(out, "Missing tables: %s\n", strings.Join(health.MissingTables, ", "))
			} else {
				fmt.Fprintln(out, "Missing tables: none")
			}
			fmt.Fprintf(out, "Integrity check: %s\n", yesNo(health.IntegrityCheck))
			fmt.Fprintf(out, "Foreign key errors: %d\n", health.ForeignKeyErrors)
			fmt.Fprintf(out, "Total records: %d\n", health.TotalRecords)
			if health.Error != "" {
				fmt.Fprintf(out, "Error: %s\n", health.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// ledgerHealth asks the daemon when it is running and reads the database
// directly otherwise. SQLite allows the concurrent read either way, but the
// daemon's answer reflects its own connection settings.
func ledgerHealth(cmdCtx context.Context, ctx *commandContext) (ledger.DatabaseHealth, error) {
	if client, err := ipc.Dial(ctx.socketPath()); err == nil {
		defer client.Close()
		resp, err := client.DatabaseHealth()
		if err != nil {
			return ledger.DatabaseHealth{}, err
		}
		return resp.Health, nil
	}
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return ledger.DatabaseHealth{}, err
	}
	store, err := ledger.Open(cfg)
	if err != nil {
		return ledger.DatabaseHealth{DBPath: cfg.LedgerPath(), Error: err.Error()}, nil
	}
	defer store.Close()
	return store.CheckHealth(cmdCtx)
}

func newLedgerCheckCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report inconsistencies a repair would fix (daemon must be stopped)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return withOfflineLedger(cfg, func(store *ledger.Store) error {
				report, err := reconcile.New(store, nil, logging.NewNop(), nil).Inspect(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, report)
				}
				out := cmd.OutOrStdout()
				if report.Total() == 0 {
					fmt.Fprintln(out, "Ledger is consistent")
					return nil
				}
				renderRepairReport(out, report)
				fmt.Fprintln(out, "Run `stemdeck ledger repair` to fix these rows")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newLedgerRepairCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Repair the ledger and sweep scratch files (daemon must be stopped)",
		Long: "Repair runs the same reconciliation the daemon performs at startup:\n" +
			"orphaned reservations are marked failed, dangling and duplicate access\n" +
			"rows are removed, and partial downloads are deleted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{
				Level:       "warn",
				Format:      "console",
				OutputPaths: []string{"stderr"},
			})
			if err != nil {
				return err
			}
			return withOfflineLedger(cfg, func(store *ledger.Store) error {
				reconciler := reconcile.New(store, []string{cfg.Paths.DownloadsDir, cfg.Paths.StemsDir}, logger, nil)
				result, err := reconciler.Run(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if result.Ledger.Total() == 0 && len(result.Scratch.Removed) == 0 {
					fmt.Fprintln(out, "Nothing to repair")
					return nil
				}
				renderRepairReport(out, result.Ledger)
				fmt.Fprintf(out, "Scratch files removed: %d\n", len(result.Scratch.Removed))
				for _, failure := range result.Scratch.Errors {
					fmt.Fprintf(out, "Could not remove %s: %s\n", failure.Path, failure.Error)
				}
				return nil
			})
		},
	}
}

func renderRepairReport(out io.Writer, report ledger.RepairReport) {
	rows := [][]string{
		{"Orphaned reservations", fmt.Sprintf("%d", report.OrphanedGlobals)},
		{"Dangling access rows", fmt.Sprintf("%d", report.DanglingAccess)},
		{"Duplicate access rows", fmt.Sprintf("%d", report.MergedDuplicates)},
		{"Out-of-sync access rows", fmt.Sprintf("%d", report.NormalizedAccess)},
	}
	fmt.Fprintln(out, renderTable([]string{"Problem", "Rows"}, rows, 1))
}

// withOfflineLedger runs fn while holding the daemon's instance lock, so no
// daemon can start or be running against the same ledger.
func withOfflineLedger(cfg *config.Config, fn func(*ledger.Store) error) error {
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire ledger lock: %w", err)
	}
	if !locked {
		return errDaemonHoldsLedger
	}
	defer func() { _ = lock.Unlock() }()

	store, err := ledger.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
