package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stemdeck/internal/daemonctl"
	"stemdeck/internal/ledger"
	"stemdeck/internal/worker"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Control the background daemon",
	}
	for _, cmd := range newDaemonCommands(ctx) {
		daemonCmd.AddCommand(cmd)
	}
	return daemonCmd
}

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the stemdeck daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(
				ctx.socketPath(),
				exe,
				daemonLaunchOptions(ctx, startLogLevel),
				10*time.Second,
			)
			if err != nil {
				return err
			}

			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Override the configured log level")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the stemdeck daemon (drains workers, then exits)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			result, err := daemonctl.StopAndTerminate(cfg, 15*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if !result.StopAcknowledged {
				fmt.Fprintln(stdout, "Stop request sent")
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	var asJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, dependency and ledger status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			snap, err := daemonctl.BuildStatusSnapshot(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, snap)
			}

			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			printSection(stdout, "System Status", colorize)
			for _, line := range snap.Checks {
				fmt.Fprintln(stdout, renderStatusLine(line.Label, line.Severity, line.Detail, colorize))
			}
			if snap.Daemon != nil && snap.Daemon.PID > 0 {
				fmt.Fprintln(stdout, renderStatusLine("PID", daemonctl.SeverityInfo, fmt.Sprintf("%d", snap.Daemon.PID), colorize))
			}
			fmt.Fprintln(stdout)

			printSection(stdout, "Dependencies", colorize)
			for _, line := range dependencyLines(snap.Dependencies, snap.Summary, colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout)

			if snap.Daemon != nil && len(snap.Daemon.Stats.Lanes) > 0 {
				printSection(stdout, "Workers", colorize)
				fmt.Fprintln(stdout, renderTable(
					[]string{"Lane", "Queued", "Active", "Capacity"},
					buildLaneRows(snap.Daemon.Stats.Lanes),
					1, 2, 3,
				))
				fmt.Fprintln(stdout)
			}

			printSection(stdout, "Ledger", colorize)
			if snap.LedgerError != "" {
				fmt.Fprintln(stdout, renderStatusLine("Ledger", daemonctl.SeverityError, snap.LedgerError, colorize))
				return nil
			}
			rows := buildLedgerRows(snap.Ledger)
			if len(rows) == 0 {
				fmt.Fprintln(stdout, "Ledger is empty")
				return nil
			}
			fmt.Fprintln(stdout, renderTable([]string{"Status", "Count"}, rows, 1))
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	var restartLogLevel string
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the stemdeck daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.Restart(
				cfg,
				exe,
				daemonLaunchOptions(ctx, restartLogLevel),
				15*time.Second,
				10*time.Second,
			)
			if err != nil {
				return err
			}

			if result.WasRunning {
				if result.Stop.ForcedKill && result.Stop.PID > 0 {
					fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}
			fmt.Fprintf(stdout, "Daemon restarted (pid %d)\n", result.Start.PID)
			return nil
		},
	}
	restartCmd.Flags().StringVar(&restartLogLevel, "log-level", "", "Override the configured log level")

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func dependencyLines(deps []daemonctl.DependencyStatus, summary daemonctl.DependencySummary, colorize bool) []string {
	lines := make([]string, 0, len(deps)+2)
	lines = append(lines, renderStatusLine("Summary", summary.Severity, summary.Detail, colorize))
	missing := make([]string, 0)
	for _, dep := range deps {
		if dep.Available {
			message := "Ready"
			if dep.Command != "" {
				message = fmt.Sprintf("Ready (command: %s)", dep.Command)
			}
			lines = append(lines, renderStatusLine(dep.Name, daemonctl.SeverityOK, message, colorize))
			continue
		}

		detail := strings.TrimSpace(dep.Detail)
		if detail == "" {
			detail = "not available"
		}
		lines = append(lines, renderStatusLine(dep.Name, dep.Severity, detail, colorize))
		missing = append(missing, dep.Name)
	}
	if len(missing) > 0 {
		lines = append(lines, renderStatusLine("Missing dependencies", daemonctl.SeverityWarn, strings.Join(missing, ", "), colorize))
	}
	return lines
}

func buildLaneRows(lanes []worker.Stats) [][]string {
	rows := make([][]string, 0, len(lanes))
	for _, lane := range lanes {
		rows = append(rows, []string{
			statusLabel(string(lane.Kind)),
			fmt.Sprintf("%d", lane.Queued),
			fmt.Sprintf("%d", lane.Active),
			fmt.Sprintf("%d", lane.Capacity),
		})
	}
	return rows
}

func buildLedgerRows(stats ledger.Stats) [][]string {
	keys := make([]string, 0, len(stats.Globals))
	for status := range stats.Globals {
		keys = append(keys, string(status))
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys)+2)
	for _, key := range keys {
		rows = append(rows, []string{statusLabel(key), fmt.Sprintf("%d", stats.Globals[ledger.Status(key)])})
	}
	if stats.AccessRows > 0 {
		rows = append(rows,
			[]string{"Access Rows", fmt.Sprintf("%d", stats.AccessRows)},
			[]string{"Access Waiting", fmt.Sprintf("%d", stats.AccessActive)},
		)
	}
	return rows
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext, logLevel string) daemonctl.LaunchOptions {
	return daemonctl.LaunchOptions{
		ConfigPath: ctx.configPath(),
		SocketPath: ctx.socketOverride(),
		LogLevel:   strings.TrimSpace(logLevel),
	}
}
