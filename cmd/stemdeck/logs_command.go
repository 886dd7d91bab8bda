package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stemdeck/internal/ipc"
	"stemdeck/internal/logstream"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int
	var jobID string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Display daemon logs",
		Long: "Display the daemon's JSON log. With --job only lines mentioning that job\n" +
			"are shown. When the daemon is not running the log file is read directly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var source logstream.TailClient
			if client, err := ipc.Dial(ctx.socketPath()); err == nil {
				defer client.Close()
				source = client
			} else {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				source = logstream.NewFile(cmd.Context(), cfg.LogPath())
			}

			stdout := cmd.OutOrStdout()
			printed, err := logstream.Stream(cmd.Context(), source, logstream.Options{
				Lines:  lines,
				Follow: follow,
				JobID:  strings.TrimSpace(jobID),
			}, func(line string) {
				fmt.Fprintln(stdout, line)
			})
			if err != nil {
				return err
			}
			if !printed && !follow {
				fmt.Fprintln(stdout, "No log entries available")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of lines to show (0 for all)")
	cmd.Flags().StringVar(&jobID, "job", "", "Only show lines for this job id")
	return cmd
}
