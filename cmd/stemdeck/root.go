package main

import (
	"github.com/spf13/cobra"
)

const (
	groupJobs        = "jobs"
	groupDaemon      = "daemon"
	groupMaintenance = "maintenance"
)

func newRootCommand() *cobra.Command {
	var socketFlag string
	var configFlag string

	ctx := newCommandContext(&socketFlag, &configFlag)

	rootCmd := &cobra.Command{
		Use:           "stemdeck",
		Short:         "Stemdeck download and stem separation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Path to the stemdeck daemon socket")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupJobs, Title: "Job commands:"},
		&cobra.Group{ID: groupDaemon, Title: "Daemon commands:"},
		&cobra.Group{ID: groupMaintenance, Title: "Maintenance commands:"},
	)
	addToGroup := func(group string, cmds ...*cobra.Command) {
		for _, cmd := range cmds {
			cmd.GroupID = group
			rootCmd.AddCommand(cmd)
		}
	}
	addToGroup(groupJobs, newJobCommands(ctx)...)
	addToGroup(groupDaemon, newDaemonCommand(ctx), newRunCommand(ctx), newLogsCommand(ctx))
	addToGroup(groupMaintenance, newLedgerCommand(ctx), newConfigCommand(ctx))

	return rootCmd
}
