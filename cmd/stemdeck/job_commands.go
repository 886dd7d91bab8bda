package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stemdeck/internal/ipc"
	"stemdeck/internal/jobs"
)

func newJobCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newSubmitCommand(ctx),
		newStatusCommand(ctx),
		newCancelCommand(ctx),
		newRetryCommand(ctx),
		newListCommand(ctx),
		newForgetCommand(ctx),
	}
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var spec jobs.Spec
	var kind string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a download or extraction job",
		Long: "Submit a job for a content item. When the result already exists it is\n" +
			"granted to the user immediately; when another job is producing it the\n" +
			"user is attached to that job instead of starting a second one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := jobs.ParseKind(kind)
			if err != nil {
				return err
			}
			spec.Kind = parsed
			if strings.TrimSpace(spec.VariantKey) == "" {
				spec.VariantKey = defaultVariant(ctx, parsed)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Submit(ipc.SubmitRequest{Spec: spec})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Result)
				}
				out := cmd.OutOrStdout()
				result := resp.Result
				switch {
				case result.Existing:
					fmt.Fprintf(out, "Already available (job %s)\n", result.JobID)
					if result.Result != nil {
						for _, line := range resultLines(*result.Result) {
							fmt.Fprintln(out, line)
						}
					}
				case result.InProgress:
					fmt.Fprintf(out, "In progress under job %s\n", result.JobID)
					fmt.Fprintf(out, "Check progress with `stemdeck status %s` or `stemdeck list --user %s`\n", result.JobID, spec.UserID)
				default:
					fmt.Fprintf(out, "Queued job %s\n", result.JobID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&spec.UserID, "user", "u", "", "User requesting the item")
	cmd.Flags().StringVar(&spec.ContentID, "content", "", "Content identifier")
	cmd.Flags().StringVar(&spec.VariantKey, "variant", "", "Variant key: download format (default \"best\") or separation model (default from config)")
	cmd.Flags().StringVarP(&kind, "kind", "k", string(jobs.KindDownload), "Job kind: download or extraction")
	cmd.Flags().StringVar(&spec.SessionID, "session", "", "Session to receive progress events")
	cmd.Flags().StringVar(&spec.SourceURL, "source-url", "", "Explicit source location for downloads")
	cmd.Flags().StringVar(&spec.InputPath, "input", "", "Input file for extraction instead of the latest download")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func defaultVariant(ctx *commandContext, kind jobs.Kind) string {
	if kind == jobs.KindExtraction {
		if cfg, err := ctx.ensureConfig(); err == nil {
			return cfg.Extraction.DefaultModel
		}
	}
	return "best"
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobStatus(jobID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Job)
				}
				for _, line := range jobDetailLines(resp.Job) {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Cancel(jobID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if resp.Cancelled {
					fmt.Fprintf(out, "Cancellation requested for job %s\n", jobID)
				} else {
					fmt.Fprintf(out, "Job %s is not running; nothing to cancel\n", jobID)
				}
				return nil
			})
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry a failed or cancelled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Retry(jobID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if resp.JobID != jobID {
					fmt.Fprintf(out, "Already available from job %s\n", resp.JobID)
					return nil
				}
				fmt.Fprintf(out, "Requeued job %s\n", resp.JobID)
				return nil
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's downloads and extractions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.List(strings.TrimSpace(userID))
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Entries)
				}
				out := cmd.OutOrStdout()
				if len(resp.Entries) == 0 {
					fmt.Fprintln(out, "No items")
					return nil
				}
				table := renderTable(
					[]string{"Content", "Variant", "Kind", "Status", "Progress", "Job", "Updated"},
					buildEntryRows(resp.Entries),
					4,
				)
				fmt.Fprint(out, table)
				fmt.Fprintln(out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User whose items to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newForgetCommand(ctx *commandContext) *cobra.Command {
	var req ipc.ForgetRequest
	var kind string

	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Remove an item from a user's list",
		Long:  "Remove a user's access to an item. The stored artifact stays available\nto other users and future submissions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := jobs.ParseKind(kind)
			if err != nil {
				return err
			}
			req.Kind = parsed
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Forget(req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !resp.Removed {
					fmt.Fprintf(out, "%s has no %s entry for %s\n", req.UserID, req.Kind, req.ContentID)
					return nil
				}
				fmt.Fprintf(out, "Removed %s %s from %s\n", req.Kind, req.ContentID, req.UserID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&req.UserID, "user", "u", "", "User whose entry to remove")
	cmd.Flags().StringVar(&req.ContentID, "content", "", "Content identifier")
	cmd.Flags().StringVarP(&kind, "kind", "k", string(jobs.KindDownload), "Job kind: download or extraction")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}
