package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"runnerd/internal/api"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var resourceKey string
	var params []string
	var follow bool

	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Submit an analytics pipeline run",
		Long: "Submit a pipeline run to the daemon. Pipelines: churn, cox, shap, counterfactuals.\n" +
			"Parameters are forwarded to the pipeline script as --key=value flags.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}

			paramMap, err := parseParams(params)
			if err != nil {
				return err
			}

			reqCtx, cancel := requestContext(cmd.Context())
			defer cancel()
			resp, err := client.startJob(reqCtx, api.StartJobRequest{
				Kind:        args[0],
				ResourceKey: resourceKey,
				Params:      paramMap,
			})
			if err != nil {
				return err
			}

			if resp.Duplicate {
				fmt.Fprintf(cmd.OutOrStdout(), "Identical run already in flight: %s (%s)\n", resp.Job.ID, resp.Job.State)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s run %s on %s\n", resp.Job.Kind, resp.Job.ID, resp.Job.ResourceKey)
			}

			if follow {
				return followLogs(cmd, client, resp.Job.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&resourceKey, "resource-key", "", "Override the resource key guarding this run")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Pipeline parameter as key=value (repeatable)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream logs until the run finishes")
	return cmd
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List tracked jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			reqCtx, cancel := requestContext(cmd.Context())
			defer cancel()
			resp, err := client.listJobs(reqCtx)
			if err != nil {
				return err
			}
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs tracked.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobsTable(resp.Jobs))
			return nil
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			reqCtx, cancel := requestContext(cmd.Context())
			defer cancel()
			job, err := client.getJob(reqCtx, args[0])
			if err != nil {
				return err
			}
			printJobDetail(cmd, job)
			return nil
		},
	}
}

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var cursor uint64
	var limit int

	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Show captured pipeline output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			if follow {
				return followLogsFrom(cmd, client, args[0], cursor)
			}
			reqCtx, cancel := requestContext(cmd.Context())
			defer cancel()
			resp, err := client.logs(reqCtx, args[0], cursor, limit, false)
			if err != nil {
				return err
			}
			printLogPage(cmd, resp)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new output until the run finishes")
	cmd.Flags().Uint64Var(&cursor, "cursor", 0, "Resume from a previous next_cursor")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum lines to return")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request graceful termination of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			reqCtx, cancel := requestContext(cmd.Context())
			defer cancel()
			if _, err := client.cancelJob(reqCtx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", args[0])
			return nil
		},
	}
}

func followLogs(cmd *cobra.Command, client *apiClient, jobID string) error {
	return followLogsFrom(cmd, client, jobID, 0)
}

// followLogsFrom polls the logs endpoint with follow=true until the job
// reaches a terminal state and its buffered output is drained.
func followLogsFrom(cmd *cobra.Command, client *apiClient, jobID string, cursor uint64) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		resp, err := client.logs(ctx, jobID, cursor, 0, true)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return err
		}
		printLogPage(cmd, resp)
		cursor = resp.NextCursor

		if len(resp.Lines) > 0 {
			continue
		}

		reqCtx, cancel := requestContext(ctx)
		job, err := client.getJob(reqCtx, jobID)
		cancel()
		if err != nil {
			return err
		}
		if terminalState(job.State) {
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s\n", jobID, describeOutcome(job))
			return nil
		}
	}
}

func printLogPage(cmd *cobra.Command, resp api.LogsResponse) {
	out := cmd.OutOrStdout()
	if resp.Discontinuity {
		fmt.Fprintln(out, "... (older output trimmed)")
	}
	for _, line := range resp.Lines {
		marker := " "
		if line.Stream == "stderr" {
			marker = "!"
		}
		fmt.Fprintf(out, "%s %s %s\n", line.At.Local().Format("15:04:05"), marker, line.Text)
	}
}

func printJobDetail(cmd *cobra.Command, job api.JobView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:          %s\n", job.ID)
	fmt.Fprintf(out, "Pipeline:     %s\n", job.Kind)
	fmt.Fprintf(out, "Resource key: %s\n", job.ResourceKey)
	fmt.Fprintf(out, "State:        %s\n", job.State)
	if job.FailureKind != "" {
		fmt.Fprintf(out, "Failure:      %s\n", job.FailureKind)
	}
	if job.ExitCode != nil {
		fmt.Fprintf(out, "Exit code:    %d\n", *job.ExitCode)
	}
	fmt.Fprintf(out, "Created:      %s\n", job.CreatedAt.Local().Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Fprintf(out, "Started:      %s\n", job.StartedAt.Local().Format(time.RFC3339))
	}
	if job.EndedAt != nil {
		fmt.Fprintf(out, "Ended:        %s\n", job.EndedAt.Local().Format(time.RFC3339))
	}
	if len(job.Params) > 0 {
		fmt.Fprintln(out, "Params:")
		for key, value := range job.Params {
			fmt.Fprintf(out, "  %s = %s\n", key, value)
		}
	}
	if job.ErrorSummary != "" {
		fmt.Fprintf(out, "Error:        %s\n", job.ErrorSummary)
	}
	if len(job.LogTail) > 0 {
		fmt.Fprintln(out, "Last output:")
		for _, line := range job.LogTail {
			fmt.Fprintf(out, "  %s\n", line)
		}
	}
}

func describeOutcome(job api.JobView) string {
	switch job.State {
	case "succeeded":
		return "succeeded"
	case "cancelled":
		return "cancelled"
	case "failed":
		if job.ErrorSummary != "" {
			return "failed: " + job.ErrorSummary
		}
		return "failed"
	default:
		return job.State
	}
}

func terminalState(state string) bool {
	switch state {
	case "succeeded", "failed", "cancelled":
		return true
	}
	return false
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (expected key=value)", pair)
		}
		out[key] = value
	}
	return out, nil
}
