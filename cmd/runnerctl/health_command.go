package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon status and held resource locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			reqCtx, cancel := requestContext(cmd.Context())
			defer cancel()
			health, err := client.health(reqCtx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:        %s (pid %d)\n", health.Status, health.PID)
			fmt.Fprintf(out, "Active jobs:   %d\n", health.ActiveJobs)
			fmt.Fprintf(out, "Terminal jobs: %d\n", health.TerminalJobs)
			if health.HistoryCount != nil {
				fmt.Fprintf(out, "History rows:  %d\n", *health.HistoryCount)
			}
			if len(health.Locks) == 0 {
				fmt.Fprintln(out, "No resource locks held.")
				return nil
			}

			rows := make([][]string, 0, len(health.Locks))
			for _, lease := range health.Locks {
				rows = append(rows, []string{
					lease.ResourceKey,
					lease.JobID,
					formatAge(lease.AcquiredAt),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Resource", "Held by", "Held for"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show finished runs from the persistent record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			reqCtx, cancel := requestContext(cmd.Context())
			defer cancel()
			resp, err := client.history(reqCtx, limit)
			if err != nil {
				return err
			}
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No recorded runs.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobsTable(resp.Jobs))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum records to show")
	return cmd
}
