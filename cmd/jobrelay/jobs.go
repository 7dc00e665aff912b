package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sneh-joshi/jobrelay/pkg/client"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Create and inspect jobs"}
	cmd.AddCommand(
		jobsCreateCmd(),
		jobsGetCmd(),
		jobsListCmd(),
		jobsStatsCmd(),
		jobsRetryCmd(),
		jobsDeleteCmd(),
	)
	return cmd
}

func jobsCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create QUEUE",
		Short: "Create a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("data")
			priority, _ := cmd.Flags().GetInt("priority")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

			req := client.JobRequest{Priority: priority, MaxAttempts: maxAttempts}
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &req.Data); err != nil {
					return fmt.Errorf("--data: %w", err)
				}
			}
			id, err := newClient(cmd).CreateJob(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().String("data", "", "job data as a JSON object")
	cmd.Flags().Int("priority", 0, "higher runs first")
	cmd.Flags().Int("max-attempts", 0, "override the server's retry limit")
	return cmd
}

func jobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get QUEUE ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := newClient(cmd).GetJob(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
}

func jobsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list QUEUE",
		Short: "List jobs of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			sort, _ := cmd.Flags().GetString("sort")
			asc, _ := cmd.Flags().GetBool("asc")
			offset, _ := cmd.Flags().GetInt("offset")
			limit, _ := cmd.Flags().GetInt("limit")

			opts := client.ListOptions{Sort: sort, Ascending: asc, Offset: offset, Limit: limit}
			if status != "" {
				opts.Statuses = strings.Split(status, ",")
			}
			if cmd.Flags().Changed("min-priority") {
				p, _ := cmd.Flags().GetInt("min-priority")
				opts.MinPriority = &p
			}
			list, err := newClient(cmd).ListJobs(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().String("status", "", "comma-separated statuses (waiting,processing,completed,failed)")
	cmd.Flags().Int("min-priority", 0, "only jobs at or above this priority")
	cmd.Flags().String("sort", "", "createdAt, updatedAt or priority")
	cmd.Flags().Bool("asc", false, "sort ascending")
	cmd.Flags().Int("offset", 0, "skip this many jobs")
	cmd.Flags().Int("limit", 0, "page size (server default when 0)")
	return cmd
}

func jobsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [QUEUE]",
		Short: "Show queue statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)
			if len(args) == 1 {
				s, err := c.QueueStats(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			}
			all, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), all)
		},
	}
}

func jobsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry QUEUE ID",
		Short: "Move a failed job back to waiting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := newClient(cmd).RetryJob(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
}

func jobsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete QUEUE ID",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd).DeleteJob(cmd.Context(), args[0], args[1])
		},
	}
}
