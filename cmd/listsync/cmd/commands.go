package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"listsync/internal/admin"
	"listsync/internal/cache"
	"listsync/internal/operation"
	"listsync/internal/processor"
	"listsync/internal/utils"
)

// =============================================================================
// Daemon lifecycle and status
// =============================================================================

func newStopCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if err := client.Stop(ctx); err != nil {
				return fmt.Errorf("failed to stop daemon: %w", err)
			}
			_, _ = fmt.Fprintln(stdout, "Daemon stopping")
			printResult(stdout, cfg, ResultActionCompleted)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newStatusCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show processor, breaker, queue and cache status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			st, err := client.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				return outputJSON(stdout, st)
			}
			printStatus(stdout, st)
			printResult(stdout, cfg, ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func printStatus(w io.Writer, st *admin.Status) {
	state := "enabled"
	if !st.Processor.Enabled {
		state = "disabled"
	}
	if !st.Processor.Running {
		state += " (stopped)"
	}
	_, _ = fmt.Fprintf(w, "Processor: %s\n", state)
	if st.BreakerState != "" {
		_, _ = fmt.Fprintf(w, "Breaker:   %s\n", st.BreakerState)
	}
	_, _ = fmt.Fprintf(w, "Uptime:    %s\n", st.Uptime)
	_, _ = fmt.Fprintf(w, "Queue:     %s\n", formatCounts(st.Queue))
	_, _ = fmt.Fprintf(w, "Cache:     %d entries, %d hits, %d misses, %d expired\n",
		st.Cache.Size, st.Cache.Hits, st.Cache.Misses, st.Cache.Expired)
	if last := st.Processor.LastRun; last != nil {
		_, _ = fmt.Fprintf(w, "Last pass: %s, %s\n", last.StartedAt.Local().Format(time.DateTime), formatSummary(*last))
	}
}

func formatCounts(counts map[operation.Status]int) string {
	parts := make([]string, 0, len(operation.Statuses))
	for _, s := range operation.Statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
	}
	return strings.Join(parts, " ")
}

func formatSummary(s processor.Summary) string {
	if s.SkippedReason != "" {
		return "skipped: " + s.SkippedReason
	}
	return fmt.Sprintf("%d processed, %d completed, %d retried, %d failed",
		s.Processed, s.Completed, s.Retried, s.Failed)
}

// =============================================================================
// Queue commands
// =============================================================================

func newQueueCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newQueueStatsCmd(stdout, cfg))
	cmd.AddCommand(newQueueListCmd(stdout, cfg))
	cmd.AddCommand(newQueueGetCmd(stdout, cfg))
	cmd.AddCommand(newQueuePendingCmd(stdout, cfg))
	cmd.AddCommand(newQueueRetryCmd(stdout, cfg))
	cmd.AddCommand(newQueueCancelCmd(stdout, cfg))

	return cmd
}

func newQueueStatsCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the number of operations per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			stats, err := client.QueueStats(ctx)
			if err != nil {
				return err
			}
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				return outputJSON(stdout, stats)
			}
			for _, s := range operation.Statuses {
				_, _ = fmt.Fprintf(stdout, "%-11s %d\n", s, stats[s])
			}
			printResult(stdout, cfg, ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newQueueListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlag, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			statuses, err := utils.ParseStatuses(statusFlag)
			if err != nil {
				return err
			}
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}

			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			recs, err := client.List(ctx, statuses, limit)
			if err != nil {
				return err
			}
			return outputOperations(cmd, stdout, cfg, recs)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringP("status", "s", "", "Filter by status (comma-separated: pending,processing,completed,failed,cancelled)")
	cmd.Flags().IntP("limit", "n", 0, "Maximum number of operations to show (default 100)")
	return cmd
}

func newQueuePendingCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "pending [owner-id]",
		Short: "List pending and processing operations for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := utils.ParseOwnerID(args[0])
			if err != nil {
				return err
			}
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			recs, err := client.Pending(ctx, ownerID)
			if err != nil {
				return err
			}
			return outputOperations(cmd, stdout, cfg, recs)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newQueueGetCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get [operation-id]",
		Short: "Show one operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			rec, err := client.Get(ctx, args[0])
			if err != nil {
				return operationError(err, "get", args[0])
			}
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				return outputJSON(stdout, rec)
			}
			printOperation(stdout, rec)
			printResult(stdout, cfg, ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newQueueRetryCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [operation-id]",
		Short: "Reschedule a failed operation",
		Long:  "Move a failed operation back to pending so the processor attempts it on the next pass.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			rec, err := client.Retry(ctx, args[0])
			if err != nil {
				return operationError(err, "retry", args[0])
			}
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				return outputJSON(stdout, rec)
			}
			_, _ = fmt.Fprintf(stdout, "Operation %s rescheduled (%s)\n", rec.ID, rec.Status)
			printResult(stdout, cfg, ResultActionCompleted)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newQueueCancelCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [operation-id]",
		Short: "Cancel a pending or processing operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			rec, err := client.Cancel(ctx, args[0])
			if err != nil {
				return operationError(err, "cancel", args[0])
			}
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				return outputJSON(stdout, rec)
			}
			_, _ = fmt.Fprintf(stdout, "Operation %s cancelled\n", rec.ID)
			printResult(stdout, cfg, ResultActionCompleted)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// outputOperations prints records as a table, or JSON with --json.
func outputOperations(cmd *cobra.Command, stdout io.Writer, cfg *Config, recs []*operation.Record) error {
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		if recs == nil {
			recs = []*operation.Record{}
		}
		return outputJSON(stdout, recs)
	}
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(stdout, "No operations")
		printResult(stdout, cfg, ResultInfoOnly)
		return nil
	}

	rows := make([][]string, 0, len(recs))
	for _, rec := range recs {
		target := "-"
		if rec.TargetID != nil {
			target = strconv.FormatInt(*rec.TargetID, 10)
		}
		rows = append(rows, []string{
			shortID(rec.ID),
			string(rec.Type),
			strconv.FormatInt(rec.OwnerID, 10),
			target,
			string(rec.Status),
			strconv.Itoa(rec.RetryCount),
			rec.ErrorKind,
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "TYPE", "OWNER", "TARGET", "STATUS", "RETRIES", "ERROR").
		Rows(rows...)
	_, _ = fmt.Fprintln(stdout, t.String())
	printResult(stdout, cfg, ResultInfoOnly)
	return nil
}

func printOperation(w io.Writer, rec *operation.Record) {
	_, _ = fmt.Fprintf(w, "ID:        %s\n", rec.ID)
	_, _ = fmt.Fprintf(w, "Type:      %s\n", rec.Type)
	_, _ = fmt.Fprintf(w, "Owner:     %d\n", rec.OwnerID)
	if rec.TargetID != nil {
		_, _ = fmt.Fprintf(w, "Target:    %d\n", *rec.TargetID)
	}
	_, _ = fmt.Fprintf(w, "Status:    %s\n", rec.Status)
	_, _ = fmt.Fprintf(w, "Retries:   %d\n", rec.RetryCount)
	_, _ = fmt.Fprintf(w, "Scheduled: %s\n", rec.ScheduledFor.Local().Format(time.DateTime))
	_, _ = fmt.Fprintf(w, "Created:   %s\n", rec.CreatedAt.Local().Format(time.DateTime))
	if rec.ErrorMessage != "" {
		_, _ = fmt.Fprintf(w, "Error:     [%s] %s\n", rec.ErrorKind, rec.ErrorMessage)
	}
}

// =============================================================================
// Processor commands
// =============================================================================

func newProcessNowCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "process-now",
		Short: "Run one processing pass immediately",
		Long:  "Run one processing pass over due operations. Works while the background processor is disabled.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			summary, err := client.ProcessNow(ctx)
			if err != nil {
				return err
			}
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				return outputJSON(stdout, summary)
			}
			_, _ = fmt.Fprintf(stdout, "Pass complete: %s\n", formatSummary(summary))
			printResult(stdout, cfg, ResultActionCompleted)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newProcessorToggleCmd creates 'enable' or 'disable'.
func newProcessorToggleCmd(stdout io.Writer, cfg *Config, enable bool) *cobra.Command {
	use, short, word := "disable", "Pause the background processor", "disabled"
	if enable {
		use, short, word = "enable", "Resume the background processor", "enabled"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if err := client.SetEnabled(ctx, enable); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "Processor %s\n", word)
			printResult(stdout, cfg, ResultActionCompleted)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// =============================================================================
// Cache commands
// =============================================================================

func newCacheCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the daemon's cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			stats, err := client.CacheStats(ctx)
			if err != nil {
				return err
			}
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				return outputJSON(stdout, stats)
			}
			printCacheStats(stdout, stats)
			printResult(stdout, cfg, ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			if !cfg.NoPrompt && !utils.PromptYesNoWithReader("Clear all cached entries?", stdinOf(cfg), stdout) {
				_, _ = fmt.Fprintln(stdout, "Cancelled")
				return nil
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if err := client.ClearCache(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, "Cache cleared")
			printResult(stdout, cfg, ResultActionCompleted)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	return cmd
}

func printCacheStats(w io.Writer, s cache.Stats) {
	hitRate := 0.0
	if total := s.Hits + s.Misses; total > 0 {
		hitRate = float64(s.Hits) / float64(total) * 100
	}
	_, _ = fmt.Fprintf(w, "Entries:       %d\n", s.Size)
	_, _ = fmt.Fprintf(w, "Memory:        ~%d bytes\n", s.ApproxMemoryBytes)
	_, _ = fmt.Fprintf(w, "Hits:          %d\n", s.Hits)
	_, _ = fmt.Fprintf(w, "Misses:        %d\n", s.Misses)
	_, _ = fmt.Fprintf(w, "Hit rate:      %.1f%%\n", hitRate)
	_, _ = fmt.Fprintf(w, "Writes:        %d\n", s.Writes)
	_, _ = fmt.Fprintf(w, "Expired:       %d\n", s.Expired)
	_, _ = fmt.Fprintf(w, "Invalidations: %d\n", s.Invalidations)
}
