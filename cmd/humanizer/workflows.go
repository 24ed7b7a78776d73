package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/humanizer/internal/state"
)

func newListCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows with their status and latest score",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			summaries, err := a.store.ListWorkflows(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, summaries)
			}
			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workflows.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKFLOW\tSTATUS\tITERATIONS\tSCORE\tSTARTED")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
					s.WorkflowID, s.Status, s.CompletedIterations, s.MaxIterations,
					formatScore(s.LatestScore), s.StartedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show a workflow summary",
		Long: `Show the summary of one workflow.

Exits with status 2 when the workflow completed but recorded errors along the way.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.store.Snapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			sum := state.Summarize(st, time.Now())
			if asJSON {
				if err := writeJSON(cmd, sum); err != nil {
					return err
				}
			} else {
				printSummary(cmd, sum)
			}
			if sum.Status == state.StatusCompleted && sum.ErrorCount > 0 {
				return &exitCodeError{code: exitWarnings}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newDeleteCmd(root *rootOptions) *cobra.Command {
	var backups bool
	cmd := &cobra.Command{
		Use:   "delete <workflow-id>",
		Short: "Delete a workflow checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.DeleteWorkflow(cmd.Context(), args[0], backups); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted workflow %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&backups, "backups", false, "also delete the workflow's backups")
	return cmd
}

func newRestoreCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <workflow-id> [backup]",
		Short: "Restore a workflow checkpoint from a backup",
		Long: `Replace the live checkpoint of a workflow with one of its backups.

Without a backup name the available backups are listed, newest first.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			id := args[0]
			if len(args) == 1 {
				backups, err := a.store.ListBackups(cmd.Context(), id)
				if err != nil {
					return err
				}
				if len(backups) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No backups for %s.\n", id)
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "BACKUP\tCREATED\tSIZE")
				for _, b := range backups {
					fmt.Fprintf(tw, "%s\t%s\t%d\n", b.Name, b.CreatedAt.Local().Format(time.DateTime), b.Size)
				}
				return tw.Flush()
			}

			st, err := a.store.RestoreBackup(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s to iteration %d (%s)\n", id, st.CurrentIteration, st.Status)
			return nil
		},
	}
}

func printSummary(cmd *cobra.Command, s state.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workflow:     %s\n", s.WorkflowID)
	fmt.Fprintf(out, "Status:       %s\n", s.Status)
	if s.ExitReason != "" {
		fmt.Fprintf(out, "Exit reason:  %s\n", s.ExitReason)
	}
	fmt.Fprintf(out, "Iterations:   %d/%d\n", s.CompletedIterations, s.MaxIterations)
	fmt.Fprintf(out, "Target:       %.1f\n", s.TargetThreshold)
	fmt.Fprintf(out, "Latest score: %s\n", formatScore(s.LatestScore))
	fmt.Fprintf(out, "Tokens:       %d\n", s.TotalTokens)
	fmt.Fprintf(out, "Errors:       %d\n", s.ErrorCount)
	fmt.Fprintf(out, "Duration:     %s\n", s.Duration.Round(time.Second))
}

func formatScore(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
