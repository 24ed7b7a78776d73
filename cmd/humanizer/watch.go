package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/humanizer/internal/monitor"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var (
		interval time.Duration
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "watch [workflow-id]",
		Short: "Live dashboard of a workflow's progress",
		Long: `Watch a workflow's detection score, iterations and errors as its
checkpoint changes. Without an id the newest running workflow is shown.

Keys: q quits, r refreshes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			var id string
			if len(args) == 1 {
				id = args[0]
			}

			if once {
				snap, err := monitor.Load(cmd.Context(), a.store, id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), monitor.Render(snap, time.Now(), 0, monitor.NewProgressBar()))
				return nil
			}

			p := tea.NewProgram(
				monitor.NewModel(a.store, id, interval),
				tea.WithContext(cmd.Context()),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
				tea.WithAltScreen(),
			)
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	cmd.Flags().BoolVar(&once, "once", false, "print the dashboard once and exit")
	return cmd
}
