package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/humanizer/internal/mcp"
	"github.com/fyrsmithlabs/humanizer/internal/orchestrator"
	"github.com/fyrsmithlabs/humanizer/internal/recovery"
	"github.com/fyrsmithlabs/humanizer/internal/telemetry"
)

type mcpOptions struct {
	*rootOptions
	readOnly bool
}

func newMCPCmd(root *rootOptions) *cobra.Command {
	opts := &mcpOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve workflow tools over MCP on stdio",
		Long: `Serve the Model Context Protocol on stdin/stdout so an MCP client can list
and inspect workflows and run the humanize loop.

Human injection is always disabled; there is no terminal to wait on.
Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			cfg := mcp.DefaultConfig()
			cfg.Version = version
			cfg.Logger = a.logger
			cfg.Metrics = mcp.NewMetrics(a.telemetry.Meter(telemetry.InstrumentationName), a.logger)
			cfg.NewID = uuid.NewString

			var runner mcp.Runner
			if !opts.readOnly {
				loop, policy, cleanup, err := buildLoop(ctx, a, true, nil)
				if err != nil {
					return err
				}
				defer cleanup()
				runner = &historyResetRunner{loop: loop, policy: policy}
			}

			server, err := mcp.NewServer(cfg, a.store, runner)
			if err != nil {
				return err
			}
			return server.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&opts.readOnly, "read-only", false, "only offer the inspection tools")
	return cmd
}

// historyResetRunner clears the error history between workflows so each
// result only carries its own errors.
type historyResetRunner struct {
	loop   *orchestrator.Loop
	policy *recovery.Policy
}

func (r *historyResetRunner) Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.Result, error) {
	r.policy.ClearHistory()
	return r.loop.Run(ctx, req)
}
