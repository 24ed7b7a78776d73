// Humanizer rewrites machine-generated text until a detection score falls
// below a target.
//
// Each run drives the iterative pipeline in internal/orchestrator, writing a
// checkpoint after every step so an interrupted run can be resumed.
//
// Usage:
//
//	# Humanize a document
//	humanizer run --input draft.md --output out/
//
//	# Resume an interrupted workflow
//	humanizer run --resume 0b6f6c1e-6d0a-4a59-9a7e-3c1b2f8f0a11
//
//	# Serve the status API
//	humanizer serve --config humanizer.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	exitOK       = 0
	exitError    = 1
	exitWarnings = 2
)

// exitCodeError carries a process exit code through cobra.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line in args and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ce *exitCodeError
	if errors.As(err, &ce) {
		if ce.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ce.err)
		}
		return ce.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitError
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "humanizer",
		Short: "Iteratively rewrite text until it reads as human-written",
		Long: `humanizer runs a multi-stage rewrite and scoring pipeline over a document,
escalating rewrite aggression until the detection score meets the target or
progress stalls. Every step is checkpointed so runs can be resumed.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")

	root.AddCommand(
		newRunCmd(opts),
		newListCmd(opts),
		newStatusCmd(opts),
		newDeleteCmd(opts),
		newRestoreCmd(opts),
		newServeCmd(opts),
		newWatchCmd(opts),
		newMCPCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "humanizer by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
