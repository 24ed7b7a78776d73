package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/humanizer/internal/events"
	"github.com/fyrsmithlabs/humanizer/internal/glossary"
	"github.com/fyrsmithlabs/humanizer/internal/injection"
	"github.com/fyrsmithlabs/humanizer/internal/orchestrator"
	"github.com/fyrsmithlabs/humanizer/internal/recovery"
	"github.com/fyrsmithlabs/humanizer/internal/state"
	"github.com/fyrsmithlabs/humanizer/internal/telemetry"
)

type runOptions struct {
	*rootOptions
	input       string
	resume      string
	workflowID  string
	output      string
	noInjection bool
}

// Report is written next to the output text.
type Report struct {
	Result      *orchestrator.Result `json:"result"`
	Summary     *state.Summary       `json:"summary,omitempty"`
	Log         []state.LogEntry     `json:"processing_log,omitempty"`
	Errors      recovery.Report      `json:"errors"`
	GeneratedAt time.Time            `json:"generated_at"`
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Humanize a document or resume a workflow",
		Long: `Run the humanization loop over --input, or continue the workflow named by
--resume from its last checkpoint.

The final text is written to {output}/{workflow_id}.txt and a JSON report to
{output}/{workflow_id}_report.json.

Examples:
  # Start a new workflow
  humanizer run --input draft.md

  # Resume after an interruption
  humanizer run --resume my-workflow

  # Never wait for human input
  humanizer run --input draft.md --no-human-injection`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkflow(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.input, "input", "i", "", "path to the text to humanize")
	f.StringVar(&opts.resume, "resume", "", "resume the workflow with this id")
	f.StringVar(&opts.workflowID, "workflow-id", "", "id for a new workflow (default: random UUID)")
	f.StringVarP(&opts.output, "output", "o", "output", "directory for the final text and report")
	f.BoolVar(&opts.noInjection, "no-human-injection", false, "never pause for human input")
	cmd.MarkFlagsMutuallyExclusive("input", "resume")
	cmd.MarkFlagsMutuallyExclusive("workflow-id", "resume")
	return cmd
}

func runWorkflow(cmd *cobra.Command, opts *runOptions) error {
	ctx := cmd.Context()

	req, err := opts.request()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer a.close()

	loop, policy, cleanup, err := buildLoop(ctx, a, opts.noInjection, progressPrinter(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer cleanup()

	res, runErr := loop.Run(ctx, req)
	if res == nil {
		return runErr
	}

	report := Report{
		Result:      res,
		Errors:      policy.Report(),
		GeneratedAt: time.Now().UTC(),
	}
	if sum, err := a.store.Summary(); err == nil {
		report.Summary = &sum
	}
	if entries, err := a.store.ProcessingLog(); err == nil {
		report.Log = entries
	}
	textPath, reportPath, err := writeOutputs(opts.output, res, report)
	if err != nil {
		return errors.Join(runErr, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workflow:    %s\n", res.WorkflowID)
	fmt.Fprintf(out, "Status:      %s\n", res.Status)
	fmt.Fprintf(out, "Exit reason: %s\n", res.ExitReason)
	fmt.Fprintf(out, "Iterations:  %d\n", res.Iterations)
	if score, ok := res.FinalScores[state.FinalWeighted]; ok {
		fmt.Fprintf(out, "Final score: %.1f\n", score)
	}
	fmt.Fprintf(out, "Output:      %s\n", textPath)
	fmt.Fprintf(out, "Report:      %s\n", reportPath)
	if report.Errors.Total > 0 {
		fmt.Fprint(cmd.ErrOrStderr(), report.Errors.Format())
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("interrupted; resume with: humanizer run --resume %s", res.WorkflowID)
		}
		return runErr
	}
	return nil
}

// buildLoop wires stages, recovery and the optional glossary, injection and
// event publishing into a loop. cleanup releases the event connection.
func buildLoop(ctx context.Context, a *app, noInjection bool, progress orchestrator.ProgressCallback) (*orchestrator.Loop, *recovery.Policy, func(), error) {
	cleanup := func() {}

	stages, err := buildStages(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, nil, cleanup, err
	}

	policy := recovery.NewPolicy(recovery.Config{
		MaxRetries:   a.cfg.Retry.MaxRetries,
		RetryDelay:   a.cfg.Retry.RetryDelay.Duration(),
		StageTimeout: a.cfg.Retry.StageTimeout.Duration(),
	}, recovery.WithLogger(a.logger), recovery.WithMetrics(a.metrics))

	loopCfg := orchestrator.ConfigFrom(a.cfg)
	if noInjection {
		loopCfg.Injection.Enabled = false
	}

	loopOpts := []orchestrator.Option{
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithTracer(a.telemetry.Tracer(telemetry.InstrumentationName)),
	}
	if progress != nil {
		loopOpts = append(loopOpts, orchestrator.WithProgress(progress))
	}

	if path := a.cfg.Stages.GlossaryPath; path != "" {
		g, err := glossary.Load(path)
		if err != nil {
			return nil, nil, cleanup, err
		}
		loopOpts = append(loopOpts, orchestrator.WithGlossary(g))
	}

	if loopCfg.Injection.Enabled {
		inbox, err := injection.NewInbox(a.cfg.Injection.InboxDir, a.cfg.Injection.WaitTimeout.Duration(), a.logger)
		if err != nil {
			return nil, nil, cleanup, err
		}
		loopOpts = append(loopOpts, orchestrator.WithInjection(injection.NewIdentifier(a.cfg.Injection.MaxPoints), inbox))
	}

	if url := a.cfg.Events.NATSURL; url != "" {
		pub, err := events.Connect(url, a.cfg.Events.SubjectPrefix, a.logger)
		if err != nil {
			a.logger.Warn(ctx, "event publishing disabled", zap.Error(err))
		} else {
			cleanup = func() { _ = pub.Close() }
			loopOpts = append(loopOpts, orchestrator.WithEvents(pub))
		}
	}

	loop, err := orchestrator.New(loopCfg, a.store, stages, policy, loopOpts...)
	if err != nil {
		cleanup()
		return nil, nil, func() {}, err
	}
	return loop, policy, cleanup, nil
}

func (o *runOptions) request() (orchestrator.RunRequest, error) {
	if o.resume != "" {
		return orchestrator.RunRequest{WorkflowID: o.resume, Resume: true}, nil
	}
	if o.input == "" {
		return orchestrator.RunRequest{}, errors.New("--input is required unless --resume is set")
	}
	data, err := os.ReadFile(o.input)
	if err != nil {
		return orchestrator.RunRequest{}, fmt.Errorf("read input: %w", err)
	}
	id := o.workflowID
	if id == "" {
		id = uuid.NewString()
	}
	if err := state.ValidateID(id); err != nil {
		return orchestrator.RunRequest{}, err
	}
	return orchestrator.RunRequest{WorkflowID: id, Text: string(data)}, nil
}

// writeOutputs writes the final text and the JSON report into dir.
func writeOutputs(dir string, res *orchestrator.Result, report Report) (string, string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", fmt.Errorf("create output dir: %w", err)
	}
	textPath := filepath.Join(dir, res.WorkflowID+".txt")
	if err := os.WriteFile(textPath, []byte(res.FinalText), 0o600); err != nil {
		return "", "", fmt.Errorf("write output: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode report: %w", err)
	}
	reportPath := filepath.Join(dir, res.WorkflowID+"_report.json")
	if err := os.WriteFile(reportPath, data, 0o600); err != nil {
		return "", "", fmt.Errorf("write report: %w", err)
	}
	return textPath, reportPath, nil
}

// progressPrinter prints one line per finished stage.
func progressPrinter(w io.Writer) orchestrator.ProgressCallback {
	return func(p orchestrator.Progress) {
		if p.Status == orchestrator.ProgressStarted {
			return
		}
		fmt.Fprintf(w, "[%3d%%] iteration %d (%s) %s %s\n", p.Percentage, p.Iteration, p.Aggression, p.Stage, p.Status)
	}
}
