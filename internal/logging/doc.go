// Package logging provides structured logging for the humanizer.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stderr and OpenTelemetry outputs
//   - automatic workflow_id, iteration and stage fields from the context
//   - truncation of document text fields and redaction of credentials
//   - per-level sampling (errors are never sampled)
//
// Every component receives its *Logger explicitly. Code that has none uses
// NewNop.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithWorkflowID(ctx, "a1b2c3d4")
//	ctx = logging.WithIteration(ctx, 2)
//	logger.Info(ctx, "stage completed", zap.String("stage", "paraphrase"))
//
// Tests use NewTestLogger to assert on emitted entries.
package logging
