// Package orchestrator runs the humanization control loop.
//
// # Overview
//
// A workflow repeatedly rewrites a document through a fixed stage pipeline
// until its detection score is low enough or the iteration budget runs out:
//
//	term_protect → paraphrase → post_process → fingerprint_remove →
//	burstiness_adjust → [reference_style] → detection_score → perplexity → validate
//
// Every stage call goes through the recovery policy, which retries transient
// failures. A failure in paraphrase or validate aborts the iteration and
// fails the workflow; any other stage failure is recorded and the pipeline
// continues with the text unchanged by that stage.
//
// # Iterations
//
// Each iteration runs at an aggression level. The first uses the configured
// initial level. The second is chosen from the gap between the first score
// and the target; later ones escalate one level when the score improved by
// less than the stagnation threshold and otherwise hold.
//
// After each completed iteration the exit gates are checked in order:
//
//   - QualityGate: detection score at or below the target threshold
//   - EarlyTerminationGate: fractional improvement below the minimum
//   - MaxIterationsGate: iteration budget exhausted
//
// All three complete the workflow; the exit reason tells them apart.
//
// # Durability
//
// The loop mutates workflow state only through the state store, so every
// stage outcome is checkpointed. Resuming a workflow continues one past the
// last completed iteration; an interrupted iteration is abandoned and rerun
// under the same ordinal. Cancelling the context stops before the next stage
// and leaves the workflow in progress.
//
// # Human Input
//
// When enabled, iterations that still score high ask an injection.Source for
// input at the document's most valuable sections and merge the reply into
// the text the next iteration starts from.
//
// # Usage
//
//	loop, err := orchestrator.New(cfg, store, stages, policy,
//	    orchestrator.WithLogger(logger),
//	    orchestrator.WithEvents(publisher),
//	)
//	if err != nil {
//	    return err
//	}
//	result, err := loop.Run(ctx, orchestrator.RunRequest{
//	    WorkflowID: id,
//	    Text:       text,
//	})
package orchestrator
