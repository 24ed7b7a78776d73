package orchestrator

import (
	"slices"

	"github.com/fyrsmithlabs/humanizer/internal/aggression"
	"github.com/fyrsmithlabs/humanizer/internal/stage"
	"github.com/fyrsmithlabs/humanizer/internal/state"
)

// Evaluation is what the exit gates see after an iteration completes.
type Evaluation struct {
	Iteration     int
	MaxIterations int
	Threshold     float64
	Score         float64
	Scored        bool
	PreviousScore float64
	HasPrevious   bool
}

// ExitGate decides whether the loop stops after an iteration.
type ExitGate interface {
	Reason() ExitReason
	Check(e Evaluation) bool
}

// QualityGate passes once the detection score is at or below the target.
type QualityGate struct{}

func (QualityGate) Reason() ExitReason { return ExitQualityGate }

func (QualityGate) Check(e Evaluation) bool {
	return e.Scored && e.Score <= e.Threshold
}

// EarlyTerminationGate stops when the fractional improvement over the
// previous iteration falls below MinImprovement.
type EarlyTerminationGate struct {
	MinImprovement float64
}

func (EarlyTerminationGate) Reason() ExitReason { return ExitEarlyTermination }

func (g EarlyTerminationGate) Check(e Evaluation) bool {
	if !e.Scored || !e.HasPrevious || e.PreviousScore <= 0 {
		return false
	}
	return (e.PreviousScore-e.Score)/e.PreviousScore < g.MinImprovement
}

// MaxIterationsGate stops once the iteration budget is spent.
type MaxIterationsGate struct{}

func (MaxIterationsGate) Reason() ExitReason { return ExitMaxIterations }

func (MaxIterationsGate) Check(e Evaluation) bool {
	return e.Iteration >= e.MaxIterations
}

// Gates returns the exit gates in evaluation order.
func Gates(minImprovement float64) []ExitGate {
	return []ExitGate{
		QualityGate{},
		EarlyTerminationGate{MinImprovement: minImprovement},
		MaxIterationsGate{},
	}
}

// evaluate returns the first gate reason that holds for the last completed
// iteration of st, or "" to keep going.
func evaluate(gates []ExitGate, st *state.WorkflowState) ExitReason {
	done := st.CompletedIterations()
	if len(done) == 0 {
		return ""
	}
	last := done[len(done)-1]
	score, scored := detectionScore(last)
	e := Evaluation{
		Iteration:     last.Iteration,
		MaxIterations: st.MaxIterations,
		Threshold:     st.TargetThreshold,
		Score:         score,
		Scored:        scored,
	}
	if len(done) > 1 {
		if prev, ok := detectionScore(done[len(done)-2]); ok {
			e.PreviousScore, e.HasPrevious = prev, true
		}
	}
	for _, g := range gates {
		if g.Check(e) {
			return g.Reason()
		}
	}
	return ""
}

// detectionScore returns the iteration's detection score and whether the
// detection stage actually produced it.
func detectionScore(it *state.IterationState) (float64, bool) {
	if !slices.Contains(it.ComponentsExecuted, string(stage.DetectionScore)) {
		return unscored, false
	}
	return it.DetectionScore, true
}

// selectLevel picks the aggression for iteration n. The first iteration
// uses initial, the one after a single completed iteration is chosen by the
// gap to the target, and later ones by stagnation.
func selectLevel(st *state.WorkflowState, n int, initial aggression.Level, stagnation float64) aggression.Level {
	done := st.CompletedIterations()
	if n <= 1 || len(done) == 0 {
		return initial
	}
	last := done[len(done)-1]
	current, _ := detectionScore(last)
	if len(done) == 1 {
		return aggression.ForGap(last.AggressionLevel, current, st.TargetThreshold)
	}
	previous, _ := detectionScore(done[len(done)-2])
	return aggression.ForStagnation(last.AggressionLevel, previous, current, stagnation)
}
