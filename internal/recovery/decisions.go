package recovery

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/humanizer/internal/state"
)

// Thresholds for ForValidation. Scores are on a 0 to 10 scale.
const (
	ValidationSkipScore  = 6.0
	ValidationRetryScore = 4.0
)

// AnomalyThreshold is the score increase between iterations that counts as
// an anomaly.
const AnomalyThreshold = 10.0

// ForValidation maps a failing validation quality score to an action:
// marginal failures are skipped, moderate ones retried, severe ones need a
// human.
func ForValidation(qualityScore float64) Action {
	switch {
	case qualityScore >= ValidationSkipScore:
		return ActionSkip
	case qualityScore >= ValidationRetryScore:
		return ActionRetry
	default:
		return ActionManual
	}
}

// Anomaly returns a warning when the detection score got worse by more than
// AnomalyThreshold, and "" otherwise.
func Anomaly(current, previous float64) string {
	change := current - previous
	if change <= AnomalyThreshold {
		return ""
	}
	return fmt.Sprintf("detection score increased by %.1f (previous %.1f, current %.1f); review recent changes or restore a backup",
		change, previous, current)
}

// Error categories for Strategy.
const (
	CategoryToolExecution    = "tool_execution"
	CategoryValidation       = "validation"
	CategoryDetectionAnomaly = "detection_anomaly"
)

var strategies = map[string]map[int]Action{
	CategoryToolExecution:    {1: ActionRetry, 2: ActionRetry, 3: ActionManual},
	CategoryValidation:       {1: ActionRetry, 2: ActionSkip, 3: ActionManual},
	CategoryDetectionAnomaly: {1: ActionRetry, 2: ActionManual, 3: ActionAbort},
}

// Strategy returns the action for the attempts-th failure in category.
// Unknown categories and attempt counts abort.
func Strategy(category string, attempts int) Action {
	if a, ok := strategies[category][attempts]; ok {
		return a
	}
	return ActionAbort
}

// ForCheckpoint maps a checkpoint load failure to an action. Corrupt or
// incompatible checkpoints need a human; a missing one cannot be resumed.
func ForCheckpoint(err error) Action {
	switch {
	case err == nil:
		return ActionSkip
	case errors.Is(err, state.ErrCorrupt), errors.Is(err, state.ErrIncompatibleSchema):
		return ActionManual
	case errors.Is(err, state.ErrNotFound), errors.Is(err, state.ErrInvalidID):
		return ActionAbort
	default:
		return ActionRetry
	}
}
