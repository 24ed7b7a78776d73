package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateID reports whether id is usable as a checkpoint file name.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// decode parses a checkpoint document. Unknown versions fail with
// ErrIncompatibleSchema; everything else that cannot be trusted fails with
// ErrCorrupt.
func decode(data []byte) (*WorkflowState, error) {
	var header struct {
		SchemaVersion *int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if header.SchemaVersion == nil {
		return nil, fmt.Errorf("%w: missing schema_version", ErrIncompatibleSchema)
	}
	if *header.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrIncompatibleSchema, *header.SchemaVersion, SchemaVersion)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var st WorkflowState
	if err := dec.Decode(&st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := st.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	st.normalize()
	return &st, nil
}

// check enforces the structural invariants of a checkpoint.
func (w *WorkflowState) check() error {
	if err := ValidateID(w.WorkflowID); err != nil {
		return err
	}
	if !w.Status.valid() {
		return fmt.Errorf("unknown status %q", w.Status)
	}
	if w.MaxIterations < 1 {
		return fmt.Errorf("max_iterations %d < 1", w.MaxIterations)
	}
	if w.StartedAt.IsZero() {
		return fmt.Errorf("started_at missing")
	}
	if w.Status.Terminal() && w.CompletedAt == nil {
		return fmt.Errorf("terminal status %q without completed_at", w.Status)
	}
	prev := 0
	for i, it := range w.Iterations {
		if it == nil {
			return fmt.Errorf("iteration %d is null", i)
		}
		// A failed iteration may be followed by a retry of the same ordinal.
		if it.Iteration < 1 || it.Iteration < prev || (it.Iteration == prev && w.Iterations[i-1].Completed) {
			return fmt.Errorf("iteration numbers out of order at index %d", i)
		}
		prev = it.Iteration
		if it.Open() && i != len(w.Iterations)-1 {
			return fmt.Errorf("open iteration %d is not the last", it.Iteration)
		}
		if it.Completed && it.Status != IterationCompleted {
			return fmt.Errorf("iteration %d completed with status %q", it.Iteration, it.Status)
		}
	}
	if w.CurrentIteration < 0 || w.CurrentIteration > prev {
		return fmt.Errorf("current_iteration %d outside recorded iterations", w.CurrentIteration)
	}
	return nil
}

// normalize replaces nil collections so callers can write into them.
func (w *WorkflowState) normalize() {
	if w.Iterations == nil {
		w.Iterations = []*IterationState{}
	}
	if w.InjectionPoints == nil {
		w.InjectionPoints = []InjectionPoint{}
	}
	if w.HumanInputs == nil {
		w.HumanInputs = map[int]string{}
	}
	if w.TotalTokenUsage == nil {
		w.TotalTokenUsage = TokenUsage{}
	}
	if w.FinalScores == nil {
		w.FinalScores = map[string]float64{}
	}
	for _, it := range w.Iterations {
		if it.Metrics == nil {
			it.Metrics = map[string]float64{}
		}
		if it.ComponentsExecuted == nil {
			it.ComponentsExecuted = []string{}
		}
		if it.ComponentOutputs == nil {
			it.ComponentOutputs = map[string]json.RawMessage{}
		}
		if it.TokenUsage == nil {
			it.TokenUsage = TokenUsage{}
		}
		if it.Errors == nil {
			it.Errors = []string{}
		}
	}
}
