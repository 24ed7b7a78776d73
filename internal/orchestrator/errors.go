package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrQualityRejected is returned when validation judged an iteration too
// poor to keep without a human.
var ErrQualityRejected = errors.New("validation quality rejected")

// ValidationError reports bad input to the loop. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// WorkflowError is returned when a workflow cannot continue.
type WorkflowError struct {
	Operation  string
	WorkflowID string
	Iteration  int
	Component  string
	Err        error
}

func (e *WorkflowError) Error() string {
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.WorkflowID != "" {
		fmt.Fprintf(&b, " workflow %s", e.WorkflowID)
	}
	if e.Iteration > 0 {
		fmt.Fprintf(&b, " iteration %d", e.Iteration)
	}
	if e.Component != "" {
		fmt.Fprintf(&b, " stage %s", e.Component)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}
