package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/humanizer/internal/stage"
)

// Action is the outcome of a recovery decision.
type Action int

const (
	ActionRetry Action = iota + 1
	ActionSkip
	ActionAbort
	ActionManual
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionSkip:
		return "skip"
	case ActionAbort:
		return "abort"
	case ActionManual:
		return "manual"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Severity classifies a recorded error.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// ErrorContext describes one recorded failure. It lives only in memory.
type ErrorContext struct {
	Component   string    `json:"component"`
	Operation   string    `json:"operation"`
	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
	Iteration   int       `json:"iteration"`
	Recoverable bool      `json:"recoverable"`
	Suggestion  string    `json:"suggestion,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

var (
	// ErrMalformedOutput is stage.ErrMalformedOutput, re-exported for callers
	// that only deal with the retry policy.
	ErrMalformedOutput = stage.ErrMalformedOutput
	// ErrStageTimeout marks an attempt that exceeded the stage timeout.
	ErrStageTimeout = errors.New("stage timed out")
	// ErrStageReported marks a response that carried a structured error.
	ErrStageReported = errors.New("stage reported an error")
)

// Codes carried by ToolExecutionError.
const (
	CodeFailed    = "stage_failed"
	CodeTimeout   = "timeout"
	CodeMalformed = "malformed_output"
	CodeReported  = "stage_error"
	CodeFatal     = "fatal"
)

// ToolExecutionError is returned once a stage has failed for good.
type ToolExecutionError struct {
	Component string
	Message   string
	Code      string
	Iteration int
	Attempts  int
	Err       error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}
