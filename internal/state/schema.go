package state

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fyrsmithlabs/humanizer/internal/aggression"
)

// SchemaVersion is written to every checkpoint. Loading any other version
// fails with ErrIncompatibleSchema.
const SchemaVersion = 1

var (
	// ErrAlreadyExists is returned when creating a workflow whose checkpoint exists.
	ErrAlreadyExists = errors.New("workflow already exists")
	// ErrNotFound is returned when no checkpoint exists for a workflow id.
	ErrNotFound = errors.New("workflow not found")
	// ErrCorrupt is returned when a checkpoint cannot be parsed or violates
	// the schema. It is fatal and must not be retried.
	ErrCorrupt = errors.New("checkpoint corrupt")
	// ErrIncompatibleSchema is returned for checkpoints written by another
	// schema version.
	ErrIncompatibleSchema = errors.New("incompatible checkpoint schema")
	// ErrNoActiveWorkflow is returned by mutations when nothing is loaded.
	ErrNoActiveWorkflow = errors.New("no active workflow")
	// ErrNoActiveIteration is returned when no open iteration exists.
	ErrNoActiveIteration = errors.New("no active iteration")
	// ErrIterationOrder is returned when an iteration number does not follow
	// the last completed one or another iteration is still open.
	ErrIterationOrder = errors.New("iteration out of order")
	// ErrTerminal is returned when mutating a completed, failed or paused workflow.
	ErrTerminal = errors.New("workflow is in a terminal state")
	// ErrInvalidID is returned for workflow ids that are not safe file names.
	ErrInvalidID = errors.New("invalid workflow id")
	// ErrLockTimeout is returned when the checkpoint lock cannot be acquired in time.
	ErrLockTimeout = errors.New("timed out acquiring checkpoint lock")
)

// Status is the workflow lifecycle state.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
)

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPaused
}

func (s Status) valid() bool {
	return s == StatusInProgress || s.Terminal()
}

// IterationStatus is the state of a single iteration.
type IterationStatus string

const (
	IterationInProgress IterationStatus = "in_progress"
	IterationCompleted  IterationStatus = "completed"
	IterationFailed     IterationStatus = "failed"
)

// Token usage keys.
const (
	PromptTokens     = "prompt_tokens"
	CompletionTokens = "completion_tokens"
	TotalTokens      = "total_tokens"
)

// Score keys understood by UpdateIteration. Any other key lands in
// IterationState.Metrics.
const (
	ScoreDetection   = "detection_score"
	ScoreOriginality = "originality_score"
	ScoreGPTZero     = "gptzero_score"
)

// Final score keys written by the control loop.
const (
	FinalWeighted    = "weighted"
	FinalOriginality = "originality"
)

// TokenUsage accumulates token counts by key.
type TokenUsage map[string]int

// Merge adds other into u.
func (u TokenUsage) Merge(other TokenUsage) {
	for k, v := range other {
		u[k] += v
	}
}

// WorkflowState is the durable record of one workflow run.
type WorkflowState struct {
	SchemaVersion    int                `json:"schema_version"`
	WorkflowID       string             `json:"workflow_id"`
	OriginalText     string             `json:"original_text"`
	CurrentText      string             `json:"current_text"`
	TargetThreshold  float64            `json:"target_threshold"`
	MaxIterations    int                `json:"max_iterations"`
	CurrentIteration int                `json:"current_iteration"`
	// Iterations holds every attempt in order, including failed or abandoned
	// ones left with Completed false. Numbering and iteration limits count
	// completed iterations only; see CompletedIterations and NextIteration.
	Iterations       []*IterationState  `json:"iterations"`
	InjectionPoints  []InjectionPoint   `json:"injection_points"`
	HumanInputs      map[int]string     `json:"human_inputs"`
	TotalTokenUsage  TokenUsage         `json:"total_token_usage"`
	StartedAt        time.Time          `json:"started_at"`
	CompletedAt      *time.Time         `json:"completed_at"`
	Status           Status             `json:"status"`
	ExitReason       string             `json:"exit_reason,omitempty"`
	FinalScores      map[string]float64 `json:"final_scores"`
}

// IterationState records one iteration attempt.
type IterationState struct {
	Iteration          int                        `json:"iteration"`
	Timestamp          time.Time                  `json:"timestamp"`
	AggressionLevel    aggression.Level           `json:"aggression_level"`
	DetectionScore     float64                    `json:"detection_score"`
	OriginalityScore   float64                    `json:"originality_score"`
	GPTZeroScore       float64                    `json:"gptzero_score"`
	Metrics            map[string]float64         `json:"metrics"`
	ComponentsExecuted []string                   `json:"components_executed"`
	ComponentOutputs   map[string]json.RawMessage `json:"component_outputs"`
	TokenUsage         TokenUsage                 `json:"token_usage"`
	Errors             []string                   `json:"errors"`
	Completed          bool                       `json:"completed"`
	Status             IterationStatus            `json:"status"`
}

// Open reports whether the iteration may still be mutated.
func (it *IterationState) Open() bool {
	return !it.Completed && it.Status == IterationInProgress
}

// InjectionPoint records where human input was requested.
type InjectionPoint struct {
	Section    string    `json:"section"`
	Priority   int       `json:"priority"`
	Guidance   string    `json:"guidance"`
	Context    string    `json:"context"`
	Iteration  int       `json:"iteration"`
	RecordedAt time.Time `json:"recorded_at"`
}

// LastIteration returns the last iteration or nil.
func (w *WorkflowState) LastIteration() *IterationState {
	if len(w.Iterations) == 0 {
		return nil
	}
	return w.Iterations[len(w.Iterations)-1]
}

// LastCompleted returns the last completed iteration or nil.
func (w *WorkflowState) LastCompleted() *IterationState {
	for i := len(w.Iterations) - 1; i >= 0; i-- {
		if w.Iterations[i].Completed {
			return w.Iterations[i]
		}
	}
	return nil
}

// CompletedIterations returns completed iterations in order.
func (w *WorkflowState) CompletedIterations() []*IterationState {
	out := make([]*IterationState, 0, len(w.Iterations))
	for _, it := range w.Iterations {
		if it.Completed {
			out = append(out, it)
		}
	}
	return out
}

// openIteration returns the open iteration, which is always the last one.
func (w *WorkflowState) openIteration() *IterationState {
	last := w.LastIteration()
	if last == nil || !last.Open() {
		return nil
	}
	return last
}

// NextIteration is the ordinal a (re)started loop should run next: one past
// the last completed iteration.
func (w *WorkflowState) NextIteration() int {
	if last := w.LastCompleted(); last != nil {
		return last.Iteration + 1
	}
	return 1
}

// Clone returns a deep copy.
func (w *WorkflowState) Clone() *WorkflowState {
	data, err := json.Marshal(w)
	if err != nil {
		panic("state: clone marshal: " + err.Error())
	}
	var out WorkflowState
	if err := json.Unmarshal(data, &out); err != nil {
		panic("state: clone unmarshal: " + err.Error())
	}
	return &out
}
