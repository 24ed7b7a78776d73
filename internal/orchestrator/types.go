package orchestrator

import (
	"github.com/fyrsmithlabs/humanizer/internal/aggression"
	"github.com/fyrsmithlabs/humanizer/internal/config"
	"github.com/fyrsmithlabs/humanizer/internal/recovery"
	"github.com/fyrsmithlabs/humanizer/internal/stage"
	"github.com/fyrsmithlabs/humanizer/internal/state"
)

// ExitReason tells the ways a workflow can end apart.
type ExitReason string

const (
	ExitQualityGate      ExitReason = "quality_gate"
	ExitEarlyTermination ExitReason = "early_termination"
	ExitMaxIterations    ExitReason = "max_iterations"
	ExitFailed           ExitReason = "failed"
	ExitCancelled        ExitReason = "cancelled"
)

// Loop defaults.
const (
	DefaultMaxIterations               = 7
	DefaultTargetThreshold             = 20.0
	DefaultEarlyTerminationImprovement = 0.02
	DefaultStagnationThreshold         = 5.0
	DefaultValidationPassScore         = 8.0
	DefaultInjectionMinIteration       = 3
	DefaultInjectionScoreThreshold     = 40.0
)

// unscored stands in for the detection score of an iteration whose
// detection stage did not report one.
const unscored = 100.0

// Config controls a Loop.
type Config struct {
	MaxIterations               int
	TargetThreshold             float64
	EarlyTerminationImprovement float64
	StagnationThreshold         float64
	InitialAggression           aggression.Level
	ReferenceStyle              bool
	ValidationPassScore         float64
	Injection                   InjectionConfig
}

// InjectionConfig decides when human input is requested.
type InjectionConfig struct {
	Enabled        bool
	MinIteration   int
	ScoreThreshold float64
	EveryOther     bool
}

// DefaultConfig returns the loop defaults with human input disabled.
func DefaultConfig() Config {
	return Config{
		MaxIterations:               DefaultMaxIterations,
		TargetThreshold:             DefaultTargetThreshold,
		EarlyTerminationImprovement: DefaultEarlyTerminationImprovement,
		StagnationThreshold:         DefaultStagnationThreshold,
		InitialAggression:           aggression.Moderate,
		ValidationPassScore:         DefaultValidationPassScore,
		Injection: InjectionConfig{
			MinIteration:   DefaultInjectionMinIteration,
			ScoreThreshold: DefaultInjectionScoreThreshold,
		},
	}
}

// ConfigFrom builds a loop Config from validated application config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		MaxIterations:               c.Loop.MaxIterations,
		TargetThreshold:             c.Loop.TargetThreshold,
		EarlyTerminationImprovement: c.Loop.EarlyTerminationImprovement,
		StagnationThreshold:         c.Loop.StagnationThreshold,
		InitialAggression:           c.InitialLevel(),
		ReferenceStyle:              c.Loop.ReferenceStyle,
		ValidationPassScore:         c.Loop.ValidationPassScore,
		Injection: InjectionConfig{
			Enabled:        c.Injection.Enabled,
			MinIteration:   c.Injection.MinIteration,
			ScoreThreshold: c.Injection.ScoreThreshold,
			EveryOther:     c.Injection.EveryOther,
		},
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxIterations < 1:
		return &ValidationError{Field: "max_iterations", Message: "must be at least 1"}
	case c.TargetThreshold < 0 || c.TargetThreshold > 100:
		return &ValidationError{Field: "target_threshold", Message: "must be within [0, 100]"}
	case c.EarlyTerminationImprovement < 0:
		return &ValidationError{Field: "early_termination_improvement", Message: "must not be negative"}
	case !c.InitialAggression.Valid():
		return &ValidationError{Field: "initial_aggression", Message: "must be a level from 1 to 5"}
	}
	return nil
}

// RunRequest starts or resumes a workflow. Text is ignored when resuming.
type RunRequest struct {
	WorkflowID string
	Text       string
	Resume     bool
}

// Result summarizes a finished, failed or interrupted run.
type Result struct {
	WorkflowID  string                  `json:"workflow_id"`
	Status      state.Status            `json:"status"`
	ExitReason  ExitReason              `json:"exit_reason"`
	FinalText   string                  `json:"final_text"`
	Iterations  int                     `json:"iterations"`
	FinalScores map[string]float64      `json:"final_scores"`
	History     []recovery.ErrorContext `json:"error_history"`
}

// ProgressStatus is the state reported by a Progress update.
type ProgressStatus string

const (
	ProgressStarted   ProgressStatus = "started"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
)

// Progress reports a stage transition during a run.
type Progress struct {
	WorkflowID string           `json:"workflow_id"`
	Iteration  int              `json:"iteration"`
	Aggression aggression.Level `json:"aggression"`
	Stage      stage.Name       `json:"stage"`
	Status     ProgressStatus   `json:"status"`
	Percentage int              `json:"percentage"`
}

// ProgressCallback receives progress updates. It runs on the loop's
// goroutine and must return quickly.
type ProgressCallback func(p Progress)
