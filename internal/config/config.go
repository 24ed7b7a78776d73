// Package config provides layered configuration for the humanizer.
//
// Values come from built-in defaults, then an optional YAML file, then
// HUMANIZER_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/humanizer/internal/aggression"
)

// Config holds the complete humanizer configuration.
type Config struct {
	Loop      LoopConfig      `koanf:"loop"`
	Retry     RetryConfig     `koanf:"retry"`
	Storage   StorageConfig   `koanf:"storage"`
	Stages    StagesConfig    `koanf:"stages"`
	Injection InjectionConfig `koanf:"injection"`
	Events    EventsConfig    `koanf:"events"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// LoopConfig controls iteration count, exits and aggression selection.
type LoopConfig struct {
	MaxIterations               int     `koanf:"max_iterations"`
	TargetThreshold             float64 `koanf:"target_originality_threshold"` // percentage scale, 0-100
	EarlyTerminationImprovement float64 `koanf:"early_termination_improvement"`
	StagnationThreshold         float64 `koanf:"stagnation_threshold"`
	InitialAggression           string  `koanf:"initial_aggression"`
	ReferenceStyle              bool    `koanf:"reference_style"`
	ValidationPassScore         float64 `koanf:"validation_pass_score"`
}

// RetryConfig controls the per-stage retry policy.
type RetryConfig struct {
	MaxRetries   int      `koanf:"max_retries"`
	RetryDelay   Duration `koanf:"retry_delay"`
	StageTimeout Duration `koanf:"stage_timeout"`
}

// StorageConfig locates checkpoints and backups.
type StorageConfig struct {
	CheckpointDir   string   `koanf:"checkpoint_dir"`
	BackupDir       string   `koanf:"backup_dir"`
	BackupRetention int      `koanf:"backup_retention"`
	LockTimeout     Duration `koanf:"lock_timeout"`
}

// StagesConfig wires pipeline stages to their implementations.
// Endpoints maps a stage name (e.g. "paraphrase") to a base URL.
type StagesConfig struct {
	Endpoints         map[string]string `koanf:"endpoints"`
	RequestsPerSecond float64           `koanf:"requests_per_second"`
	Burst             int               `koanf:"burst"`
	GlossaryPath      string            `koanf:"glossary_path"`
	LLM               LLMConfig         `koanf:"llm"`
}

// LLMConfig configures the built-in LLM paraphrase stage.
type LLMConfig struct {
	Enabled     bool    `koanf:"enabled"`
	BaseURL     string  `koanf:"base_url"`
	Model       string  `koanf:"model"`
	APIKey      Secret  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
}

// InjectionConfig controls human input between iterations.
type InjectionConfig struct {
	Enabled        bool     `koanf:"enabled"`
	InboxDir       string   `koanf:"inbox_dir"`
	WaitTimeout    Duration `koanf:"wait_timeout"`
	MinIteration   int      `koanf:"min_iteration"`
	ScoreThreshold float64  `koanf:"score_threshold"`
	EveryOther     bool     `koanf:"every_other"`
	MaxPoints      int      `koanf:"max_points"`
}

// EventsConfig enables lifecycle event publishing. Empty NATSURL disables it.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ServerConfig holds status API settings.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds the user-facing subset of logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds the user-facing subset of OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Loop: LoopConfig{
			MaxIterations:               7,
			TargetThreshold:             20.0,
			EarlyTerminationImprovement: 0.02,
			StagnationThreshold:         aggression.DefaultStagnationThreshold,
			InitialAggression:           aggression.Moderate.String(),
			ValidationPassScore:         8.0,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			RetryDelay:   Duration(2 * time.Second),
			StageTimeout: Duration(300 * time.Second),
		},
		Storage: StorageConfig{
			CheckpointDir:   ".humanizer/checkpoints",
			BackupDir:       ".humanizer/checkpoints/backups",
			BackupRetention: 10,
			LockTimeout:     Duration(10 * time.Second),
		},
		Stages: StagesConfig{
			Endpoints:         map[string]string{},
			RequestsPerSecond: 2,
			Burst:             1,
			LLM: LLMConfig{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.7,
			},
		},
		Injection: InjectionConfig{
			Enabled:        true,
			InboxDir:       ".humanizer/inbox",
			WaitTimeout:    Duration(5 * time.Minute),
			MinIteration:   3,
			ScoreThreshold: 40.0,
			MaxPoints:      5,
		},
		Events: EventsConfig{
			SubjectPrefix: "humanizer",
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "humanizer",
			SampleRate:  1.0,
		},
	}
}

var subjectTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// Validate checks ranges and cross-field constraints. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Loop.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("loop.max_iterations must be >= 1, got %d", c.Loop.MaxIterations))
	}
	if c.Loop.TargetThreshold < 0 || c.Loop.TargetThreshold > 100 {
		errs = append(errs, fmt.Errorf("loop.target_originality_threshold must be in [0,100], got %v", c.Loop.TargetThreshold))
	}
	if c.Loop.EarlyTerminationImprovement < 0 || c.Loop.EarlyTerminationImprovement >= 1 {
		errs = append(errs, fmt.Errorf("loop.early_termination_improvement must be in [0,1), got %v", c.Loop.EarlyTerminationImprovement))
	}
	if c.Loop.StagnationThreshold < 0 {
		errs = append(errs, fmt.Errorf("loop.stagnation_threshold must be >= 0, got %v", c.Loop.StagnationThreshold))
	}
	if _, err := aggression.Parse(c.Loop.InitialAggression); err != nil {
		errs = append(errs, fmt.Errorf("loop.initial_aggression: %w", err))
	}

	if c.Retry.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 1, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.StageTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("retry.stage_timeout must be positive"))
	}

	if c.Storage.CheckpointDir == "" {
		errs = append(errs, errors.New("storage.checkpoint_dir is required"))
	}
	if c.Storage.BackupDir == "" {
		errs = append(errs, errors.New("storage.backup_dir is required"))
	}
	if c.Storage.BackupRetention < 1 {
		errs = append(errs, fmt.Errorf("storage.backup_retention must be >= 1, got %d", c.Storage.BackupRetention))
	}

	if c.Stages.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("stages.requests_per_second must be >= 0, got %v", c.Stages.RequestsPerSecond))
	}
	if c.Stages.LLM.Enabled && c.Stages.LLM.Model == "" {
		errs = append(errs, errors.New("stages.llm.model is required when the llm stage is enabled"))
	}

	if c.Injection.Enabled && c.Injection.InboxDir == "" {
		errs = append(errs, errors.New("injection.inbox_dir is required when injection is enabled"))
	}
	if c.Injection.MaxPoints < 0 {
		errs = append(errs, fmt.Errorf("injection.max_points must be >= 0, got %d", c.Injection.MaxPoints))
	}

	if c.Events.NATSURL != "" && !subjectTokenPattern.MatchString(c.Events.SubjectPrefix) {
		errs = append(errs, fmt.Errorf("events.subject_prefix %q is not a valid subject", c.Events.SubjectPrefix))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be in [0,1], got %v", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}

// InitialLevel returns the parsed initial aggression. Call after Validate.
func (c *Config) InitialLevel() aggression.Level {
	lvl, err := aggression.Parse(c.Loop.InitialAggression)
	if err != nil {
		return aggression.Moderate
	}
	return lvl
}
