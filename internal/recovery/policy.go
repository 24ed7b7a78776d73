package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/humanizer/internal/logging"
	"github.com/fyrsmithlabs/humanizer/internal/stage"
	"github.com/fyrsmithlabs/humanizer/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 2 * time.Second
	DefaultStageTimeout = 300 * time.Second
)

// Config configures a Policy.
type Config struct {
	// MaxRetries is the total number of attempts per stage call.
	MaxRetries int
	// RetryDelay is the base delay; attempt n waits RetryDelay * 2^n.
	RetryDelay time.Duration
	// StageTimeout bounds each attempt.
	StageTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultStageTimeout
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures a Policy.
type Option func(*Policy)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Policy) { p.metrics = m }
}

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s Sleeper) Option {
	return func(p *Policy) { p.sleep = s }
}

// WithClock replaces time.Now for recorded errors and durations.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// Policy executes stage calls with retries and keeps an in-memory error
// history. It is safe for concurrent use.
type Policy struct {
	cfg     Config
	logger  *logging.Logger
	metrics *telemetry.Metrics
	sleep   Sleeper
	now     func() time.Time

	mu      sync.Mutex
	history []ErrorContext
}

// NewPolicy returns a Policy for cfg.
func NewPolicy(cfg Config, opts ...Option) *Policy {
	cfg.ApplyDefaults()
	p := &Policy{
		cfg:     cfg,
		logger:  logging.NewNop(),
		metrics: telemetry.NewNopMetrics(),
		sleep:   sleepContext,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("recovery")
	return p
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Backoff returns the delay after the given zero-based failed attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	return p.cfg.RetryDelay * time.Duration(1<<uint(attempt))
}

// ExecuteStageSafely runs st up to MaxRetries times. Failures, timeouts and
// responses carrying an error are retried after an exponential backoff;
// malformed output and permanent failures are returned at once. After the
// last failed attempt a *ToolExecutionError is returned. Cancellation of ctx
// is returned as ctx.Err() without further attempts.
func (p *Policy) ExecuteStageSafely(ctx context.Context, st stage.Stage, req stage.Request) (*stage.Response, error) {
	name := string(st.Name())
	var last *ToolExecutionError

	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := p.now()
		resp, err := p.attempt(ctx, st, req)
		elapsed := p.now().Sub(start)

		if err == nil && resp != nil && resp.Error == "" {
			p.metrics.RecordStageAttempt(ctx, name, "ok", elapsed)
			if attempt > 0 {
				p.logger.Info(ctx, "stage succeeded after retry",
					zap.String("stage", name), zap.Int("attempt", attempt+1))
			}
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			p.metrics.RecordStageAttempt(ctx, name, "cancelled", elapsed)
			return nil, ctxErr
		}

		ec, terr := p.classify(name, req.Iteration, attempt, resp, err)
		p.metrics.RecordStageAttempt(ctx, name, outcome(terr.Code), elapsed)
		p.Record(ctx, ec)
		last = terr
		last.Attempts = attempt + 1

		if !ec.Recoverable {
			return nil, last
		}
		if attempt == p.cfg.MaxRetries-1 {
			break
		}

		delay := p.Backoff(attempt)
		p.metrics.RecordRetry(ctx, name)
		p.logger.Info(ctx, "retrying stage",
			zap.String("stage", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.cfg.MaxRetries),
			zap.Duration("delay", delay))
		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, last
}

type attemptResult struct {
	resp *stage.Response
	err  error
}

// attempt runs st once, bounded by StageTimeout. A stage that ignores its
// context is abandoned when the deadline fires; its late result is dropped.
func (p *Policy) attempt(ctx context.Context, st stage.Stage, req stage.Request) (*stage.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		resp, err := st.Run(attemptCtx, req)
		done <- attemptResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.resp == nil {
			return nil, fmt.Errorf("%w: empty response", stage.ErrMalformedOutput)
		}
		if r.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrStageTimeout, p.cfg.StageTimeout)
		}
		return r.resp, r.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", ErrStageTimeout, p.cfg.StageTimeout)
	}
}

// classify turns a failed attempt into an error record and the error to
// return if this attempt is the last.
func (p *Policy) classify(name string, iteration, attempt int, resp *stage.Response, err error) (ErrorContext, *ToolExecutionError) {
	ec := ErrorContext{
		Component:   name,
		Operation:   "execute",
		Severity:    SeverityError,
		Iteration:   iteration,
		Recoverable: true,
		Suggestion:  fmt.Sprintf("retry %d/%d", attempt+1, p.cfg.MaxRetries),
	}
	terr := &ToolExecutionError{Component: name, Iteration: iteration, Code: CodeFailed, Err: err}

	switch {
	case err == nil:
		ec.Message = resp.Error
		terr.Code = CodeReported
		terr.Err = fmt.Errorf("%w: %s", ErrStageReported, resp.Error)
	case errors.Is(err, ErrStageTimeout):
		ec.Message = err.Error()
		ec.Suggestion = "increase the stage timeout or shorten the input"
		terr.Code = CodeTimeout
	case errors.Is(err, stage.ErrMalformedOutput):
		ec.Operation = "parse_output"
		ec.Message = err.Error()
		ec.Recoverable = false
		ec.Suggestion = ""
		terr.Code = CodeMalformed
	case errors.Is(err, stage.ErrPermanent):
		ec.Message = err.Error()
		ec.Severity = SeverityFatal
		ec.Recoverable = false
		ec.Suggestion = ""
		terr.Code = CodeFatal
	default:
		ec.Message = err.Error()
	}
	terr.Message = ec.Message
	return ec, terr
}

func outcome(code string) string {
	switch code {
	case CodeTimeout:
		return "timeout"
	case CodeMalformed:
		return "malformed"
	}
	return "failed"
}

// HandleValidationFailure records a failing validation result and returns
// the action for its quality score.
func (p *Policy) HandleValidationFailure(ctx context.Context, qualityScore float64, iteration int) Action {
	sev := SeverityError
	if qualityScore >= ValidationSkipScore {
		sev = SeverityWarning
	}
	p.Record(ctx, ErrorContext{
		Component:   string(stage.Validate),
		Operation:   "validate",
		Message:     fmt.Sprintf("quality score %.1f/10.0 below threshold", qualityScore),
		Severity:    sev,
		Iteration:   iteration,
		Recoverable: true,
		Suggestion:  "increase aggression level or review content",
	})
	return ForValidation(qualityScore)
}

// HandleDetectionAnomaly records and returns a warning when the detection
// score worsened by more than AnomalyThreshold. It never aborts.
func (p *Policy) HandleDetectionAnomaly(ctx context.Context, current, previous float64, iteration int) string {
	warning := Anomaly(current, previous)
	if warning == "" {
		return ""
	}
	p.Record(ctx, ErrorContext{
		Component:   string(stage.DetectionScore),
		Operation:   "analyze",
		Message:     warning,
		Severity:    SeverityWarning,
		Iteration:   iteration,
		Recoverable: true,
		Suggestion:  "review recent changes, consider restoring the previous iteration",
	})
	return warning
}

// HandleCheckpointRecovery records a checkpoint load failure and returns
// the action for it.
func (p *Policy) HandleCheckpointRecovery(ctx context.Context, err error, workflowID string) Action {
	action := ForCheckpoint(err)
	if err == nil {
		return action
	}
	sev := SeverityError
	if action == ActionManual {
		sev = SeverityFatal
	}
	p.Record(ctx, ErrorContext{
		Component:   "state",
		Operation:   "load_checkpoint",
		Message:     fmt.Sprintf("workflow %s: %v", workflowID, err),
		Severity:    sev,
		Recoverable: action == ActionRetry,
	})
	return action
}

// Record appends ec to the history and logs it.
func (p *Policy) Record(ctx context.Context, ec ErrorContext) {
	if ec.Timestamp.IsZero() {
		ec.Timestamp = p.now()
	}
	p.mu.Lock()
	p.history = append(p.history, ec)
	p.mu.Unlock()

	fields := []zap.Field{
		zap.String("component", ec.Component),
		zap.String("operation", ec.Operation),
		zap.String("severity", string(ec.Severity)),
		zap.Int("iteration", ec.Iteration),
		zap.Bool("recoverable", ec.Recoverable),
		zap.String("error", ec.Message),
	}
	if ec.Severity == SeverityWarning {
		p.logger.Warn(ctx, "recoverable issue", fields...)
		return
	}
	p.logger.Error(ctx, "error recorded", fields...)
}

// History returns a copy of the recorded errors in order.
func (p *Policy) History() []ErrorContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ErrorContext(nil), p.history...)
}

// ClearHistory drops all recorded errors.
func (p *Policy) ClearHistory() {
	p.mu.Lock()
	p.history = nil
	p.mu.Unlock()
}
