package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/humanizer/internal/aggression"
	"github.com/fyrsmithlabs/humanizer/internal/events"
	"github.com/fyrsmithlabs/humanizer/internal/glossary"
	"github.com/fyrsmithlabs/humanizer/internal/injection"
	"github.com/fyrsmithlabs/humanizer/internal/logging"
	"github.com/fyrsmithlabs/humanizer/internal/recovery"
	"github.com/fyrsmithlabs/humanizer/internal/stage"
	"github.com/fyrsmithlabs/humanizer/internal/state"
	"github.com/fyrsmithlabs/humanizer/internal/telemetry"
)

// Loop drives workflows through the stage pipeline. It runs one workflow
// at a time.
type Loop struct {
	cfg      Config
	store    *state.Store
	stages   stage.Set
	policy   *recovery.Policy
	pipeline []stage.Name
	gates    []ExitGate

	glossaryPath string
	terms        []string

	identifier *injection.Identifier
	input      injection.Source
	declined   bool

	events   events.Publisher
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	progress ProgressCallback
	now      func() time.Time
}

// Option configures a Loop.
type Option func(*Loop) error

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(loop *Loop) error {
		if l != nil {
			loop.logger = l
		}
		return nil
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(loop *Loop) error {
		loop.metrics = m
		return nil
	}
}

// WithTracer sets the tracer for workflow, iteration and stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(loop *Loop) error {
		if t != nil {
			loop.tracer = t
		}
		return nil
	}
}

// WithEvents publishes lifecycle events to p.
func WithEvents(p events.Publisher) Option {
	return func(loop *Loop) error {
		if p != nil {
			loop.events = p
		}
		return nil
	}
}

// WithGlossary passes the glossary's terms to the term protection stage.
func WithGlossary(g *glossary.Glossary) Option {
	return func(loop *Loop) error {
		if g == nil {
			return nil
		}
		terms, err := g.Terms(stage.DefaultProtectionTier)
		if err != nil {
			return fmt.Errorf("glossary terms: %w", err)
		}
		loop.glossaryPath = g.Path()
		loop.terms = terms
		return nil
	}
}

// WithInjection asks src for human input at points found by id. It has no
// effect unless Config.Injection.Enabled is set.
func WithInjection(id *injection.Identifier, src injection.Source) Option {
	return func(loop *Loop) error {
		if id == nil {
			id = injection.NewIdentifier(0)
		}
		loop.identifier = id
		loop.input = src
		return nil
	}
}

// WithProgress registers a progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(loop *Loop) error {
		loop.progress = cb
		return nil
	}
}

// New returns a Loop. Every stage of the configured pipeline must have an
// implementation in stages.
func New(cfg Config, store *state.Store, stages stage.Set, policy *recovery.Policy, opts ...Option) (*Loop, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("orchestrator: state store is required")
	}
	if policy == nil {
		policy = recovery.NewPolicy(recovery.Config{})
	}
	pipeline := stage.Pipeline(cfg.ReferenceStyle)
	if missing := stages.Missing(pipeline); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, n := range missing {
			names[i] = string(n)
		}
		return nil, &ValidationError{Field: "stages", Message: "no implementation for " + strings.Join(names, ", ")}
	}

	l := &Loop{
		cfg:      cfg,
		store:    store,
		stages:   stages,
		policy:   policy,
		pipeline: pipeline,
		gates:    Gates(cfg.EarlyTerminationImprovement),
		events:   events.Nop{},
		logger:   logging.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer(telemetry.InstrumentationName),
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	l.logger = l.logger.Named("orchestrator")
	return l, nil
}

// Run starts a new workflow or resumes req.WorkflowID. It returns the result
// together with the error that stopped the workflow, if any. A cancelled
// context leaves the workflow in progress and returns ctx.Err().
func (l *Loop) Run(ctx context.Context, req RunRequest) (*Result, error) {
	st, next, err := l.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	l.declined = false

	ctx = logging.WithWorkflowID(ctx, st.WorkflowID)
	ctx, span := l.tracer.Start(ctx, "humanizer.workflow", trace.WithAttributes(
		attribute.String("workflow.id", st.WorkflowID),
		attribute.Bool("workflow.resumed", req.Resume),
	))
	defer span.End()

	if st.Status.Terminal() {
		l.logger.Info(ctx, "workflow already finished",
			zap.String("status", string(st.Status)),
			zap.String("exit_reason", st.ExitReason))
		return l.result(st), nil
	}

	l.logger.Info(ctx, "workflow started",
		zap.Int("next_iteration", next),
		zap.Int("max_iterations", st.MaxIterations),
		zap.Float64("target_threshold", st.TargetThreshold),
		zap.Bool("resumed", req.Resume))
	l.publish(ctx, events.Event{Kind: events.KindStarted, WorkflowID: st.WorkflowID, Iteration: next})

	// A run interrupted after its last iteration completed may already
	// satisfy an exit gate.
	if reason := evaluate(l.gates, st); reason != "" {
		return l.finish(ctx, span, reason)
	}

	for n := next; n <= st.MaxIterations; n++ {
		reason, err := l.iterate(ctx, n)
		if err != nil {
			return l.fail(ctx, span, n, err)
		}
		if reason != "" {
			return l.finish(ctx, span, reason)
		}
	}
	return l.finish(ctx, span, ExitMaxIterations)
}

func (l *Loop) begin(ctx context.Context, req RunRequest) (*state.WorkflowState, int, error) {
	if err := state.ValidateID(req.WorkflowID); err != nil {
		return nil, 0, &ValidationError{Field: "workflow_id", Message: err.Error()}
	}

	if req.Resume {
		st, next, err := l.store.PrepareResume(ctx, req.WorkflowID)
		if err != nil {
			action := l.policy.HandleCheckpointRecovery(ctx, err, req.WorkflowID)
			l.logger.Error(ctx, "cannot resume workflow",
				zap.String("workflow_id", req.WorkflowID),
				zap.Stringer("action", action),
				zap.Error(err))
			return nil, 0, &WorkflowError{Operation: "resume", WorkflowID: req.WorkflowID, Err: err}
		}
		return st, next, nil
	}

	if strings.TrimSpace(req.Text) == "" {
		return nil, 0, &ValidationError{Field: "text", Message: "must not be empty"}
	}
	st, err := l.store.CreateWorkflow(ctx, req.WorkflowID, req.Text, l.cfg.TargetThreshold, l.cfg.MaxIterations)
	if err != nil {
		return nil, 0, &WorkflowError{Operation: "create", WorkflowID: req.WorkflowID, Err: err}
	}
	return st, 1, nil
}

// iterate runs iteration n and returns the exit reason, or "" to continue.
func (l *Loop) iterate(ctx context.Context, n int) (ExitReason, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	st := l.store.Current()
	level := selectLevel(st, n, l.cfg.InitialAggression, l.cfg.StagnationThreshold)

	ctx = logging.WithIteration(ctx, n)
	ctx, span := l.tracer.Start(ctx, "humanizer.iteration", trace.WithAttributes(
		attribute.Int("iteration", n),
		attribute.String("aggression", level.String()),
	))
	defer span.End()

	if _, err := l.store.StartIteration(ctx, n, level); err != nil {
		return "", fmt.Errorf("start iteration: %w", err)
	}
	l.logger.Info(ctx, "iteration started", zap.Stringer("aggression", level))

	text, err := l.runPipeline(ctx, st, n, level)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if err := l.store.CompleteIteration(ctx, text); err != nil {
		return "", fmt.Errorf("complete iteration: %w", err)
	}

	st = l.store.Current()
	score, scored := detectionScore(st.LastCompleted())
	span.SetAttributes(attribute.Float64("detection_score", score))
	l.metrics.RecordIteration(ctx, level.String(), score)
	l.logger.Info(ctx, "iteration completed",
		zap.Float64("detection_score", score),
		zap.Bool("scored", scored),
		zap.Float64("target_threshold", st.TargetThreshold))

	ev := events.Event{Kind: events.KindIterationCompleted, WorkflowID: st.WorkflowID, Iteration: n, Aggression: level.String()}
	if scored {
		ev.DetectionScore = &score
	}
	l.publish(ctx, ev)

	if reason := evaluate(l.gates, st); reason != "" {
		return reason, nil
	}
	if l.wantsInput(n, score) {
		if err := l.inject(ctx, st, n, score); err != nil {
			return "", err
		}
	}
	return "", nil
}

// runPipeline runs every stage once and returns the iteration's text.
func (l *Loop) runPipeline(ctx context.Context, st *state.WorkflowState, n int, level aggression.Level) (string, error) {
	text := st.CurrentText
	params := stage.ParamInput{
		Level:        level,
		GlossaryPath: l.glossaryPath,
		Terms:        l.terms,
		OriginalText: st.OriginalText,
	}
	var previous *float64
	if done := st.CompletedIterations(); len(done) > 0 {
		if s, ok := detectionScore(done[len(done)-1]); ok {
			previous = &s
		}
	}

	for i, name := range l.pipeline {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		l.report(st.WorkflowID, n, level, name, ProgressStarted, i)

		resp, err := l.runStage(ctx, name, text, n, params)
		if err == nil && name == stage.Validate {
			resp, err = l.checkQuality(ctx, name, text, n, params, resp)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			l.report(st.WorkflowID, n, level, name, ProgressFailed, i+1)
			if recErr := l.store.UpdateIteration(ctx, state.IterationUpdate{Error: fmt.Sprintf("%s: %v", name, err)}); recErr != nil {
				return "", fmt.Errorf("record %s failure: %w", name, recErr)
			}
			if name.Critical() {
				return "", &WorkflowError{Operation: "iteration", WorkflowID: st.WorkflowID, Iteration: n, Component: string(name), Err: err}
			}
			l.logger.Warn(ctx, "stage failed, continuing with unchanged text",
				zap.String("stage", string(name)), zap.Error(err))
			continue
		}

		scores := resp.Scores(name)
		update := state.IterationUpdate{
			Component:  string(name),
			Output:     resp.Output,
			Scores:     scores,
			TokenUsage: state.TokenUsage(resp.TokenUsage),
		}
		if cur, ok := scores[stage.KeyDetectionScore]; ok && name == stage.DetectionScore && previous != nil {
			update.Error = l.policy.HandleDetectionAnomaly(ctx, cur, *previous, n)
		}
		if err := l.store.UpdateIteration(ctx, update); err != nil {
			if ctx.Err() != nil || name.Critical() {
				return "", fmt.Errorf("record %s output: %w", name, err)
			}
			l.report(st.WorkflowID, n, level, name, ProgressFailed, i+1)
			l.logger.Warn(ctx, "stage output not recorded, continuing",
				zap.String("stage", string(name)), zap.Error(err))
			continue
		}
		if name.Transforms() {
			text = resp.Text(text)
		}
		l.report(st.WorkflowID, n, level, name, ProgressCompleted, i+1)
	}
	return text, nil
}

func (l *Loop) runStage(ctx context.Context, name stage.Name, text string, n int, in stage.ParamInput) (*stage.Response, error) {
	impl, err := l.stages.Lookup(name)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithStage(ctx, string(name))
	ctx, span := l.tracer.Start(ctx, "humanizer.stage", trace.WithAttributes(
		attribute.String("stage", string(name)),
		attribute.Int("iteration", n),
	))
	defer span.End()

	l.logger.Debug(ctx, "running stage", zap.Int("text_len", len(text)))
	resp, err := l.policy.ExecuteStageSafely(ctx, impl, stage.Request{
		Stage:     name,
		Text:      text,
		Iteration: n,
		Params:    stage.Params(name, in),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

// checkQuality applies the validation recovery table when the validate
// stage reports a quality score below the pass mark.
func (l *Loop) checkQuality(ctx context.Context, name stage.Name, text string, n int, in stage.ParamInput, resp *stage.Response) (*stage.Response, error) {
	quality, ok := resp.Scores(name)[stage.KeyQualityScore]
	if !ok || quality >= l.cfg.ValidationPassScore {
		return resp, nil
	}

	action := l.policy.HandleValidationFailure(ctx, quality, n)
	if action == recovery.ActionRetry {
		l.logger.Info(ctx, "validation below pass mark, validating again", zap.Float64("quality_score", quality))
		retried, err := l.runStage(ctx, name, text, n, in)
		if err != nil {
			return nil, err
		}
		resp = retried
		quality, ok = resp.Scores(name)[stage.KeyQualityScore]
		if !ok || quality >= l.cfg.ValidationPassScore {
			return resp, nil
		}
		action = l.policy.HandleValidationFailure(ctx, quality, n)
		if action == recovery.ActionRetry {
			action = recovery.ActionSkip
		}
	}

	switch action {
	case recovery.ActionSkip:
		l.logger.Warn(ctx, "accepting iteration below validation pass mark",
			zap.Float64("quality_score", quality),
			zap.Float64("pass_score", l.cfg.ValidationPassScore))
		return resp, nil
	default:
		return nil, fmt.Errorf("%w: quality score %.1f needs %s review", ErrQualityRejected, quality, action)
	}
}

func (l *Loop) wantsInput(n int, score float64) bool {
	c := l.cfg.Injection
	if !c.Enabled || l.input == nil || l.declined {
		return false
	}
	return (n >= c.MinIteration && score > c.ScoreThreshold) || (c.EveryOther && n%2 == 0)
}

// inject asks for human input on the current text and merges the reply.
// Missing input is not an error.
func (l *Loop) inject(ctx context.Context, st *state.WorkflowState, n int, score float64) error {
	points := l.identifier.Identify(st.CurrentText, score)
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if err := l.store.AddInjectionPoint(ctx, state.InjectionPoint{
			Section:   p.Section,
			Priority:  p.Priority,
			Guidance:  p.Guidance,
			Context:   strings.TrimSpace(p.ContextBefore + " " + p.ContextAfter),
			Iteration: n,
		}); err != nil {
			return fmt.Errorf("record injection point: %w", err)
		}
	}

	input, err := l.input.Collect(ctx, injection.Request{WorkflowID: st.WorkflowID, Iteration: n, Points: points})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		l.logger.Warn(ctx, "no human input, continuing", zap.Error(err))
		return nil
	}
	if injection.IsSkipAll(input) {
		l.logger.Info(ctx, "human input declined for the rest of the run")
		l.declined = true
		return nil
	}
	if injection.IsSkip(input) {
		l.logger.Info(ctx, "human input skipped")
		return nil
	}

	text := injection.Integrate(st.CurrentText, points[0], input)
	if err := l.store.ApplyHumanInput(ctx, n, input, text); err != nil {
		return fmt.Errorf("apply human input: %w", err)
	}
	l.logger.Info(ctx, "human input integrated",
		zap.String("section", points[0].Section),
		zap.Int("input_len", len(input)))
	return nil
}

func (l *Loop) finish(ctx context.Context, span trace.Span, reason ExitReason) (*Result, error) {
	st := l.store.Current()
	if err := l.store.CompleteWorkflow(ctx, finalScores(st), state.StatusCompleted, string(reason)); err != nil {
		return l.fail(ctx, span, st.CurrentIteration, fmt.Errorf("complete workflow: %w", err))
	}
	st = l.store.Current()
	span.SetAttributes(attribute.String("exit_reason", string(reason)))
	l.metrics.RecordWorkflow(ctx, string(state.StatusCompleted), string(reason))
	l.publish(ctx, events.Event{
		Kind:        events.KindCompleted,
		WorkflowID:  st.WorkflowID,
		Iteration:   st.CurrentIteration,
		Status:      string(st.Status),
		ExitReason:  string(reason),
		FinalScores: st.FinalScores,
	})
	return l.result(st), nil
}

// fail marks the workflow failed and returns err to the caller. A cancelled
// context only stops the run; the workflow stays resumable.
func (l *Loop) fail(ctx context.Context, span trace.Span, n int, err error) (*Result, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if ctxErr := ctx.Err(); ctxErr != nil {
		l.logger.Warn(ctx, "workflow interrupted, resume to continue", zap.Int("iteration", n))
		res := l.result(l.store.Current())
		res.ExitReason = ExitCancelled
		return res, ctxErr
	}

	var werr *WorkflowError
	if !errors.As(err, &werr) {
		werr = &WorkflowError{Operation: "iteration", Iteration: n, Err: err}
	}
	st := l.store.Current()
	werr.WorkflowID = st.WorkflowID

	reason := err.Error()
	if werr.Component != "" {
		reason = ""
	}
	if failErr := l.store.FailIteration(ctx, reason); failErr != nil && !errors.Is(failErr, state.ErrNoActiveIteration) {
		l.logger.Error(ctx, "cannot mark iteration failed", zap.Error(failErr))
	}
	if !l.store.Current().Status.Terminal() {
		if cwErr := l.store.CompleteWorkflow(ctx, finalScores(st), state.StatusFailed, string(ExitFailed)); cwErr != nil {
			l.logger.Error(ctx, "cannot mark workflow failed", zap.Error(cwErr))
		}
	}
	l.logger.Error(ctx, "workflow failed", zap.Int("iteration", n), zap.Error(err))
	l.metrics.RecordWorkflow(ctx, string(state.StatusFailed), string(ExitFailed))
	l.publish(ctx, events.Event{
		Kind:       events.KindFailed,
		WorkflowID: st.WorkflowID,
		Iteration:  n,
		Status:     string(state.StatusFailed),
		ExitReason: string(ExitFailed),
		Error:      err.Error(),
	})

	res := l.result(l.store.Current())
	res.ExitReason = ExitFailed
	return res, werr
}

func (l *Loop) result(st *state.WorkflowState) *Result {
	scores := st.FinalScores
	if scores == nil {
		scores = map[string]float64{}
	}
	return &Result{
		WorkflowID:  st.WorkflowID,
		Status:      st.Status,
		ExitReason:  ExitReason(st.ExitReason),
		FinalText:   st.CurrentText,
		Iterations:  len(st.CompletedIterations()),
		FinalScores: scores,
		History:     l.policy.History(),
	}
}

// finalScores reports the scores of the last completed iteration.
func finalScores(st *state.WorkflowState) map[string]float64 {
	last := st.LastCompleted()
	if last == nil {
		return map[string]float64{}
	}
	return map[string]float64{
		state.FinalWeighted:    last.DetectionScore,
		state.FinalOriginality: last.OriginalityScore,
	}
}

func (l *Loop) publish(ctx context.Context, e events.Event) {
	e.Timestamp = l.now().UTC()
	if err := l.events.Publish(ctx, e); err != nil {
		l.logger.Warn(ctx, "publish event failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func (l *Loop) report(id string, n int, level aggression.Level, name stage.Name, status ProgressStatus, done int) {
	if l.progress == nil {
		return
	}
	total := l.cfg.MaxIterations * len(l.pipeline)
	pct := 0
	if total > 0 {
		pct = min(100, ((n-1)*len(l.pipeline)+done)*100/total)
	}
	l.progress(Progress{
		WorkflowID: id,
		Iteration:  n,
		Aggression: level,
		Stage:      name,
		Status:     status,
		Percentage: pct,
	})
}
