package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// InstrumentationName scopes every tracer and meter in the humanizer.
const InstrumentationName = "github.com/fyrsmithlabs/humanizer"

// Metrics holds the workflow instruments. A nil *Metrics records nothing.
type Metrics struct {
	iterations     metric.Int64Counter
	detectionScore metric.Float64Histogram
	stageAttempts  metric.Int64Counter
	stageRetries   metric.Int64Counter
	stageDuration  metric.Float64Histogram
	workflows      metric.Int64Counter
	checkpoints    metric.Int64Counter
}

// NewMetrics registers the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.iterations, err = meter.Int64Counter("humanizer.iterations",
		metric.WithDescription("Completed iterations"),
		metric.WithUnit("{iteration}"),
	); err != nil {
		return nil, fmt.Errorf("iterations counter: %w", err)
	}
	if m.detectionScore, err = meter.Float64Histogram("humanizer.detection_score",
		metric.WithDescription("Detection score at the end of each iteration"),
		metric.WithUnit("%"),
	); err != nil {
		return nil, fmt.Errorf("detection score histogram: %w", err)
	}
	if m.stageAttempts, err = meter.Int64Counter("humanizer.stage.attempts",
		metric.WithDescription("Stage invocations by outcome"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("stage attempts counter: %w", err)
	}
	if m.stageRetries, err = meter.Int64Counter("humanizer.stage.retries",
		metric.WithDescription("Stage retries after a failed attempt"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, fmt.Errorf("stage retries counter: %w", err)
	}
	if m.stageDuration, err = meter.Float64Histogram("humanizer.stage.duration",
		metric.WithDescription("Duration of a single stage attempt"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("stage duration histogram: %w", err)
	}
	if m.workflows, err = meter.Int64Counter("humanizer.workflows",
		metric.WithDescription("Finished workflows by status and exit reason"),
		metric.WithUnit("{workflow}"),
	); err != nil {
		return nil, fmt.Errorf("workflows counter: %w", err)
	}
	if m.checkpoints, err = meter.Int64Counter("humanizer.checkpoint.writes",
		metric.WithDescription("Checkpoint writes by kind and result"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, fmt.Errorf("checkpoint counter: %w", err)
	}

	return m, nil
}

// NewNopMetrics returns instruments backed by a no-op meter.
func NewNopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(InstrumentationName))
	return m
}

// RecordIteration counts a completed iteration and its score.
func (m *Metrics) RecordIteration(ctx context.Context, aggression string, detectionScore float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("aggression", aggression))
	m.iterations.Add(ctx, 1, attrs)
	m.detectionScore.Record(ctx, detectionScore, attrs)
}

// RecordStageAttempt counts one attempt with outcome "ok", "failed",
// "timeout" or "malformed".
func (m *Metrics) RecordStageAttempt(ctx context.Context, stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordRetry counts a retry scheduled for stage.
func (m *Metrics) RecordRetry(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.stageRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordWorkflow counts a finished workflow.
func (m *Metrics) RecordWorkflow(ctx context.Context, status, reason string) {
	if m == nil {
		return
	}
	m.workflows.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("reason", reason),
	))
}

// RecordCheckpoint counts a checkpoint write. kind is "backup" or "plain".
func (m *Metrics) RecordCheckpoint(ctx context.Context, kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkpoints.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}
