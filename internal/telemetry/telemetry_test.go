package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/humanizer/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.Exporting())

	health := tel.Health()
	assert.True(t, health.Healthy)
	assert.False(t, health.Degraded)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""

	tel, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.False(t, tel.Exporting())
	assert.True(t, tel.Health().Degraded)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"disabled skips checks", func(c *Config) { c.Enabled = false; c.Endpoint = "" }, ""},
		{"local insecure ok", func(c *Config) { c.Enabled = true }, ""},
		{"https local ok", func(c *Config) { c.Enabled = true; c.Endpoint = "http://127.0.0.1:4318"; c.Protocol = "http/protobuf" }, ""},
		{"ipv6 loopback ok", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, ""},
		{"remote insecure rejected", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, "insecure"},
		{"remote tls ok", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317"; c.Insecure = false }, ""},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, "protocol"},
		{"bad sample rate", func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 }, "sample_rate"},
		{"no service name", func(c *Config) { c.Enabled = true; c.ServiceName = "" }, "service_name"},
		{"zero interval", func(c *Config) { c.Enabled = true; c.ExportInterval = 0 }, "export_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.TelemetryConfig{
		Enabled:    true,
		Endpoint:   "localhost:4318",
		Protocol:   "http/protobuf",
		Insecure:   true,
		SampleRate: 0.5,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "localhost:4318", cfg.Endpoint)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "humanizer", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, 0.5, cfg.SampleRate)
	assert.NoError(t, cfg.Validate())
}

func TestMetrics_Record(t *testing.T) {
	tel := NewTestTelemetry()
	ctx := context.Background()

	tel.Metrics.RecordIteration(ctx, "moderate", 42)
	tel.Metrics.RecordIteration(ctx, "aggressive", 30)
	tel.Metrics.RecordStageAttempt(ctx, "paraphrase", "failed", time.Second)
	tel.Metrics.RecordStageAttempt(ctx, "paraphrase", "ok", time.Second)
	tel.Metrics.RecordRetry(ctx, "paraphrase")
	tel.Metrics.RecordWorkflow(ctx, "completed", "quality_gate")
	tel.Metrics.RecordCheckpoint(ctx, "backup", nil)
	tel.Metrics.RecordCheckpoint(ctx, "plain", errors.New("disk full"))

	assert.Equal(t, int64(2), tel.CounterValue(t, "humanizer.iterations"))
	assert.Equal(t, int64(1), tel.CounterValue(t, "humanizer.iterations", attribute.String("aggression", "moderate")))
	assert.Equal(t, int64(1), tel.CounterValue(t, "humanizer.stage.attempts", attribute.String("outcome", "failed")))
	assert.Equal(t, int64(1), tel.CounterValue(t, "humanizer.stage.retries"))
	assert.Equal(t, int64(1), tel.CounterValue(t, "humanizer.workflows", attribute.String("reason", "quality_gate")))
	assert.Equal(t, int64(1), tel.CounterValue(t, "humanizer.checkpoint.writes", attribute.String("result", "error")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordIteration(context.Background(), "gentle", 1)
	m.RecordStageAttempt(context.Background(), "x", "ok", 0)
	m.RecordRetry(context.Background(), "x")
	m.RecordWorkflow(context.Background(), "failed", "failed")
	m.RecordCheckpoint(context.Background(), "plain", nil)

	assert.NotNil(t, NewNopMetrics())
}

func TestTestTelemetry_Spans(t *testing.T) {
	tel := NewTestTelemetry()
	_, span := tel.Tracer(InstrumentationName).Start(context.Background(), "iteration")
	span.End()

	tel.AssertSpanExists(t, "iteration")
	assert.Nil(t, tel.SpanByName("missing"))
}
