package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/humanizer/internal/logging"
	"github.com/fyrsmithlabs/humanizer/internal/orchestrator"
	"github.com/fyrsmithlabs/humanizer/internal/state"
)

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&orchestrator.ValidationError{Field: "text", Message: "empty"}, "validation_error"},
		{fmt.Errorf("wrap: %w", state.ErrInvalidID), "validation_error"},
		{state.ErrNotFound, "not_found"},
		{state.ErrLockTimeout, "timeout"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "cancelled"},
		{state.ErrCorrupt, "storage_error"},
		{&orchestrator.WorkflowError{Operation: "iteration", Err: orchestrator.ErrQualityRejected}, "quality_rejected"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, categorizeError(tt.err), "%v", tt.err)
	}
}

func TestToolMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	cfg := DefaultConfig()
	cfg.Metrics = NewMetrics(mp.Meter("test"), logging.NewNop())
	s, err := NewServer(cfg, newTestStore(t), nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = s.handleStatus(ctx, nil, workflowInput{WorkflowID: "done"})
	require.NoError(t, err)
	_, _, err = s.handleStatus(ctx, nil, workflowInput{WorkflowID: "missing"})
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	var invocations, active int64
	reasons := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "humanizer.mcp.tool.invocations_total":
				for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
					tool, _ := dp.Attributes.Value(attribute.Key("tool"))
					assert.Equal(t, "workflow_status", tool.AsString())
					invocations += dp.Value
				}
			case "humanizer.mcp.tool.errors_total":
				for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
					reason, _ := dp.Attributes.Value(attribute.Key("reason"))
					reasons[reason.AsString()] += dp.Value
				}
			case "humanizer.mcp.tool.active_requests":
				for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
					active += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), invocations)
	assert.Equal(t, map[string]int64{"not_found": 1}, reasons)
	assert.Zero(t, active)
}
