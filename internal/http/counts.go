package http

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/humanizer/internal/logging"
	"github.com/fyrsmithlabs/humanizer/internal/state"
)

// WorkflowLister lists workflow summaries. *state.Store implements it.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context) ([]state.Summary, error)
}

// CountByStatus counts workflows per status. Every status is present in
// the result, zero when no workflow has it.
func CountByStatus(summaries []state.Summary) map[state.Status]int {
	counts := map[state.Status]int{
		state.StatusInProgress: 0,
		state.StatusCompleted:  0,
		state.StatusFailed:     0,
		state.StatusPaused:     0,
	}
	for _, s := range summaries {
		counts[s.Status]++
	}
	return counts
}

// WorkflowCollector exports checkpoint counts by status as a Prometheus
// gauge. Counts are read from the checkpoint directory on every scrape.
type WorkflowCollector struct {
	lister WorkflowLister
	logger *logging.Logger
	desc   *prometheus.Desc
}

// NewWorkflowCollector returns a collector over lister.
func NewWorkflowCollector(lister WorkflowLister, logger *logging.Logger) *WorkflowCollector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &WorkflowCollector{
		lister: lister,
		logger: logger,
		desc: prometheus.NewDesc(
			"humanizer_workflows",
			"Workflows with a checkpoint, by status",
			[]string{"status"}, nil,
		),
	}
}

func (c *WorkflowCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *WorkflowCollector) Collect(ch chan<- prometheus.Metric) {
	ctx := context.Background()
	summaries, err := c.lister.ListWorkflows(ctx)
	if err != nil {
		c.logger.Warn(ctx, "collect workflow counts", zap.Error(err))
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for status, n := range CountByStatus(summaries) {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(status))
	}
}
