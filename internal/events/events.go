// Package events publishes workflow lifecycle events.
//
// Events are JSON documents published to NATS subjects of the form
//
//	{prefix}.{workflow_id}.started
//	{prefix}.{workflow_id}.iteration.completed
//	{prefix}.{workflow_id}.completed
//	{prefix}.{workflow_id}.failed
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/humanizer/internal/logging"
)

// Kind is the event type. It is also the subject suffix.
type Kind string

const (
	KindStarted            Kind = "started"
	KindIterationCompleted Kind = "iteration.completed"
	KindCompleted          Kind = "completed"
	KindFailed             Kind = "failed"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "humanizer"

// Event is one lifecycle notification.
type Event struct {
	Kind           Kind               `json:"kind"`
	WorkflowID     string             `json:"workflow_id"`
	Iteration      int                `json:"iteration,omitempty"`
	Aggression     string             `json:"aggression,omitempty"`
	DetectionScore *float64           `json:"detection_score,omitempty"`
	Status         string             `json:"status,omitempty"`
	ExitReason     string             `json:"exit_reason,omitempty"`
	FinalScores    map[string]float64 `json:"final_scores,omitempty"`
	Error          string             `json:"error,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Publisher emits events. Implementations must not block the control loop
// for long; publish failures are reported but never fatal to a workflow.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// NATSPublisher publishes events to a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *logging.Logger
}

// NewNATSPublisher wraps an existing connection. Close does not close nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Connect dials url and returns a publisher owning the connection.
func Connect(url, prefix string, logger *logging.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("humanizer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// Subject returns the subject e is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return Subject(p.prefix, e.WorkflowID, e.Kind)
}

// Subject builds the subject for a workflow event.
func Subject(prefix, workflowID string, kind Kind) string {
	return fmt.Sprintf("%s.%s.%s", prefix, workflowID, kind)
}

// Publish marshals and sends e. A zero timestamp is set to now.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(e)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug(ctx, "event published", zap.String("subject", subject))
	return nil
}

// Close drains the connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}
