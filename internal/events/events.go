// Package events publishes pipeline lifecycle events for external
// consumers. The default publisher only logs; deployments with a
// message bus use the NATS publisher.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event describes one pipeline occurrence.
type Event struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Stage  string         `json:"stage"`
	Level  string         `json:"level,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// Event types emitted by the pipeline.
const (
	TypeStageStarted   = "stage.started"
	TypeStageCompleted = "stage.completed"
	TypeStageFailed    = "stage.failed"
	TypeThreatsFound   = "threats.found"
)

// New builds an event with a fresh id and timestamp.
func New(eventType, stage string) Event {
	return Event{
		ID:    uuid.NewString(),
		Type:  eventType,
		Stage: stage,
		At:    time.Now().UTC(),
	}
}

// Publisher delivers pipeline events. Publish must not block the
// pipeline on consumer slowness; implementations drop or buffer as
// appropriate.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NoopPublisher logs events instead of delivering them anywhere.
type NoopPublisher struct {
	logger *zap.Logger
}

// NewNoop returns a publisher that only logs.
func NewNoop(logger *zap.Logger) *NoopPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoopPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *NoopPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Debug("pipeline event",
		zap.String("type", ev.Type),
		zap.String("stage", ev.Stage),
		zap.String("id", ev.ID),
	)
	return nil
}

// Close implements Publisher.
func (p *NoopPublisher) Close() error { return nil }
