package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// subjectPrefix scopes all pipeline events on the bus.
const subjectPrefix = "injex.pipeline."

// NATSPublisher delivers pipeline events to a NATS subject per stage.
type NATSPublisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATS connects to the given NATS URL and returns a publisher.
func NewNATS(url string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("injex-pipeline"),
		nats.MaxReconnects(5),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, logger: logger}, nil
}

// Publish implements Publisher. Events land on
// injex.pipeline.<stage> with the event type and id as headers. A
// cancelled context aborts before anything is handed to the client.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := nats.NewMsg(subjectPrefix + ev.Stage)
	msg.Header.Set("x-event-type", ev.Type)
	msg.Header.Set("x-event-id", ev.ID)
	msg.Data = data

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}

	p.logger.Debug("event published",
		zap.String("subject", msg.Subject),
		zap.String("type", ev.Type),
	)
	return nil
}

// Close implements Publisher. Drain flushes buffered messages before
// closing the connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
