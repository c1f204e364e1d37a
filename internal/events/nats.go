package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Header keys set on every published message.
const (
	HeaderMsgID    = "Nats-Msg-Id"
	HeaderPriority = "Failureintel-Priority"
)

// ConnectNATS dials url with reconnect settings suited to a long-running service.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("failureintel"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS", zap.String("url", url))
	return nc, nil
}

// NATSPublisher publishes each event as JSON on <prefix>.<event type>,
// e.g. failureintel.card.created.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher wraps an established connection. The publisher does not
// own nc; Close only flushes it.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "failureintel"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Publish sends event. The message id header lets JetStream streams
// deduplicate redeliveries.
func (p *NATSPublisher) Publish(ctx context.Context, event failure.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(p.Subject(event.Type))
	msg.Data = data
	msg.Header.Set(HeaderMsgID, event.ID)
	msg.Header.Set(HeaderPriority, string(event.Priority))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	p.logger.Debug("event published",
		zap.String("subject", msg.Subject),
		zap.String("event_id", event.ID),
	)
	return nil
}

// Close flushes buffered messages. Without a ctx deadline it waits up to 5s.
func (p *NATSPublisher) Close(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return p.nc.FlushTimeout(5 * time.Second)
	}
	return p.nc.FlushWithContext(ctx)
}

// LogPublisher writes events to the logger. Used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the event at info level.
func (p *LogPublisher) Publish(_ context.Context, event failure.Event) error {
	p.logger.Info("event",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("priority", string(event.Priority)),
		zap.Any("payload", event.Payload),
	)
	return nil
}
