// Package events delivers failure service events to out-of-process consumers
// without blocking the request path.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"go.uber.org/zap"
)

// Publisher delivers one event downstream.
type Publisher interface {
	Publish(ctx context.Context, event failure.Event) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// BufferSize is the number of events held before Emit starts dropping.
	// Default: 256
	BufferSize int

	// PublishTimeout bounds each Publish call.
	// Default: 5s
	PublishTimeout time.Duration
}

// Dispatcher is a failure.EventSink backed by a buffered channel. A single
// worker drains the channel into the Publisher. Emit never blocks: when the
// buffer is full the event is dropped and counted.
type Dispatcher struct {
	config    DispatcherConfig
	publisher Publisher
	logger    *zap.Logger

	queue  chan failure.Event
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	start  sync.Once
}

var _ failure.EventSink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. Call Start to begin delivery.
func NewDispatcher(config DispatcherConfig, publisher Publisher, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if publisher == nil {
		publisher = NewLogPublisher(logger)
	}
	return &Dispatcher{
		config:    config,
		publisher: publisher,
		logger:    logger,
		queue:     make(chan failure.Event, config.BufferSize),
		done:      make(chan struct{}),
	}
}

// Emit enqueues event, dropping it if the buffer is full.
func (d *Dispatcher) Emit(_ context.Context, event failure.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		Dropped.WithLabelValues(event.Type, "closed").Inc()
		return
	}
	select {
	case d.queue <- event:
		Emitted.WithLabelValues(event.Type).Inc()
	default:
		Dropped.WithLabelValues(event.Type, "buffer_full").Inc()
		d.logger.Warn("event buffer full, dropping event",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
	}
}

// Start launches the delivery worker. Subsequent calls are no-ops.
func (d *Dispatcher) Start() {
	d.start.Do(func() {
		go d.run()
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event failure.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.PublishTimeout)
	defer cancel()

	if err := d.publisher.Publish(ctx, event); err != nil {
		PublishFailures.WithLabelValues(event.Type).Inc()
		d.logger.Error("failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return
	}
	Published.WithLabelValues(event.Type).Inc()
}

// Close stops accepting events and waits until the buffered ones are
// delivered or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	// A dispatcher that was never started still drains its buffer.
	d.Start()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of buffered events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}
