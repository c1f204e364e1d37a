package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []failure.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event failure.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) snapshot() []failure.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]failure.Event(nil), p.events...)
}

func event(id, typ string) failure.Event {
	return failure.Event{ID: id, Type: typ, Priority: failure.PriorityNormal, Timestamp: time.Now()}
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDispatcher(DispatcherConfig{BufferSize: 16}, pub, nil)
	d.Start()

	for _, id := range []string{"e1", "e2", "e3"} {
		d.Emit(context.Background(), event(id, "test.order"))
	}
	require.NoError(t, d.Close(context.Background()))

	got := pub.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e3", got[2].ID)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	pub := &recordingPublisher{}
	d := NewDispatcher(DispatcherConfig{BufferSize: 2}, pub, zap.New(core))

	dropped := Dropped.WithLabelValues("test.full", "buffer_full")
	before := testutil.ToFloat64(dropped)

	// not started, so nothing drains
	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), event("e", "test.full"))
	}
	assert.Equal(t, 2, d.Pending())
	assert.Equal(t, 3.0, testutil.ToFloat64(dropped)-before)
	assert.Equal(t, 3, logs.FilterMessage("event buffer full, dropping event").Len())

	// Close drains what was buffered.
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, pub.snapshot(), 2)
}

func TestDispatcher_EmitAfterClose(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, &recordingPublisher{}, nil)
	d.Start()
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()), "close is idempotent")

	closed := Dropped.WithLabelValues("test.closed", "closed")
	before := testutil.ToFloat64(closed)
	assert.NotPanics(t, func() { d.Emit(context.Background(), event("late", "test.closed")) })
	assert.Equal(t, 1.0, testutil.ToFloat64(closed)-before)
}

func TestDispatcher_PublishFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	pub := &recordingPublisher{err: errors.New("broker down")}
	d := NewDispatcher(DispatcherConfig{BufferSize: 4}, pub, zap.New(core))
	d.Start()

	failures := PublishFailures.WithLabelValues("test.fail")
	before := testutil.ToFloat64(failures)

	d.Emit(context.Background(), event("f1", "test.fail"))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(failures)-before)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "f1", logs.All()[0].ContextMap()["event_id"])
}

func TestDispatcher_EmitNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	pub := publisherFunc(func(ctx context.Context, _ failure.Event) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	d := NewDispatcher(DispatcherConfig{BufferSize: 1, PublishTimeout: time.Second}, pub, nil)
	d.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Emit(context.Background(), event("b", "test.block"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stalled publisher")
	}
	close(block)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_CloseRespectsContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	pub := publisherFunc(func(ctx context.Context, _ failure.Event) error {
		<-block
		return nil
	})
	d := NewDispatcher(DispatcherConfig{BufferSize: 2}, pub, nil)
	d.Start()
	d.Emit(context.Background(), event("slow", "test.slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
}

type publisherFunc func(ctx context.Context, event failure.Event) error

func (f publisherFunc) Publish(ctx context.Context, event failure.Event) error {
	return f(ctx, event)
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := NewLogPublisher(zap.New(core))

	require.NoError(t, p.Publish(context.Background(), failure.Event{
		ID:       "ev-1",
		Type:     failure.EventCardApproved,
		Priority: failure.PriorityHigh,
		Payload:  map[string]any{"failure_id": "fc-1"},
	}))
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, failure.EventCardApproved, fields["event_type"])
	assert.Equal(t, "high", fields["priority"])
}
