package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server on a random port.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := ConnectNATS(server.ClientURL(), nil)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("failureintel.>")
	require.NoError(t, err)

	pub, err := NewNATSPublisher(nc, "failureintel.", nil)
	require.NoError(t, err)
	assert.Equal(t, "failureintel.card.created", pub.Subject(failure.EventCardCreated))

	ev := failure.Event{
		ID:        "ev-42",
		Type:      failure.EventNewFailureDetected,
		Priority:  failure.PriorityHigh,
		Payload:   map[string]any{"failure_id": "fc-9"},
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, pub.Publish(context.Background(), ev))
	require.NoError(t, pub.Close(context.Background()))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "failureintel.failure.new_detected", msg.Subject)
	assert.Equal(t, "ev-42", msg.Header.Get(HeaderMsgID))
	assert.Equal(t, "high", msg.Header.Get(HeaderPriority))

	var got failure.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "fc-9", got.Payload["failure_id"])
}

func TestNATSPublisher_ThroughDispatcher(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	received := make(chan *nats.Msg, 8)
	_, err = nc.ChanSubscribe("fi.card.*", received)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	pub, err := NewNATSPublisher(nc, "fi", nil)
	require.NoError(t, err)
	d := NewDispatcher(DispatcherConfig{BufferSize: 8}, pub, nil)
	d.Start()

	d.Emit(context.Background(), failure.Event{ID: "a", Type: failure.EventCardCreated})
	d.Emit(context.Background(), failure.Event{ID: "b", Type: failure.EventCardApproved})
	d.Emit(context.Background(), failure.Event{ID: "c", Type: failure.EventMatchCompleted})
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, nc.Flush())

	var subjects []string
	for len(subjects) < 2 {
		select {
		case msg := <-received:
			subjects = append(subjects, msg.Subject)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", subjects)
		}
	}
	assert.ElementsMatch(t, []string{"fi.card.created", "fi.card.approved"}, subjects)
}

func TestNATSPublisher_Errors(t *testing.T) {
	_, err := NewNATSPublisher(nil, "x", nil)
	assert.Error(t, err)

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	pub, err := NewNATSPublisher(nc, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "failureintel.match.completed", pub.Subject(failure.EventMatchCompleted))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pub.Publish(ctx, failure.Event{Type: failure.EventCardUsed}), context.Canceled)

	nc.Close()
	assert.Error(t, pub.Publish(context.Background(), failure.Event{Type: failure.EventCardUsed}))
}
