package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/drblury/flowbus/backend/memory"
	"github.com/drblury/flowbus/internal/runtime/config"
	"github.com/drblury/flowbus/internal/runtime/envelope"
	"github.com/drblury/flowbus/internal/runtime/status"
)

func TestSendAndReceiveOverMemoryBackend(t *testing.T) {
	const conn = "memory://node-test"
	got := &envelopes{}

	receiver, err := New(config.Config{
		Name:             "orders-in",
		Type:             config.TypeReceiveQueue,
		ConnectionString: conn,
		Queue:            "orders",
	}, Options{Sink: got.sink})
	require.NoError(t, err)
	require.NoError(t, receiver.Start(context.Background()))
	defer receiver.Close(nil)

	sender, err := New(config.Config{
		Name:             "orders-out",
		Type:             config.TypeSendQueue,
		ConnectionString: conn,
		Queue:            "orders",
	}, Options{})
	require.NoError(t, err)
	require.NoError(t, sender.Start(context.Background()))
	defer sender.Close(nil)

	err = sender.HandleInbound(context.Background(), envelope.Request{
		Payload:    map[string]any{"id": 1},
		Properties: map[string]any{"tenant": "acme"},
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 5*time.Second, 10*time.Millisecond)

	env := got.all()[0]
	assert.Equal(t, map[string]any{"id": float64(1)}, env.Payload)
	assert.Equal(t, "application/json", env.ContentType)
	assert.Equal(t, map[string]any{"tenant": "acme"}, env.Properties)
	assert.Empty(t, env.Topic)
	assert.NotEmpty(t, env.ID)
	assert.Eventually(t, func() bool { return receiver.Status().State == status.Active }, time.Second, 10*time.Millisecond)
}

func startMemoryNode(t *testing.T, cfg config.Config, sink Sink) *Node {
	t.Helper()
	n, err := New(cfg, Options{Sink: sink})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Close(nil) })
	return n
}

func TestMemoryQueueKeepsSendOrder(t *testing.T) {
	const conn = "memory://node-order"
	got := &envelopes{}

	startMemoryNode(t, config.Config{
		Name: "seq-in", Type: config.TypeReceiveQueue, ConnectionString: conn, Queue: "seq",
	}, got.sink)
	sender := startMemoryNode(t, config.Config{
		Name: "seq-out", Type: config.TypeSendQueue, ConnectionString: conn, Queue: "seq",
	}, nil)

	const total = 300
	for i := 0; i < total; i++ {
		require.NoError(t, sender.HandleInbound(context.Background(), envelope.Request{Payload: float64(i)}, nil))
	}

	require.Eventually(t, func() bool { return len(got.all()) == total }, 5*time.Second, 10*time.Millisecond)
	for i, env := range got.all() {
		require.Equal(t, float64(i), env.Payload, "message %d out of order", i)
	}
}

func TestMemoryQueueDeliversEachMessageOnce(t *testing.T) {
	const conn = "memory://node-compete"
	first := &envelopes{}
	second := &envelopes{}

	startMemoryNode(t, config.Config{
		Name: "work-a", Type: config.TypeReceiveQueue, ConnectionString: conn, Queue: "work",
	}, first.sink)
	startMemoryNode(t, config.Config{
		Name: "work-b", Type: config.TypeReceiveQueue, ConnectionString: conn, Queue: "work",
	}, second.sink)
	sender := startMemoryNode(t, config.Config{
		Name: "work-out", Type: config.TypeSendQueue, ConnectionString: conn, Queue: "work",
	}, nil)

	require.NoError(t, sender.HandleInbound(context.Background(), envelope.Request{Payload: "job"}, nil))

	require.Eventually(t, func() bool { return len(first.all())+len(second.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, len(first.all())+len(second.all()))
}
