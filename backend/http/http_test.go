package http

import (
	"context"
	"io"
	nethttp "net/http"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbus/backend"
)

type mockPublisher struct {
	requests []*nethttp.Request
	marshal  http.MarshalMessageFunc
}

func (m *mockPublisher) Publish(topic string, msgs ...*message.Message) error {
	for _, msg := range msgs {
		req, err := m.marshal(topic, msg)
		if err != nil {
			return err
		}
		m.requests = append(m.requests, req)
	}
	return nil
}

func (m *mockPublisher) Close() error { return nil }

type mockSubscriber struct {
	topics []string
}

func (m *mockSubscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	m.topics = append(m.topics, topic)
	return make(chan *message.Message), nil
}

func (m *mockSubscriber) Close() error { return nil }

func parse(t *testing.T, raw string) backend.ConnectionString {
	t.Helper()
	conn, err := backend.ParseConnectionString(raw)
	require.NoError(t, err)
	return conn
}

func TestRegistered(t *testing.T) {
	assert.True(t, backend.DefaultRegistry.Has(Scheme))
	assert.True(t, backend.DefaultRegistry.Has(SchemeSecure))
	assert.Equal(t, backend.HTTPCapabilities, Capabilities())
}

func TestSenderPostsToDestinationPath(t *testing.T) {
	originalPubFactory := PublisherFactory
	defer func() { PublisherFactory = originalPubFactory }()

	pub := &mockPublisher{}
	PublisherFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		pub.marshal = cfg.MarshalMessageFunc
		return pub, nil
	}

	ctx := context.Background()
	client, err := Build(ctx, parse(t, "http://gateway.internal:8080/hooks/?listen=:9090"), watermill.NopLogger{})
	require.NoError(t, err)

	sender, err := client.CreateSender(ctx, backend.Destination{Kind: backend.Queue, Name: "orders"})
	require.NoError(t, err)
	require.NoError(t, sender.Send(ctx, backend.SendRequest{Body: "ping", ContentType: "text/plain"}))

	require.Len(t, pub.requests, 1)
	req := pub.requests[0]
	assert.Equal(t, nethttp.MethodPost, req.Method)
	assert.Equal(t, "http://gateway.internal:8080/hooks/orders", req.URL.String())

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(body))
}

func TestReceiver(t *testing.T) {
	ctx := context.Background()

	t.Run("requires listen address", func(t *testing.T) {
		client, err := Build(ctx, parse(t, "http://gateway.internal:8080"), watermill.NopLogger{})
		require.NoError(t, err)

		_, err = client.CreateReceiver(ctx, backend.Destination{Kind: backend.Queue, Name: "orders"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "listen")
	})

	t.Run("subscribes on destination path", func(t *testing.T) {
		originalSubFactory := SubscriberFactory
		defer func() { SubscriberFactory = originalSubFactory }()

		sub := &mockSubscriber{}
		var gotAddr string
		SubscriberFactory = func(addr string, cfg http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			gotAddr = addr
			return sub, nil
		}

		client, err := Build(ctx, parse(t, "http://gateway.internal:8080?listen=:9090"), watermill.NopLogger{})
		require.NoError(t, err)

		receiver, err := client.CreateReceiver(ctx, backend.Destination{Kind: backend.Topic, Name: "events", Subscription: "audit"})
		require.NoError(t, err)
		require.NoError(t, receiver.Subscribe(ctx, backend.Handlers{
			ProcessMessage: func(context.Context, *backend.Message) error { return nil },
		}))

		assert.Equal(t, ":9090", gotAddr)
		assert.Equal(t, []string{"/events/audit"}, sub.topics)
	})
}

func TestPath(t *testing.T) {
	assert.Equal(t, "orders", Path(backend.Destination{Kind: backend.Queue, Name: "orders"}))
	assert.Equal(t, "events", Path(backend.Destination{Kind: backend.Topic, Name: "events"}))
	assert.Equal(t, "events/audit", Path(backend.Destination{Kind: backend.Topic, Name: "events", Subscription: "audit"}))
}
