package nats

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/backend/pubsub"
)

type mockPublisher struct{}

func (mockPublisher) Publish(string, ...*message.Message) error { return nil }
func (mockPublisher) Close() error                              { return nil }

type mockSubscriber struct{}

func (mockSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (mockSubscriber) Close() error { return nil }

func overrideFactories(t *testing.T) (*[]nats.PublisherConfig, *[]nats.SubscriberConfig) {
	t.Helper()
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})

	pubCfgs := &[]nats.PublisherConfig{}
	subCfgs := &[]nats.SubscriberConfig{}
	PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		*pubCfgs = append(*pubCfgs, cfg)
		return mockPublisher{}, nil
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		*subCfgs = append(*subCfgs, cfg)
		return mockSubscriber{}, nil
	}
	return pubCfgs, subCfgs
}

func TestBuild(t *testing.T) {
	ctx := context.Background()

	t.Run("core nats", func(t *testing.T) {
		pubCfgs, subCfgs := overrideFactories(t)

		conn, err := backend.ParseConnectionString("nats://user:pw@nats:4222?name=flowbus")
		require.NoError(t, err)
		client, err := Build(ctx, conn, watermill.NopLogger{})
		require.NoError(t, err)

		caps, ok := client.(*pubsub.Client)
		require.True(t, ok)
		assert.Equal(t, backend.NATSCapabilities, caps.Capabilities())

		_, err = client.CreateSender(ctx, backend.Destination{Kind: backend.Queue, Name: "orders"})
		require.NoError(t, err)
		_, err = client.CreateReceiver(ctx, backend.Destination{Kind: backend.Topic, Name: "events", Subscription: "audit"})
		require.NoError(t, err)

		require.Len(t, *pubCfgs, 1)
		require.Len(t, *subCfgs, 1)
		assert.Equal(t, "nats://user:pw@nats:4222", (*pubCfgs)[0].URL)
		assert.True(t, (*pubCfgs)[0].JetStream.Disabled)
		assert.Equal(t, "audit", (*subCfgs)[0].QueueGroupPrefix)
		assert.True(t, (*subCfgs)[0].JetStream.Disabled)
		// retry, name and user info
		assert.Len(t, (*subCfgs)[0].NatsOptions, 3)
	})

	t.Run("jetstream", func(t *testing.T) {
		_, subCfgs := overrideFactories(t)

		conn, err := backend.ParseConnectionString("jetstream://nats:4222")
		require.NoError(t, err)
		client, err := Build(ctx, conn, watermill.NopLogger{})
		require.NoError(t, err)

		caps, ok := client.(*pubsub.Client)
		require.True(t, ok)
		assert.Equal(t, backend.NATSJetStreamCapabilities, caps.Capabilities())

		_, err = client.CreateReceiver(ctx, backend.Destination{Kind: backend.Queue, Name: "orders"})
		require.NoError(t, err)

		require.Len(t, *subCfgs, 1)
		cfg := (*subCfgs)[0]
		assert.Equal(t, "nats://nats:4222", cfg.URL)
		assert.False(t, cfg.JetStream.Disabled)
		assert.True(t, cfg.JetStream.AutoProvision)
		assert.Equal(t, "orders", cfg.JetStream.DurablePrefix)
		assert.Len(t, cfg.NatsOptions, 1)
	})
}

func TestQueueGroup(t *testing.T) {
	assert.Equal(t, "orders", QueueGroup(backend.Destination{Kind: backend.Queue, Name: "orders"}))
	assert.Equal(t, "audit", QueueGroup(backend.Destination{Kind: backend.Topic, Name: "events", Subscription: "audit"}))
}

func TestRegistered(t *testing.T) {
	assert.True(t, backend.DefaultRegistry.Has(Scheme))
	assert.True(t, backend.DefaultRegistry.Has(SchemeJetStream))
	assert.Equal(t, backend.NATSJetStreamCapabilities, backend.GetCapabilities(SchemeJetStream))
	assert.Equal(t, backend.NATSCapabilities, Capabilities())
}
