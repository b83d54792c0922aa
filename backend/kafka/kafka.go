// Package kafka provides a Kafka backend for flowbus.
//
// Connection strings list the brokers in the authority:
// "kafka://broker-1:9092,broker-2:9092". Queue receivers join a consumer group
// named after the queue, so receivers compete for messages. Topic receivers
// join a consumer group named after their subscription.
package kafka

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/backend/pubsub"
)

// Scheme is the connection-string scheme of this backend.
const Scheme = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	backend.RegisterWithCapabilities(Scheme, Build, backend.KafkaCapabilities)
}

// Build creates a Kafka client. Producers and consumers are created per binding.
func Build(ctx context.Context, conn backend.ConnectionString, logger watermill.LoggerAdapter) (backend.Client, error) {
	brokers := conn.Hosts()
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}

	return pubsub.New(pubsub.Config{
		NewPublisher: func(ctx context.Context, dest backend.Destination) (message.Publisher, error) {
			return PublisherFactory(
				kafka.PublisherConfig{
					Brokers:   brokers,
					Marshaler: kafka.DefaultMarshaler{},
				},
				logger,
			)
		},
		NewSubscriber: func(ctx context.Context, dest backend.Destination) (message.Subscriber, error) {
			return SubscriberFactory(
				kafka.SubscriberConfig{
					Brokers:       brokers,
					Unmarshaler:   kafka.DefaultMarshaler{},
					ConsumerGroup: ConsumerGroup(dest),
				},
				logger,
			)
		},
		Capabilities: backend.KafkaCapabilities,
		Logger:       logger,
	})
}

// Capabilities returns the capabilities of this backend.
func Capabilities() backend.Capabilities {
	return backend.KafkaCapabilities
}

// ConsumerGroup returns the consumer group used for a receiver destination.
func ConsumerGroup(dest backend.Destination) string {
	if dest.Kind == backend.Topic {
		return dest.Subscription
	}
	return dest.Name
}
