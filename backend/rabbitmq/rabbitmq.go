// Package rabbitmq provides a RabbitMQ/AMQP backend for flowbus.
//
// Queues map onto durable AMQP queues published through the default exchange.
// Topics map onto durable fanout exchanges; each subscription gets its own
// durable queue named "<topic>_<subscription>", so every subscription
// receives its own copy of each message.
//
// The connection_name parameter names the connection in the RabbitMQ
// management UI; it defaults to "flowbus".
package rabbitmq

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/backend/pubsub"
)

// Schemes handled by this backend.
const (
	Scheme       = "amqp"
	SchemeSecure = "amqps"
)

// ParamConnectionName is the client-provided connection name.
const ParamConnectionName = "connection_name"

const (
	defaultConnectionName = "flowbus"
	defaultHeartbeat      = 10 * time.Second
)

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Register registers the RabbitMQ backend with the default registry.
func Register() {
	backend.RegisterWithCapabilities(Scheme, Build, backend.RabbitMQCapabilities)
	backend.RegisterWithCapabilities(SchemeSecure, Build, backend.RabbitMQCapabilities)
}

func init() {
	Register()
}

// Build opens one shared AMQP connection; every sender and receiver of the
// client reuses it.
func Build(ctx context.Context, conn backend.ConnectionString, logger watermill.LoggerAdapter) (backend.Client, error) {
	uri := amqpURI(conn)

	wrapper, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:    uri,
		AmqpConfig: dialConfig(conn),
		Reconnect:  amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}

	return pubsub.New(pubsub.Config{
		NewPublisher: func(ctx context.Context, dest backend.Destination) (message.Publisher, error) {
			return PublisherFactory(senderConfig(uri, dest), logger, wrapper)
		},
		NewSubscriber: func(ctx context.Context, dest backend.Destination) (message.Subscriber, error) {
			return SubscriberFactory(receiverConfig(uri, dest), logger, wrapper)
		},
		OnClose: func() error {
			if wrapper == nil {
				return nil
			}
			return wrapper.Close()
		},
		Capabilities: backend.RabbitMQCapabilities,
		Logger:       logger,
	})
}

// Capabilities returns the capabilities of this backend.
func Capabilities() backend.Capabilities {
	return backend.RabbitMQCapabilities
}

func senderConfig(uri string, dest backend.Destination) amqp.Config {
	if dest.Kind == backend.Topic {
		return amqp.NewDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicName)
	}
	return amqp.NewDurableQueueConfig(uri)
}

func receiverConfig(uri string, dest backend.Destination) amqp.Config {
	if dest.Kind == backend.Queue {
		return amqp.NewDurableQueueConfig(uri)
	}
	return amqp.NewDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicNameWithSuffix(dest.Subscription))
}

func dialConfig(conn backend.ConnectionString) *amqp091.Config {
	name := conn.Param(ParamConnectionName)
	if name == "" {
		name = defaultConnectionName
	}
	return &amqp091.Config{
		Heartbeat:  defaultHeartbeat,
		Locale:     "en_US",
		Properties: amqp091.Table{"connection_name": name},
	}
}

func amqpURI(conn backend.ConnectionString) string {
	return conn.WithScheme(conn.Scheme)
}
