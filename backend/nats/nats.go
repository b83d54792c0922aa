// Package nats provides NATS Core and NATS JetStream backends for flowbus.
//
// "nats://host:4222" uses core NATS: queue receivers share a queue group named
// after the queue and topic receivers share a queue group named after their
// subscription. "jetstream://host:4222" uses JetStream with durable consumers
// named the same way, so subscriptions survive reconnects.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/backend/pubsub"
)

// Schemes handled by this backend.
const (
	Scheme          = "nats"
	SchemeJetStream = "jetstream"
)

// ParamName sets the NATS connection name reported to the server.
const ParamName = "name"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

// Register registers both NATS backends with the default registry.
func Register() {
	backend.RegisterWithCapabilities(Scheme, Build, backend.NATSCapabilities)
	backend.RegisterWithCapabilities(SchemeJetStream, Build, backend.NATSJetStreamCapabilities)
}

func init() {
	Register()
}

// Build creates a NATS client; jetstream:// enables JetStream.
func Build(ctx context.Context, conn backend.ConnectionString, logger watermill.LoggerAdapter) (backend.Client, error) {
	url := conn.WithScheme(Scheme)
	jetStream := conn.Scheme == SchemeJetStream
	options := connectOptions(conn)

	caps := backend.NATSCapabilities
	if jetStream {
		caps = backend.NATSJetStreamCapabilities
	}

	return pubsub.New(pubsub.Config{
		NewPublisher: func(ctx context.Context, dest backend.Destination) (message.Publisher, error) {
			return PublisherFactory(
				nats.PublisherConfig{
					URL:         url,
					NatsOptions: options,
					Marshaler:   &nats.NATSMarshaler{},
					JetStream:   jetStreamConfig(jetStream, ""),
				},
				logger,
			)
		},
		NewSubscriber: func(ctx context.Context, dest backend.Destination) (message.Subscriber, error) {
			group := QueueGroup(dest)
			return SubscriberFactory(
				nats.SubscriberConfig{
					URL:              url,
					QueueGroupPrefix: group,
					NatsOptions:      options,
					Unmarshaler:      &nats.NATSMarshaler{},
					JetStream:        jetStreamConfig(jetStream, group),
				},
				logger,
			)
		},
		Capabilities: caps,
		Logger:       logger,
	})
}

// Capabilities returns the capabilities of the core NATS backend.
func Capabilities() backend.Capabilities {
	return backend.NATSCapabilities
}

// QueueGroup returns the queue group (and JetStream durable prefix) of a receiver.
func QueueGroup(dest backend.Destination) string {
	if dest.Kind == backend.Topic {
		return dest.Subscription
	}
	return dest.Name
}

func connectOptions(conn backend.ConnectionString) []nc.Option {
	options := []nc.Option{nc.RetryOnFailedConnect(true)}
	if name := conn.Param(ParamName); name != "" {
		options = append(options, nc.Name(name))
	}
	if conn.URL != nil && conn.URL.User != nil {
		if password, ok := conn.URL.User.Password(); ok {
			options = append(options, nc.UserInfo(conn.URL.User.Username(), password))
		} else {
			options = append(options, nc.Token(conn.URL.User.Username()))
		}
	}
	return options
}

func jetStreamConfig(enabled bool, durable string) nats.JetStreamConfig {
	if !enabled {
		return nats.JetStreamConfig{Disabled: true}
	}
	return nats.JetStreamConfig{
		AutoProvision: true,
		DurablePrefix: durable,
		SubscribeOptions: []nc.SubOpt{
			nc.DeliverAll(),
			nc.AckExplicit(),
		},
		TrackMsgId: true,
	}
}
