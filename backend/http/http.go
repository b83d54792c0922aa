// Package http provides an HTTP webhook backend for flowbus.
//
// Senders POST each message to "<base-url>/<destination>". Receivers run an
// HTTP server on the address given by the listen parameter and accept POSTs on
// "/<destination>":
//
//	http://gateway.internal:8080/hooks?listen=:9090
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/backend/pubsub"
)

// Schemes handled by this backend.
const (
	Scheme       = "http"
	SchemeSecure = "https"
)

// ParamListen is the address receivers listen on.
const ParamListen = "listen"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	backend.RegisterWithCapabilities(Scheme, Build, backend.HTTPCapabilities)
	backend.RegisterWithCapabilities(SchemeSecure, Build, backend.HTTPCapabilities)
}

// Build creates an HTTP client.
func Build(ctx context.Context, conn backend.ConnectionString, logger watermill.LoggerAdapter) (backend.Client, error) {
	baseURL := strings.TrimSuffix(conn.WithScheme(conn.Scheme), "/")
	listenAddr := conn.Param(ParamListen)

	return pubsub.New(pubsub.Config{
		NewPublisher: func(ctx context.Context, dest backend.Destination) (message.Publisher, error) {
			return PublisherFactory(
				http.PublisherConfig{
					MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
						return http.DefaultMarshalMessageFunc(baseURL+"/"+topic, msg)
					},
				},
				logger,
			)
		},
		NewSubscriber: func(ctx context.Context, dest backend.Destination) (message.Subscriber, error) {
			if listenAddr == "" {
				return nil, errors.New("http: listen parameter is required for receivers")
			}
			sub, err := SubscriberFactory(
				listenAddr,
				http.SubscriberConfig{
					UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
				},
				logger,
			)
			if err != nil {
				return nil, err
			}
			return &serverSubscriber{Subscriber: sub, logger: logger}, nil
		},
		Topic: func(dest backend.Destination) string {
			return Path(dest)
		},
		Capabilities: backend.HTTPCapabilities,
		Logger:       logger,
	})
}

// Capabilities returns the capabilities of this backend.
func Capabilities() backend.Capabilities {
	return backend.HTTPCapabilities
}

// Path returns the URL path segment used for a destination.
func Path(dest backend.Destination) string {
	if dest.Kind == backend.Topic && dest.Subscription != "" {
		return dest.Name + "/" + dest.Subscription
	}
	return dest.Name
}

// serverSubscriber starts the HTTP server once its single route is registered.
type serverSubscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
}

func (s *serverSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	messages, err := s.Subscriber.Subscribe(ctx, "/"+topic)
	if err != nil {
		return nil, err
	}
	if server, ok := s.Subscriber.(*http.Subscriber); ok {
		go func() {
			if err := server.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				s.logger.Error("Failed to start HTTP subscriber server", err, nil)
			}
		}()
	}
	return messages, nil
}
