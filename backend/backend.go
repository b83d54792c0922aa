// Package backend defines the client contract flowbus expects from a message
// backend: a connection that creates senders and receivers for queue or
// topic destinations. Each concrete backend (rabbitmq, aws, kafka, etc.) lives
// in its own sub-package and registers itself with the backend registry under
// one or more connection-string schemes.
package backend

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
)

// DestinationKind selects the addressing model of a destination.
type DestinationKind int

const (
	// Queue is a point-to-point destination; each message reaches one receiver.
	Queue DestinationKind = iota
	// Topic is a publish/subscribe destination; each subscription gets a copy.
	Topic
)

func (k DestinationKind) String() string {
	if k == Topic {
		return "topic"
	}
	return "queue"
}

// Destination names a backend address. Name is the queue or topic name;
// Subscription is only set for topic receivers.
type Destination struct {
	Kind         DestinationKind
	Name         string
	Subscription string
}

// Message is the backend-native representation of a received message.
type Message struct {
	Body                  any
	ContentType           string
	MessageID             string
	Subject               string
	ApplicationProperties map[string]any
}

// SendRequest is the backend-native representation of an outbound message.
// Backends assign the message id on send.
type SendRequest struct {
	Body                  any
	ContentType           string
	ApplicationProperties map[string]any

	// Payload is Body already encoded for ContentType. Transports send it
	// as is when set and encode Body otherwise.
	Payload []byte
}

// Handlers receives the callbacks of a standing subscription. ProcessMessage
// is never invoked concurrently for the same receiver.
type Handlers struct {
	ProcessMessage func(ctx context.Context, msg *Message) error
	ProcessError   func(ctx context.Context, err error)
}

// Client is one logical connection to a backend.
type Client interface {
	CreateSender(ctx context.Context, dest Destination) (Sender, error)
	CreateReceiver(ctx context.Context, dest Destination) (Receiver, error)
	// Close releases the connection. Repeated calls return nil.
	Close(ctx context.Context) error
}

// Sender performs single sends to one destination.
type Sender interface {
	Send(ctx context.Context, req SendRequest) error
	Close(ctx context.Context) error
}

// Receiver streams messages from one destination into Handlers.
type Receiver interface {
	// Subscribe registers the handlers and returns once the subscription is
	// established; messages are then delivered in the background.
	Subscribe(ctx context.Context, handlers Handlers) error
	Close(ctx context.Context) error
}

// Builder creates a Client from a parsed connection string.
type Builder func(ctx context.Context, conn ConnectionString, logger watermill.LoggerAdapter) (Client, error)

// CapabilitiesProvider is implemented by clients that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// MessageError is passed to Handlers.ProcessError when a single message could
// not be read. The subscription itself is unaffected.
type MessageError struct {
	MessageID string
	Err       error
}

func (e *MessageError) Error() string {
	return "message " + e.MessageID + ": " + e.Err.Error()
}

func (e *MessageError) Unwrap() error { return e.Err }
