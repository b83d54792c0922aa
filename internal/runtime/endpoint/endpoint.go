// Package endpoint describes the queue or topic a node is bound to.
package endpoint

import (
	"fmt"
	"strings"

	"github.com/drblury/flowbus/backend"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
)

// Kind is the addressing model of an endpoint.
type Kind = backend.DestinationKind

const (
	Queue = backend.Queue
	Topic = backend.Topic
)

// Direction is the flow of messages relative to the flow host.
type Direction int

const (
	// Send carries flow messages to the backend.
	Send Direction = iota
	// Receive carries backend messages into the flow.
	Receive
)

func (d Direction) String() string {
	if d == Receive {
		return "receive"
	}
	return "send"
}

// Descriptor identifies one queue, or one topic plus an optional subscription.
// It is immutable once bound.
type Descriptor struct {
	Kind         Kind
	Queue        string
	Topic        string
	Subscription string
}

// ForQueue returns a queue descriptor.
func ForQueue(name string) Descriptor {
	return Descriptor{Kind: Queue, Queue: name}
}

// ForTopic returns a topic descriptor. subscription may be empty for senders.
func ForTopic(topic, subscription string) Descriptor {
	return Descriptor{Kind: Topic, Topic: topic, Subscription: subscription}
}

// Name returns the queue or topic name.
func (d Descriptor) Name() string {
	if d.Kind == Topic {
		return d.Topic
	}
	return d.Queue
}

// String renders the descriptor for logs: "orders" or "events/sub1".
func (d Descriptor) String() string {
	if d.Kind == Topic && d.Subscription != "" {
		return d.Topic + "/" + d.Subscription
	}
	return d.Name()
}

// Validate checks that the fields required for dir are present. It never
// contacts the backend.
func (d Descriptor) Validate(dir Direction) error {
	switch d.Kind {
	case Queue:
		if strings.TrimSpace(d.Queue) == "" {
			return errspkg.ConfigInvalid("queue", errspkg.ErrQueueNameRequired)
		}
	case Topic:
		if strings.TrimSpace(d.Topic) == "" {
			return errspkg.ConfigInvalid("topic", errspkg.ErrTopicNameRequired)
		}
		if dir == Receive && strings.TrimSpace(d.Subscription) == "" {
			return errspkg.ConfigInvalid("subscription", errspkg.ErrSubscriptionRequired)
		}
	default:
		return errspkg.ConfigInvalid("kind", fmt.Errorf("%w: %d", errspkg.ErrUnknownEndpointKind, int(d.Kind)))
	}
	return nil
}

// Destination converts the descriptor into the backend address for dir. The
// subscription is dropped on the send path.
func (d Descriptor) Destination(dir Direction) backend.Destination {
	dest := backend.Destination{Kind: d.Kind, Name: d.Name()}
	if d.Kind == Topic && dir == Receive {
		dest.Subscription = d.Subscription
	}
	return dest
}
