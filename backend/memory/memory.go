// Package memory provides an in-process backend built on watermill's Go
// channel pub/sub. It is useful for tests and local development.
//
// Connection strings take the form "memory://<namespace>". Clients opened with
// the same namespace share one bus, so a sender node and a receiver node in the
// same process can talk to each other.
//
// Queues and topic subscriptions behave like their broker counterparts: every
// address keeps a FIFO buffer that its receivers compete for, so each message
// is handled by one receiver per address. Queue buffers exist from the first
// send or receive, topic subscription buffers from the first receive.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/backend/pubsub"
)

// Scheme is the connection-string scheme of this backend.
const Scheme = "memory"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

// ErrBusClosed is returned when a subscription is requested on a bus that was shut down.
var ErrBusClosed = errors.New("memory: bus closed")

var (
	busesMu sync.Mutex
	buses   = map[string]*bus{}
)

func init() {
	backend.RegisterWithCapabilities(Scheme, Build, backend.MemoryCapabilities)
}

// Build opens (or joins) the namespace named by the connection string host.
func Build(ctx context.Context, conn backend.ConnectionString, logger watermill.LoggerAdapter) (backend.Client, error) {
	namespace := conn.URL.Host + conn.URL.Path
	b := acquire(namespace, logger)

	logger.Info("Joined in-memory bus", watermill.LogFields{"namespace": namespace})

	return pubsub.New(pubsub.Config{
		NewPublisher: func(ctx context.Context, dest backend.Destination) (message.Publisher, error) {
			return pubsub.NopClosePublisher(&publisher{GoChannel: b.pubSub, bus: b, dest: dest}), nil
		},
		NewSubscriber: func(ctx context.Context, dest backend.Destination) (message.Subscriber, error) {
			return &subscriber{bus: b, dest: dest}, nil
		},
		Topic: Topic,
		OnClose: func() error {
			return release(namespace)
		},
		Capabilities: backend.MemoryCapabilities,
		Logger:       logger,
	})
}

// Capabilities returns the capabilities of this backend.
func Capabilities() backend.Capabilities {
	return backend.MemoryCapabilities
}

// Topic returns the channel a destination publishes to. Queues and topics live
// in separate name spaces so a queue and a topic with the same name never mix.
func Topic(dest backend.Destination) string {
	if dest.Kind == backend.Queue {
		return "queue/" + dest.Name
	}
	return "topic/" + dest.Name
}

// Address returns the buffer a destination receives from: the queue itself or
// one subscription of a topic.
func Address(dest backend.Destination) string {
	if dest.Kind == backend.Queue {
		return Topic(dest)
	}
	return Topic(dest) + "/" + dest.Subscription
}

type bus struct {
	pubSub *gochannel.GoChannel
	refs   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
}

func newBus(logger watermill.LoggerAdapter) *bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &bus{
		// Publish returns once the address buffer holds the message, which
		// keeps one sender's messages in order.
		pubSub: Factory(gochannel.Config{BlockPublishUntilSubscriberAck: true}, logger),
		ctx:    ctx,
		cancel: cancel,
		queues: map[string]*queue{},
	}
}

// queue returns the buffer of dest, creating it and its channel subscription
// on first use.
func (b *bus) queue(dest backend.Destination) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	address := Address(dest)
	if q, ok := b.queues[address]; ok {
		return q, nil
	}

	messages, err := b.pubSub.Subscribe(b.ctx, Topic(dest))
	if err != nil {
		return nil, err
	}
	q := newQueue()
	b.queues[address] = q

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		q.fill(messages)
	}()
	return q, nil
}

func (b *bus) close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	err := b.pubSub.Close()
	b.wg.Wait()
	return err
}

type publisher struct {
	*gochannel.GoChannel
	bus  *bus
	dest backend.Destination
}

// Publish makes sure a queue buffers messages before any receiver subscribes.
func (p *publisher) Publish(topic string, messages ...*message.Message) error {
	if p.dest.Kind == backend.Queue {
		if _, err := p.bus.queue(p.dest); err != nil {
			return err
		}
	}
	return p.GoChannel.Publish(topic, messages...)
}

type subscriber struct {
	bus  *bus
	dest backend.Destination
}

func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	q, err := s.bus.queue(s.dest)
	if err != nil {
		return nil, err
	}
	out := make(chan *message.Message)
	go q.serve(ctx, out)
	return out, nil
}

// Close leaves the address buffer in place for the remaining receivers.
func (s *subscriber) Close() error {
	return nil
}

func acquire(namespace string, logger watermill.LoggerAdapter) *bus {
	busesMu.Lock()
	defer busesMu.Unlock()

	b, ok := buses[namespace]
	if !ok {
		b = newBus(logger)
		buses[namespace] = b
	}
	b.refs++
	return b
}

func release(namespace string) error {
	busesMu.Lock()
	defer busesMu.Unlock()

	b, ok := buses[namespace]
	if !ok {
		return nil
	}
	b.refs--
	if b.refs > 0 {
		return nil
	}
	delete(buses, namespace)
	return b.close()
}
