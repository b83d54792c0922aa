// Package pubsub adapts watermill publishers and subscribers to the flowbus
// backend client contract. Concrete backends supply factories that build a
// publisher or subscriber for a destination; this package handles message
// conversion, subscription lifecycle and idempotent closing.
package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowbus/backend"
)

var (
	// ErrClientClosed is returned when creating senders or receivers on a closed client.
	ErrClientClosed = errors.New("backend: client is closed")
	// ErrSenderClosed is returned when sending on a closed sender.
	ErrSenderClosed = errors.New("backend: sender is closed")
	// ErrAlreadySubscribed is returned when Subscribe is called twice on a receiver.
	ErrAlreadySubscribed = errors.New("backend: receiver is already subscribed")
	// ErrSubscriptionTerminated is reported when the transport closes a
	// subscription that was not closed by its owner.
	ErrSubscriptionTerminated = errors.New("backend: subscription terminated by transport")
)

// PublisherFunc builds a publisher for a destination.
type PublisherFunc func(ctx context.Context, dest backend.Destination) (message.Publisher, error)

// SubscriberFunc builds a subscriber for a destination.
type SubscriberFunc func(ctx context.Context, dest backend.Destination) (message.Subscriber, error)

// Config describes how a concrete backend maps destinations onto watermill.
type Config struct {
	NewPublisher  PublisherFunc
	NewSubscriber SubscriberFunc

	// Topic maps a destination to the watermill topic. Defaults to dest.Name.
	Topic func(dest backend.Destination) string

	// OnClose releases connection-level resources once the client is closed.
	OnClose func() error

	Capabilities backend.Capabilities
	Logger       watermill.LoggerAdapter
}

// Client implements backend.Client on top of watermill.
type Client struct {
	cfg Config

	mu     sync.Mutex
	closed bool
}

// New creates a client from the supplied configuration.
func New(cfg Config) (*Client, error) {
	if cfg.NewPublisher == nil && cfg.NewSubscriber == nil {
		return nil, errors.New("pubsub: publisher or subscriber factory is required")
	}
	if cfg.Topic == nil {
		cfg.Topic = func(dest backend.Destination) string { return dest.Name }
	}
	if cfg.Logger == nil {
		cfg.Logger = watermill.NopLogger{}
	}
	return &Client{cfg: cfg}, nil
}

// Capabilities reports the configured capabilities.
func (c *Client) Capabilities() backend.Capabilities {
	return c.cfg.Capabilities
}

// CreateSender builds a publisher for the destination.
func (c *Client) CreateSender(ctx context.Context, dest backend.Destination) (backend.Sender, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if c.cfg.NewPublisher == nil {
		return nil, errors.New("pubsub: backend does not support sending")
	}
	pub, err := c.cfg.NewPublisher(ctx, dest)
	if err != nil {
		return nil, err
	}
	return &Sender{publisher: pub, topic: c.cfg.Topic(dest)}, nil
}

// CreateReceiver builds a subscriber for the destination.
func (c *Client) CreateReceiver(ctx context.Context, dest backend.Destination) (backend.Receiver, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if c.cfg.NewSubscriber == nil {
		return nil, errors.New("pubsub: backend does not support receiving")
	}
	sub, err := c.cfg.NewSubscriber(ctx, dest)
	if err != nil {
		return nil, err
	}
	return &Receiver{
		subscriber: sub,
		topic:      c.cfg.Topic(dest),
		logger:     c.cfg.Logger.With(watermill.LogFields{"destination": dest.Name, "subscription": dest.Subscription}),
	}, nil
}

// Close runs OnClose once. Senders and receivers are owned by their callers.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.cfg.OnClose != nil {
		return c.cfg.OnClose()
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sender publishes to a single watermill topic.
type Sender struct {
	publisher message.Publisher
	topic     string

	closeOnce sync.Once
	closeErr  error
	closedMu  sync.RWMutex
	closed    bool
}

// Send converts the request and publishes it once.
func (s *Sender) Send(ctx context.Context, req backend.SendRequest) error {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	if s.closed {
		return ErrSenderClosed
	}

	msg, err := ToMessage(req)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return s.publisher.Publish(s.topic, msg)
}

// Close closes the underlying publisher once.
func (s *Sender) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closedMu.Lock()
		s.closed = true
		s.closedMu.Unlock()
		s.closeErr = s.publisher.Close()
	})
	return s.closeErr
}

// Receiver consumes a single watermill topic.
type Receiver struct {
	subscriber message.Subscriber
	topic      string
	logger     watermill.LoggerAdapter

	mu      sync.Mutex
	started bool
	closing bool
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Subscribe starts consuming and returns once the watermill subscription exists.
// The subscription outlives ctx; it ends on Close.
func (r *Receiver) Subscribe(ctx context.Context, handlers backend.Handlers) error {
	if handlers.ProcessMessage == nil {
		return errors.New("pubsub: ProcessMessage handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadySubscribed
	}
	if r.closing {
		return ErrClientClosed
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := r.subscriber.Subscribe(subCtx, r.topic)
	if err != nil {
		cancel()
		return err
	}

	r.started = true
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.consume(subCtx, messages, handlers)
	return nil
}

func (r *Receiver) consume(ctx context.Context, messages <-chan *message.Message, handlers backend.Handlers) {
	defer close(r.done)

	for msg := range messages {
		converted, err := FromMessage(msg)
		if err != nil {
			r.logger.Error("Dropping unreadable message", err, watermill.LogFields{"message_uuid": msg.UUID})
			r.reportError(ctx, handlers, &backend.MessageError{MessageID: msg.UUID, Err: err})
			msg.Ack()
			continue
		}

		msgCtx := msg.Context()
		if msgCtx == nil {
			msgCtx = ctx
		}
		if err := handlers.ProcessMessage(msgCtx, converted); err != nil {
			msg.Nack()
			continue
		}
		msg.Ack()
	}

	r.mu.Lock()
	closing := r.closing
	r.mu.Unlock()
	if !closing {
		r.reportError(ctx, handlers, ErrSubscriptionTerminated)
	}
}

func (r *Receiver) reportError(ctx context.Context, handlers backend.Handlers, err error) {
	if handlers.ProcessError != nil {
		handlers.ProcessError(ctx, err)
	}
}

// Close cancels the subscription, closes the subscriber and waits for the
// consume loop to finish or ctx to expire.
func (r *Receiver) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closing = true
		cancel := r.cancel
		done := r.done
		r.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		r.closeErr = r.subscriber.Close()

		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				r.closeErr = errors.Join(r.closeErr, ctx.Err())
			}
		}
	})
	return r.closeErr
}

// NopCloseSubscriber wraps a shared subscriber so closing a receiver leaves it open.
func NopCloseSubscriber(sub message.Subscriber) message.Subscriber {
	return nopCloseSubscriber{sub}
}

// NopClosePublisher wraps a shared publisher so closing a sender leaves it open.
func NopClosePublisher(pub message.Publisher) message.Publisher {
	return nopClosePublisher{pub}
}

type nopCloseSubscriber struct{ message.Subscriber }

func (nopCloseSubscriber) Close() error { return nil }

type nopClosePublisher struct{ message.Publisher }

func (nopClosePublisher) Close() error { return nil }
