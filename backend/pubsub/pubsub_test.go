package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/internal/runtime/ids"
)

type fakeSubscriber struct {
	messages     chan *message.Message
	subscribeErr error

	mu        sync.Mutex
	topics    []string
	closes    atomic.Int32
	closeOnce sync.Once
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{messages: make(chan *message.Message, 8)}
}

func (f *fakeSubscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	f.mu.Lock()
	f.topics = append(f.topics, topic)
	f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.messages, nil
}

func (f *fakeSubscriber) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.messages) })
	return nil
}

type fakePublisher struct {
	mu         sync.Mutex
	topics     []string
	published  []*message.Message
	publishErr error
	closes     atomic.Int32
}

func (f *fakePublisher) Publish(topic string, msgs ...*message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.topics = append(f.topics, topic)
	f.published = append(f.published, msgs...)
	return nil
}

func (f *fakePublisher) Close() error {
	f.closes.Add(1)
	return nil
}

func newClient(t *testing.T, pub message.Publisher, sub message.Subscriber) *Client {
	t.Helper()
	client, err := New(Config{
		NewPublisher: func(context.Context, backend.Destination) (message.Publisher, error) {
			return pub, nil
		},
		NewSubscriber: func(context.Context, backend.Destination) (message.Subscriber, error) {
			return sub, nil
		},
		Capabilities: backend.MemoryCapabilities,
	})
	require.NoError(t, err)
	return client
}

func TestNew(t *testing.T) {
	t.Run("requires a factory", func(t *testing.T) {
		_, err := New(Config{})
		require.Error(t, err)
	})

	t.Run("send only backend", func(t *testing.T) {
		client, err := New(Config{
			NewPublisher: func(context.Context, backend.Destination) (message.Publisher, error) {
				return &fakePublisher{}, nil
			},
		})
		require.NoError(t, err)

		_, err = client.CreateReceiver(context.Background(), backend.Destination{Name: "orders"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not support receiving")
	})
}

func TestClientRoundTripOverGoChannel(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	client := newClient(t, NopClosePublisher(pubSub), NopCloseSubscriber(pubSub))
	ctx := context.Background()
	dest := backend.Destination{Kind: backend.Queue, Name: "orders"}

	receiver, err := client.CreateReceiver(ctx, dest)
	require.NoError(t, err)

	received := make(chan *backend.Message, 1)
	require.NoError(t, receiver.Subscribe(ctx, backend.Handlers{
		ProcessMessage: func(_ context.Context, msg *backend.Message) error {
			received <- msg
			return nil
		},
	}))

	sender, err := client.CreateSender(ctx, dest)
	require.NoError(t, err)
	require.NoError(t, sender.Send(ctx, backend.SendRequest{
		Body:                  map[string]any{"orderId": "A-1"},
		ApplicationProperties: map[string]any{"tenant": "acme"},
	}))

	select {
	case msg := <-received:
		assert.Equal(t, map[string]any{"orderId": "A-1"}, msg.Body)
		assert.Equal(t, backend.DefaultContentType, msg.ContentType)
		assert.Equal(t, map[string]any{"tenant": "acme"}, msg.ApplicationProperties)
		_, ok := ids.Time(msg.MessageID)
		assert.True(t, ok, "message id should be a ULID, got %q", msg.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	require.NoError(t, sender.Close(ctx))
	require.NoError(t, receiver.Close(ctx))
	require.NoError(t, client.Close(ctx))
}

func TestClientTopicMapping(t *testing.T) {
	pub := &fakePublisher{}
	client, err := New(Config{
		NewPublisher: func(context.Context, backend.Destination) (message.Publisher, error) {
			return pub, nil
		},
		Topic: func(dest backend.Destination) string {
			return "prefix." + dest.Name
		},
	})
	require.NoError(t, err)

	sender, err := client.CreateSender(context.Background(), backend.Destination{Kind: backend.Topic, Name: "events"})
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), backend.SendRequest{Body: "x", ContentType: "text/plain"}))

	assert.Equal(t, []string{"prefix.events"}, pub.topics)
	require.Len(t, pub.published, 1)
	assert.Equal(t, "x", string(pub.published[0].Payload))
	assert.Equal(t, "text/plain", pub.published[0].Metadata.Get(MetadataKeyContentType))
}

func TestClientClose(t *testing.T) {
	var closes atomic.Int32
	client, err := New(Config{
		NewPublisher: func(context.Context, backend.Destination) (message.Publisher, error) {
			return &fakePublisher{}, nil
		},
		OnClose: func() error {
			closes.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.EqualValues(t, 1, closes.Load())

	_, err = client.CreateSender(context.Background(), backend.Destination{Name: "orders"})
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = client.CreateReceiver(context.Background(), backend.Destination{Name: "orders"})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestSender(t *testing.T) {
	t.Run("publish error is returned", func(t *testing.T) {
		pub := &fakePublisher{publishErr: errors.New("broker down")}
		client := newClient(t, pub, newFakeSubscriber())

		sender, err := client.CreateSender(context.Background(), backend.Destination{Name: "orders"})
		require.NoError(t, err)

		err = sender.Send(context.Background(), backend.SendRequest{Body: "x"})
		assert.EqualError(t, err, "broker down")
	})

	t.Run("unserialisable body is rejected before publishing", func(t *testing.T) {
		pub := &fakePublisher{}
		client := newClient(t, pub, newFakeSubscriber())

		sender, err := client.CreateSender(context.Background(), backend.Destination{Name: "orders"})
		require.NoError(t, err)

		err = sender.Send(context.Background(), backend.SendRequest{Body: func() {}})
		require.Error(t, err)
		assert.Empty(t, pub.published)
	})

	t.Run("close is idempotent and blocks sends", func(t *testing.T) {
		pub := &fakePublisher{}
		client := newClient(t, pub, newFakeSubscriber())

		sender, err := client.CreateSender(context.Background(), backend.Destination{Name: "orders"})
		require.NoError(t, err)

		require.NoError(t, sender.Close(context.Background()))
		require.NoError(t, sender.Close(context.Background()))
		assert.EqualValues(t, 1, pub.closes.Load())

		err = sender.Send(context.Background(), backend.SendRequest{Body: "x"})
		assert.ErrorIs(t, err, ErrSenderClosed)
	})
}

func TestReceiver(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a message handler", func(t *testing.T) {
		client := newClient(t, &fakePublisher{}, newFakeSubscriber())
		receiver, err := client.CreateReceiver(ctx, backend.Destination{Name: "orders"})
		require.NoError(t, err)

		require.Error(t, receiver.Subscribe(ctx, backend.Handlers{}))
	})

	t.Run("subscribe error is returned", func(t *testing.T) {
		sub := newFakeSubscriber()
		sub.subscribeErr = errors.New("no such queue")
		client := newClient(t, &fakePublisher{}, sub)
		receiver, err := client.CreateReceiver(ctx, backend.Destination{Name: "orders"})
		require.NoError(t, err)

		err = receiver.Subscribe(ctx, backend.Handlers{ProcessMessage: func(context.Context, *backend.Message) error { return nil }})
		assert.EqualError(t, err, "no such queue")
	})

	t.Run("second subscribe is rejected", func(t *testing.T) {
		client := newClient(t, &fakePublisher{}, newFakeSubscriber())
		receiver, err := client.CreateReceiver(ctx, backend.Destination{Name: "orders"})
		require.NoError(t, err)
		defer receiver.Close(ctx)

		handlers := backend.Handlers{ProcessMessage: func(context.Context, *backend.Message) error { return nil }}
		require.NoError(t, receiver.Subscribe(ctx, handlers))
		assert.ErrorIs(t, receiver.Subscribe(ctx, handlers), ErrAlreadySubscribed)
	})

	t.Run("acks handled messages and nacks failures", func(t *testing.T) {
		sub := newFakeSubscriber()
		client := newClient(t, &fakePublisher{}, sub)
		receiver, err := client.CreateReceiver(ctx, backend.Destination{Name: "orders"})
		require.NoError(t, err)
		defer receiver.Close(ctx)

		require.NoError(t, receiver.Subscribe(ctx, backend.Handlers{
			ProcessMessage: func(_ context.Context, msg *backend.Message) error {
				if msg.Body == "bad" {
					return errors.New("rejected")
				}
				return nil
			},
		}))

		good := message.NewMessage(watermill.NewUUID(), []byte("good"))
		good.Metadata.Set(MetadataKeyContentType, "text/plain")
		bad := message.NewMessage(watermill.NewUUID(), []byte("bad"))
		bad.Metadata.Set(MetadataKeyContentType, "text/plain")
		sub.messages <- good
		sub.messages <- bad

		select {
		case <-good.Acked():
		case <-time.After(2 * time.Second):
			t.Fatal("good message was not acked")
		}
		select {
		case <-bad.Nacked():
		case <-time.After(2 * time.Second):
			t.Fatal("bad message was not nacked")
		}
	})

	t.Run("unreadable message is reported and acked", func(t *testing.T) {
		sub := newFakeSubscriber()
		client := newClient(t, &fakePublisher{}, sub)
		receiver, err := client.CreateReceiver(ctx, backend.Destination{Name: "orders"})
		require.NoError(t, err)
		defer receiver.Close(ctx)

		reported := make(chan error, 1)
		var processed atomic.Int32
		require.NoError(t, receiver.Subscribe(ctx, backend.Handlers{
			ProcessMessage: func(context.Context, *backend.Message) error {
				processed.Add(1)
				return nil
			},
			ProcessError: func(_ context.Context, err error) {
				reported <- err
			},
		}))

		broken := message.NewMessage("broken-1", []byte("{nope"))
		broken.Metadata.Set(MetadataKeyContentType, backend.DefaultContentType)
		sub.messages <- broken

		select {
		case err := <-reported:
			var msgErr *backend.MessageError
			require.ErrorAs(t, err, &msgErr)
			assert.Equal(t, "broken-1", msgErr.MessageID)
		case <-time.After(2 * time.Second):
			t.Fatal("decode failure was not reported")
		}
		<-broken.Acked()
		assert.Zero(t, processed.Load())
	})

	t.Run("transport termination is reported", func(t *testing.T) {
		sub := newFakeSubscriber()
		client := newClient(t, &fakePublisher{}, sub)
		receiver, err := client.CreateReceiver(ctx, backend.Destination{Name: "orders"})
		require.NoError(t, err)

		reported := make(chan error, 1)
		require.NoError(t, receiver.Subscribe(ctx, backend.Handlers{
			ProcessMessage: func(context.Context, *backend.Message) error { return nil },
			ProcessError:   func(_ context.Context, err error) { reported <- err },
		}))

		close(sub.messages)

		select {
		case err := <-reported:
			assert.ErrorIs(t, err, ErrSubscriptionTerminated)
		case <-time.After(2 * time.Second):
			t.Fatal("termination was not reported")
		}
	})

	t.Run("close does not report termination", func(t *testing.T) {
		sub := newFakeSubscriber()
		client := newClient(t, &fakePublisher{}, sub)
		receiver, err := client.CreateReceiver(ctx, backend.Destination{Name: "orders"})
		require.NoError(t, err)

		var reported atomic.Int32
		require.NoError(t, receiver.Subscribe(ctx, backend.Handlers{
			ProcessMessage: func(context.Context, *backend.Message) error { return nil },
			ProcessError:   func(context.Context, error) { reported.Add(1) },
		}))

		require.NoError(t, receiver.Close(ctx))
		require.NoError(t, receiver.Close(ctx))

		assert.EqualValues(t, 1, sub.closes.Load())
		assert.Zero(t, reported.Load())

		err = receiver.Subscribe(ctx, backend.Handlers{ProcessMessage: func(context.Context, *backend.Message) error { return nil }})
		assert.Error(t, err)
	})
}

func TestNopCloseWrappers(t *testing.T) {
	pub := &fakePublisher{}
	sub := newFakeSubscriber()

	require.NoError(t, NopClosePublisher(pub).Close())
	require.NoError(t, NopCloseSubscriber(sub).Close())

	assert.Zero(t, pub.closes.Load())
	assert.Zero(t, sub.closes.Load())
}

func TestToMessageUsesEncodedPayload(t *testing.T) {
	msg, err := ToMessage(backend.SendRequest{
		Body:        map[string]any{"id": 1},
		ContentType: "application/json",
		Payload:     []byte(`{"id":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":1}`), []byte(msg.Payload))
	assert.Equal(t, "application/json", msg.Metadata.Get(MetadataKeyContentType))

	msg, err = ToMessage(backend.SendRequest{Body: "plain", ContentType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), []byte(msg.Payload))
}
