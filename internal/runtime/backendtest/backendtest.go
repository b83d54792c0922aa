// Package backendtest provides in-memory fakes of the backend client contract
// that record every call. Tests drive deliveries and faults explicitly.
package backendtest

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/internal/runtime/logging"
)

// Scheme is the connection-string scheme served by Registry.
const Scheme = "fake"

// ConnectionString selects the fake client from a registry built by Registry.
const ConnectionString = "fake://local"

// ErrNotSubscribed is returned by Deliver before Subscribe was called.
var ErrNotSubscribed = errors.New("backendtest: receiver is not subscribed")

// Client is a fake backend.Client.
type Client struct {
	mu sync.Mutex

	CreateSenderErr   error
	CreateReceiverErr error
	SubscribeErr      error
	SendErr           error
	CloseErr          error

	SenderDestinations   []backend.Destination
	ReceiverDestinations []backend.Destination
	Senders              []*Sender
	Receivers            []*Receiver
	CloseCalls           int
	BuildCalls           int
}

// NewClient returns an empty fake client.
func NewClient() *Client {
	return &Client{}
}

// Registry returns a registry whose "fake" scheme always builds c.
func Registry(c *Client) *backend.Registry {
	r := backend.NewRegistry()
	r.RegisterWithCapabilities(Scheme, func(ctx context.Context, conn backend.ConnectionString, logger watermill.LoggerAdapter) (backend.Client, error) {
		c.mu.Lock()
		c.BuildCalls++
		c.mu.Unlock()
		return c, nil
	}, backend.Capabilities{Name: Scheme, SupportsQueues: true, SupportsTopics: true})
	return r
}

func (c *Client) CreateSender(ctx context.Context, dest backend.Destination) (backend.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SenderDestinations = append(c.SenderDestinations, dest)
	if c.CreateSenderErr != nil {
		return nil, c.CreateSenderErr
	}
	s := &Sender{Destination: dest, SendErr: c.SendErr}
	c.Senders = append(c.Senders, s)
	return s, nil
}

func (c *Client) CreateReceiver(ctx context.Context, dest backend.Destination) (backend.Receiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ReceiverDestinations = append(c.ReceiverDestinations, dest)
	if c.CreateReceiverErr != nil {
		return nil, c.CreateReceiverErr
	}
	r := &Receiver{Destination: dest, SubscribeErr: c.SubscribeErr}
	c.Receivers = append(c.Receivers, r)
	return r, nil
}

func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCalls++
	return c.CloseErr
}

// Calls returns the number of Create* calls made so far.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.SenderDestinations) + len(c.ReceiverDestinations)
}

// Builds returns how many times the registry built the client.
func (c *Client) Builds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.BuildCalls
}

// Closed returns how many times Close was called.
func (c *Client) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCalls
}

// LastSender returns the most recently created sender or nil.
func (c *Client) LastSender() *Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Senders) == 0 {
		return nil
	}
	return c.Senders[len(c.Senders)-1]
}

// LastReceiver returns the most recently created receiver or nil.
func (c *Client) LastReceiver() *Receiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Receivers) == 0 {
		return nil
	}
	return c.Receivers[len(c.Receivers)-1]
}

// Sender is a fake backend.Sender.
type Sender struct {
	mu sync.Mutex

	Destination backend.Destination
	SendErr     error
	CloseErr    error
	Requests    []backend.SendRequest
	CloseCalls  int
}

func (s *Sender) Send(ctx context.Context, req backend.SendRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	return s.SendErr
}

func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return s.CloseErr
}

// Sent returns a copy of the recorded requests.
func (s *Sender) Sent() []backend.SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.SendRequest(nil), s.Requests...)
}

// Closed returns how many times Close was called.
func (s *Sender) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls
}

// Receiver is a fake backend.Receiver.
type Receiver struct {
	mu sync.Mutex

	Destination  backend.Destination
	SubscribeErr error
	handlers     *backend.Handlers
	subscribed   int
	CloseCalls   int

	// OnSubscribe runs inside Subscribe once the handlers are registered,
	// like a backend that starts delivering before Subscribe returns.
	OnSubscribe func(handlers backend.Handlers)
}

func (r *Receiver) Subscribe(ctx context.Context, handlers backend.Handlers) error {
	r.mu.Lock()
	r.subscribed++
	if r.SubscribeErr != nil {
		r.mu.Unlock()
		return r.SubscribeErr
	}
	r.handlers = &handlers
	hook := r.OnSubscribe
	r.mu.Unlock()

	if hook != nil {
		hook(handlers)
	}
	return nil
}

func (r *Receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CloseCalls++
	r.handlers = nil
	return nil
}

// Deliver invokes ProcessMessage synchronously and returns its result.
func (r *Receiver) Deliver(ctx context.Context, msg *backend.Message) error {
	h := r.current()
	if h == nil {
		return ErrNotSubscribed
	}
	return h.ProcessMessage(ctx, msg)
}

// Fail invokes ProcessError as the backend's error channel would.
func (r *Receiver) Fail(ctx context.Context, err error) error {
	h := r.current()
	if h == nil {
		return ErrNotSubscribed
	}
	if h.ProcessError != nil {
		h.ProcessError(ctx, err)
	}
	return nil
}

// Subscribed returns how many times Subscribe was called.
func (r *Receiver) Subscribed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed
}

// Closed returns how many times Close was called.
func (r *Receiver) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CloseCalls
}

func (r *Receiver) current() *backend.Handlers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers
}

// Entry is one recorded log line.
type Entry struct {
	Level  string
	Msg    string
	Err    error
	Fields logging.LogFields
}

// Logger is a logging.ServiceLogger that records entries; children created
// with With share the parent's record.
type Logger struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  logging.LogFields
}

// NewLogger returns an empty recording logger.
func NewLogger() *Logger {
	return &Logger{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (l *Logger) With(fields logging.LogFields) logging.ServiceLogger {
	merged := make(logging.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{mu: l.mu, entries: l.entries, fields: merged}
}

func (l *Logger) Debug(msg string, fields logging.LogFields) { l.record("debug", msg, nil, fields) }
func (l *Logger) Info(msg string, fields logging.LogFields)  { l.record("info", msg, nil, fields) }
func (l *Logger) Trace(msg string, fields logging.LogFields) { l.record("trace", msg, nil, fields) }
func (l *Logger) Error(msg string, err error, fields logging.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *Logger) record(level, msg string, err error, fields logging.LogFields) {
	merged := make(logging.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, Entry{Level: level, Msg: msg, Err: err, Fields: merged})
}

// Entries returns a copy of everything logged so far.
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), (*l.entries)...)
}

// Has reports whether a line with msg at level was logged.
func (l *Logger) Has(level, msg string) bool {
	for _, e := range l.Entries() {
		if e.Level == level && e.Msg == msg {
			return true
		}
	}
	return false
}
