// Package node binds one flow node to a queue or topic: the host starts it,
// feeds it outbound requests or receives envelopes from it, and closes it.
package node

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/internal/runtime/config"
	"github.com/drblury/flowbus/internal/runtime/connection"
	"github.com/drblury/flowbus/internal/runtime/dispatch"
	"github.com/drblury/flowbus/internal/runtime/endpoint"
	"github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	"github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/metrics"
	"github.com/drblury/flowbus/internal/runtime/pump"
	"github.com/drblury/flowbus/internal/runtime/status"
)

// Sink receives envelopes on receive nodes.
type Sink = pump.Sink

// Completion is invoked with the outcome of one send.
type Completion func(err error)

// Fault is a failure surfaced to the host's fault path. Request is set for
// send failures without a completion; Envelope for receive failures that
// concern a decoded message.
type Fault struct {
	Err      error
	Request  *envelope.Request
	Envelope *envelope.Envelope
}

// FaultFunc receives every fault the node reports.
type FaultFunc func(ctx context.Context, f Fault)

// Options wires a node to the host. Every field is optional except Sink on
// receive nodes.
type Options struct {
	Logger    logging.ServiceLogger
	Registry  *backend.Registry
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Observers []status.Observer
	Sink      Sink
	OnFault   FaultFunc
}

// Node is one configured queue or topic endpoint.
type Node struct {
	cfg    config.Config
	typ    Type
	desc   endpoint.Descriptor
	opts   Options
	logger logging.ServiceLogger
	status *status.Reporter
	role   role

	mu      sync.Mutex
	started bool
	handle  *connection.Handle

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and builds a disconnected node. No backend call is made.
func New(cfg config.Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.ConfigInvalid("node", err)
	}
	typ, err := TypeFor(cfg.Type)
	if err != nil {
		return nil, errspkg.ConfigInvalid("type", err)
	}
	if typ.Direction == endpoint.Receive && opts.Sink == nil {
		return nil, errspkg.ConfigInvalid("sink", errspkg.ErrSinkRequired)
	}

	desc := typ.Descriptor(cfg)
	logger := logging.ForNode(opts.Logger, cfg.Name, cfg.Type).With(logging.LogFields{
		logging.FieldEndpoint: desc.String(),
	})

	path := status.ReceivePath
	if typ.Direction == endpoint.Send {
		path = status.SendPath
	}
	observers := append([]status.Observer{opts.Metrics.StatusObserver()}, opts.Observers...)
	reporter := status.NewReporter(cfg.Name, path, observers...)

	n := &Node{
		cfg:    cfg,
		typ:    typ,
		desc:   desc,
		opts:   opts,
		logger: logger,
		status: reporter,
	}
	n.role = n.newRole()
	return n, nil
}

func (n *Node) newRole() role {
	if n.typ.Direction == endpoint.Send {
		return &sendRole{opts: dispatch.Options{
			Node:    n.cfg.Name,
			Status:  n.status,
			Logger:  n.logger,
			Metrics: n.opts.Metrics,
			Tracer:  n.opts.Tracer,
		}}
	}
	return &receiveRole{
		sink: n.opts.Sink,
		opts: pump.Options{
			Node:    n.cfg.Name,
			Status:  n.status,
			Logger:  n.logger,
			Metrics: n.opts.Metrics,
			Tracer:  n.opts.Tracer,
			OnFault: func(ctx context.Context, err error, env *envelope.Envelope) {
				n.fault(ctx, Fault{Err: err, Envelope: env})
			},
		},
	}
}

// Name returns the configured node name.
func (n *Node) Name() string { return n.cfg.Name }

// Type returns the node type.
func (n *Node) Type() Type { return n.typ }

// Descriptor returns the endpoint the node binds to.
func (n *Node) Descriptor() endpoint.Descriptor { return n.desc }

// Status returns the latest status snapshot.
func (n *Node) Status() status.Snapshot { return n.status.Current() }

// Watch adds a status observer; it immediately receives the current snapshot.
func (n *Node) Watch(o status.Observer) { n.status.Subscribe(o) }

// Start checks the endpoint fields, opens the connection, binds the endpoint
// and, for receive nodes, subscribes. A missing queue, topic or subscription
// fails before the backend is contacted. Without a connection string the node stays disconnected and
// Start returns nil. Failures are logged, reported as faults and reflected in
// the status before being returned.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}
	n.started = true

	if n.cfg.Configured() {
		if err := n.desc.Validate(n.typ.Direction); err != nil {
			return n.startFailed(ctx, err)
		}
	}

	h, err := connection.Open(ctx, n.cfg,
		connection.WithRegistry(n.opts.Registry),
		connection.WithLogger(n.logger),
	)
	if err != nil {
		return n.startFailed(ctx, err)
	}
	n.handle = h

	if !h.Configured() {
		n.logger.Info("No connection string configured; node stays disconnected", nil)
		n.status.Disconnected("")
		return nil
	}

	if _, err := n.role.bind(ctx, h, n.desc); err != nil {
		return n.startFailed(ctx, err)
	}
	n.status.Connected(status.OpBind)

	if err := n.role.start(ctx); err != nil {
		// The pump has already reported its own failure.
		return err
	}
	n.logger.Info("Node started", logging.LogFields{"backend": h.Capabilities().Name})
	return nil
}

func (n *Node) startFailed(ctx context.Context, err error) error {
	n.logger.Error("Failed to start node", err, nil)
	if errors.Is(err, errspkg.ErrConfigInvalid) {
		n.status.Disconnected("configuration invalid")
	} else {
		n.opts.Metrics.RecordFailure(n.cfg.Name, status.OpBind.String())
		n.status.Fail(status.OpBind, err)
	}
	n.fault(ctx, Fault{Err: err})
	return err
}

// HandleInbound sends one request on a send node. With a completion the
// outcome goes there verbatim; without one a failure is reported on the
// fault path together with the request. The error is returned either way.
func (n *Node) HandleInbound(ctx context.Context, req envelope.Request, done Completion) error {
	sender, ok := n.role.(*sendRole)
	if !ok {
		err := errspkg.ErrUnsupportedDirection
		n.complete(ctx, req, done, err)
		return err
	}
	n.mu.Lock()
	d := sender.dispatcher
	n.mu.Unlock()
	if d == nil {
		err := errspkg.ErrNotBound
		n.complete(ctx, req, done, err)
		return err
	}

	err := d.Send(ctx, req)
	n.complete(ctx, req, done, err)
	return err
}

func (n *Node) complete(ctx context.Context, req envelope.Request, done Completion, err error) {
	if done != nil {
		done(err)
		return
	}
	if err != nil {
		n.fault(ctx, Fault{Err: errspkg.SendError(n.desc.String(), err), Request: &req})
	}
}

func (n *Node) fault(ctx context.Context, f Fault) {
	if n.opts.OnFault != nil {
		n.opts.OnFault(ctx, f)
	}
}

// Shutdown closes the binding and the connection. It waits for a Start in
// progress, and a node that was shut down never starts. Repeated calls return
// the result of the first.
func (n *Node) Shutdown(ctx context.Context) error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.started = true

		var errs []error
		if err := n.role.close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := n.handle.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		n.status.Disconnected("closed")
		n.closeErr = errors.Join(errs...)
		if n.closeErr != nil {
			n.logger.Error("Node closed with errors", n.closeErr, nil)
		}
	})
	return n.closeErr
}

// Close is the host's close hook: it shuts the node down within the
// configured shutdown timeout and then calls done exactly once.
func (n *Node) Close(done func()) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.EffectiveShutdownTimeout())
	defer cancel()
	_ = n.Shutdown(ctx)
	if done != nil {
		done()
	}
}
