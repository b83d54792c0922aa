// Package pump runs the standing subscription of a receive binding and
// forwards every message to a sink, one at a time and in backend order.
package pump

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/internal/runtime/connection"
	"github.com/drblury/flowbus/internal/runtime/endpoint"
	"github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	"github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/metrics"
	"github.com/drblury/flowbus/internal/runtime/status"
)

const tracerName = "github.com/drblury/flowbus/internal/runtime/pump"

// State is the lifecycle state of a Pump.
type State int

const (
	Idle State = iota
	Subscribing
	Active
	ErrorRecoveryReported
	Closed
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	case ErrorRecoveryReported:
		return "error-recovery-reported"
	case Closed:
		return "closed"
	default:
		return "idle"
	}
}

// Sink receives decoded envelopes. It is never called concurrently by one Pump.
type Sink func(ctx context.Context, env envelope.Envelope) error

// FaultFunc receives every failure the Pump reports. env is set when the
// failure concerns a decoded message.
type FaultFunc func(ctx context.Context, err error, env *envelope.Envelope)

// Options wires the Pump's collaborators. Every field is optional.
type Options struct {
	Node    string
	Status  *status.Reporter
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	OnFault FaultFunc
}

// Pump forwards messages from one receiver to one sink.
type Pump struct {
	binding  *connection.Binding
	receiver backend.Receiver
	sink     Sink
	endpoint string
	dest     string
	// topic is stamped on envelopes; queues leave it empty.
	topic string
	opts  Options

	mu    sync.Mutex
	state State

	// statusMu orders the subscription status against delivery reports.
	statusMu sync.Mutex
	reported bool

	// deliverMu serialises forwarding so the sink observes backend order.
	deliverMu sync.Mutex
}

// New creates an idle Pump. binding may be nil, in which case Start fails and
// Close is a no-op.
func New(binding *connection.Binding, sink Sink, opts Options) *Pump {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	p := &Pump{binding: binding, sink: sink, opts: opts}
	if binding != nil {
		desc := binding.Descriptor()
		p.endpoint = desc.String()
		p.dest = desc.Name()
		if desc.Kind == endpoint.Topic {
			p.topic = desc.Topic
		}
		p.receiver = binding.Receiver()
	}
	return p
}

// State returns the current lifecycle state.
func (p *Pump) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start registers the subscription. On success the status becomes Connected
// and messages start flowing to the sink.
func (p *Pump) Start(ctx context.Context) error {
	if p.sink == nil {
		return errspkg.ErrSinkRequired
	}
	if p.receiver == nil {
		return errspkg.ErrNotBound
	}

	p.mu.Lock()
	if p.state != Idle {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("pump: cannot start from state %s", state)
	}
	p.state = Subscribing
	p.mu.Unlock()

	err := p.receiver.Subscribe(ctx, backend.Handlers{
		ProcessMessage: p.processMessage,
		ProcessError:   p.processError,
	})
	if err != nil {
		p.setState(Idle)
		bindErr := errspkg.BindError("subscribe", p.endpoint, err)
		p.opts.Logger.Error("Failed to subscribe", err, logging.LogFields{logging.FieldEndpoint: p.endpoint})
		p.opts.Metrics.RecordFailure(p.opts.Node, status.OpBind.String())
		p.failStatus(status.OpBind, bindErr)
		p.fault(ctx, bindErr, nil)
		return bindErr
	}

	p.mu.Lock()
	if p.state == Subscribing {
		p.state = Active
	}
	p.mu.Unlock()

	p.opts.Logger.Debug("Subscription registered", logging.LogFields{logging.FieldEndpoint: p.endpoint})
	p.statusMu.Lock()
	if p.opts.Status != nil && !p.reported {
		p.opts.Status.Connected(status.OpReceive)
	}
	p.statusMu.Unlock()
	return nil
}

// processMessage never returns an error: delivery is at-most-once and a
// failed message must not trigger backend redelivery loops.
func (p *Pump) processMessage(ctx context.Context, msg *backend.Message) error {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	if p.State() == Closed {
		return nil
	}

	started := time.Now()
	ctx, span := p.opts.Tracer.Start(ctx, "flowbus.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", p.dest),
			attribute.String("flowbus.endpoint", p.endpoint),
		),
	)
	defer span.End()

	env := envelope.Decode(msg, p.topic)
	span.SetAttributes(attribute.String("messaging.message.id", env.ID))

	p.opts.Logger.Debug("Message received", logging.LogFields{
		logging.FieldEndpoint: p.endpoint,
		"message_id":          env.ID,
		"content_type":        env.ContentType,
	})

	if err := p.forward(ctx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.reportFailure(ctx, errspkg.ReceiveProcessingError("forward", p.endpoint, err), &env)
		return nil
	}

	p.transition(Active)
	p.statusMu.Lock()
	p.reported = true
	if p.opts.Status != nil {
		p.opts.Status.Active()
	}
	p.statusMu.Unlock()
	p.opts.Metrics.RecordDelivery(p.opts.Node, p.endpoint, env.ID, time.Since(started))
	return nil
}

func (p *Pump) forward(ctx context.Context, env envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return p.sink(ctx, env)
}

// processError classifies errors raised by the subscription. Unreadable
// single messages are processing errors; anything else is fatal to the
// subscription and is not retried.
func (p *Pump) processError(ctx context.Context, err error) {
	if p.State() == Closed {
		return
	}

	var msgErr *backend.MessageError
	if errors.As(err, &msgErr) {
		p.deliverMu.Lock()
		defer p.deliverMu.Unlock()
		p.reportFailure(ctx, errspkg.ReceiveProcessingError("decode", p.endpoint, err), nil)
		return
	}

	fatal := errspkg.BackendFatalError(p.endpoint, err)
	p.transition(ErrorRecoveryReported)
	p.opts.Logger.Error("Error indicated", fatal, logging.LogFields{logging.FieldEndpoint: p.endpoint})
	p.opts.Metrics.RecordFailure(p.opts.Node, status.OpReceive.String())
	p.failStatus(status.OpReceive, fatal)
	p.fault(ctx, fatal, nil)
}

func (p *Pump) reportFailure(ctx context.Context, err error, env *envelope.Envelope) {
	p.transition(ErrorRecoveryReported)
	p.opts.Logger.Error("Failed to process message", err, logging.LogFields{logging.FieldEndpoint: p.endpoint})
	p.opts.Metrics.RecordFailure(p.opts.Node, status.OpReceive.String())
	p.failStatus(status.OpReceive, err)
	p.fault(ctx, err, env)
}

func (p *Pump) failStatus(op status.Op, err error) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.reported = true
	if p.opts.Status != nil {
		p.opts.Status.Fail(op, err)
	}
}

func (p *Pump) fault(ctx context.Context, err error, env *envelope.Envelope) {
	if p.opts.OnFault != nil {
		p.opts.OnFault(ctx, err, env)
	}
}

// transition moves between Active and ErrorRecoveryReported; it never leaves
// Closed.
func (p *Pump) transition(to State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Closed {
		return
	}
	p.state = to
}

func (p *Pump) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// Close stops forwarding and closes the binding. It is safe from any state,
// including Idle and a Pump created without a binding.
func (p *Pump) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.state == Closed {
		p.mu.Unlock()
		return nil
	}
	p.state = Closed
	p.mu.Unlock()

	if p.binding == nil {
		return nil
	}
	return p.binding.Close(ctx)
}
