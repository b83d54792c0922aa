// Package dispatch performs single sends on a send binding.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/internal/runtime/connection"
	"github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	"github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/metrics"
	"github.com/drblury/flowbus/internal/runtime/status"
)

const tracerName = "github.com/drblury/flowbus/internal/runtime/dispatch"

// Options wires the Dispatcher's collaborators. Every field is optional.
type Options struct {
	Node    string
	Status  *status.Reporter
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Dispatcher sends one request per call. It adds no batching, retry or
// serialisation; concurrent calls reach the backend sender concurrently.
type Dispatcher struct {
	binding  *connection.Binding
	sender   backend.Sender
	endpoint string
	topic    string
	opts     Options
	closed   atomic.Bool
}

// New creates a Dispatcher for a send binding. binding may be nil, in which
// case Send fails with ErrNotBound.
func New(binding *connection.Binding, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	d := &Dispatcher{binding: binding, opts: opts}
	if binding != nil {
		d.sender = binding.Sender()
		d.endpoint = binding.Descriptor().String()
		d.topic = binding.Descriptor().Name()
	}
	return d
}

// Send encodes req and performs exactly one backend send. A backend failure
// is returned unchanged; an unserialisable payload fails with an encode
// error before the backend is called.
func (d *Dispatcher) Send(ctx context.Context, req envelope.Request) error {
	if d.sender == nil || d.closed.Load() {
		return errspkg.ErrNotBound
	}

	ctx, span := d.opts.Tracer.Start(ctx, "flowbus.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", d.topic),
			attribute.String("flowbus.endpoint", d.endpoint),
		),
	)
	defer span.End()

	sendReq, err := envelope.Encode(req)
	if err != nil {
		d.fail(span, err)
		return err
	}
	span.SetAttributes(attribute.String("messaging.message.content_type", sendReq.ContentType))

	started := time.Now()
	if err := d.sender.Send(ctx, sendReq); err != nil {
		d.fail(span, err)
		return err
	}

	d.opts.Metrics.RecordSend(d.opts.Node, d.endpoint, time.Since(started))
	if d.opts.Status != nil {
		d.opts.Status.Sent()
	}
	d.opts.Logger.Trace("Message sent", logging.LogFields{
		logging.FieldEndpoint: d.endpoint,
		"content_type":        sendReq.ContentType,
	})
	return nil
}

func (d *Dispatcher) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.opts.Logger.Error("Failed to send message", err, logging.LogFields{logging.FieldEndpoint: d.endpoint})
	d.opts.Metrics.RecordFailure(d.opts.Node, status.OpSend.String())
	if d.opts.Status != nil {
		d.opts.Status.Fail(status.OpSend, err)
	}
}

// Close closes the send binding. Repeated calls return nil.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) || d.binding == nil {
		return nil
	}
	return d.binding.Close(ctx)
}
