package node

import (
	"context"

	"github.com/drblury/flowbus/internal/runtime/connection"
	"github.com/drblury/flowbus/internal/runtime/dispatch"
	"github.com/drblury/flowbus/internal/runtime/endpoint"
	"github.com/drblury/flowbus/internal/runtime/pump"
)

// role is the direction-specific half of a node.
type role interface {
	bind(ctx context.Context, h *connection.Handle, desc endpoint.Descriptor) (*connection.Binding, error)
	start(ctx context.Context) error
	close(ctx context.Context) error
}

type sendRole struct {
	opts       dispatch.Options
	dispatcher *dispatch.Dispatcher
}

func (r *sendRole) bind(ctx context.Context, h *connection.Handle, desc endpoint.Descriptor) (*connection.Binding, error) {
	b, err := connection.BindSender(ctx, h, desc)
	if err != nil {
		return nil, err
	}
	r.dispatcher = dispatch.New(b, r.opts)
	return b, nil
}

func (r *sendRole) start(context.Context) error { return nil }

func (r *sendRole) close(ctx context.Context) error {
	if r.dispatcher == nil {
		return nil
	}
	return r.dispatcher.Close(ctx)
}

type receiveRole struct {
	opts pump.Options
	sink pump.Sink
	pump *pump.Pump
}

func (r *receiveRole) bind(ctx context.Context, h *connection.Handle, desc endpoint.Descriptor) (*connection.Binding, error) {
	b, err := connection.BindReceiver(ctx, h, desc)
	if err != nil {
		return nil, err
	}
	r.pump = pump.New(b, r.sink, r.opts)
	return b, nil
}

func (r *receiveRole) start(ctx context.Context) error {
	return r.pump.Start(ctx)
}

func (r *receiveRole) close(ctx context.Context) error {
	if r.pump == nil {
		return nil
	}
	return r.pump.Close(ctx)
}
