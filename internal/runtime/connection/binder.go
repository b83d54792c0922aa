package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/internal/runtime/endpoint"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	"github.com/drblury/flowbus/internal/runtime/logging"
)

// Binding ties one descriptor to a live backend sender or receiver on a
// Handle. It is closed exactly once.
type Binding struct {
	handle     *Handle
	descriptor endpoint.Descriptor
	direction  endpoint.Direction
	sender     backend.Sender
	receiver   backend.Receiver

	closeOnce sync.Once
}

// BindSender validates desc for sending and creates a backend sender.
func BindSender(ctx context.Context, h *Handle, desc endpoint.Descriptor) (*Binding, error) {
	return bind(ctx, h, desc, endpoint.Send)
}

// BindReceiver validates desc for receiving and creates a backend receiver.
// The receiver is not subscribed yet.
func BindReceiver(ctx context.Context, h *Handle, desc endpoint.Descriptor) (*Binding, error) {
	return bind(ctx, h, desc, endpoint.Receive)
}

func bind(ctx context.Context, h *Handle, desc endpoint.Descriptor, dir endpoint.Direction) (*Binding, error) {
	if err := desc.Validate(dir); err != nil {
		return nil, err
	}
	if err := h.acquire(); err != nil {
		return nil, err
	}

	op := "create " + dir.String() + "r"
	if err := checkCapabilities(h.capabilities, desc); err != nil {
		h.unreserve()
		return nil, errspkg.BindError(op, desc.String(), err)
	}

	b := &Binding{handle: h, descriptor: desc, direction: dir}
	dest := desc.Destination(dir)

	var err error
	if dir == endpoint.Send {
		b.sender, err = h.client.CreateSender(ctx, dest)
	} else {
		b.receiver, err = h.client.CreateReceiver(ctx, dest)
	}
	if err != nil {
		h.unreserve()
		h.logger.Error("Backend rejected binding", err, logging.LogFields{logging.FieldEndpoint: desc.String()})
		return nil, errspkg.BindError(op, desc.String(), err)
	}

	if !h.attach(b) {
		_ = b.closeBackend(context.WithoutCancel(ctx))
		return nil, errspkg.ErrHandleClosed
	}

	h.logger.Debug("Endpoint bound", logging.LogFields{
		logging.FieldEndpoint: desc.String(),
		"kind":                desc.Kind.String(),
		"direction":           dir.String(),
	})
	return b, nil
}

// checkCapabilities rejects kinds the backend reports it cannot serve. Backends
// registered without capabilities are not checked.
func checkCapabilities(caps backend.Capabilities, desc endpoint.Descriptor) error {
	if !caps.SupportsQueues && !caps.SupportsTopics {
		return nil
	}
	if desc.Kind == endpoint.Queue && !caps.SupportsQueues {
		return fmt.Errorf("%s backend does not support queues", caps.Name)
	}
	if desc.Kind == endpoint.Topic && !caps.SupportsTopics {
		return fmt.Errorf("%s backend does not support topics", caps.Name)
	}
	return nil
}

// Descriptor returns the bound endpoint.
func (b *Binding) Descriptor() endpoint.Descriptor { return b.descriptor }

// Direction reports whether the binding sends or receives.
func (b *Binding) Direction() endpoint.Direction { return b.direction }

// Sender returns the backend sender, or nil for receive bindings.
func (b *Binding) Sender() backend.Sender { return b.sender }

// Receiver returns the backend receiver, or nil for send bindings.
func (b *Binding) Receiver() backend.Receiver { return b.receiver }

// Close closes the backend sender or receiver and detaches the binding from
// its Handle. Only the first call can fail; later calls return nil.
func (b *Binding) Close(ctx context.Context) error {
	if b == nil {
		return nil
	}
	var err error
	b.closeOnce.Do(func() {
		b.handle.logger.Info(fmt.Sprintf("Closing %sr for %s", b.direction, b.descriptor), logging.LogFields{
			logging.FieldEndpoint: b.descriptor.String(),
		})
		err = b.closeBackend(ctx)
		if err != nil {
			b.handle.logger.Error("Failed to close binding", err, logging.LogFields{logging.FieldEndpoint: b.descriptor.String()})
		}
		b.handle.release(b)
	})
	return err
}

func (b *Binding) closeBackend(ctx context.Context) error {
	if b.sender != nil {
		return b.sender.Close(ctx)
	}
	if b.receiver != nil {
		return b.receiver.Close(ctx)
	}
	return nil
}
