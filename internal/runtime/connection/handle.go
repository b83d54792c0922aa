// Package connection owns the backend connection of a node and binds senders
// and receivers to it.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/internal/runtime/config"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	"github.com/drblury/flowbus/internal/runtime/logging"
)

// Option customises Open.
type Option func(*options)

type options struct {
	registry        *backend.Registry
	logger          logging.ServiceLogger
	shutdownTimeout time.Duration
}

// WithRegistry selects the backend registry. Defaults to backend.DefaultRegistry.
func WithRegistry(r *backend.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithLogger sets the logger used for connection lifecycle records.
func WithLogger(l logging.ServiceLogger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithShutdownTimeout overrides the configured teardown bound.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// Handle is one logical backend connection. The zero value is not usable;
// call Open.
type Handle struct {
	client          backend.Client
	capabilities    backend.Capabilities
	endpoint        string
	logger          logging.ServiceLogger
	shutdownTimeout time.Duration

	mu       sync.Mutex
	bound    bool
	closed   bool
	bindings map[*Binding]struct{}
	closeErr error
}

// Open connects to the backend named by cfg.ConnectionString. An empty
// connection string yields an unconfigured Handle and no error: the node
// stays disconnected and nothing is retried.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Handle, error) {
	o := options{
		registry:        backend.DefaultRegistry,
		logger:          logging.Nop(),
		shutdownTimeout: cfg.EffectiveShutdownTimeout(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Handle{
		logger:          o.logger,
		shutdownTimeout: o.shutdownTimeout,
		bindings:        make(map[*Binding]struct{}),
	}
	if !cfg.Configured() {
		o.logger.Debug("No connection string configured", nil)
		return h, nil
	}

	conn, err := backend.ParseConnectionString(cfg.ConnectionString)
	if err != nil {
		return nil, errspkg.ConfigInvalid("connectionString", err)
	}
	if !o.registry.Has(conn.Scheme) {
		return nil, errspkg.ConfigInvalid("connectionString",
			fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrConnectionStringScheme, conn.Scheme, o.registry.Schemes()))
	}

	h.endpoint = conn.Redacted()
	h.capabilities = o.registry.GetCapabilities(conn.Scheme)

	client, err := o.registry.Build(ctx, conn, logging.NewWatermillAdapter(o.logger))
	if err != nil {
		return nil, errspkg.BindError("connect", h.endpoint, err)
	}
	h.client = client

	o.logger.Debug("Connection opened", logging.LogFields{
		"backend":  h.capabilities.Name,
		"endpoint": h.endpoint,
	})
	return h, nil
}

// Configured reports whether the Handle holds a backend connection.
func (h *Handle) Configured() bool {
	return h != nil && h.client != nil
}

// Capabilities reports what the connected backend supports.
func (h *Handle) Capabilities() backend.Capabilities {
	if h == nil {
		return backend.Capabilities{}
	}
	return h.capabilities
}

// Endpoint returns the redacted connection endpoint.
func (h *Handle) Endpoint() string {
	if h == nil {
		return ""
	}
	return h.endpoint
}

// Close tears down every binding still attached, waiting at most the
// shutdown timeout, then releases the backend client. Cancelling ctx does not
// interrupt a teardown in progress. Repeated calls return nil.
func (h *Handle) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	dependents := make([]*Binding, 0, len(h.bindings))
	for b := range h.bindings {
		dependents = append(dependents, b)
	}
	h.mu.Unlock()

	if h.client == nil {
		return nil
	}

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownTimeout)
	defer cancel()

	var errs []error
	for _, b := range dependents {
		if err := b.Close(teardownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	h.logger.Info("Closing connection", logging.LogFields{"endpoint": h.endpoint})
	if err := h.client.Close(teardownCtx); err != nil {
		h.logger.Error("Failed to close connection", err, logging.LogFields{"endpoint": h.endpoint})
		errs = append(errs, err)
	}

	h.mu.Lock()
	h.closeErr = errors.Join(errs...)
	h.mu.Unlock()
	return h.closeErr
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// acquire reserves the single binding slot of the Handle.
func (h *Handle) acquire() error {
	if h == nil || h.client == nil {
		return errspkg.ConfigInvalid("connectionString", errspkg.ErrNotConfigured)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errspkg.ErrHandleClosed
	}
	if h.bound {
		return errspkg.ErrAlreadyBound
	}
	h.bound = true
	return nil
}

// attach registers a live binding, or reports that the Handle was closed
// while the backend call was in flight.
func (h *Handle) attach(b *Binding) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.bindings[b] = struct{}{}
	return true
}

// unreserve gives the binding slot back after a failed backend call.
func (h *Handle) unreserve() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bound = false
}

// release detaches a closed binding.
func (h *Handle) release(b *Binding) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bindings, b)
}
