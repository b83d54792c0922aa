package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps connection-string schemes to backend builders and capabilities.
// Backend packages register themselves using Register or RegisterWithCapabilities.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global backend registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a builder for a scheme (e.g. "amqp", "kafka").
func (r *Registry) Register(scheme string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[strings.ToLower(scheme)] = builder
}

// RegisterWithCapabilities adds a builder and its capabilities for a scheme.
func (r *Registry) RegisterWithCapabilities(scheme string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(scheme)
	r.builders[key] = builder
	r.capabilities[key] = caps
}

// GetCapabilities returns the capabilities registered for a scheme.
// Returns a Capabilities value carrying only the name if the scheme is unknown.
func (r *Registry) GetCapabilities(scheme string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[strings.ToLower(scheme)]; ok {
		return caps
	}
	return Capabilities{Name: scheme}
}

// Lookup returns the builder registered for a scheme.
func (r *Registry) Lookup(scheme string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[strings.ToLower(scheme)]
	return b, ok
}

// Build connects to the backend selected by the connection string scheme.
func (r *Registry) Build(ctx context.Context, conn ConnectionString, logger watermill.LoggerAdapter) (Client, error) {
	builder, ok := r.Lookup(conn.Scheme)
	if !ok {
		return nil, fmt.Errorf("unknown backend scheme: %q (registered: %v)", conn.Scheme, r.Schemes())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return builder(ctx, conn, logger)
}

// Schemes returns the sorted list of registered schemes.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemes := make([]string, 0, len(r.builders))
	for scheme := range r.builders {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// Has returns true if a builder is registered for the scheme.
func (r *Registry) Has(scheme string) bool {
	_, ok := r.Lookup(scheme)
	return ok
}

// Register adds a builder to the default registry.
func Register(scheme string, builder Builder) {
	DefaultRegistry.Register(scheme, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to the default registry.
func RegisterWithCapabilities(scheme string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(scheme, builder, caps)
}

// GetCapabilities returns capabilities from the default registry.
func GetCapabilities(scheme string) Capabilities {
	return DefaultRegistry.GetCapabilities(scheme)
}
