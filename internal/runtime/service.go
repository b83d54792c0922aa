package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowbus/backend"
	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/metrics"
	"github.com/drblury/flowbus/internal/runtime/monitor"
	"github.com/drblury/flowbus/internal/runtime/node"
	"github.com/drblury/flowbus/internal/runtime/status"
)

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	// Registry resolves connection-string schemes. Defaults to backend.DefaultRegistry.
	Registry *backend.Registry
	// Tracer is handed to every node. Defaults to the global tracer provider.
	Tracer trace.Tracer
	// PrometheusRegistry receives the node collectors when metrics are
	// enabled. Nil uses the Prometheus default registry.
	PrometheusRegistry *prometheus.Registry
	// Observers are notified of every status change of every node.
	Observers []status.Observer
}

// Service hosts the flow nodes of one process. Nodes share the backend
// registry, the metrics collectors and one status board, which the monitor
// server exposes when Conf enables it.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	deps    ServiceDependencies
	metrics *metrics.Metrics
	board   *monitor.Board

	nodes   []*node.Node
	names   map[string]struct{}
	nodesMu sync.RWMutex
	started bool

	httpServers   map[int]*http.ServeMux
	servers       []*http.Server
	monitor       *monitor.Server
	httpServersMu sync.Mutex

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewService constructs a Service for the supplied configuration. Add nodes
// on the returned Service before calling Start. It panics when conf is invalid.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	svc, err := TryNewService(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return svc
}

// TryNewService is NewService returning configuration errors instead of panicking.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		conf = &configpkg.Config{}
	}
	if err := conf.ValidateSurfaces(); err != nil {
		return nil, errspkg.ConfigInvalid("service", err)
	}
	if log == nil {
		log = loggingpkg.Nop()
	}

	log.Info("Creating flow service", loggingpkg.LogFields{
		"metrics_enabled": conf.MetricsEnabled,
		"monitor_enabled": conf.MonitorEnabled,
	})

	s := &Service{
		Conf:   conf,
		Logger: log,
		deps:   deps,
		board:  monitor.NewBoard(),
		names:  make(map[string]struct{}),
	}

	if conf.MetricsEnabled {
		m := metrics.New(deps.PrometheusRegistry)
		if err := m.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.metrics = m
	}
	return s, nil
}

// AddNode creates a node for cfg and attaches it to the service. An empty
// name is replaced by "<type>-<n>". Receive nodes need a sink.
func (s *Service) AddNode(cfg configpkg.Config, sink node.Sink, onFault node.FaultFunc) (*node.Node, error) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	if s.started {
		return nil, errspkg.ErrServiceStarted
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("%s-%d", cfg.Type, len(s.nodes)+1)
	}
	if _, taken := s.names[cfg.Name]; taken {
		return nil, errspkg.ConfigInvalid("name", fmt.Errorf("%w: %q", errspkg.ErrDuplicateNodeName, cfg.Name))
	}

	n, err := node.New(cfg, node.Options{
		Logger:    s.Logger,
		Registry:  s.deps.Registry,
		Metrics:   s.metrics,
		Tracer:    s.deps.Tracer,
		Observers: s.deps.Observers,
		Sink:      sink,
		OnFault:   onFault,
	})
	if err != nil {
		return nil, err
	}

	// Watch pushes the initial snapshot so the board lists idle nodes too.
	n.Watch(s.board)
	s.nodes = append(s.nodes, n)
	s.names[cfg.Name] = struct{}{}
	s.Logger.Debug("Registered node", loggingpkg.LogFields{
		loggingpkg.FieldNode:     cfg.Name,
		loggingpkg.FieldNodeType: cfg.Type,
		"config":                 cfg,
	})
	return n, nil
}

// Nodes returns the nodes in the order they were added.
func (s *Service) Nodes() []*node.Node {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	out := make([]*node.Node, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// Board returns the status board shared by every node.
func (s *Service) Board() *monitor.Board { return s.board }

// Metrics returns the collectors, or nil when metrics are disabled.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Start serves the configured HTTP endpoints and starts every node. A node
// that fails to start keeps its error status; the others run regardless. The
// start errors are returned joined.
func (s *Service) Start(ctx context.Context) error {
	s.nodesMu.Lock()
	if s.started {
		s.nodesMu.Unlock()
		return errspkg.ErrServiceStarted
	}
	s.started = true
	nodes := make([]*node.Node, len(s.nodes))
	copy(nodes, s.nodes)
	s.nodesMu.Unlock()

	s.startHTTPServers()

	var errs []error
	for _, n := range nodes {
		if err := n.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Run starts the service and blocks until ctx is cancelled, then shuts it
// down within the configured shutdown timeout.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		if errors.Is(err, errspkg.ErrServiceStarted) {
			return err
		}
		s.Logger.Error("Some nodes failed to start", err, nil)
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Conf.EffectiveShutdownTimeout())
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown closes every node and stops the HTTP servers. Repeated calls
// return the result of the first.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		var errs []error
		for _, n := range s.Nodes() {
			if err := n.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("node %s: %w", n.Name(), err))
			}
		}

		s.httpServersMu.Lock()
		servers := s.servers
		mon := s.monitor
		s.servers = nil
		s.monitor = nil
		s.httpServersMu.Unlock()

		for _, srv := range servers {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if mon != nil {
			if err := mon.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		s.shutdownErr = errors.Join(errs...)
		s.Logger.Info("Flow service stopped", loggingpkg.LogFields{"nodes": len(s.Nodes())})
	})
	return s.shutdownErr
}

// RegisterHTTPHandler adds handler to the server listening on port. Servers
// are started by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) monitorPort() int {
	if !s.Conf.MonitorEnabled {
		return 0
	}
	if s.Conf.MonitorPort == 0 {
		return monitor.DefaultPort
	}
	return s.Conf.MonitorPort
}

func (s *Service) startHTTPServers() {
	// The monitor serves /metrics itself when both share a port.
	if s.metrics != nil && s.Conf.MetricsPort > 0 && s.Conf.MetricsPort != s.monitorPort() {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", s.metrics.Handler())
	}

	mon := monitor.StartFromConfig(*s.Conf, s.board, s.metrics, s.Logger)

	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	s.monitor = mon
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.servers = append(s.servers, srv)

		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}
