// Package monitor serves the latest status of every node over HTTP.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drblury/flowbus/internal/runtime/config"
	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
	"github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/metrics"
	"github.com/drblury/flowbus/internal/runtime/status"
)

// DefaultPort is used when the monitor is enabled without a port.
const DefaultPort = 8081

// Board keeps the latest snapshot per node. It is a status.Observer.
type Board struct {
	mu    sync.RWMutex
	nodes map[string]status.Snapshot
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{nodes: make(map[string]status.Snapshot)}
}

// StatusChanged records s as the latest snapshot of its node.
func (b *Board) StatusChanged(s status.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[s.Node] = s
}

// Forget drops a node, e.g. after it was removed from the flow.
func (b *Board) Forget(node string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, node)
}

// Snapshots returns every node's latest snapshot sorted by node name.
func (b *Board) Snapshots() []status.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]status.Snapshot, 0, len(b.nodes))
	for _, s := range b.nodes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// Get returns the latest snapshot of one node.
func (b *Board) Get(node string) (status.Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.nodes[node]
	return s, ok
}

// Server exposes a Board, and optionally metrics, over HTTP.
type Server struct {
	board          *Board
	metrics        *metrics.Metrics
	logger         logging.ServiceLogger
	allowedOrigins []string

	mu     sync.Mutex
	server *http.Server
}

// NewServer builds a server for board. m may be nil to omit /metrics.
func NewServer(board *Board, m *metrics.Metrics, allowedOrigins []string, logger logging.ServiceLogger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{board: board, metrics: m, allowedOrigins: allowedOrigins, logger: logger}
}

// Handler returns the monitor routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/nodes", s.handleGetNodes)
	mux.HandleFunc("/api/nodes/{name}", s.handleGetNode)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start listens on addr in the background. Listen errors other than a
// graceful shutdown are logged.
func (s *Server) Start(addr string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("Starting HTTP server", logging.LogFields{"address": addr})
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Failed to start HTTP server", err, logging.LogFields{"address": addr})
		}
	}()
}

// Shutdown stops a started server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// StartFromConfig starts a server when cfg enables the monitor and returns it,
// or returns nil.
func StartFromConfig(cfg config.Config, board *Board, m *metrics.Metrics, logger logging.ServiceLogger) *Server {
	if !cfg.MonitorEnabled {
		return nil
	}
	port := cfg.MonitorPort
	if port == 0 {
		port = DefaultPort
	}
	if !cfg.MetricsEnabled {
		m = nil
	}
	srv := NewServer(board, m, cfg.MonitorCORSAllowedOrigins, logger)
	srv.Start(fmt.Sprintf(":%d", port))
	return srv
}

func (s *Server) handleGetNodes(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r) {
		return
	}
	s.writeJSON(w, s.board.Snapshots())
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r) {
		return
	}
	snapshot, ok := s.board.Get(r.PathValue("name"))
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, snapshot)
}

// preflight sets CORS headers and reports whether the request should be
// served further.
func (s *Server) preflight(w http.ResponseWriter, r *http.Request) bool {
	if len(s.allowedOrigins) > 0 {
		if allowed := s.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return false
	case http.MethodGet, http.MethodHead:
		return true
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return false
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode node status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
