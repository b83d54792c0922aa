package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/drblury/flowbus/backend"
)

// DefaultShutdownTimeout bounds how long closing a node waits for its
// senders and receivers to acknowledge teardown.
const DefaultShutdownTimeout = 10 * time.Second

// Node types, one per endpoint kind and direction.
const (
	TypeReceiveQueue = "servicebus-receive-queue"
	TypeReceiveTopic = "servicebus-receive-topic"
	TypeSendQueue    = "servicebus-send-queue"
	TypeSendTopic    = "servicebus-send-topic"
)

// Config is the per-node configuration supplied by the flow host. Only the
// endpoint fields relevant to the node type are used.
type Config struct {
	// Name is the operator-facing node name; used in logs, metrics and status.
	Name string `yaml:"name"`

	// Type selects the node behaviour; one of the Type* constants.
	Type string `yaml:"type"`

	// ConnectionString is the opaque backend credential and endpoint blob.
	// Leaving it empty keeps the node disconnected.
	ConnectionString string `yaml:"connection_string"`

	// Queue is the queue name for queue nodes.
	Queue string `yaml:"queue"`

	// Topic and Subscription address topic nodes. Subscription is only
	// required for receivers.
	Topic        string `yaml:"topic"`
	Subscription string `yaml:"subscription"`

	// ShutdownTimeout bounds teardown on close. Zero uses DefaultShutdownTimeout.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Metrics configuration.
	MetricsEnabled bool `yaml:"metrics_enabled"`
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int `yaml:"metrics_port"`

	// Monitor configuration.
	MonitorEnabled bool `yaml:"monitor_enabled"`
	// MonitorPort is the port where the status API will be exposed. Defaults to 8081.
	MonitorPort int `yaml:"monitor_port"`
	// MonitorCORSAllowedOrigins specifies allowed origins for CORS. Use "*" for development
	// or specific origins like "https://example.com" for production. Empty disables CORS headers.
	MonitorCORSAllowedOrigins []string `yaml:"monitor_cors_allowed_origins"`
}

// Configured reports whether a connection string was supplied.
func (c *Config) Configured() bool {
	return strings.TrimSpace(c.ConnectionString) != ""
}

// EffectiveShutdownTimeout returns the configured timeout or the default.
func (c *Config) EffectiveShutdownTimeout() time.Duration {
	if c.ShutdownTimeout <= 0 {
		return DefaultShutdownTimeout
	}
	return c.ShutdownTimeout
}

func (c Config) String() string {
	// Create a copy to avoid modifying the original
	copy := c
	if copy.ConnectionString != "" {
		copy.ConnectionString = backend.RedactConnectionString(copy.ConnectionString)
	}
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}

// LogValue keeps the raw connection string out of structured logs.
func (c Config) LogValue() slog.Value {
	conn := c.ConnectionString
	if conn != "" {
		conn = backend.RedactConnectionString(conn)
	}
	return slog.GroupValue(
		slog.String("name", c.Name),
		slog.String("type", c.Type),
		slog.String("connection_string", conn),
		slog.String("queue", c.Queue),
		slog.String("topic", c.Topic),
		slog.String("subscription", c.Subscription),
		slog.Duration("shutdown_timeout", c.ShutdownTimeout),
	)
}

// Validate checks the settings that do not depend on the endpoint. Endpoint
// fields are validated by the binder so an incomplete node can still start in
// the disconnected state.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateType()...)
	errs = append(errs, c.validateTimeouts()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

func (c *Config) validateType() []error {
	switch c.Type {
	case TypeReceiveQueue, TypeReceiveTopic, TypeSendQueue, TypeSendTopic:
		return nil
	case "":
		return []error{errors.New("type: node type is required")}
	default:
		return []error{fmt.Errorf("type: unknown node type %q", c.Type)}
	}
}

func (c *Config) validateTimeouts() []error {
	if c.ShutdownTimeout < 0 {
		return []error{errors.New("shutdown: timeout cannot be negative")}
	}
	return nil
}

func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if c.MonitorPort < 0 || c.MonitorPort > 65535 {
		errs = append(errs, fmt.Errorf("monitor: invalid port %d", c.MonitorPort))
	}
	return errs
}

// ValidateSurfaces checks only the settings a host process uses for itself:
// the shutdown timeout and the metrics and monitor ports.
func (c *Config) ValidateSurfaces() error {
	errs := c.validateTimeouts()
	errs = append(errs, c.validatePorts()...)
	return errors.Join(errs...)
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
