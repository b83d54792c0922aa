package errors

import (
	sterrors "errors"
	"fmt"
)

// Sentinel kinds. Typed errors below match them with errors.Is.
var (
	ErrConfigInvalid          = sterrors.New("flowbus: configuration invalid")
	ErrBind                   = sterrors.New("flowbus: backend rejected binding")
	ErrSend                   = sterrors.New("flowbus: send failed")
	ErrReceiveProcessing      = sterrors.New("flowbus: message processing failed")
	ErrBackendFatal           = sterrors.New("flowbus: backend subscription fault")
	ErrEncode                 = sterrors.New("flowbus: message encoding failed")
	ErrHandleClosed           = sterrors.New("flowbus: connection handle is closed")
	ErrNotConfigured          = sterrors.New("flowbus: connection string is not configured")
	ErrAlreadyBound           = sterrors.New("flowbus: connection handle is already bound")
	ErrNotBound               = sterrors.New("flowbus: node is not bound")
	ErrUnsupportedDirection   = sterrors.New("flowbus: operation not supported by this node")
	ErrQueueNameRequired      = sterrors.New("flowbus: queue name is required")
	ErrTopicNameRequired      = sterrors.New("flowbus: topic name is required")
	ErrSubscriptionRequired   = sterrors.New("flowbus: subscription name is required to receive from a topic")
	ErrUnknownEndpointKind    = sterrors.New("flowbus: unknown endpoint kind")
	ErrUnknownNodeType        = sterrors.New("flowbus: unknown node type")
	ErrSinkRequired           = sterrors.New("flowbus: downstream sink is required")
	ErrConnectionStringScheme = sterrors.New("flowbus: unsupported connection string scheme")
	ErrDuplicateNodeName      = sterrors.New("flowbus: node name is already in use")
	ErrServiceStarted         = sterrors.New("flowbus: service is already started")
)

// ConfigInvalidError reports a local misconfiguration detected before any
// backend call.
type ConfigInvalidError struct {
	Field string
	Err   error
}

func (e *ConfigInvalidError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", ErrConfigInvalid, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrConfigInvalid, e.Field, e.Err)
}

func (e *ConfigInvalidError) Unwrap() []error { return []error{ErrConfigInvalid, e.Err} }

// ConfigInvalid wraps err as a ConfigInvalidError for field.
func ConfigInvalid(field string, err error) error {
	return &ConfigInvalidError{Field: field, Err: err}
}

// OpError is a backend-facing failure tagged with its kind, the operation that
// failed and the endpoint it targeted.
type OpError struct {
	Kind     error
	Op       string
	Endpoint string
	Err      error
}

func (e *OpError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.Endpoint, e.Err)
}

func (e *OpError) Unwrap() []error { return []error{e.Kind, e.Err} }

// BindError wraps a backend rejection of sender/receiver creation.
func BindError(op, endpoint string, err error) error {
	return &OpError{Kind: ErrBind, Op: op, Endpoint: endpoint, Err: err}
}

// SendError wraps a failed send for the fault path.
func SendError(endpoint string, err error) error {
	return &OpError{Kind: ErrSend, Op: "send", Endpoint: endpoint, Err: err}
}

// ReceiveProcessingError wraps a decode or forward failure of one message.
func ReceiveProcessingError(op, endpoint string, err error) error {
	return &OpError{Kind: ErrReceiveProcessing, Op: op, Endpoint: endpoint, Err: err}
}

// BackendFatalError wraps a fault signalled by the subscription error channel.
func BackendFatalError(endpoint string, err error) error {
	return &OpError{Kind: ErrBackendFatal, Op: "subscribe", Endpoint: endpoint, Err: err}
}

// EncodeError wraps a payload that cannot be serialised for the wire.
func EncodeError(err error) error {
	return &OpError{Kind: ErrEncode, Op: "encode", Err: err}
}
