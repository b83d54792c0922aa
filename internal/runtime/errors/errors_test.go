package errors

import (
	"errors"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrConfigInvalid", ErrConfigInvalid, "flowbus: configuration invalid"},
		{"ErrBind", ErrBind, "flowbus: backend rejected binding"},
		{"ErrSend", ErrSend, "flowbus: send failed"},
		{"ErrHandleClosed", ErrHandleClosed, "flowbus: connection handle is closed"},
		{"ErrSubscriptionRequired", ErrSubscriptionRequired, "flowbus: subscription name is required to receive from a topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigInvalidError(t *testing.T) {
	err := ConfigInvalid("queue", ErrQueueNameRequired)

	want := "flowbus: configuration invalid: queue: flowbus: queue name is required"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrConfigInvalid) {
		t.Error("errors.Is should match ErrConfigInvalid")
	}
	if !errors.Is(err, ErrQueueNameRequired) {
		t.Error("errors.Is should match the wrapped cause")
	}

	var cfgErr *ConfigInvalidError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigInvalidError, got %T", err)
	}
	if cfgErr.Field != "queue" {
		t.Errorf("Field = %q, want queue", cfgErr.Field)
	}
}

func TestOpErrors(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name    string
		err     error
		kind    error
		wantMsg string
	}{
		{"bind", BindError("create sender", "orders", cause), ErrBind, "flowbus: backend rejected binding: create sender orders: connection refused"},
		{"send", SendError("orders", cause), ErrSend, "flowbus: send failed: send orders: connection refused"},
		{"receive", ReceiveProcessingError("decode", "events/sub1", cause), ErrReceiveProcessing, "flowbus: message processing failed: decode events/sub1: connection refused"},
		{"fatal", BackendFatalError("events/sub1", cause), ErrBackendFatal, "flowbus: backend subscription fault: subscribe events/sub1: connection refused"},
		{"encode", EncodeError(cause), ErrEncode, "flowbus: message encoding failed: encode: connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
			if !errors.Is(tt.err, tt.kind) {
				t.Errorf("errors.Is(%v) should match kind %v", tt.err, tt.kind)
			}
			if !errors.Is(tt.err, cause) {
				t.Error("errors.Is should match the original cause")
			}
		})
	}
}
