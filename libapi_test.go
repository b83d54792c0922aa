package flowbus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBundledBackendsAreRegistered(t *testing.T) {
	for _, scheme := range []string{"memory", "amqp", "amqps", "kafka", "nats", "jetstream", "aws", "http", "https", "postgres", "postgresql", "sqlite"} {
		if !DefaultBackendRegistry.Has(scheme) {
			t.Errorf("backend %q is not registered", scheme)
		}
	}
	if caps := GetCapabilities("memory"); !caps.SupportsQueues || !caps.SupportsTopics {
		t.Fatalf("unexpected memory capabilities %+v", caps)
	}
}

func TestNodeTypeExports(t *testing.T) {
	for _, name := range []string{TypeReceiveQueue, TypeReceiveTopic, TypeSendQueue, TypeSendTopic} {
		if _, err := NodeTypeFor(name); err != nil {
			t.Errorf("NodeTypeFor(%q) failed: %v", name, err)
		}
	}
	if _, err := NodeTypeFor("servicebus-peek"); !errors.Is(err, ErrUnknownNodeType) {
		t.Fatalf("expected unknown node type error, got %v", err)
	}
}

func TestValidateConfigExport(t *testing.T) {
	if err := ValidateConfig(&Config{Type: TypeSendQueue}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateConfig(&Config{}); err == nil {
		t.Fatal("expected error for missing node type")
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestRedactConnectionStringExport(t *testing.T) {
	got := RedactConnectionString("Endpoint=sb://ns/;SharedAccessKeyName=app;SharedAccessKey=secret")
	if got == "" || strings.Contains(got, "SharedAccessKey=secret") {
		t.Fatalf("expected redacted connection string, got %q", got)
	}
}

func TestCreateULIDExport(t *testing.T) {
	if a, b := CreateULID(), CreateULID(); a == "" || a == b {
		t.Fatalf("expected unique ids, got %q and %q", a, b)
	}
}

func TestQueueRoundTripThroughService(t *testing.T) {
	svc, err := TryNewService(&Config{}, nil, ServiceDependencies{})
	if err != nil {
		t.Fatalf("TryNewService failed: %v", err)
	}

	received := make(chan Envelope, 1)
	if _, err := svc.AddNode(Config{
		Name:             "orders-in",
		Type:             TypeReceiveQueue,
		ConnectionString: "memory://libapi-test",
		Queue:            "orders",
	}, func(_ context.Context, env Envelope) error {
		received <- env
		return nil
	}, nil); err != nil {
		t.Fatalf("AddNode receiver failed: %v", err)
	}

	sender, err := svc.AddNode(Config{
		Name:             "orders-out",
		Type:             TypeSendQueue,
		ConnectionString: "memory://libapi-test",
		Queue:            "orders",
	}, nil, nil)
	if err != nil {
		t.Fatalf("AddNode sender failed: %v", err)
	}

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = svc.Shutdown(ctx) }()

	req := RequestFromFlow(FlowMessage{Payload: map[string]any{"id": 1.0}})
	if err := sender.HandleInbound(ctx, req, nil); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}

	select {
	case env := <-received:
		if env.ContentType != "application/json" {
			t.Errorf("content type = %q, want application/json", env.ContentType)
		}
		if env.Topic != "" {
			t.Errorf("queue envelope topic = %q, want empty", env.Topic)
		}
		if env.FlowMessage().Message.ID == "" {
			t.Error("expected message id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	if got := sender.Status().Indicator; got.Text != "OK" || got.Shape != "dot" {
		t.Errorf("sender indicator = %+v, want green dot OK", got)
	}
}

func TestParseConfigExport(t *testing.T) {
	f, err := ParseConfig([]byte("nodes:\n  - name: out\n    type: servicebus-send-topic\n    topic: events\n"))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if len(f.Nodes) != 1 || f.Nodes[0].Type != TypeSendTopic {
		t.Fatalf("unexpected nodes %+v", f.Nodes)
	}
}
