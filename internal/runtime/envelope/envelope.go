// Package envelope converts between backend messages and the envelope shape
// handed to flows.
package envelope

import (
	"fmt"
	"maps"

	"github.com/drblury/flowbus/backend"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
)

// Envelope is the normalised message exchanged with the flow host. ID and
// Subject are only populated on receive, Topic only by topic receivers.
type Envelope struct {
	Payload     any            `json:"payload"`
	ContentType string         `json:"contentType,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	ID          string         `json:"id,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Topic       string         `json:"topic,omitempty"`
}

// Request is an outbound message as supplied by the flow host.
type Request struct {
	Payload     any
	ContentType string
	Properties  map[string]any
}

// Decode builds a fresh envelope from a received message. topic is the queue
// or topic name the message arrived on. Byte slices and maps are copied so the
// envelope never aliases backend buffers.
func Decode(msg *backend.Message, topic string) Envelope {
	if msg == nil {
		return Envelope{Topic: topic}
	}
	env := Envelope{
		Payload:     cloneValue(msg.Body),
		ContentType: msg.ContentType,
		ID:          msg.MessageID,
		Subject:     msg.Subject,
		Topic:       topic,
	}
	if msg.ApplicationProperties != nil {
		env.Properties = cloneMap(msg.ApplicationProperties)
	}
	return env
}

// Encode turns a request into a backend send request, defaulting the content
// type to application/json. The payload is encoded once here; a payload or
// properties that cannot be serialised fail with an encode error. Properties
// are passed through unchanged and stay nil when absent.
func Encode(req Request) (backend.SendRequest, error) {
	contentType := req.ContentType
	if contentType == "" {
		contentType = backend.DefaultContentType
	}
	payload, err := backend.MarshalBody(req.Payload, contentType)
	if err != nil {
		return backend.SendRequest{}, errspkg.EncodeError(err)
	}
	if req.Properties != nil {
		if _, err := jsoncodec.Marshal(req.Properties); err != nil {
			return backend.SendRequest{}, errspkg.EncodeError(fmt.Errorf("application properties are not serialisable: %w", err))
		}
	}
	return backend.SendRequest{
		Body:                  req.Payload,
		ContentType:           contentType,
		ApplicationProperties: req.Properties,
		Payload:               payload,
	}, nil
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	case map[string]any:
		if t == nil {
			return t
		}
		return cloneMap(t)
	case map[string]string:
		if t == nil {
			return t
		}
		return maps.Clone(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
