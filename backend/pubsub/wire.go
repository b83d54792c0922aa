package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/internal/runtime/ids"
	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
)

// Metadata keys used to carry envelope fields across watermill transports.
const (
	MetadataKeyContentType = "content_type"
	MetadataKeySubject     = "subject"
	MetadataKeyProperties  = "flowbus_properties"
)

// ToMessage converts a send request into a watermill message with a fresh ULID.
func ToMessage(req backend.SendRequest) (*message.Message, error) {
	contentType := req.ContentType
	if contentType == "" {
		contentType = backend.DefaultContentType
	}

	payload := req.Payload
	if payload == nil {
		var err error
		if payload, err = backend.MarshalBody(req.Body, contentType); err != nil {
			return nil, err
		}
	}

	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata.Set(MetadataKeyContentType, contentType)

	if req.ApplicationProperties != nil {
		props, err := jsoncodec.Marshal(req.ApplicationProperties)
		if err != nil {
			return nil, fmt.Errorf("application properties are not serialisable: %w", err)
		}
		msg.Metadata.Set(MetadataKeyProperties, string(props))
	}
	return msg, nil
}

// FromMessage converts a received watermill message into a backend message.
// The payload is copied so the result does not alias transport buffers.
func FromMessage(msg *message.Message) (*backend.Message, error) {
	contentType := msg.Metadata.Get(MetadataKeyContentType)

	body, err := backend.UnmarshalBody(msg.Payload, contentType)
	if err != nil {
		return nil, err
	}

	out := &backend.Message{
		Body:        body,
		ContentType: contentType,
		MessageID:   msg.UUID,
		Subject:     msg.Metadata.Get(MetadataKeySubject),
	}

	if raw := msg.Metadata.Get(MetadataKeyProperties); raw != "" {
		var props map[string]any
		if err := jsoncodec.Unmarshal([]byte(raw), &props); err != nil {
			return nil, fmt.Errorf("invalid application properties: %w", err)
		}
		out.ApplicationProperties = props
	}
	return out, nil
}
