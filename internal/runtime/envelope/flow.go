package envelope

// FlowMessage is the message shape exchanged with flow hosts:
// {payload, topic, message: {contentType, id, subject, properties}}. Outbound
// flow messages only use payload, message.contentType and message.properties.
type FlowMessage struct {
	Payload any          `json:"payload"`
	Topic   string       `json:"topic,omitempty"`
	Message FlowMetadata `json:"message"`
}

// FlowMetadata carries the broker-level fields of a FlowMessage.
type FlowMetadata struct {
	ContentType string         `json:"contentType,omitempty"`
	ID          string         `json:"id,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// FlowMessage renders the envelope in the host's message shape.
func (e Envelope) FlowMessage() FlowMessage {
	return FlowMessage{
		Payload: e.Payload,
		Topic:   e.Topic,
		Message: FlowMetadata{
			ContentType: e.ContentType,
			ID:          e.ID,
			Subject:     e.Subject,
			Properties:  e.Properties,
		},
	}
}

// RequestFromFlow extracts a send request from a host message. Receive-only
// fields are ignored.
func RequestFromFlow(msg FlowMessage) Request {
	return Request{
		Payload:     msg.Payload,
		ContentType: msg.Message.ContentType,
		Properties:  msg.Message.Properties,
	}
}
