package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
)

func TestFlowMessageShape(t *testing.T) {
	env := Decode(&backend.Message{
		Body:        map[string]any{"x": float64(1)},
		ContentType: "application/json",
		MessageID:   "m-1",
	}, "events")

	data, err := jsoncodec.Marshal(env.FlowMessage())
	require.NoError(t, err)
	assert.JSONEq(t, `{"payload":{"x":1},"topic":"events","message":{"contentType":"application/json","id":"m-1"}}`, string(data))
}

func TestRequestFromFlowIgnoresReceiveFields(t *testing.T) {
	var msg FlowMessage
	require.NoError(t, jsoncodec.Unmarshal([]byte(`{
		"payload": {"id": 1},
		"topic": "ignored",
		"message": {"contentType": "text/plain", "id": "ignored", "properties": {"k": "v"}}
	}`), &msg))

	req := RequestFromFlow(msg)
	assert.Equal(t, map[string]any{"id": float64(1)}, req.Payload)
	assert.Equal(t, "text/plain", req.ContentType)
	assert.Equal(t, map[string]any{"k": "v"}, req.Properties)
}
