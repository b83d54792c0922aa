package backend

import (
	"fmt"
	"mime"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
)

// DefaultContentType is applied to outbound messages that do not carry one.
const DefaultContentType = "application/json"

// IsJSONContentType reports whether the content type denotes a JSON body
// ("application/json", "application/cloudevents+json", ...).
func IsJSONContentType(contentType string) bool {
	mediaType := mediaTypeOf(contentType)
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// IsProtobufContentType reports whether the content type denotes a binary protobuf body.
func IsProtobufContentType(contentType string) bool {
	switch mediaTypeOf(contentType) {
	case "application/protobuf", "application/x-protobuf", "application/vnd.google.protobuf":
		return true
	}
	return false
}

// MarshalBody serialises a body for the wire according to its content type.
// Byte slices and strings pass through unchanged; protobuf messages use
// protojson for JSON content types and binary encoding otherwise; anything
// else must be JSON-marshalable.
func MarshalBody(body any, contentType string) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		if IsJSONContentType(contentType) {
			return []byte("null"), nil
		}
		return nil, nil
	case []byte:
		return v, nil
	case string:
		if IsJSONContentType(contentType) {
			return jsoncodec.Marshal(v)
		}
		return []byte(v), nil
	case proto.Message:
		if IsJSONContentType(contentType) {
			return protojson.Marshal(v)
		}
		return proto.Marshal(v)
	}

	if IsProtobufContentType(contentType) {
		return nil, fmt.Errorf("body of type %T cannot be encoded as %s", body, contentType)
	}
	data, err := jsoncodec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("body of type %T is not JSON serialisable: %w", body, err)
	}
	return data, nil
}

// UnmarshalBody turns wire bytes back into a body value: JSON content types
// decode into generic Go values, text content types become strings and
// everything else stays a byte slice.
func UnmarshalBody(data []byte, contentType string) (any, error) {
	if IsJSONContentType(contentType) {
		if len(data) == 0 {
			return nil, nil
		}
		var v any
		if err := jsoncodec.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return v, nil
	}
	if strings.HasPrefix(mediaTypeOf(contentType), "text/") {
		return string(data), nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func mediaTypeOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}
