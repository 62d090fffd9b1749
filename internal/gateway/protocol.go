package gateway

import (
	"errors"
	"fmt"

	"github.com/switchyard-io/switchyard/pkg/json"
)

// Client intents.
const (
	IntentSubscribe   = "subscribe"
	IntentUnsubscribe = "unsubscribe"
	IntentPublish     = "publish"
	IntentPing        = "ping"

	// Server-originated intents.
	IntentMessage = "message"
	IntentPong    = "pong"
)

// Error frame kinds.
const (
	ErrKindMalformed        = "malformed_message"
	ErrKindPermissionDenied = "permission_denied"
	ErrKindUnavailable      = "unavailable"
)

// Frame is the wire unit in both directions:
// {channel, intent, payload, correlation_id}.
type Frame struct {
	Channel       string          `json:"channel,omitempty"`
	Intent        string          `json:"intent"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// ErrorBody describes a rejected frame.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorFrame is returned for rejected frames; the connection stays open.
type ErrorFrame struct {
	Error         ErrorBody `json:"error"`
	CorrelationID *string   `json:"correlation_id"`
}

var errEmptyFrame = errors.New("empty frame")

// decodeFrame parses and validates an inbound client frame.
func decodeFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errEmptyFrame
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	switch f.Intent {
	case IntentSubscribe, IntentUnsubscribe, IntentPublish:
		if f.Channel == "" {
			return nil, fmt.Errorf("intent %s requires a channel", f.Intent)
		}
	case IntentPing:
	case "":
		return nil, errors.New("missing intent")
	default:
		return nil, fmt.Errorf("unknown intent %q", f.Intent)
	}
	return &f, nil
}

// errorFrame serializes a structured error frame. correlationID may be
// empty, in which case the field is null.
func errorFrame(kind, message, correlationID string) []byte {
	ef := ErrorFrame{Error: ErrorBody{Kind: kind, Message: message}}
	if correlationID != "" {
		ef.CorrelationID = &correlationID
	}
	data, err := json.Marshal(ef)
	if err != nil {
		// Static shape; marshal cannot fail on it.
		return []byte(`{"error":{"kind":"internal","message":"encode failure"},"correlation_id":null}`)
	}
	return data
}
