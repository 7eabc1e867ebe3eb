package domain

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies the kind of frame sent over the gateway WebSocket.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged with the gateway. One frame per text message.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`      // correlation id (req/res)
	Method  string          `json:"method,omitempty"`  // RPC method (req only)
	Params  json.RawMessage `json:"params,omitempty"`  // request params (req only)
	OK      *bool           `json:"ok,omitempty"`      // outcome (res only)
	Payload json.RawMessage `json:"payload,omitempty"` // result (res) or event body
	Error   *FrameError     `json:"error,omitempty"`   // failure body (res only)
	Event   string          `json:"event,omitempty"`   // event name (event only)
}

// FrameError is the error body of a failed response.
type FrameError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Succeeded reports whether a response frame carries ok=true.
func (f Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}

// IsResponse reports whether f is a response frame with a correlation id.
func (f Frame) IsResponse() bool {
	return f.Type == FrameTypeResponse && f.ID != ""
}

// ResultPayload returns the response payload, or JSON null when absent.
func (f Frame) ResultPayload() json.RawMessage {
	if len(f.Payload) == 0 {
		return json.RawMessage("null")
	}
	return f.Payload
}

// NewRequestFrame builds a request frame. Nil params are encoded as {}.
func NewRequestFrame(id, method string, params any) (Frame, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return Frame{}, fmt.Errorf("encode params for %q: %w", method, err)
	}
	return Frame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponseFrame builds a successful response frame.
func NewResponseFrame(id string, payload any) (Frame, error) {
	ok := true
	f := Frame{Type: FrameTypeResponse, ID: id, OK: &ok}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode payload: %w", err)
	}
	f.Payload = raw
	return f, nil
}

// NewErrorFrame builds a failed response frame.
func NewErrorFrame(id, code, message string) Frame {
	ok := false
	return Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: &FrameError{Code: code, Message: message},
	}
}

// EncodeFrame marshals a frame to its wire form.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses one inbound text message. Anything that is not a JSON
// object with a type field is reported as ErrMalformedFrame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	var raw json.RawMessage
	switch p := params.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 || string(p) == "null" {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("params are not valid JSON")
		}
		raw = p
	case map[string]any:
		if p == nil {
			return json.RawMessage("{}"), nil
		}
	}
	if raw == nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if !IsJSONObject(raw) {
		return nil, fmt.Errorf("%w, got %s", ErrInvalidParams, jsonKind(raw))
	}
	return raw, nil
}

// IsJSONObject reports whether data, which must be valid JSON, encodes an object.
func IsJSONObject(data []byte) bool {
	return jsonKind(data) == "object"
}

func jsonKind(data []byte) string {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return "object"
		case '[':
			return "array"
		case '"':
			return "string"
		case 't', 'f':
			return "boolean"
		case 'n':
			return "null"
		default:
			return "number"
		}
	}
	return "empty"
}
