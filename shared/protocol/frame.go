// Package protocol defines the JSON-RPC 2.0-shaped wire protocol carried over
// the single duplex stream between the server and an agent. A Frame is one of
// three variants — Request, Response, Notification — matching the envelope
// every fleetline connection speaks from the first authenticated frame
// onward. Handshake-specific frames (register/authenticate) are defined
// separately in handshake.go, since they precede the steady-state protocol.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MaxFrameBytes is the maximum size, in bytes, of a single encoded frame.
// Frames larger than this are a protocol violation and close the stream.
const MaxFrameBytes = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned by Decode when the input exceeds MaxFrameBytes.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// ErrMalformedFrame is returned when a frame does not match any of the three
// recognized variants (missing jsonrpc version, or both/neither of id+method
// shaped correctly).
var ErrMalformedFrame = errors.New("protocol: malformed frame")

const jsonrpcVersion = "2.0"

// Kind identifies which of the three Frame variants a decoded value is.
type Kind int

const (
	// KindRequest is a call expecting a Response correlated by ID.
	KindRequest Kind = iota
	// KindResponse is a reply to a previously sent Request, matched by ID.
	KindResponse
	// KindNotification carries no ID and expects no reply.
	KindNotification
)

// RPCError is the error object carried in a Response when the call failed.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// wireFrame is the shape every frame is encoded/decoded through. Request,
// Response, and Notification are all projections of this struct — exactly
// one combination of ID/Method/Params/Result/Error is populated depending on
// Kind.
type wireFrame struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      string    `json:"id,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// Frame is the parsed, validated representation of one wire message.
// Downstream code switches on Kind and reads only the fields that variant
// defines — never the raw map.
type Frame struct {
	Kind   Kind
	ID     string
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *RPCError
}

// NewRequest builds a Request frame with a fresh correlation ID.
func NewRequest(method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: marshal request params: %w", err)
	}
	return Frame{
		Kind:   KindRequest,
		ID:     uuid.NewString(),
		Method: method,
		Params: raw,
	}, nil
}

// NewNotification builds a Notification frame (no ID, no reply expected).
func NewNotification(method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: marshal notification params: %w", err)
	}
	return Frame{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResult builds a successful Response frame correlated to id.
func NewResult(id string, result any) (Frame, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: marshal response result: %w", err)
	}
	return Frame{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewError builds a failed Response frame correlated to id.
func NewError(id string, code int, message string, data any) Frame {
	return Frame{Kind: KindResponse, ID: id, Err: &RPCError{Code: code, Message: message, Data: data}}
}

// Encode serializes f to its wire representation. Returns ErrFrameTooLarge if
// the result would exceed MaxFrameBytes — callers must not send it.
func (f Frame) Encode() ([]byte, error) {
	w := wireFrame{JSONRPC: jsonrpcVersion, ID: f.ID, Method: f.Method, Error: f.Err}
	if f.Params != nil {
		w.Params = f.Params
	}
	if f.Result != nil {
		w.Result = f.Result
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// Decode parses raw bytes into a Frame and classifies its Kind. Oversized
// input is rejected before JSON parsing so a single frame cannot force a
// wasted allocation-then-reject.
func Decode(raw []byte) (Frame, error) {
	if len(raw) > MaxFrameBytes {
		return Frame{}, ErrFrameTooLarge
	}

	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if w.JSONRPC != jsonrpcVersion {
		return Frame{}, fmt.Errorf("%w: unexpected jsonrpc version %q", ErrMalformedFrame, w.JSONRPC)
	}

	switch {
	case w.ID != "" && w.Method != "":
		return Frame{Kind: KindRequest, ID: w.ID, Method: w.Method, Params: asRaw(w.Params)}, nil
	case w.ID != "" && w.Method == "":
		if w.Result == nil && w.Error == nil {
			return Frame{}, fmt.Errorf("%w: response has neither result nor error", ErrMalformedFrame)
		}
		if w.Result != nil && w.Error != nil {
			return Frame{}, fmt.Errorf("%w: response has both result and error", ErrMalformedFrame)
		}
		return Frame{Kind: KindResponse, ID: w.ID, Result: asRaw(w.Result), Err: w.Error}, nil
	case w.ID == "" && w.Method != "":
		return Frame{Kind: KindNotification, Method: w.Method, Params: asRaw(w.Params)}, nil
	default:
		return Frame{}, fmt.Errorf("%w: missing id and method", ErrMalformedFrame)
	}
}

// asRaw re-marshals an already-decoded any value back to json.RawMessage so
// callers can unmarshal it a second time into a concrete type. Returns nil if
// v is nil.
func asRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return json.RawMessage(data)
}

// DecodeParams unmarshals a Request or Notification's Params into dst.
func (f Frame) DecodeParams(dst any) error {
	if f.Params == nil {
		return nil
	}
	return json.Unmarshal(f.Params, dst)
}

// DecodeResult unmarshals a successful Response's Result into dst.
func (f Frame) DecodeResult(dst any) error {
	if f.Result == nil {
		return nil
	}
	return json.Unmarshal(f.Result, dst)
}
