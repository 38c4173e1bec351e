// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc2 implements the JSON-RPC 2.0 wire protocol: message
// encoding, the request/response/notification envelope, and a connection
// that dispatches and correlates messages over an abstract transport.
package jsonrpc2

import (
	"encoding/json"
	"fmt"
)

// Reserved JSON-RPC 2.0 error codes, plus the application-defined range
// used by this package's own diagnostics.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// codeConnectionClosed is returned to callers still awaiting a response
	// when their connection is torn down.
	codeConnectionClosed = -32000
)

// ID is a JSON-RPC request identifier: a string, an integer, or absent.
// The zero ID is invalid; use [Int64ID] or [StringID] to construct one.
type ID struct {
	str      string
	num      int64
	isString bool
	valid    bool
}

// Int64ID returns a numeric request ID.
func Int64ID(i int64) ID { return ID{num: i, valid: true} }

// StringID returns a string request ID.
func StringID(s string) ID { return ID{str: s, isString: true, valid: true} }

// IsValid reports whether the ID was set. Notifications carry an invalid ID.
func (id ID) IsValid() bool { return id.valid }

// Raw returns the underlying string or int64 value, or nil if the ID is invalid.
func (id ID) Raw() any {
	if !id.valid {
		return nil
	}
	if id.isString {
		return id.str
	}
	return id.num
}

func (id ID) String() string {
	if !id.valid {
		return "<invalid>"
	}
	if id.isString {
		return id.str
	}
	return fmt.Sprintf("%d", id.num)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if !id.valid {
		return []byte("null"), nil
	}
	if id.isString {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	*id = ID{}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = StringID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = Int64ID(n)
		return nil
	}
	return fmt.Errorf("jsonrpc2: invalid ID %s", data)
}

// A Message is either a [Request] or a [Response].
type Message interface {
	isJSONRPC2Message()
}

// A Request is a JSON-RPC call (ID is valid) or notification (ID is invalid).
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     ID              `json:"id,omitempty"`
}

func (*Request) isJSONRPC2Message() {}

// IsCall reports whether the request expects a response.
func (r *Request) IsCall() bool { return r.ID.IsValid() }

// A Response carries the result of a [Request] with a valid ID.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

func (*Response) isJSONRPC2Message() {}

// A WireError is the on-the-wire representation of a JSON-RPC error object,
// and the error type returned to callers of [Connection.Call].
type WireError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return e.Message
}

// NewError returns a [WireError] with the given code and message.
func NewError(code int64, message string) *WireError {
	return &WireError{Code: int64(code), Message: message}
}

// Sentinel application errors, matching the reserved JSON-RPC error codes.
// These are returned directly by handlers, and also serve as targets for
// errors.Is after being wrapped with %w.
var (
	ErrParseError     = NewError(CodeParseError, "parse error")
	ErrInvalidRequest = NewError(CodeInvalidRequest, "invalid request")
	ErrMethodNotFound = NewError(CodeMethodNotFound, "method not found")
	ErrInvalidParams  = NewError(CodeInvalidParams, "invalid params")
	ErrInternal       = NewError(CodeInternalError, "internal error")
)

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *ID             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// EncodeMessage marshals msg into its wire form, adding the required
// "jsonrpc":"2.0" field.
func EncodeMessage(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		w := wireMessage{JSONRPC: "2.0", Method: m.Method, Params: m.Params}
		if m.ID.IsValid() {
			id := m.ID
			w.ID = &id
		}
		return json.Marshal(w)
	case *Response:
		id := m.ID
		return json.Marshal(wireMessage{JSONRPC: "2.0", ID: &id, Result: m.Result, Error: m.Error})
	default:
		return nil, fmt.Errorf("jsonrpc2: unsupported message type %T", msg)
	}
}

// DecodeMessage unmarshals a single JSON-RPC message, inferring whether it
// is a [Request] or [Response] from its shape.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseError, err)
	}
	if w.Method != "" {
		req := &Request{Method: w.Method, Params: w.Params}
		if w.ID != nil {
			req.ID = *w.ID
		}
		return req, nil
	}
	if w.ID == nil {
		return nil, fmt.Errorf("%w: message has neither method nor id", ErrInvalidRequest)
	}
	return &Response{ID: *w.ID, Result: w.Result, Error: w.Error}, nil
}

// DecodeBatch decodes data as either a single JSON-RPC message or a JSON
// array of messages (a "batch", as permitted by the JSON-RPC 2.0 spec).
// The second return value reports whether data was a batch.
func DecodeBatch(data []byte) ([]Message, bool, error) {
	trimmed := trimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("%w: empty message", ErrInvalidRequest)
	}
	if trimmed[0] != '[' {
		msg, err := DecodeMessage(data)
		if err != nil {
			return nil, false, err
		}
		return []Message{msg}, false, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrParseError, err)
	}
	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := DecodeMessage(raw)
		if err != nil {
			return nil, true, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, true, nil
}

// EncodeBatch marshals a batch of messages as a JSON array.
func EncodeBatch(msgs []Message) ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		data, err := EncodeMessage(msg)
		if err != nil {
			return nil, err
		}
		raws = append(raws, data)
	}
	return json.Marshal(raws)
}

func trimSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return b[i:]
		}
	}
	return b[i:]
}
