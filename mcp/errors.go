// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"errors"
	"fmt"

	"github.com/relaymcp/mcpgo/internal/jsonrpc2"
)

// JSON-RPC error codes reserved by the base protocol, re-exported here so
// that users handling errors from this package need not import the
// internal jsonrpc2 package.
const (
	CodeParseError     = jsonrpc2.CodeParseError
	CodeInvalidRequest = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams  = jsonrpc2.CodeInvalidParams
	CodeInternalError  = jsonrpc2.CodeInternalError

	// CodeResourceNotFound is the application-defined code used for
	// resources/read requests naming an unknown URI.
	CodeResourceNotFound = -32002

	// CodeUnsupportedMethod is returned when a peer calls a method whose
	// capability was never advertised, such as sampling/createMessage to a
	// client that declined the sampling capability.
	CodeUnsupportedMethod = -32003
)

// ErrConnectionClosed is returned by the connections of
// [NewInMemoryTransports] when reading from or writing to a closed
// connection. Other transports report a closed connection with their own
// errors. A call pending when a connection closes fails with a
// *jsonrpc.WireError of code -32000, or with the error that ended the
// connection.
var ErrConnectionClosed = errors.New("mcp: connection closed")

// ResourceNotFoundError returns an error reporting that uri does not name a
// resource known to the server, formatted as the protocol's reserved
// resource-not-found error code.
func ResourceNotFoundError(uri string) error {
	return &jsonrpc2.WireError{
		Code:    CodeResourceNotFound,
		Message: fmt.Sprintf("Resource not found: %q", uri),
	}
}
