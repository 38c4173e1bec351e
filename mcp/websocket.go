// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/relaymcp/mcpgo/jsonrpc"
)

// wsSubprotocol is the WebSocket subprotocol MCP peers negotiate, per the
// transport's wire contract: one JSON-RPC text frame per message.
const wsSubprotocol = "mcp"

// A WebSocketHandler is an http.Handler that upgrades incoming connections
// to WebSocket and serves an MCP session over them, one session per
// connection.
type WebSocketHandler struct {
	getServer func(*http.Request) *Server
	opts      WebSocketHandlerOptions
}

// WebSocketHandlerOptions configures a [WebSocketHandler].
type WebSocketHandlerOptions struct {
	// InsecureSkipVerify disables the Origin check normally performed during
	// the WebSocket handshake. Leave false in production.
	InsecureSkipVerify bool
}

// NewWebSocketHandler returns a handler that upgrades each request to a
// WebSocket connection and serves an MCP server, as returned by getServer,
// over it.
func NewWebSocketHandler(getServer func(*http.Request) *Server, opts *WebSocketHandlerOptions) *WebSocketHandler {
	h := &WebSocketHandler{getServer: getServer}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocol},
		InsecureSkipVerify: h.opts.InsecureSkipVerify,
	})
	if err != nil {
		// websocket.Accept already wrote a response.
		return
	}
	if conn.Subprotocol() != wsSubprotocol {
		conn.Close(websocket.StatusProtocolError, "client must speak the mcp subprotocol")
		return
	}

	server := h.getServer(req)
	ss, err := server.Connect(req.Context(), &wsServerTransport{conn: &wsConn{conn: conn}})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "failed to start session")
		return
	}
	ss.Wait()
}

// WebSocketClientTransport is a client [Transport] that dials a WebSocket
// server speaking the mcp subprotocol.
type WebSocketClientTransport struct {
	// URL is the ws:// or wss:// endpoint to dial.
	URL string
	// HTTPClient is used for the handshake request, if non-nil.
	HTTPClient *http.Client
	// Header carries additional headers to send during the handshake, such
	// as authentication credentials. The engine does not interpret them.
	Header http.Header
}

// NewWebSocketClientTransport returns a client transport that dials url.
func NewWebSocketClientTransport(url string) *WebSocketClientTransport {
	return &WebSocketClientTransport{URL: url}
}

func (t *WebSocketClientTransport) Connect(ctx context.Context) (Connection, error) {
	conn, resp, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient:   t.HTTPClient,
		HTTPHeader:   t.Header,
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", t.URL, err)
	}
	if resp != nil && conn.Subprotocol() != wsSubprotocol {
		conn.Close(websocket.StatusProtocolError, "server did not accept the mcp subprotocol")
		return nil, fmt.Errorf("server did not negotiate the %q subprotocol", wsSubprotocol)
	}
	return &wsConn{conn: conn}, nil
}

// wsServerTransport adapts an already-accepted [wsConn] to the [Transport]
// interface expected by [Server.Connect].
type wsServerTransport struct {
	conn *wsConn
}

func (t *wsServerTransport) Connect(context.Context) (Connection, error) {
	return t.conn, nil
}

// wsConn adapts a [websocket.Conn] to the [Connection] interface. One
// connection carries exactly one logical session, for either peer role.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		c.conn.Close(websocket.StatusUnsupportedData, "only text frames are supported")
		return nil, fmt.Errorf("received unsupported binary frame")
	}
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		c.conn.Close(websocket.StatusProtocolError, "invalid JSON-RPC frame")
		return nil, err
	}
	return msg, nil
}

func (c *wsConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
