// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/relaymcp/mcpgo/jsonrpc"
)

// SSEHandler is an http.Handler that serves the legacy two-endpoint
// HTTP+SSE transport: GET requests open a long-lived event stream, and
// POST requests deliver individual JSON-RPC messages from the client.
//
// Prefer [StreamableHTTPHandler] for new deployments; SSEHandler exists to
// interoperate with clients built against the earlier transport.
type SSEHandler struct {
	getServer func(*http.Request) *Server

	// onConnection, if set, is called with each ServerSession as it is
	// created. It exists for testing.
	onConnection func(*ServerSession)

	mu       sync.Mutex
	sessions map[string]*sseServerConn
}

// NewSSEHandler returns a new SSEHandler that creates servers for new
// sessions by calling getServer.
func NewSSEHandler(getServer func(*http.Request) *Server) *SSEHandler {
	return &SSEHandler{
		getServer: getServer,
		sessions:  make(map[string]*sseServerConn),
	}
}

// ServeHTTP implements the [http.Handler] interface.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		h.serveSSE(w, req)
	case http.MethodPost:
		h.serveMessage(w, req)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *SSEHandler) serveSSE(w http.ResponseWriter, req *http.Request) {
	server := h.getServer(req)
	if server == nil {
		http.Error(w, "no server available", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := randText()
	conn := &sseServerConn{
		w:        w,
		flusher:  flusher,
		incoming: make(chan jsonrpc.Message, 10),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[sessionID] = conn
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, sessionID)
		h.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	msgURL := &url.URL{Path: req.URL.Path, RawQuery: "sessionId=" + sessionID}
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", msgURL.String())
	flusher.Flush()

	ss, err := server.Connect(req.Context(), &sseServerTransport{conn})
	if err != nil {
		conn.closeLocal()
		return
	}
	if h.onConnection != nil {
		h.onConnection(ss)
	}

	select {
	case <-req.Context().Done():
		ss.Close()
	case <-conn.done:
	}
}

func (h *SSEHandler) serveMessage(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("sessionId")
	h.mu.Lock()
	conn := h.sessions[sessionID]
	h.mu.Unlock()
	if conn == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		http.Error(w, fmt.Sprintf("decoding message: %v", err), http.StatusBadRequest)
		return
	}
	if r, ok := msg.(*jsonrpc.Request); ok && r.Method != "" && !r.IsCall() && !isNotificationMethod(r.Method) {
		http.Error(w, "request missing id", http.StatusBadRequest)
		return
	}

	select {
	case conn.incoming <- msg:
		w.WriteHeader(http.StatusAccepted)
	case <-conn.done:
		http.Error(w, "session closed", http.StatusGone)
	}
}

// sseServerTransport adapts a single sseServerConn to the [Transport]
// interface, so it can be passed to [Server.Connect].
type sseServerTransport struct {
	conn *sseServerConn
}

func (t *sseServerTransport) Connect(context.Context) (Connection, error) {
	return t.conn, nil
}

// sseServerConn is the server-side [Connection] for one SSE session:
// incoming JSON-RPC messages arrive over POST and are queued on incoming;
// outgoing messages are written as SSE "message" events on the GET stream.
type sseServerConn struct {
	w       http.ResponseWriter
	flusher http.Flusher

	incoming chan jsonrpc.Message
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool

	writeMu sync.Mutex
}

func (c *sseServerConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *sseServerConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	if _, err := fmt.Fprintf(c.w, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseServerConn) Close() error {
	c.closeLocal()
	return nil
}

func (c *sseServerConn) closeLocal() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// SSEClientTransportOptions configures [NewSSEClientTransport].
type SSEClientTransportOptions struct {
	// HTTPClient is used for SSE and message requests. If nil,
	// [http.DefaultClient] is used.
	HTTPClient *http.Client
}

// SSEClientTransport is a [Transport] that speaks the legacy two-endpoint
// HTTP+SSE transport from the client side.
type SSEClientTransport struct {
	sseURL *url.URL
	opts   SSEClientTransportOptions
}

// NewSSEClientTransport returns a new SSEClientTransport that connects to
// the server at the given URL.
func NewSSEClientTransport(sseURL string, opts *SSEClientTransportOptions) *SSEClientTransport {
	u, err := url.Parse(sseURL)
	if err != nil {
		u = &url.URL{}
	}
	t := &SSEClientTransport{sseURL: u}
	if opts != nil {
		t.opts = *opts
	}
	if t.opts.HTTPClient == nil {
		t.opts.HTTPClient = http.DefaultClient
	}
	return t
}

// Connect implements the [Transport] interface.
func (t *SSEClientTransport) Connect(ctx context.Context) (Connection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.sseURL.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("SSE connection failed with status %s", resp.Status)
	}

	conn := &sseClientConn{
		httpClient: t.opts.HTTPClient,
		body:       resp.Body,
		incoming:   make(chan jsonrpc.Message, 10),
		done:       make(chan struct{}),
	}

	endpointReady := make(chan struct{})
	go conn.readLoop(resp.Body, t.sseURL, endpointReady)

	select {
	case <-endpointReady:
	case <-conn.done:
		return nil, fmt.Errorf("SSE connection closed before receiving endpoint event: %w", conn.readErr())
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}
	if conn.msgEndpoint == nil {
		conn.Close()
		return nil, errors.New("server did not send an endpoint event")
	}
	return conn, nil
}

// sseClientConn is the client-side [Connection] for the legacy SSE
// transport: it reads server->client messages from the SSE stream opened by
// [SSEClientTransport.Connect], and writes client->server messages with
// individual POST requests to msgEndpoint.
type sseClientConn struct {
	httpClient *http.Client
	body       io.ReadCloser

	msgEndpoint *url.URL

	incoming chan jsonrpc.Message
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool

	errMu sync.Mutex
	err   error
}

func (c *sseClientConn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *sseClientConn) readErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// readLoop parses Server-Sent Events from r, resolving the "endpoint" event
// against base and decoding "message" events as JSON-RPC messages.
func (c *sseClientConn) readLoop(r io.ReadCloser, base *url.URL, endpointReady chan struct{}) {
	defer c.closeLocal()
	defer r.Close()

	endpointSignaled := false
	signalEndpoint := func() {
		if !endpointSignaled {
			endpointSignaled = true
			close(endpointReady)
		}
	}
	defer signalEndpoint()

	scanner := bufio.NewScanner(r)
	var event string
	var data bytes.Buffer
	flush := func() {
		defer func() { event = ""; data.Reset() }()
		if data.Len() == 0 {
			return
		}
		switch event {
		case "endpoint":
			ref, err := url.Parse(strings.TrimSpace(data.String()))
			if err != nil {
				c.setErr(fmt.Errorf("parsing endpoint event: %w", err))
				return
			}
			c.msgEndpoint = base.ResolveReference(ref)
			signalEndpoint()
		case "message", "":
			msg, err := jsonrpc.DecodeMessage(data.Bytes())
			if err != nil {
				c.setErr(fmt.Errorf("decoding message event: %w", err))
				return
			}
			select {
			case c.incoming <- msg:
			case <-c.done:
			}
		}
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		c.setErr(err)
	}
}

func (c *sseClientConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.done:
		if err := c.readErr(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *sseClientConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if c.msgEndpoint == nil {
		return errors.New("no message endpoint")
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.msgEndpoint.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST to %s failed with status %s: %s", c.msgEndpoint, resp.Status, body)
	}
	return nil
}

func (c *sseClientConn) Close() error {
	c.closeLocal()
	return c.body.Close()
}

func (c *sseClientConn) closeLocal() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
