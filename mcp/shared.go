// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"reflect"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/relaymcp/mcpgo/internal/jsonrpc2"
	"github.com/relaymcp/mcpgo/jsonrpc"
	"github.com/yosida95/uritemplate/v3"
)

// A Transport connects to an MCP peer, yielding a [Connection] over which
// JSON-RPC messages flow. Transports handle their own framing (newline
// delimited, SSE, WebSocket frames, in-process channels, and so on).
type Transport interface {
	Connect(ctx context.Context) (Connection, error)
}

// A Connection reads and writes whole JSON-RPC messages for a single
// logical session. It is the boundary between a [Transport] and the
// engine in the internal jsonrpc2 package.
type Connection interface {
	Read(ctx context.Context) (jsonrpc.Message, error)
	Write(ctx context.Context, msg jsonrpc.Message) error
	Close() error
}

// hasSessionID is implemented by connections that can report the session
// ID assigned by a stateful transport (currently, only Streamable HTTP).
type hasSessionID interface {
	SessionID() string
}

// A Session is either a [ClientSession] or a [ServerSession]: the
// session-scoped state shared by the sending and receiving method
// dispatch machinery below.
type Session interface {
	getConn() *jsonrpc2.Connection
	sendingMethodHandler() methodHandler
	receivingMethodHandler() methodHandler
	receivingMethodInfos() map[string]methodInfo
	asSendable(params Params) sendableRequest
	// handle processes a single incoming JSON-RPC request, after any
	// session-specific bookkeeping (such as enforcing the initialization
	// handshake order).
	handle(ctx context.Context, req *jsonrpc.Request) (any, error)
	// progressTracker returns the registry correlating this session's
	// outgoing progress tokens with their RequestOptions.OnProgress
	// callbacks.
	progressTracker() *progressTracker
}

// A methodHandler processes a single method call or notification, in
// either direction. Sending middleware wraps the handler that actually
// performs the RPC; receiving middleware wraps the handler that dispatches
// to the method's entry in the session's method table (clientMethodInfos or
// serverMethodInfos).
type methodHandler func(ctx context.Context, sess Session, method string, params any) (Result, error)

// Middleware wraps a methodHandler to add cross-cutting behavior such as
// logging or metrics. Middlewares installed via AddSendingMiddleware or
// AddReceivingMiddleware are applied right to left: the first one added is
// outermost.
type Middleware func(methodHandler) methodHandler

func addMiddleware(h *methodHandler, mw []Middleware) {
	for i := len(mw) - 1; i >= 0; i-- {
		*h = mw[i](*h)
	}
}

// defaultSendingMethodHandler performs the actual RPC: it calls or
// notifies the peer via the session's underlying jsonrpc2 connection.
func defaultSendingMethodHandler(ctx context.Context, sess Session, method string, params any) (Result, error) {
	conn := sess.getConn()
	if isNotificationMethod(method) {
		if err := conn.Notify(ctx, method, params); err != nil {
			return nil, err
		}
		return nil, nil
	}
	raw, err := conn.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return rawResult(raw), nil
}

// defaultReceivingMethodHandler dispatches an incoming call or
// notification to the handler registered for its method, if any.
func defaultReceivingMethodHandler(ctx context.Context, sess Session, method string, params any) (Result, error) {
	raw, _ := params.(json.RawMessage)
	mi, ok := sess.receivingMethodInfos()[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", jsonrpc2.ErrMethodNotFound, method)
	}
	if len(raw) == 0 && mi.flags&missingParamsOK == 0 {
		return nil, fmt.Errorf("%w: missing params for %q", jsonrpc2.ErrInvalidParams, method)
	}
	return mi.handler(ctx, sess, raw)
}

// rawResult marks a json.RawMessage flowing through the sending middleware
// chain as an opaque RPC result, to be unmarshaled by [handleSend].
type rawResult json.RawMessage

func isNotificationMethod(method string) bool {
	return len(method) >= len("notifications/") && method[:len("notifications/")] == "notifications/"
}

// methodFlags refine how a registered method is dispatched.
type methodFlags int

const (
	// notificationMethod marks a method that carries no response.
	notificationMethod methodFlags = 1 << iota
	// missingParamsOK allows a call or notification to omit params entirely.
	missingParamsOK
)

// methodInfo describes how to decode and dispatch a single receiving
// method.
type methodInfo struct {
	handler func(ctx context.Context, sess Session, rawParams json.RawMessage) (Result, error)
	flags   methodFlags
}

func newMethodInfo(h func(ctx context.Context, sess Session, rawParams json.RawMessage) (Result, error), flags methodFlags) methodInfo {
	return methodInfo{handler: h, flags: flags}
}

// decodeParams allocates a zero P and unmarshals raw into it, if raw is
// non-empty.
func decodeParams[P Params](raw json.RawMessage) (P, error) {
	p := newZero[P]()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return p, fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
		}
	}
	return p, nil
}

// newZero returns the zero value of R, allocating the pointee if R is a
// pointer type. This lets generic code produce a usable *T result/params
// value without the caller naming T.
func newZero[R any]() R {
	var r R
	rv := reflect.ValueOf(&r).Elem()
	if rv.Kind() == reflect.Ptr {
		rv.Set(reflect.New(rv.Type().Elem()))
	}
	return r
}

// serverMethod adapts a method implemented on *Server into the untyped
// form stored in a methodInfo map.
func serverMethod[P Params, R Result](fn func(*Server, context.Context, *ServerRequest[P]) (R, error)) func(context.Context, Session, json.RawMessage) (Result, error) {
	return func(ctx context.Context, sess Session, raw json.RawMessage) (Result, error) {
		ss := sess.(*ServerSession)
		params, err := decodeParams[P](raw)
		if err != nil {
			return nil, err
		}
		return fn(ss.server, ctx, &ServerRequest[P]{Session: ss, Params: params})
	}
}

// sessionMethod adapts a method implemented on *ServerSession.
func sessionMethod[P Params, R Result](fn func(*ServerSession, context.Context, *ServerRequest[P]) (R, error)) func(context.Context, Session, json.RawMessage) (Result, error) {
	return func(ctx context.Context, sess Session, raw json.RawMessage) (Result, error) {
		ss := sess.(*ServerSession)
		params, err := decodeParams[P](raw)
		if err != nil {
			return nil, err
		}
		return fn(ss, ctx, &ServerRequest[P]{Session: ss, Params: params})
	}
}

// clientMethod adapts a method implemented on *Client.
func clientMethod[P Params, R Result](fn func(*Client, context.Context, *ClientRequest[P]) (R, error)) func(context.Context, Session, json.RawMessage) (Result, error) {
	return func(ctx context.Context, sess Session, raw json.RawMessage) (Result, error) {
		cs := sess.(*ClientSession)
		params, err := decodeParams[P](raw)
		if err != nil {
			return nil, err
		}
		return fn(cs.client, ctx, &ClientRequest[P]{Session: cs, Params: params})
	}
}

// clientSessionMethod adapts a method implemented on *ClientSession.
func clientSessionMethod[P Params, R Result](fn func(*ClientSession, context.Context, *ClientRequest[P]) (R, error)) func(context.Context, Session, json.RawMessage) (Result, error) {
	return func(ctx context.Context, sess Session, raw json.RawMessage) (Result, error) {
		cs := sess.(*ClientSession)
		params, err := decodeParams[P](raw)
		if err != nil {
			return nil, err
		}
		return fn(cs, ctx, &ClientRequest[P]{Session: cs, Params: params})
	}
}

// A sendableRequest carries enough information for [handleSend] and
// [handleNotify] to perform an outgoing call or notification uniformly,
// regardless of whether it originates from a client or a server.
type sendableRequest interface {
	sessionValue() Session
	paramsValue() Params
}

// A ClientRequest is a request sent by, or a notification received by, a
// client. P is the concrete params type for the method in question.
type ClientRequest[P Params] struct {
	Session *ClientSession
	Params  P
}

func (r *ClientRequest[P]) sessionValue() Session { return r.Session }
func (r *ClientRequest[P]) paramsValue() Params    { return r.Params }

// A ServerRequest is a request sent by, or a notification received by, a
// server. P is the concrete params type for the method in question.
type ServerRequest[P Params] struct {
	Session *ServerSession
	Params  P
}

func (r *ServerRequest[P]) sessionValue() Session { return r.Session }
func (r *ServerRequest[P]) paramsValue() Params    { return r.Params }

// defaultRequestTimeout bounds how long handleSend waits for a response
// when the caller's [RequestOptions] does not set Timeout.
const defaultRequestTimeout = 60 * time.Second

// RequestOptions configures a single outgoing call. Following this
// package's convention of a trailing options struct on every
// request-issuing method (functional options are reserved for
// constructors, such as [NewClient] and [NewServer]).
type RequestOptions struct {
	// Timeout bounds how long to wait for a response, starting when the
	// request is sent. Zero means the default of 60 seconds; a negative
	// value disables the timeout, relying solely on the caller's ctx.
	Timeout time.Duration

	// OnProgress, if non-nil, is called for each notifications/progress
	// message the peer sends back correlated with this request, before
	// the final result or error is returned. A progress token is
	// allocated and attached to the request automatically unless the
	// caller already set one via params' "_meta" field.
	OnProgress func(context.Context, *ProgressNotificationParams)

	// ResetOnProgress restarts the Timeout countdown each time a
	// matching progress notification arrives. It has no effect unless
	// OnProgress is also set.
	ResetOnProgress bool
}

// progressEntry is what a [progressTracker] keeps for one outstanding
// progress token.
type progressEntry struct {
	onProgress func(context.Context, *ProgressNotificationParams)
	reset      func()
}

// progressTracker correlates the progress token of an outgoing request
// with the callback and/or timeout-reset action that should run when a
// notifications/progress message carrying that token arrives.
type progressTracker struct {
	mu      sync.Mutex
	byToken map[any]progressEntry
}

func (t *progressTracker) register(token any, e progressEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byToken == nil {
		t.byToken = make(map[any]progressEntry)
	}
	t.byToken[token] = e
}

func (t *progressTracker) unregister(token any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byToken, token)
}

// deliver runs the callback and reset action registered for token, if
// any, reporting whether one was found.
func (t *progressTracker) deliver(ctx context.Context, token any, params *ProgressNotificationParams) bool {
	t.mu.Lock()
	e, ok := t.byToken[token]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if e.reset != nil {
		e.reset()
	}
	if e.onProgress != nil {
		e.onProgress(ctx, params)
	}
	return true
}

// requestTimeoutCtx is a context.Context whose deadline can be pushed
// forward after creation, used to implement RequestOptions.ResetOnProgress.
// Unlike [context.WithTimeout], the deadline is not fixed when the
// context is created.
type requestTimeoutCtx struct {
	parent context.Context
	timer  *time.Timer
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newRequestTimeoutCtx(parent context.Context, timeout time.Duration) *requestTimeoutCtx {
	c := &requestTimeoutCtx{parent: parent, done: make(chan struct{})}
	c.timer = time.AfterFunc(timeout, func() { c.fire(context.DeadlineExceeded) })
	go func() {
		select {
		case <-parent.Done():
			c.fire(parent.Err())
		case <-c.done:
		}
	}()
	return c
}

func (c *requestTimeoutCtx) fire(err error) {
	c.mu.Lock()
	fresh := c.err == nil
	if fresh {
		c.err = err
	}
	c.mu.Unlock()
	if fresh {
		close(c.done)
	}
	c.timer.Stop()
}

// reset restarts the countdown, if the context has not already expired.
func (c *requestTimeoutCtx) reset(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.timer.Reset(timeout)
	}
}

// stop tears down the context's background goroutine and timer. It is
// called once the request it bounds has completed.
func (c *requestTimeoutCtx) stop() {
	c.fire(context.Canceled)
}

func (c *requestTimeoutCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (c *requestTimeoutCtx) Done() <-chan struct{}       { return c.done }
func (c *requestTimeoutCtx) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
func (c *requestTimeoutCtx) Value(key any) any { return c.parent.Value(key) }

// beginRequest applies opts to an outgoing call: it injects and registers
// a progress token when opts.OnProgress is set, and bounds ctx by
// opts.Timeout (defaulting to [defaultRequestTimeout]), optionally
// resettable on progress. The returned cleanup func must be called once
// the call has returned.
func beginRequest(ctx context.Context, sess Session, params Params, opts *RequestOptions) (context.Context, func()) {
	timeout := defaultRequestTimeout
	var onProgress func(context.Context, *ProgressNotificationParams)
	resetOnProgress := false
	if opts != nil {
		if opts.Timeout != 0 {
			timeout = opts.Timeout
		}
		onProgress = opts.OnProgress
		resetOnProgress = opts.ResetOnProgress
	}

	var token any
	if onProgress != nil {
		token = params.GetProgressToken()
		if token == nil {
			token = randText()
			params.SetProgressToken(token)
		}
	}

	if timeout < 0 {
		if token == nil {
			return ctx, func() {}
		}
		sess.progressTracker().register(token, progressEntry{onProgress: onProgress})
		return ctx, func() { sess.progressTracker().unregister(token) }
	}

	if token != nil && resetOnProgress {
		rc := newRequestTimeoutCtx(ctx, timeout)
		sess.progressTracker().register(token, progressEntry{onProgress: onProgress, reset: func() { rc.reset(timeout) }})
		return rc, func() {
			sess.progressTracker().unregister(token)
			rc.stop()
		}
	}

	derived, cancel := context.WithTimeout(ctx, timeout)
	if token != nil {
		sess.progressTracker().register(token, progressEntry{onProgress: onProgress})
		return derived, func() {
			sess.progressTracker().unregister(token)
			cancel()
		}
	}
	return derived, cancel
}

// handleSend performs an outgoing call through sess's sending middleware
// chain, applying opts, and unmarshals the result into R.
func handleSend[R Result](ctx context.Context, method string, req sendableRequest, opts *RequestOptions) (R, error) {
	sess := req.sessionValue()
	params := req.paramsValue()

	ctx, cleanup := beginRequest(ctx, sess, params, opts)
	defer cleanup()

	h := sess.sendingMethodHandler()
	result, err := h(ctx, sess, method, params)
	if err != nil {
		var zero R
		return zero, err
	}
	out := newZero[R]()
	raw, _ := result.(rawResult)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			var zero R
			return zero, err
		}
	}
	return out, nil
}

// handleNotify sends an outgoing notification through sess's sending
// middleware chain.
func handleNotify(ctx context.Context, method string, req sendableRequest) error {
	sess := req.sessionValue()
	h := sess.sendingMethodHandler()
	_, err := h(ctx, sess, method, req.paramsValue())
	return err
}

// handleReceive dispatches an incoming request or notification through
// sess's receiving middleware chain.
func handleReceive(ctx context.Context, sess Session, req *jsonrpc.Request) (any, error) {
	h := sess.receivingMethodHandler()
	return h(ctx, sess, req.Method, json.RawMessage(req.Params))
}

// notifySessions fans out a notification to every session in sessions,
// each on its own goroutine, ignoring individual errors (a disconnected
// peer simply misses the notification).
func notifySessions[S Session](sessions []S, method string, params Params) {
	for _, s := range sessions {
		go func(s S) {
			_ = handleNotify(context.Background(), method, s.asSendable(params))
		}(s)
	}
}

// orZero returns params if it is non-nil, or the zero value of Params
// (a fresh *P) otherwise. It lets typed sending wrappers omit params
// entirely for parameterless methods.
func orZero[P Params](params P) P {
	v := reflect.ValueOf(params)
	if v.Kind() == reflect.Ptr && v.IsNil() {
		return newZero[P]()
	}
	return params
}

// A binder constructs the session-specific state for one side of a new
// connection, and is notified when that session disconnects.
type binder[S Session] interface {
	bind(mcpConn Connection, conn *jsonrpc2.Connection) S
	disconnect(S)
}

// connect establishes a [Connection] over t, wires it to a fresh
// jsonrpc2 engine, and binds a session via b. It starts the engine's read
// loop and arranges for b.disconnect to run when the connection closes.
func connect[S Session](ctx context.Context, t Transport, b binder[S]) (S, error) {
	var zero S
	mcpConn, err := t.Connect(ctx)
	if err != nil {
		return zero, err
	}
	jConn := jsonrpc2.NewConnection(mcpConn)
	sess := b.bind(mcpConn, jConn)
	jConn.SetCancelNotifier(func(id jsonrpc2.ID, err error) {
		reason := "cancelled"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		params := &CancelledParams{RequestID: id.Raw(), Reason: reason}
		_ = jConn.Notify(context.Background(), notificationCancelled, params)
	})
	jConn.Go(ctx, func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		return sess.handle(ctx, req)
	})
	go func() {
		jConn.Wait()
		b.disconnect(sess)
	}()
	return sess, nil
}

// randText returns a random, URL-safe session identifier.
func randText() string {
	return rand.Text()
}

// idFromRaw converts the decoded form of a [CancelledParams.RequestID] —
// a string, or a number as a float64 (after a JSON round trip) or an int64 —
// back into a [jsonrpc2.ID]. It reports false for any other type.
func idFromRaw(raw any) (jsonrpc2.ID, bool) {
	switch v := raw.(type) {
	case string:
		return jsonrpc2.StringID(v), true
	case float64:
		return jsonrpc2.Int64ID(int64(v)), true
	case int64:
		return jsonrpc2.Int64ID(v), true
	default:
		return jsonrpc2.ID{}, false
	}
}

// compareLevels compares the severities of levels a and b, per RFC 5424
// syslog severities (as used by [LoggingLevel]). The result is negative if a
// is less severe than b, zero if they are equal, and positive if a is more
// severe. An unknown level counts as "debug".
func compareLevels(a, b LoggingLevel) int {
	order := map[LoggingLevel]int{
		"debug":     0,
		"info":      1,
		"notice":    2,
		"warning":   3,
		"error":     4,
		"critical":  5,
		"alert":     6,
		"emergency": 7,
	}
	return order[a] - order[b]
}

// checkRequest validates that req names a known method with valid-looking
// params, without actually decoding or dispatching it. It is used by the
// Streamable HTTP transport to reject malformed POST bodies before they
// enter the session's incoming queue.
func checkRequest(req *jsonrpc.Request, infos map[string]methodInfo) (methodInfo, error) {
	mi, ok := infos[req.Method]
	if !ok {
		return methodInfo{}, fmt.Errorf("%w: %q", jsonrpc2.ErrMethodNotFound, req.Method)
	}
	if len(req.Params) == 0 && mi.flags&missingParamsOK == 0 {
		return methodInfo{}, fmt.Errorf("%w: missing params for %q", jsonrpc2.ErrInvalidParams, req.Method)
	}
	return mi, nil
}

// readBatch decodes the body of a Streamable HTTP POST request, which may
// be a single JSON-RPC message or a batch (a JSON array of messages).
func readBatch(data []byte) ([]jsonrpc.Message, bool, error) {
	return jsonrpc2.DecodeBatch(data)
}

// A featureSet holds a collection of server-offered features (prompts,
// tools, resources, resource templates, roots), keyed by a caller-supplied
// unique identifier and iterated in a stable order for pagination.
type featureSet[T any] struct {
	uniqueID func(T) string
	items    map[string]T
}

func newFeatureSet[T any](uniqueID func(T) string) *featureSet[T] {
	return &featureSet[T]{uniqueID: uniqueID, items: make(map[string]T)}
}

func (s *featureSet[T]) add(items ...T) {
	for _, it := range items {
		s.items[s.uniqueID(it)] = it
	}
}

// remove deletes the named items, reporting whether any were present.
func (s *featureSet[T]) remove(keys ...string) bool {
	changed := false
	for _, k := range keys {
		if _, ok := s.items[k]; ok {
			delete(s.items, k)
			changed = true
		}
	}
	return changed
}

func (s *featureSet[T]) get(key string) (T, bool) {
	t, ok := s.items[key]
	return t, ok
}

func (s *featureSet[T]) len() int { return len(s.items) }

func (s *featureSet[T]) sortedKeys() []string {
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// all iterates every item in a stable order.
func (s *featureSet[T]) all() iter.Seq[T] {
	keys := s.sortedKeys()
	return func(yield func(T) bool) {
		for _, k := range keys {
			if !yield(s.items[k]) {
				return
			}
		}
	}
}

// above iterates items whose unique ID sorts strictly after key, in
// order. It is the basis for cursor-based pagination.
func (s *featureSet[T]) above(key string) iter.Seq[T] {
	keys := s.sortedKeys()
	return func(yield func(T) bool) {
		for _, k := range keys {
			if k <= key {
				continue
			}
			if !yield(s.items[k]) {
				return
			}
		}
	}
}

// A PromptHandler handles a call to prompts/get for a single registered
// prompt.
type PromptHandler func(context.Context, *GetPromptRequest) (*GetPromptResult, error)

// serverPrompt pairs a Prompt definition with its handler.
type serverPrompt struct {
	prompt  *Prompt
	handler PromptHandler
}

// A ResourceHandler handles a call to resources/read for a single
// registered resource or resource template.
type ResourceHandler func(context.Context, *ReadResourceRequest) (*ReadResourceResult, error)

// serverResource pairs a Resource definition with its handler.
type serverResource struct {
	resource *Resource
	handler  ResourceHandler
}

// serverResourceTemplate pairs a ResourceTemplate definition with its
// handler, and the compiled URI template used to test candidate URIs.
type serverResourceTemplate struct {
	template *ResourceTemplate
	handler  ResourceHandler
	re       *regexp.Regexp
}

func newServerResourceTemplate(t *ResourceTemplate, h ResourceHandler) (*serverResourceTemplate, error) {
	tmpl, err := uritemplate.New(t.URITemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing resource template %q: %w", t.URITemplate, err)
	}
	re := tmpl.Regexp()
	return &serverResourceTemplate{template: t, handler: h, re: re}, nil
}

// Matches reports whether uri matches this resource template.
func (rt *serverResourceTemplate) Matches(uri string) bool {
	return rt.re.MatchString(uri)
}

// NewInMemoryTransports returns two [Transport]s connected to each other
// via in-memory channels, for use in tests.
func NewInMemoryTransports() (client, server Transport) {
	c1 := &inMemoryConn{incoming: make(chan jsonrpc.Message, 100), done: make(chan struct{})}
	c2 := &inMemoryConn{incoming: make(chan jsonrpc.Message, 100), done: make(chan struct{})}
	c1.peer, c2.peer = c2, c1
	return &inMemoryTransport{c1}, &inMemoryTransport{c2}
}

type inMemoryTransport struct {
	conn *inMemoryConn
}

func (t *inMemoryTransport) Connect(context.Context) (Connection, error) {
	return t.conn, nil
}

type inMemoryConn struct {
	peer     *inMemoryConn
	incoming chan jsonrpc.Message

	closeOnce sync.Once
	done      chan struct{}
}

func (c *inMemoryConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("mcp: %w", ErrConnectionClosed)
	case msg := <-c.incoming:
		return msg, nil
	}
}

func (c *inMemoryConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	case <-c.peer.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.peer.incoming <- msg:
		return nil
	case <-c.peer.done:
		return ErrConnectionClosed
	}
}

func (c *inMemoryConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// callNotificationHandler invokes fn, if non-nil, with ctx and params,
// recovering its use in the common pattern of optional user callbacks
// registered on [ClientOptions] and [ServerOptions].
func callNotificationHandler[P any](ctx context.Context, fn func(context.Context, P), params P) {
	if fn != nil {
		fn(ctx, params)
	}
}

// httpClientOrDefault returns client, or [http.DefaultClient] if client is nil.
func httpClientOrDefault(client *http.Client) *http.Client {
	if client == nil {
		return http.DefaultClient
	}
	return client
}
