// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/relaymcp/mcpgo/internal/jsonrpc2"
	"github.com/relaymcp/mcpgo/jsonrpc"
)

// An IOTransport is a [Transport] that communicates using newline-delimited
// JSON-RPC messages (or batches of messages) over an arbitrary
// [io.ReadCloser]/[io.WriteCloser] pair.
//
// Most users will use [NewStdioTransport] or [NewCommandTransport] rather
// than constructing an IOTransport directly.
type IOTransport struct {
	rwc rwc
}

// NewIOTransport returns a [Transport] that frames messages as
// newline-delimited JSON over rc and wc.
func NewIOTransport(rc io.ReadCloser, wc io.WriteCloser) *IOTransport {
	return &IOTransport{rwc: rwc{rc: rc, wc: wc}}
}

// Connect implements the [Transport] interface.
func (t *IOTransport) Connect(context.Context) (Connection, error) {
	return newIOConn(t.rwc), nil
}

// NewStdioTransport returns a [Transport] that communicates over the
// process's own stdin and stdout, for use by programs run as MCP servers by
// a parent process.
func NewStdioTransport() *IOTransport {
	return NewIOTransport(os.Stdin, os.Stdout)
}

// NewCommandTransport returns a [Transport] that starts cmd and
// communicates with it over its stdin and stdout, for use by MCP clients
// that run a server as a subprocess.
//
// The Transport's Connect method starts the command; closing the resulting
// [Connection] closes the command's stdin and stdout but does not wait for
// the command to exit.
func NewCommandTransport(cmd *exec.Cmd) *IOTransport {
	return &IOTransport{rwc: rwc{cmd: cmd}}
}

// rwc pairs a reader and writer into a single read/write-closer, optionally
// deferring to an *exec.Cmd for its pipes.
type rwc struct {
	rc  io.ReadCloser
	wc  io.WriteCloser
	cmd *exec.Cmd
}

func (p rwc) open() (io.ReadCloser, io.WriteCloser, error) {
	if p.cmd == nil {
		return p.rc, p.wc, nil
	}
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := p.cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting command: %w", err)
	}
	return stdout, stdin, nil
}

// An ioConn is a [Connection] that frames JSON-RPC messages as
// newline-delimited JSON, optionally batching outgoing messages into JSON
// arrays.
type ioConn struct {
	openErr error

	in *bufio.Reader
	rc io.ReadCloser

	writeMu sync.Mutex
	wc      io.WriteCloser

	// queue holds messages decoded from a line that has not yet been fully
	// drained by Read.
	queueMu sync.Mutex
	queue   []jsonrpc.Message

	// outgoingBatch, if non-nil, buffers outgoing messages until it is
	// full, at which point they are flushed as a single JSON-RPC batch.
	// A nil outgoingBatch (the default) disables batching: every Write
	// is flushed immediately as its own line.
	outgoingBatch []jsonrpc.Message
}

// newIOConn returns a [Connection] that reads and writes newline-delimited
// JSON over p.
func newIOConn(p rwc) *ioConn {
	rc, wc, err := p.open()
	if err != nil {
		return &ioConn{openErr: err}
	}
	return &ioConn{
		in: bufio.NewReader(rc),
		rc: rc,
		wc: wc,
	}
}

// Read implements the [Connection] interface.
func (c *ioConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	for len(c.queue) == 0 {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msgs, err := decodeLine(line)
		if err != nil {
			if errors.Is(err, errTrailingData) {
				return nil, err
			}
			// Best-effort recovery from non-JSON noise preceding the message
			// (e.g. a banner line written to the same stream): retry from the
			// first '{' in the line.
			if i := bytes.IndexByte(line, '{'); i > 0 {
				msgs, err = decodeLine(line[i:])
			}
			if err != nil {
				// Still unparseable: drop the line and keep reading rather
				// than tearing down the connection.
				continue
			}
		}
		c.queue = msgs
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, nil
}

// readLine reads up to and including the next newline, or to EOF if the
// stream ends without one.
func (c *ioConn) readLine() ([]byte, error) {
	line, err := c.in.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return line, nil
		}
		return nil, err
	}
	return line, nil
}

// errTrailingData is returned by decodeLine when a line decodes a valid
// JSON-RPC value followed by further non-whitespace data. Unlike other
// decodeLine failures, it is not subject to leading-garbage recovery: the
// line named a well-formed message and then went on to violate framing,
// which the '{'-search recovery cannot fix.
var errTrailingData = errors.New("invalid trailing data at the end of stream")

// decodeLine decodes exactly one JSON-RPC value (a single message or a
// batch) from line, rejecting any non-whitespace data that follows it.
func decodeLine(line []byte) ([]jsonrpc.Message, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errTrailingData
	}
	msgs, _, err := jsonrpc2.DecodeBatch(raw)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Write implements the [Connection] interface.
func (c *ioConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if c.openErr != nil {
		return c.openErr
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.outgoingBatch == nil {
		data, err := jsonrpc.EncodeMessage(msg)
		if err != nil {
			return err
		}
		return c.writeLine(data)
	}

	c.outgoingBatch = append(c.outgoingBatch, msg)
	if len(c.outgoingBatch) < cap(c.outgoingBatch) {
		return nil
	}
	batch := c.outgoingBatch
	c.outgoingBatch = c.outgoingBatch[:0]
	data, err := jsonrpc.EncodeBatch(batch)
	if err != nil {
		return err
	}
	return c.writeLine(data)
}

func (c *ioConn) writeLine(data []byte) error {
	if c.wc == nil {
		return io.ErrClosedPipe
	}
	data = append(data, '\n')
	_, err := c.wc.Write(data)
	return err
}

// Close implements the [Connection] interface.
func (c *ioConn) Close() error {
	if c.openErr != nil {
		return nil
	}
	var errs []error
	if c.rc != nil {
		errs = append(errs, c.rc.Close())
	}
	if c.wc != nil {
		errs = append(errs, c.wc.Close())
	}
	return errors.Join(errs...)
}
