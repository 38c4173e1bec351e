// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/relaymcp/mcpgo/internal/jsonrpc2"
	"github.com/relaymcp/mcpgo/jsonrpc"
)

func TestBatchFraming(t *testing.T) {
	// Checks that ioConn can read and write JSON-RPC batches.
	//
	// The connection is configured with a batch size of 2, and we confirm
	// that nothing is sent over the wire until the second write, at which
	// point both messages become available.
	ctx := context.Background()

	r, w := io.Pipe()
	tport := newIOConn(rwc{rc: r, wc: w})
	tport.outgoingBatch = make([]jsonrpc.Message, 0, 2)

	read := make(chan jsonrpc.Message)
	go func() {
		for range 2 {
			msg, _ := tport.Read(ctx)
			read <- msg
		}
	}()

	tport.Write(ctx, &jsonrpc.Request{ID: jsonrpc2.Int64ID(1), Method: "test"})
	select {
	case got := <-read:
		t.Fatalf("after one write, got message %v", got)
	default:
	}

	tport.Write(ctx, &jsonrpc.Request{ID: jsonrpc2.Int64ID(2), Method: "test"})
	for _, want := range []int64{1, 2} {
		got := <-read
		if got := got.(*jsonrpc.Request).ID.Raw(); got != want {
			t.Errorf("got message #%d, want #%d", got, want)
		}
	}
}

func TestIOConnRead(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "valid json input",
			input: `{"jsonrpc":"2.0","id":1,"method":"test","params":{}}`,
			want:  "",
		},
		{
			name: "newline at the end of first valid json input",
			input: `{"jsonrpc":"2.0","id":1,"method":"test","params":{}}
			`,
			want: "",
		},
		{
			name:  "bad data at the end of first valid json input",
			input: `{"jsonrpc":"2.0","id":1,"method":"test","params":{}},`,
			want:  "invalid trailing data at the end of stream",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newIOConn(rwc{
				rc: io.NopCloser(strings.NewReader(tt.input)),
			})
			_, err := tr.Read(context.Background())
			got := ""
			if err != nil {
				got = err.Error()
			}
			if got != tt.want {
				t.Errorf("ioConn.Read() = %q, want %q", got, tt.want)
			}
		})
	}
}

func sayHiStdio(ctx context.Context, req *CallToolRequest, args struct{ Name string }) (*CallToolResult, any, error) {
	return &CallToolResult{
		Content: []*ContentBlock{NewTextContent("Hi " + args.Name)},
	}, nil, nil
}

func TestInMemoryTransport(t *testing.T) {
	ctx := context.Background()

	server := NewServer(&Implementation{Name: "greeter", Version: "v1.0.0"}, nil)
	AddTool(server, &Tool{Name: "greet", Description: "say hi"}, sayHiStdio)

	serverTransport, clientTransport := NewInMemoryTransports()

	serverExit := make(chan error, 1)
	go func() { serverExit <- server.Run(ctx, serverTransport) }()

	client := NewClient(&Implementation{Name: "client", Version: "v1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatal(err)
	}

	got, err := session.CallTool(ctx, &CallToolParams{
		Name:      "greet",
		Arguments: map[string]any{"Name": "user"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := &CallToolResult{
		Content: []*ContentBlock{NewTextContent("Hi user")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("greet returned unexpected content (-want +got):\n%s", diff)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("closing session: %v", err)
	}
	<-serverExit
}
