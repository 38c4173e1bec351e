// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWebSocketServer(t *testing.T) {
	ctx := context.Background()
	server := NewServer(&Implementation{Name: "greeter", Version: "v1.0.0"}, nil)
	AddTool(server, &Tool{Name: "greet", Description: "say hi"}, sayHiStdio)

	wsHandler := NewWebSocketHandler(func(*http.Request) *Server { return server }, &WebSocketHandlerOptions{
		InsecureSkipVerify: true,
	})

	httpServer := httptest.NewServer(wsHandler)
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	clientTransport := NewWebSocketClientTransport(wsURL)

	c := NewClient(&Implementation{Name: "client", Version: "v1.0.0"}, nil)
	cs, err := c.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	if err := cs.Ping(ctx, nil, nil); err != nil {
		t.Fatal(err)
	}

	got, err := cs.CallTool(ctx, &CallToolParams{
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
		t.Errorf("tools/call 'greet' mismatch (-want +got):\n%s", diff)
	}
}
