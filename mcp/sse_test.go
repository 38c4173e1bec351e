// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestSSEServer(t *testing.T) {
	for _, closeServerFirst := range []bool{false, true} {
		t.Run(fmt.Sprintf("closeServerFirst=%t", closeServerFirst), func(t *testing.T) {
			ctx := context.Background()
			server := NewServer(&Implementation{Name: "greeter", Version: "v1.0.0"}, nil)
			AddTool(server, &Tool{Name: "greet", Description: "say hi"}, sayHiStdio)

			sseHandler := NewSSEHandler(func(*http.Request) *Server { return server })

			serverSessions := make(chan *ServerSession, 1)
			sseHandler.onConnection = func(ss *ServerSession) {
				select {
				case serverSessions <- ss:
				default:
				}
			}
			httpServer := httptest.NewServer(sseHandler)
			defer httpServer.Close()

			var customClientUsed int64
			customClient := &http.Client{
				Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
					atomic.AddInt64(&customClientUsed, 1)
					return http.DefaultTransport.RoundTrip(req)
				}),
			}

			clientTransport := NewSSEClientTransport(httpServer.URL, &SSEClientTransportOptions{
				HTTPClient: customClient,
			})

			c := NewClient(&Implementation{Name: "client", Version: "v1.0.0"}, nil)
			cs, err := c.Connect(ctx, clientTransport, nil)
			if err != nil {
				t.Fatal(err)
			}
			if err := cs.Ping(ctx, nil, nil); err != nil {
				t.Fatal(err)
			}
			ss := <-serverSessions
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

			if atomic.LoadInt64(&customClientUsed) == 0 {
				t.Error("expected custom HTTP client to be used, but it wasn't")
			}

			if closeServerFirst {
				ss.Close()
				cs.Wait()
			} else {
				cs.Close()
				ss.Wait()
			}
		})
	}
}
