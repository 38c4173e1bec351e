// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"time"
)

// pingCloser is implemented by both [*ClientSession] and [*ServerSession].
type pingCloser interface {
	Ping(ctx context.Context, params *PingParams, opts *RequestOptions) error
	Close() error
}

// startKeepalive starts a goroutine that pings s on the given interval,
// closing s if a ping fails. The cancel function for the goroutine is
// written to *cancelOut before returning.
func startKeepalive(s pingCloser, interval time.Duration, cancelOut *context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	*cancelOut = cancel
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancelPing := context.WithTimeout(ctx, interval)
				err := s.Ping(pingCtx, nil, nil)
				cancelPing()
				if err != nil {
					_ = s.Close()
					return
				}
			}
		}
	}()
}
