// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"fmt"
)

// CapabilityError reports that the local peer declined to send a method
// call or notification because the required capability was not advertised
// by either side during initialization. Unlike protocol errors, it is
// raised entirely locally: no bytes are written to the transport.
type CapabilityError struct {
	Method     string
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("mcp: %q requires capability %q, which was not advertised", e.Method, e.Capability)
}

// clientCapabilityGate is installed as sending middleware on every [Client]
// unless [ClientOptions.DisableCapabilityGating] is set. It rejects
// outbound client->server methods that the server has not advertised
// support for, and outbound notifications the client itself is not
// entitled to send.
func clientCapabilityGate(next methodHandler) methodHandler {
	return func(ctx context.Context, sess Session, method string, params any) (Result, error) {
		if cs, ok := sess.(*ClientSession); ok {
			if err := checkClientSend(cs, method); err != nil {
				return nil, err
			}
		}
		return next(ctx, sess, method, params)
	}
}

// serverCapabilityGate is the server-side analogue of [clientCapabilityGate].
func serverCapabilityGate(next methodHandler) methodHandler {
	return func(ctx context.Context, sess Session, method string, params any) (Result, error) {
		if ss, ok := sess.(*ServerSession); ok {
			if err := checkServerSend(ss, method); err != nil {
				return nil, err
			}
		}
		return next(ctx, sess, method, params)
	}
}

// checkClientSend gates a method the client is about to send to the server.
func checkClientSend(cs *ClientSession, method string) error {
	switch method {
	case notificationRootsListChanged:
		if cs.ownCapabilities == nil || !cs.ownCapabilities.Roots.ListChanged {
			return &CapabilityError{Method: method, Capability: "client.roots.listChanged"}
		}
		return nil
	}

	// Everything else that's gated is checked against the server's
	// capabilities, as observed during initialization.
	var caps serverCapabilities
	if cs.initResult != nil && cs.initResult.Capabilities != nil {
		caps = *cs.initResult.Capabilities
	}
	switch method {
	case methodGetPrompt, methodListPrompts, methodComplete:
		if caps.Prompts == nil {
			return &CapabilityError{Method: method, Capability: "server.prompts"}
		}
	case methodListResources, methodListResourceTemplates, methodReadResource:
		if caps.Resources == nil {
			return &CapabilityError{Method: method, Capability: "server.resources"}
		}
	case methodSubscribe, methodUnsubscribe:
		if caps.Resources == nil || !caps.Resources.Subscribe {
			return &CapabilityError{Method: method, Capability: "server.resources.subscribe"}
		}
	case methodCallTool, methodListTools:
		if caps.Tools == nil {
			return &CapabilityError{Method: method, Capability: "server.tools"}
		}
	case methodSetLevel:
		if caps.Logging == nil {
			return &CapabilityError{Method: method, Capability: "server.logging"}
		}
	}
	return nil
}

// checkServerSend gates a method the server is about to send to the client.
func checkServerSend(ss *ServerSession, method string) error {
	switch method {
	case notificationToolListChanged:
		if ss.server.capabilities().Tools == nil {
			return &CapabilityError{Method: method, Capability: "server.tools"}
		}
		return nil
	case notificationPromptListChanged:
		if ss.server.capabilities().Prompts == nil {
			return &CapabilityError{Method: method, Capability: "server.prompts"}
		}
		return nil
	case notificationResourceListChanged, notificationResourceUpdated:
		if ss.server.capabilities().Resources == nil {
			return &CapabilityError{Method: method, Capability: "server.resources"}
		}
		return nil
	}

	// Everything else that's gated is checked against the client's
	// capabilities, as observed during initialization.
	ss.mu.Lock()
	params := ss.initializeParams
	ss.mu.Unlock()
	if params == nil || params.Capabilities == nil {
		return nil
	}
	caps := params.Capabilities
	switch method {
	case methodCreateMessage:
		if caps.Sampling == nil {
			return &CapabilityError{Method: method, Capability: "client.sampling"}
		}
	case methodElicit:
		if caps.Elicitation == nil {
			return &CapabilityError{Method: method, Capability: "client.elicitation"}
		}
	}
	// methodListRoots: ClientCapabilities always declares roots support in
	// this implementation, so there is nothing further to check.
	return nil
}
