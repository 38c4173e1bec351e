// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/relaymcp/mcpgo/internal/jsonrpc2"
)

// A ToolHandler handles a call to tools/call.
// This is a low-level API, for use with [Server.AddTool].
// Most users will write a [ToolHandlerFor] and install it with [AddTool].
type ToolHandler func(context.Context, *CallToolRequest) (*CallToolResult, error)

// A ToolHandlerFor handles a call to tools/call with typed arguments and results.
// Use [AddTool] to add a ToolHandlerFor to a server.
// Most users can ignore the [CallToolRequest] argument and [CallToolResult] return value.
type ToolHandlerFor[In, Out any] func(context.Context, *CallToolRequest, In) (*CallToolResult, Out, error)

// A serverTool is a tool definition that is bound to a tool handler.
type serverTool struct {
	tool    *Tool
	handler ToolHandler
}

// isAnyType reports whether T is the empty interface, in which case a tool's
// output schema and structured content are skipped entirely.
func isAnyType[T any]() bool {
	var z T
	rt := reflect.TypeOf(&z).Elem()
	return rt.Kind() == reflect.Interface && rt.NumMethod() == 0
}

// newServerTool builds a serverTool around a typed handler, inferring the
// tool's input and output schemas from In and Out when they are not already
// set on t.
func newServerTool[In, Out any](t *Tool, h ToolHandlerFor[In, Out]) (*serverTool, error) {
	if t.InputSchema == nil {
		s, err := jsonschema.For[In](nil)
		if err != nil {
			return nil, fmt.Errorf("inferring input schema: %w", err)
		}
		t.InputSchema = s
	}
	if t.OutputSchema == nil && !isAnyType[Out]() {
		s, err := jsonschema.For[Out](nil)
		if err != nil {
			return nil, fmt.Errorf("inferring output schema: %w", err)
		}
		t.OutputSchema = s
	}
	inResolved, err := t.InputSchema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving input schema: %w", err)
	}
	var outResolved *jsonschema.Resolved
	if t.OutputSchema != nil {
		outResolved, err = t.OutputSchema.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("resolving output schema: %w", err)
		}
	}

	handler := func(ctx context.Context, req *CallToolRequest) (*CallToolResult, error) {
		args := req.Params.Arguments
		if args == nil {
			args = map[string]any{}
		}
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("%w: marshaling arguments: %v", jsonrpc2.ErrInvalidParams, err)
		}
		var in In
		if err := unmarshalSchema(data, inResolved, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
		}

		res, out, err := h(ctx, req, in)
		if err != nil {
			var we *jsonrpc2.WireError
			if errors.As(err, &we) {
				return nil, we
			}
			return &CallToolResult{IsError: true, Content: []*ContentBlock{NewTextContent(err.Error())}}, nil
		}
		if res == nil {
			res = &CallToolResult{}
		}
		if !isAnyType[Out]() {
			if err := validateSchema(outResolved, &out); err != nil {
				return nil, fmt.Errorf("validating tool output: %w", err)
			}
			outData, merr := json.Marshal(out)
			if merr != nil {
				return nil, fmt.Errorf("marshaling tool output: %w", merr)
			}
			var m map[string]any
			if err := json.Unmarshal(outData, &m); err == nil {
				res.StructuredContent = m
			}
		}
		return res, nil
	}
	return &serverTool{tool: t, handler: handler}, nil
}

// unmarshalSchema unmarshals data into v and validates the result according to
// the given resolved schema.
func unmarshalSchema(data json.RawMessage, resolved *jsonschema.Resolved, v any) error {
	// TODO: use reflection to create the struct type to unmarshal into.
	// Separate validation from assignment.

	// Disallow unknown fields.
	// Otherwise, if the tool was built with a struct, the client could send extra
	// fields and json.Unmarshal would ignore them, so the schema would never get
	// a chance to declare the extra args invalid.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("unmarshaling: %w", err)
	}
	return validateSchema(resolved, v)
}

func validateSchema(resolved *jsonschema.Resolved, value any) error {
	if resolved != nil {
		if err := resolved.ApplyDefaults(value); err != nil {
			return fmt.Errorf("applying defaults from \n\t%s\nto\n\t%v:\n%w", schemaJSON(resolved.Schema()), value, err)
		}
		if err := resolved.Validate(value); err != nil {
			return fmt.Errorf("validating\n\t%v\nagainst\n\t %s:\n %w", value, schemaJSON(resolved.Schema()), err)
		}
	}
	return nil
}

// schemaJSON returns the JSON value for s as a string, or a string indicating an error.
func schemaJSON(s *jsonschema.Schema) string {
	m, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("<!%s>", err)
	}
	return string(m)
}
