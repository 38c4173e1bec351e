// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package util holds small helpers used by the mcp package.
package util

import (
	"fmt"
)

// Wrapf wraps *err with a formatted prefix, if *err is non-nil.
// It is meant to be used in a defer, mirroring fmt.Errorf's %w verb
// without requiring the caller to repeat the wrapped error at every
// return site.
//
//	func f() (err error) {
//		defer util.Wrapf(&err, "doing %s", thing)
//		...
//	}
func Wrapf(err *error, format string, args ...any) {
	if *err != nil {
		*err = fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), *err)
	}
}
