// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"runtime/debug"
)

// =============================================================================
// Result Types
// =============================================================================

// PanicInfo captures a panic recovered from a background goroutine.
//
// # Description
//
// Carries the panic value and the stack at the point of the panic so the
// owner of the goroutine can log it before deciding what to do next.
//
// # Thread Safety
//
// PanicInfo is immutable after creation and safe for concurrent reads.
type PanicInfo struct {
	// Value is the value passed to panic().
	Value any

	// Stack is the stack trace at panic time, from runtime/debug.Stack().
	Stack string
}

// =============================================================================
// Goroutine Safety Functions
// =============================================================================

// SafeGo runs fn in a goroutine with panic recovery.
//
// # Description
//
// Background loops (the log consumer, the tick scheduler, the config watcher)
// must not take the process down when they panic. SafeGo recovers the panic
// and hands it to onPanic instead.
//
// # Inputs
//
//   - fn: The function to run. Must not be nil.
//   - onPanic: Called with the recovered panic. May be nil to recover silently.
//
// # Example
//
//	done := make(chan struct{})
//	util.SafeGo(func() {
//	    defer close(done)
//	    consume()
//	}, func(p util.PanicInfo) {
//	    fmt.Fprintf(os.Stderr, "consumer panicked: %v\n%s", p.Value, p.Stack)
//	})
//
// # Limitations
//
//   - If onPanic itself panics, the process crashes.
func SafeGo(fn func(), onPanic func(PanicInfo)) {
	go func() {
		defer RecoverPanic(onPanic)()
		fn()
	}()
}

// RecoverPanic returns a function to defer that recovers a panic into onPanic.
//
// # Example
//
//	func tick() {
//	    defer util.RecoverPanic(func(p util.PanicInfo) { logger.Error("tick panicked", "panic", p.Value) })()
//	    ...
//	}
//
// # Limitations
//
//   - Must be called with trailing (): defer RecoverPanic(handler)()
func RecoverPanic(onPanic func(PanicInfo)) func() {
	return func() {
		if r := recover(); r != nil {
			if onPanic != nil {
				onPanic(PanicInfo{Value: r, Stack: string(debug.Stack())})
			}
		}
	}
}
