// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handle

import "context"

// AcquireFunc acquires one handle.
type AcquireFunc func(ctx context.Context) (*Handle, error)

// AcquireAllFunc acquires a set of handles, e.g. the result of a subtree query.
type AcquireAllFunc func(ctx context.Context) ([]*Handle, error)

// With acquires a handle, runs body with it, and releases it.
//
// # Description
//
// The handle is released after body returns, whether body returned a result,
// an error, or panicked. A handle claimed inside body is left to its new owner.
//
// # Inputs
//
//   - ctx: Passed to acquire.
//   - acquire: Produces the handle. A nil handle with a nil error means "not found".
//   - body: Runs only when a handle was acquired.
//
// # Outputs
//
//   - R: Body's result, or the zero value.
//   - error: Acquisition error, ErrNoHandle when nothing was acquired, or body's error.
//
// # Example
//
//	title, err := handle.With(ctx, conn.Root, func(root *handle.Handle) (string, error) {
//	    return conn.Attribute(ctx, root, handle.AttrName)
//	})
func With[R any](ctx context.Context, acquire AcquireFunc, body func(*Handle) (R, error)) (R, error) {
	var zero R

	h, err := acquire(ctx)
	if err != nil {
		// An acquirer may hand back a partial result together with an error.
		releaseOwned(h)
		return zero, err
	}
	if h == nil {
		return zero, ErrNoHandle
	}
	defer releaseOwned(h)

	return body(h)
}

// WithAll acquires a set of handles, runs body with them, and releases every one.
//
// # Description
//
// Every element is released regardless of how many body inspected. An empty
// result still runs body, so callers can treat "no children" as a normal case.
//
// # Inputs
//
//   - ctx: Passed to acquire.
//   - acquire: Produces the handles.
//   - body: Runs with the acquired handles.
//
// # Outputs
//
//   - R: Body's result, or the zero value.
//   - error: Acquisition error or body's error.
func WithAll[R any](ctx context.Context, acquire AcquireAllFunc, body func([]*Handle) (R, error)) (R, error) {
	var zero R

	hs, err := acquire(ctx)
	if err != nil {
		releaseAllOwned(hs)
		return zero, err
	}
	defer releaseAllOwned(hs)

	return body(hs)
}

func releaseOwned(h *Handle) {
	if h != nil && !h.Claimed() {
		h.Release()
	}
}

func releaseAllOwned(hs []*Handle) {
	for _, h := range hs {
		releaseOwned(h)
	}
}
