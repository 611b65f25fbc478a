// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handle provides scoped ownership of remote tree node references.
//
// # Overview
//
// Every node reference a host hands out is a cross-process object. Acquiring
// one is expensive and every reference that is never released makes all later
// queries against the host slower, not only bigger. This package makes release
// structural instead of a matter of discipline:
//
//   - [Handle] wraps one host reference. Release is idempotent and never panics.
//   - [With] and [WithAll] acquire, run a body, and release on every exit path
//     (normal return, error return, panic).
//   - [Handle.Claim] moves ownership out of a guard, e.g. into an anchor cache.
//   - [Ledger] counts acquisitions and releases so callers can prove balance.
//
// # Ownership
//
// At any time exactly one of these owns a Handle: the local scope that acquired
// it, a guard block, or a cache that claimed it. A guard never releases a claimed
// handle; the claimer must.
//
// # Recursion
//
// A recursive walk must guard the children of each frame inside that frame:
//
//	func visit(ctx context.Context, node *handle.Handle) error {
//	    _, err := handle.WithAll(ctx, childrenOf(node), func(kids []*handle.Handle) (struct{}, error) {
//	        for _, k := range kids {
//	            if err := visit(ctx, k); err != nil {
//	                return struct{}{}, err
//	            }
//	        }
//	        return struct{}{}, nil
//	    })
//	    return err
//	}
//
// Collecting every handle of a walk into one outer list and releasing it at the
// end keeps the whole subtree alive on the host for the duration of the walk and
// is not supported by this package.
//
// # Thread Safety
//
// Handle and Ledger are safe for concurrent use. Guards run their body on the
// calling goroutine.
package handle
