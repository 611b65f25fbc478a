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

import (
	"fmt"
	"sync/atomic"
)

// ReleaseFunc returns a reference to its host.
type ReleaseFunc func(ref Ref) error

// Handle is an owned reference to one host node.
//
// # Description
//
// A Handle is created by the connection layer for every reference a host
// returns. It records the connection generation it belongs to and releases its
// reference at most once.
//
// # Thread Safety
//
// Release, Released, Claim and Claimed are safe for concurrent use.
type Handle struct {
	ref     Ref
	gen     uint64
	release ReleaseFunc
	ledger  *Ledger

	released atomic.Bool
	claimed  atomic.Bool
}

// New wraps a freshly acquired reference.
//
// # Inputs
//
//   - ref: The host reference. Must not be nil.
//   - gen: Connection generation the reference was acquired in.
//   - release: Function returning the reference to the host. May be nil.
//   - ledger: Acquisition ledger to record against. May be nil.
//
// # Outputs
//
//   - *Handle: A live, unclaimed handle.
func New(ref Ref, gen uint64, release ReleaseFunc, ledger *Ledger) *Handle {
	if ledger != nil {
		ledger.acquired.Add(1)
	}
	return &Handle{
		ref:     ref,
		gen:     gen,
		release: release,
		ledger:  ledger,
	}
}

// Ref returns the host reference, or ErrReleased once the handle is released.
func (h *Handle) Ref() (Ref, error) {
	if h == nil {
		return nil, ErrNoHandle
	}
	if h.released.Load() {
		return nil, ErrReleased
	}
	return h.ref, nil
}

// Generation returns the connection generation the handle was acquired in.
func (h *Handle) Generation() uint64 {
	if h == nil {
		return 0
	}
	return h.gen
}

// Release returns the reference to the host.
//
// # Description
//
// The first call marks the handle released and calls the host. Later calls do
// nothing. A host error or panic (the node or the whole channel may already be
// dead) is recorded on the ledger and otherwise ignored: the handle counts as
// released either way.
//
// # Thread Safety
//
// Safe for concurrent use; exactly one caller performs the release.
func (h *Handle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	if h.ledger != nil {
		h.ledger.released.Add(1)
	}
	if h.release == nil {
		return
	}
	if err := h.safeRelease(); err != nil && h.ledger != nil {
		h.ledger.releaseErrors.Add(1)
	}
}

func (h *Handle) safeRelease() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("release panicked: %v", r)
		}
	}()
	return h.release(h.ref)
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	return h == nil || h.released.Load()
}

// Claim transfers ownership out of the enclosing guard and returns h.
//
// A guard skips claimed handles during teardown. The new owner is responsible
// for calling Release.
func (h *Handle) Claim() *Handle {
	if h != nil {
		h.claimed.Store(true)
	}
	return h
}

// Claimed reports whether ownership was moved out of a guard.
func (h *Handle) Claimed() bool {
	return h != nil && h.claimed.Load()
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

// Ledger counts handle acquisitions and releases.
//
// # Thread Safety
//
// Safe for concurrent use.
type Ledger struct {
	acquired      atomic.Int64
	released      atomic.Int64
	releaseErrors atomic.Int64
}

// LedgerStats is a point-in-time copy of a Ledger.
type LedgerStats struct {
	Acquired      int64 `json:"acquired"`
	Released      int64 `json:"released"`
	Outstanding   int64 `json:"outstanding"`
	ReleaseErrors int64 `json:"release_errors"`
}

// Outstanding returns acquisitions minus releases.
func (l *Ledger) Outstanding() int64 {
	return l.acquired.Load() - l.released.Load()
}

// Stats returns a snapshot of the counters.
func (l *Ledger) Stats() LedgerStats {
	acquired := l.acquired.Load()
	released := l.released.Load()
	return LedgerStats{
		Acquired:      acquired,
		Released:      released,
		Outstanding:   acquired - released,
		ReleaseErrors: l.releaseErrors.Load(),
	}
}
