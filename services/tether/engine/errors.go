// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/tether/services/tether/handle"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrTransientContentMiss means no payload was found this tick. Never
	// invalidates an anchor and never leaves Tick.
	ErrTransientContentMiss = errors.New("transient content miss")

	// ErrAnchorDead means a cached anchor failed validation and was dropped.
	ErrAnchorDead = errors.New("anchor dead")

	// ErrDiscoveryExhausted means the discovery retry budget is spent.
	ErrDiscoveryExhausted = errors.New("anchor discovery exhausted")

	// ErrHostUnavailable is a channel-level failure. It forces a connection
	// reset and is the only failure Tick returns.
	ErrHostUnavailable = handle.ErrHostUnavailable

	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("invalid engine config")
)

// =============================================================================
// Failure Kinds
// =============================================================================

// Kind classifies a tick failure.
type Kind int

const (
	// KindNone is not a failure.
	KindNone Kind = iota

	// KindTransientContentMiss is recoverable-local.
	KindTransientContentMiss

	// KindAnchorDead is recoverable-structural.
	KindAnchorDead

	// KindDiscoveryExhausted is exhausted-retry.
	KindDiscoveryExhausted

	// KindHostUnavailable is fatal-channel.
	KindHostUnavailable
)

// String returns the name used in log lines and metric labels.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindTransientContentMiss:
		return "TransientContentMiss"
	case KindAnchorDead:
		return "AnchorDead"
	case KindDiscoveryExhausted:
		return "DiscoveryExhausted"
	case KindHostUnavailable:
		return "HostUnavailable"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sentinel returns the sentinel error for k, or nil.
func (k Kind) Sentinel() error {
	switch k {
	case KindTransientContentMiss:
		return ErrTransientContentMiss
	case KindAnchorDead:
		return ErrAnchorDead
	case KindDiscoveryExhausted:
		return ErrDiscoveryExhausted
	case KindHostUnavailable:
		return ErrHostUnavailable
	default:
		return nil
	}
}

// Classify maps err to its Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrHostUnavailable):
		return KindHostUnavailable
	case errors.Is(err, ErrDiscoveryExhausted):
		return KindDiscoveryExhausted
	case errors.Is(err, ErrAnchorDead):
		return KindAnchorDead
	default:
		return KindTransientContentMiss
	}
}

// TickError is a failure that left Tick.
type TickError struct {
	// Kind classifies the failure.
	Kind Kind

	// Stage is the tick step that failed ("reset", for example).
	Stage string

	// Tick is the tick sequence number.
	Tick uint64

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *TickError) Error() string {
	return fmt.Sprintf("tick %d: %s: %s: %v", e.Tick, e.Stage, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *TickError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of e's Kind.
func (e *TickError) Is(target error) bool {
	s := e.Kind.Sentinel()
	return s != nil && target == s
}
