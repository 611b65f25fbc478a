// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package throttle gates expensive host searches per operation class.
//
// # Description
//
// A Throttle keeps one token-bucket limiter (burst 1) per Class, so two calls
// of the same class closer than its interval never both run. A RetryBudget
// bounds how often a recoverable failure is retried before the caller stands
// down until the tracked identity changes.
//
// # Thread Safety
//
// Both types are driven by the tick worker. They are mutex-protected so a
// heartbeat reader can take snapshots concurrently.
package throttle

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrThrottled is returned by Run when the class is throttled and no previous
// result exists to hand back.
var ErrThrottled = errors.New("operation throttled")

// Class names one independently throttled operation.
type Class string

const (
	// ClassDiscovery is window anchor re-discovery.
	ClassDiscovery Class = "anchor_discovery"

	// ClassMetadata is the top-level window sweep.
	ClassMetadata Class = "metadata_sweep"

	// ClassContent is the full document search below the window.
	ClassContent Class = "content_search"
)

// Default intervals per class.
const (
	// DefaultDiscoveryInterval is zero: discovery is gated by its RetryBudget.
	DefaultDiscoveryInterval time.Duration = 0

	// DefaultMetadataInterval is the metadata sweep floor.
	DefaultMetadataInterval = 5 * time.Second

	// DefaultContentInterval is the full content search floor.
	DefaultContentInterval = 10 * time.Second
)

// DefaultInterval returns the default interval for a known class, zero otherwise.
func DefaultInterval(c Class) time.Duration {
	switch c {
	case ClassMetadata:
		return DefaultMetadataInterval
	case ClassContent:
		return DefaultContentInterval
	default:
		return DefaultDiscoveryInterval
	}
}

type classState struct {
	limiter  *rate.Limiter
	interval time.Duration
	lastRun  time.Time
	runs     int64
	skipped  int64

	result    any
	hasResult bool
}

// ClassStats is a heartbeat snapshot of one class.
type ClassStats struct {
	Class    Class         `json:"class"`
	Interval time.Duration `json:"interval"`
	LastRun  time.Time     `json:"last_run"`
	Runs     int64         `json:"runs"`
	Skipped  int64         `json:"skipped"`
}

// Throttle is a set of per-class limiters.
//
// The zero value is not usable; call New.
type Throttle struct {
	mu      sync.Mutex
	classes map[Class]*classState
}

// New creates an empty Throttle. Classes are created on first use.
func New() *Throttle {
	return &Throttle{classes: make(map[Class]*classState)}
}

// state returns the class state, retuning its limiter when the interval changed.
// Caller holds t.mu.
func (t *Throttle) state(c Class, interval time.Duration) *classState {
	s, ok := t.classes[c]
	if !ok {
		s = &classState{
			limiter:  newLimiter(interval, time.Time{}),
			interval: interval,
		}
		t.classes[c] = s
		return s
	}
	if s.interval != interval {
		s.limiter = newLimiter(interval, s.lastRun)
		s.interval = interval
	}
	return s
}

// newLimiter builds a burst-1 limiter whose single token was spent at lastRun,
// so a retuned class is measured from its last real run.
func newLimiter(interval time.Duration, lastRun time.Time) *rate.Limiter {
	lim := rate.NewLimiter(rate.Every(interval), 1)
	if !lastRun.IsZero() {
		lim.AllowN(lastRun, 1)
	}
	return lim
}

// TryRun reports whether a call of class c may proceed at now.
//
// # Description
//
// Returns true and records now when more than minInterval has passed since
// the last recorded run of c (or c never ran). Otherwise returns false and records
// nothing; the caller reuses its previous result. A non-positive minInterval
// never throttles.
//
// # Inputs
//
//   - c: Operation class. Classes are independent.
//   - minInterval: Minimum spacing between two runs of c.
//   - now: Caller's clock reading.
//
// # Example
//
//	if th.TryRun(throttle.ClassContent, 10*time.Second, time.Now()) {
//	    // expensive search
//	}
func (t *Throttle) TryRun(c Class, minInterval time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tryRunLocked(c, minInterval, now)
}

func (t *Throttle) tryRunLocked(c Class, minInterval time.Duration, now time.Time) bool {
	s := t.state(c, minInterval)
	// The limiter admits a call exactly one interval later; the class
	// requires strictly more.
	if minInterval > 0 && !s.lastRun.IsZero() && !now.After(s.lastRun.Add(minInterval)) {
		s.skipped++
		return false
	}
	if !s.limiter.AllowN(now, 1) {
		s.skipped++
		return false
	}
	s.lastRun = now
	s.runs++
	return true
}

// Run executes fn when class c is not throttled and remembers its result.
//
// # Description
//
// When throttled, Run returns the last successful result for c with
// ran=false, or ErrThrottled if c never produced one. A failing fn still
// consumes the slot: the class stays throttled until the interval passes.
//
// # Outputs
//
//   - T: Fresh or previous result.
//   - bool: Whether fn ran.
//   - error: fn's error, ErrThrottled, or a type mismatch between calls.
func Run[T any](t *Throttle, c Class, minInterval time.Duration, now time.Time, fn func() (T, error)) (T, bool, error) {
	var zero T

	t.mu.Lock()
	if !t.tryRunLocked(c, minInterval, now) {
		s := t.classes[c]
		prev, has := s.result, s.hasResult
		t.mu.Unlock()

		if !has {
			return zero, false, ErrThrottled
		}
		v, ok := prev.(T)
		if !ok {
			return zero, false, fmt.Errorf("throttle class %s holds %T: %w", c, prev, ErrThrottled)
		}
		return v, false, nil
	}
	t.mu.Unlock()

	v, err := fn()
	if err != nil {
		return zero, true, err
	}

	t.mu.Lock()
	s := t.classes[c]
	s.result = v
	s.hasResult = true
	t.mu.Unlock()

	return v, true, nil
}

// Forget drops the remembered result of c without touching its limiter.
func (t *Throttle) Forget(c Class) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.classes[c]; ok {
		s.result = nil
		s.hasResult = false
	}
}

// Reset clears class c so its next call runs immediately.
func (t *Throttle) Reset(c Class) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.classes, c)
}

// LastRun returns when c last ran, or the zero time.
func (t *Throttle) LastRun(c Class) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.classes[c]; ok {
		return s.lastRun
	}
	return time.Time{}
}

// Stats returns one snapshot per class that has been used, ordered by class.
func (t *Throttle) Stats() []ClassStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ClassStats, 0, len(t.classes))
	for c, s := range t.classes {
		out = append(out, ClassStats{
			Class:    c,
			Interval: s.interval,
			LastRun:  s.lastRun,
			Runs:     s.runs,
			Skipped:  s.skipped,
		})
	}
	slices.SortFunc(out, func(a, b ClassStats) int {
		return cmp.Compare(a.Class, b.Class)
	})
	return out
}
