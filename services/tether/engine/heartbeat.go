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
	"time"

	"github.com/AleutianAI/tether/services/tether/cache"
	"github.com/AleutianAI/tether/services/tether/conn"
	"github.com/AleutianAI/tether/services/tether/throttle"
)

// Heartbeat is a monitoring snapshot of the engine.
type Heartbeat struct {
	// Ticks is the number of ticks started.
	Ticks uint64 `json:"ticks"`

	// LastTickAt is when the last tick started.
	LastTickAt time.Time `json:"last_tick_at,omitempty"`

	// LastTickDuration is the wall time of the last tick.
	LastTickDuration time.Duration `json:"last_tick_duration"`

	// Degraded is true while the connection could not be re-established.
	Degraded bool `json:"degraded"`

	// LastFatal is the last failed reset, if any.
	LastFatal string `json:"last_fatal,omitempty"`

	// Connection holds the call counter, generation and handle ledger.
	Connection conn.Stats `json:"connection"`

	// Cache holds anchor occupancy and invalidations.
	Cache cache.Stats `json:"cache"`

	// Discovery is the discovery retry budget.
	Discovery throttle.BudgetState `json:"discovery"`

	// Throttle has one entry per throttle class used so far.
	Throttle []throttle.ClassStats `json:"throttle"`

	// ContentMisses counts swallowed content-stage failures.
	ContentMisses int64 `json:"content_misses"`

	// Identity is the last identity passed to SignalIdentityChange.
	Identity string `json:"identity,omitempty"`

	// Events counts failures by kind.
	Events map[string]int64 `json:"events"`
}

// Healthy reports whether the engine is not degraded.
func (h Heartbeat) Healthy() bool {
	return !h.Degraded
}

// Heartbeat returns a snapshot. Safe to call during a tick.
func (e *Engine) Heartbeat() Heartbeat {
	e.mu.Lock()
	hb := Heartbeat{
		Ticks:            e.ticks,
		LastTickAt:       e.lastTickAt,
		LastTickDuration: e.lastDuration,
		Degraded:         e.degraded,
		LastFatal:        e.lastFatal,
		ContentMisses:    e.contentMisses,
		Identity:         e.identity,
		Events:           make(map[string]int64, len(e.events)),
	}
	for k, v := range e.events {
		hb.Events[k.String()] = v
	}
	e.mu.Unlock()

	hb.Connection = e.conn.Stats()
	hb.Cache = e.cache.Stats()
	hb.Discovery = e.discovery.State()
	hb.Throttle = e.throttle.Stats()
	return hb
}
