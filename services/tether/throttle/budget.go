// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package throttle

import (
	"sync"
	"time"
)

// DefaultRetryLimit is the default attempt bound of a RetryBudget.
const DefaultRetryLimit = 5

// BudgetState is a heartbeat snapshot of a RetryBudget.
type BudgetState struct {
	Class       Class     `json:"class"`
	Attempts    int       `json:"attempts"`
	Max         int       `json:"max"`
	Exhausted   bool      `json:"exhausted"`
	Identity    string    `json:"identity,omitempty"`
	ExhaustedAt time.Time `json:"exhausted_at,omitempty"`
}

// RetryBudget bounds consecutive failures of one recoverable class.
//
// # Description
//
// Attempts never exceed Max. Once exhausted, Allow reports false until Reset,
// Succeed, or an identity change observed by Observe.
//
// # Example
//
//	budget := throttle.NewRetryBudget(throttle.ClassDiscovery, 5)
//	if budget.Allow() {
//	    if err := discover(); err != nil {
//	        if budget.Fail() {
//	            logger.Warn("discovery exhausted")
//	        }
//	    } else {
//	        budget.Succeed()
//	    }
//	}
type RetryBudget struct {
	mu          sync.Mutex
	class       Class
	max         int
	attempts    int
	identity    string
	exhaustedAt time.Time
	clock       func() time.Time
}

// NewRetryBudget creates a budget for class c. A non-positive max uses DefaultRetryLimit.
func NewRetryBudget(c Class, max int) *RetryBudget {
	if max <= 0 {
		max = DefaultRetryLimit
	}
	return &RetryBudget{class: c, max: max, clock: time.Now}
}

// Allow reports whether another attempt may be made.
func (b *RetryBudget) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts < b.max
}

// Fail records one failed attempt.
//
// Returns true only on the call that exhausts the budget, so the caller logs
// exhaustion once.
func (b *RetryBudget) Fail() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempts >= b.max {
		return false
	}
	b.attempts++
	if b.attempts == b.max {
		b.exhaustedAt = b.clock()
		return true
	}
	return false
}

// Succeed clears the attempt counter.
func (b *RetryBudget) Succeed() {
	b.Reset()
}

// Reset clears the attempt counter and the exhausted state.
func (b *RetryBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.exhaustedAt = time.Time{}
}

// Observe records the current tracked identity.
//
// The first observation only records it. Any later change resets the budget
// and returns true. An empty identity is ignored.
func (b *RetryBudget) Observe(identity string) bool {
	if identity == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.identity == "" {
		b.identity = identity
		return false
	}
	if b.identity == identity {
		return false
	}
	b.identity = identity
	b.attempts = 0
	b.exhaustedAt = time.Time{}
	return true
}

// SetMax changes the attempt bound. Attempts above the new bound are clamped.
func (b *RetryBudget) SetMax(max int) {
	if max <= 0 {
		max = DefaultRetryLimit
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.max = max
	if b.attempts > max {
		b.attempts = max
	}
}

// State returns a snapshot.
func (b *RetryBudget) State() BudgetState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BudgetState{
		Class:       b.class,
		Attempts:    b.attempts,
		Max:         b.max,
		Exhausted:   b.attempts >= b.max,
		Identity:    b.identity,
		ExhaustedAt: b.exhaustedAt,
	}
}
