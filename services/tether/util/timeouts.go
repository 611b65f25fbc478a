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

import "time"

// =============================================================================
// Constants
// =============================================================================

// Timing floors and defaults for the polling loop.
//
// Floors keep a misconfigured file from turning the tick loop into a busy
// loop or the log consumer into a spin.
const (
	// MinTickPeriod is the shortest allowed scrape period.
	MinTickPeriod = 50 * time.Millisecond

	// DefaultTickPeriod is the scrape period used when none is configured.
	DefaultTickPeriod = 500 * time.Millisecond

	// MinHostCallTimeout is the shortest hard timeout for one host call.
	MinHostCallTimeout = 100 * time.Millisecond

	// DefaultLogPollInterval is how often the log consumer wakes without a signal.
	DefaultLogPollInterval = 50 * time.Millisecond

	// DefaultLogGracePeriod bounds how long shutdown waits for the log to drain.
	DefaultLogGracePeriod = 2 * time.Second

	// DefaultShutdownTimeout bounds the whole process shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// =============================================================================
// Utility Functions
// =============================================================================

// EnforceMinTimeout returns at least the minimum duration.
//
// # Description
//
// Zero, negative and too-small values are raised to minimum.
//
// # Example
//
//	period := util.EnforceMinTimeout(cfg.TickPeriod, util.MinTickPeriod)
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested <= 0 || requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefaultTimeout returns defaultVal when requested is zero or negative.
//
// # Description
//
// Unlike EnforceMinTimeout, any positive value is accepted as-is.
func EnforceDefaultTimeout(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}
