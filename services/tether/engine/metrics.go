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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "tether"
	engineSubsystem  = "engine"
)

// Metrics holds the engine's Prometheus collectors.
//
// # Fields
//
//   - TicksTotal: ticks by result (payload, empty, error)
//   - TickDurationSeconds: wall time per tick
//   - ContentMissesTotal: isolated content-stage failures
//   - InvalidationsTotal: anchor invalidations by tier and reason
//   - ResetsTotal: connection resets by trigger and outcome
//   - DiscoveryAttemptsTotal: window discovery attempts by result
//   - OutstandingHandles: handles acquired but not yet released
//   - CallCount: acquisitions in the current generation
//   - Degraded: 1 while the last reset failed
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	TicksTotal             *prometheus.CounterVec
	TickDurationSeconds    prometheus.Histogram
	ContentMissesTotal     prometheus.Counter
	InvalidationsTotal     *prometheus.CounterVec
	ResetsTotal            *prometheus.CounterVec
	DiscoveryAttemptsTotal *prometheus.CounterVec
	OutstandingHandles     prometheus.Gauge
	CallCount              prometheus.Gauge
	Degraded               prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
//
// # Inputs
//
//   - reg: Registerer. Nil creates a private registry so nothing global is touched.
//
// # Limitations
//
//   - Panics if the same registry already holds these collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		TicksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "ticks_total",
				Help:      "Ticks by result",
			},
			[]string{"result"},
		),
		TickDurationSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "tick_duration_seconds",
				Help:      "Wall time of one tick",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		ContentMissesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "content_misses_total",
				Help:      "Content-stage failures swallowed without invalidation",
			},
		),
		InvalidationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "invalidations_total",
				Help:      "Anchor invalidations by tier and reason",
			},
			[]string{"tier", "reason"},
		),
		ResetsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "resets_total",
				Help:      "Connection resets by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		DiscoveryAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "discovery_attempts_total",
				Help:      "Window discovery attempts by result",
			},
			[]string{"result"},
		),
		OutstandingHandles: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "outstanding_handles",
				Help:      "Handles acquired and not yet released",
			},
		),
		CallCount: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "generation_calls",
				Help:      "Handle acquisitions in the current connection generation",
			},
		),
		Degraded: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "degraded",
				Help:      "1 while the connection could not be re-established",
			},
		),
	}
}
