// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("tether.cache")

// Metrics for anchor cache operations.
var (
	anchorHits          metric.Int64Counter
	anchorMisses        metric.Int64Counter
	anchorInvalidations metric.Int64Counter
	validationLatency   metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		anchorHits, err = meter.Int64Counter(
			"anchor_cache_hits_total",
			metric.WithDescription("Anchors served after a successful validation read"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		anchorMisses, err = meter.Int64Counter(
			"anchor_cache_misses_total",
			metric.WithDescription("Anchor lookups that found no valid anchor"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		anchorInvalidations, err = meter.Int64Counter(
			"anchor_cache_invalidations_total",
			metric.WithDescription("Anchors released by invalidation, by tier and reason"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		validationLatency, err = meter.Float64Histogram(
			"anchor_cache_validation_duration_seconds",
			metric.WithDescription("Duration of the single validation read"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordAnchorHit(ctx context.Context, t Tier) {
	if err := initMetrics(); err != nil {
		return
	}
	anchorHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(t))))
}

func recordAnchorMiss(ctx context.Context, t Tier) {
	if err := initMetrics(); err != nil {
		return
	}
	anchorMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(t))))
}

func recordInvalidation(ctx context.Context, t Tier, reason Reason) {
	if err := initMetrics(); err != nil {
		return
	}
	anchorInvalidations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", string(t)),
		attribute.String("reason", string(reason)),
	))
}

func recordValidationLatency(ctx context.Context, t Tier, d time.Duration, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}
	validationLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("tier", string(t)),
		attribute.Bool("ok", ok),
	))
}
