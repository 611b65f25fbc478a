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
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/tether/services/tether/util"
)

// Ticker is one scheduled unit of work. *Engine implements it.
type Ticker interface {
	Tick(ctx context.Context) (*Payload, error)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithPayloadHandler is called after every tick that produced a payload.
func WithPayloadHandler(fn func(*Payload)) RunnerOption {
	return func(r *Runner) {
		r.onPayload = fn
	}
}

// RunnerStats counts scheduler activity.
type RunnerStats struct {
	Ticks    int64 `json:"ticks"`
	Errors   int64 `json:"errors"`
	Overruns int64 `json:"overruns"`
	Panics   int64 `json:"panics"`
}

// Runner invokes a Ticker on a fixed period.
//
// # Description
//
// One tick runs at a time. The next tick starts one period after the
// previous one started, or immediately when the previous one overran. Ticks
// never overlap and are never skipped to catch up.
//
// Each tick gets a context that is not cancelled with Run's context, so
// shutdown waits for the tick in progress instead of interrupting it.
//
// # Thread Safety
//
// Run must be called once. Stats is safe for concurrent use.
type Runner struct {
	ticker    Ticker
	period    time.Duration
	logger    *slog.Logger
	onPayload func(*Payload)

	ticks    atomic.Int64
	errors   atomic.Int64
	overruns atomic.Int64
	panics   atomic.Int64
}

// NewRunner creates a Runner.
//
// # Inputs
//
//   - t: The work to schedule.
//   - period: Tick period. Zero uses util.DefaultTickPeriod; values below
//     util.MinTickPeriod are raised to it.
func NewRunner(t Ticker, period time.Duration, opts ...RunnerOption) *Runner {
	period = util.EnforceDefaultTimeout(period, util.DefaultTickPeriod)
	r := &Runner{
		ticker: t,
		period: util.EnforceMinTimeout(period, util.MinTickPeriod),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Period returns the effective tick period.
func (r *Runner) Period() time.Duration {
	return r.period
}

// Run ticks until ctx is cancelled.
//
// # Outputs
//
//   - error: Always nil after a clean stop. Tick errors are logged, not returned.
func (r *Runner) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	r.logger.Info("runner started", slog.Duration("period", r.period))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopped", slog.Int64("ticks", r.ticks.Load()))
			return nil
		case <-timer.C:
		}

		start := time.Now()
		r.runOnce(context.WithoutCancel(ctx))
		elapsed := time.Since(start)

		wait := r.period - elapsed
		if wait < 0 {
			r.overruns.Add(1)
			r.logger.Debug("tick overran its period",
				slog.Duration("elapsed", elapsed),
				slog.Duration("period", r.period))
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	defer util.RecoverPanic(func(p util.PanicInfo) {
		r.panics.Add(1)
		r.logger.Error("tick panicked",
			slog.String("panic", fmt.Sprint(p.Value)),
			slog.String("stack", p.Stack))
	})()

	r.ticks.Add(1)
	p, err := r.ticker.Tick(ctx)
	if err != nil {
		r.errors.Add(1)
		r.logger.Error("tick failed", slog.String("error", err.Error()))
		return
	}
	if p != nil && r.onPayload != nil {
		r.onPayload(p)
	}
}

// Stats returns a snapshot.
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		Ticks:    r.ticks.Load(),
		Errors:   r.errors.Load(),
		Overruns: r.overruns.Load(),
		Panics:   r.panics.Load(),
	}
}
