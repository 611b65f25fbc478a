// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conn owns the channel to the host tree.
//
// # Description
//
// A Connection wraps one handle.Host, hands out generation-stamped Handles,
// counts acquisitions and attribute round trips, and can be reset (finalize,
// close, redial) to bound host-side growth. Handles from a previous
// generation are rejected with ErrStaleHandle and never reach the host.
//
// # State Machine
//
//	Active(gen, calls) --[calls >= threshold AND age >= minAge, OR age >= maxAge]--> Resetting
//	Resetting --[dial ok]--> Active(gen+1, 0)
//	Resetting --[dial failed]--> Disconnected --[next Reset]--> Resetting
//
// # Thread Safety
//
// Acquisition and Reset are meant to be driven by a single worker. Stats and
// ResetDue may be called concurrently with it.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/tether/services/tether/handle"
	"github.com/AleutianAI/tether/services/tether/util"
)

var (
	// ErrStaleHandle is returned when a handle from an earlier generation is used.
	ErrStaleHandle = errors.New("handle belongs to a previous connection generation")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection closed")

	// ErrNotFound is returned by Walk when no node matched.
	ErrNotFound = errors.New("no matching node")
)

// Dialer opens a new channel to the host.
type Dialer func(ctx context.Context) (handle.Host, error)

// ResetTrigger names why a reset was requested.
type ResetTrigger string

const (
	// TriggerNone means no reset is due.
	TriggerNone ResetTrigger = ""

	// TriggerCallThreshold fires when the call count and the minimum age are both reached.
	TriggerCallThreshold ResetTrigger = "call_threshold"

	// TriggerMaxAge fires when the generation is older than MaxAge.
	TriggerMaxAge ResetTrigger = "max_age"

	// TriggerHostUnavailable fires on a channel-level failure.
	TriggerHostUnavailable ResetTrigger = "host_unavailable"

	// TriggerDisconnected fires when a previous redial failed.
	TriggerDisconnected ResetTrigger = "disconnected"
)

// Default reset thresholds.
const (
	DefaultCallThreshold = 5000
	DefaultMinAge        = 2 * time.Minute
	DefaultMaxAge        = 30 * time.Minute
)

// Config holds the reset thresholds and call timeout.
type Config struct {
	// CallThreshold is the acquisition count that makes a reset due.
	// Default: 5000
	CallThreshold int64

	// MinAge keeps a busy generation alive at least this long.
	// Default: 2m
	MinAge time.Duration

	// MaxAge resets a generation regardless of call count. Zero disables.
	// Default: 30m
	MaxAge time.Duration

	// CallTimeout bounds one host call. Zero disables.
	CallTimeout time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		CallThreshold: DefaultCallThreshold,
		MinAge:        DefaultMinAge,
		MaxAge:        DefaultMaxAge,
	}
}

// Generation identifies one channel lifetime.
type Generation struct {
	Seq       uint64    `json:"seq"`
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

func newGeneration(seq uint64, now time.Time) Generation {
	return Generation{Seq: seq, ID: uuid.NewString(), StartedAt: now}
}

// Stats is a heartbeat snapshot of a Connection.
type Stats struct {
	Generation       Generation         `json:"generation"`
	Connected        bool               `json:"connected"`
	Calls            int64              `json:"calls"`
	Reads            int64              `json:"reads"`
	Age              time.Duration      `json:"age"`
	Resets           int64              `json:"resets"`
	LastResetTrigger ResetTrigger       `json:"last_reset_trigger,omitempty"`
	CallTimeouts     int64              `json:"call_timeouts"`
	Handles          handle.LedgerStats `json:"handles"`
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(c *Connection) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Connection is the owned channel to the host tree.
type Connection struct {
	dial   Dialer
	logger *slog.Logger
	clock  func() time.Time
	ledger *handle.Ledger
	flight singleflight.Group

	mu          sync.RWMutex
	cfg         Config
	host        handle.Host
	gen         Generation
	closed      bool
	lastTrigger ResetTrigger

	calls    atomic.Int64
	reads    atomic.Int64
	resets   atomic.Int64
	timeouts atomic.Int64
}

// Open dials the first channel.
//
// # Inputs
//
//   - ctx: Bounds the initial dial.
//   - dial: Opens a channel. Called again on every reset.
//   - cfg: Reset thresholds. Zero fields take defaults, except MaxAge and CallTimeout.
//
// # Outputs
//
//   - *Connection: Connected at generation 1.
//   - error: Dial failure.
func Open(ctx context.Context, dial Dialer, cfg Config, opts ...Option) (*Connection, error) {
	if dial == nil {
		return nil, errors.New("conn: nil dialer")
	}
	c := &Connection{
		dial:   dial,
		logger: slog.Default(),
		clock:  time.Now,
		ledger: &handle.Ledger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = normalize(cfg)

	host, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial host: %w", err)
	}
	c.host = host
	c.gen = newGeneration(1, c.clock())
	return c, nil
}

func normalize(cfg Config) Config {
	if cfg.CallThreshold <= 0 {
		cfg.CallThreshold = DefaultCallThreshold
	}
	if cfg.MinAge < 0 {
		cfg.MinAge = 0
	}
	if cfg.CallTimeout > 0 {
		cfg.CallTimeout = util.EnforceMinTimeout(cfg.CallTimeout, util.MinHostCallTimeout)
	}
	return cfg
}

// SetConfig replaces the thresholds. Takes effect at the next ResetDue.
func (c *Connection) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = normalize(cfg)
}

// Ledger returns the acquisition ledger shared by all generations.
func (c *Connection) Ledger() *handle.Ledger {
	return c.ledger
}

// Generation returns the current generation.
func (c *Connection) Generation() Generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// CallCount returns acquisitions in the current generation.
func (c *Connection) CallCount() int64 {
	return c.calls.Load()
}

// current returns the live host and generation, or an error.
func (c *Connection) current() (handle.Host, uint64, time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, 0, 0, ErrClosed
	}
	if c.host == nil {
		return nil, 0, 0, fmt.Errorf("no channel in generation %d: %w", c.gen.Seq, handle.ErrHostUnavailable)
	}
	return c.host, c.gen.Seq, c.cfg.CallTimeout, nil
}

// owned checks that h belongs to the current generation and returns its ref.
func (c *Connection) owned(h *handle.Handle) (handle.Host, handle.Ref, time.Duration, error) {
	host, seq, timeout, err := c.current()
	if err != nil {
		return nil, nil, 0, err
	}
	if h.Generation() != seq {
		return nil, nil, 0, fmt.Errorf("generation %d, current %d: %w", h.Generation(), seq, ErrStaleHandle)
	}
	ref, err := h.Ref()
	if err != nil {
		return nil, nil, 0, err
	}
	return host, ref, timeout, nil
}

// wrap turns a raw reference into a Handle bound to this generation.
func (c *Connection) wrap(host handle.Host, seq uint64, ref handle.Ref) *handle.Handle {
	c.calls.Add(1)
	return handle.New(ref, seq, c.releaser(host, seq), c.ledger)
}

// releaser returns a release function that never calls into a replaced channel.
func (c *Connection) releaser(host handle.Host, seq uint64) handle.ReleaseFunc {
	return func(ref handle.Ref) error {
		c.mu.RLock()
		live := !c.closed && c.gen.Seq == seq
		c.mu.RUnlock()
		if !live {
			return ErrStaleHandle
		}
		return host.Release(ref)
	}
}

// Root acquires the tree root.
func (c *Connection) Root(ctx context.Context) (*handle.Handle, error) {
	host, seq, timeout, err := c.current()
	if err != nil {
		return nil, err
	}
	ref, err := timed(ctx, c, "root", timeout, func(ctx context.Context) (handle.Ref, error) {
		return host.Root(ctx)
	}, func(r handle.Ref) { releaseRaw(host, r) })
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, handle.ErrNoHandle
	}
	return c.wrap(host, seq, ref), nil
}

// Children acquires the direct children of h. h stays owned by the caller.
func (c *Connection) Children(ctx context.Context, h *handle.Handle) ([]*handle.Handle, error) {
	host, ref, timeout, err := c.owned(h)
	if err != nil {
		return nil, err
	}
	refs, err := timed(ctx, c, "children", timeout, func(ctx context.Context) ([]handle.Ref, error) {
		return host.Children(ctx, ref)
	}, func(rs []handle.Ref) { releaseRaw(host, rs...) })
	if err != nil {
		return nil, err
	}
	return c.wrapAll(host, h.Generation(), refs), nil
}

// Descendants acquires every descendant of h matching q.
func (c *Connection) Descendants(ctx context.Context, h *handle.Handle, q handle.Query) ([]*handle.Handle, error) {
	host, ref, timeout, err := c.owned(h)
	if err != nil {
		return nil, err
	}
	refs, err := timed(ctx, c, "descendants", timeout, func(ctx context.Context) ([]handle.Ref, error) {
		return host.Descendants(ctx, ref, q)
	}, func(rs []handle.Ref) { releaseRaw(host, rs...) })
	if err != nil {
		return nil, err
	}
	return c.wrapAll(host, h.Generation(), refs), nil
}

func (c *Connection) wrapAll(host handle.Host, seq uint64, refs []handle.Ref) []*handle.Handle {
	out := make([]*handle.Handle, 0, len(refs))
	for _, r := range refs {
		if r == nil {
			continue
		}
		out = append(out, c.wrap(host, seq, r))
	}
	return out
}

// Attribute reads one property of h. One round trip.
func (c *Connection) Attribute(ctx context.Context, h *handle.Handle, name string) (string, error) {
	host, ref, timeout, err := c.owned(h)
	if err != nil {
		return "", err
	}
	c.reads.Add(1)
	return timed(ctx, c, "attribute "+name, timeout, func(ctx context.Context) (string, error) {
		return host.Attribute(ctx, ref, name)
	}, nil)
}

// releaseRaw releases references that never became Handles.
func releaseRaw(host handle.Host, refs ...handle.Ref) {
	for _, r := range refs {
		if r != nil {
			_ = host.Release(r)
		}
	}
}

type callResult[T any] struct {
	v   T
	err error
}

// timed runs fn under the hard call timeout.
//
// # Description
//
// Without a timeout fn runs inline. With one, fn runs on its own goroutine;
// if it does not answer in time the call fails with handle.ErrHostUnavailable
// and, when it eventually answers, cleanup releases whatever it produced.
// A partial result returned together with an error is also cleaned up.
func timed[T any](ctx context.Context, c *Connection, op string, timeout time.Duration, fn func(context.Context) (T, error), cleanup func(T)) (T, error) {
	var zero T

	if timeout <= 0 {
		v, err := fn(ctx)
		if err != nil {
			if cleanup != nil {
				cleanup(v)
			}
			return zero, err
		}
		return v, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan callResult[T], 1)
	util.SafeGo(func() {
		v, err := fn(callCtx)
		done <- callResult[T]{v: v, err: err}
	}, func(p util.PanicInfo) {
		done <- callResult[T]{err: fmt.Errorf("%s panicked: %v: %w", op, p.Value, handle.ErrHostUnavailable)}
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		cancel()
		if r.err != nil {
			if cleanup != nil {
				cleanup(r.v)
			}
			// The host gave up on our deadline before the timer fired.
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
				c.timeouts.Add(1)
				return zero, fmt.Errorf("%s timed out after %s: %w", op, timeout, handle.ErrHostUnavailable)
			}
			return zero, r.err
		}
		return r.v, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	c.timeouts.Add(1)
	go func() {
		defer cancel()
		r := <-done
		if cleanup != nil {
			cleanup(r.v)
		}
	}()

	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, fmt.Errorf("%s timed out after %s: %w", op, timeout, handle.ErrHostUnavailable)
}

// ResetDue reports whether a scheduled reset should run at now.
func (c *Connection) ResetDue(now time.Time) (bool, ResetTrigger) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false, TriggerNone
	}
	if c.host == nil {
		return true, TriggerDisconnected
	}
	age := now.Sub(c.gen.StartedAt)
	if c.cfg.MaxAge > 0 && age >= c.cfg.MaxAge {
		return true, TriggerMaxAge
	}
	if c.calls.Load() >= c.cfg.CallThreshold && age >= c.cfg.MinAge {
		return true, TriggerCallThreshold
	}
	return false, TriggerNone
}

// Reset replaces the channel.
//
// # Description
//
// The caller must release every Handle of the current generation first
// (the engine clears its anchor cache). Reset then finalizes the host if it
// supports it, closes the channel, starts a new generation and dials. The call
// and read counters are zeroed after a successful dial. A failed dial leaves
// the Connection disconnected with its counters untouched: every call returns
// handle.ErrHostUnavailable and ResetDue reports TriggerDisconnected.
//
// Concurrent calls collapse into one.
//
// # Outputs
//
//   - error: Dial failure, wrapped.
func (c *Connection) Reset(ctx context.Context, trigger ResetTrigger) error {
	_, err, _ := c.flight.Do("reset", func() (any, error) {
		return nil, c.reset(ctx, trigger)
	})
	return err
}

func (c *Connection) reset(ctx context.Context, trigger ResetTrigger) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.host
	oldGen := c.gen
	c.host = nil
	c.gen = newGeneration(oldGen.Seq+1, c.clock())
	c.lastTrigger = trigger
	c.mu.Unlock()

	if outstanding := c.ledger.Outstanding(); outstanding > 0 {
		c.logger.Warn("resetting with outstanding handles",
			slog.Uint64("generation", oldGen.Seq),
			slog.Int64("outstanding", outstanding))
	}

	if old != nil {
		if f, ok := old.(handle.Finalizer); ok {
			if err := f.Finalize(ctx); err != nil {
				c.logger.Debug("finalize before close failed", slog.String("error", err.Error()))
			}
		}
		if err := old.Close(); err != nil {
			c.logger.Debug("closing channel failed", slog.String("error", err.Error()))
		}
	}

	c.resets.Add(1)

	host, err := c.dial(ctx)
	if err != nil {
		c.logger.Error("redial failed",
			slog.String("trigger", string(trigger)),
			slog.Uint64("generation", oldGen.Seq+1),
			slog.String("error", err.Error()))
		return fmt.Errorf("redial after %s: %w", trigger, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = host.Close()
		return ErrClosed
	}
	// Counters start from zero only once the new channel exists.
	c.calls.Store(0)
	c.reads.Store(0)
	c.host = host
	c.gen.StartedAt = c.clock()
	gen := c.gen
	c.mu.Unlock()

	c.logger.Info("connection reset",
		slog.String("trigger", string(trigger)),
		slog.Uint64("generation", gen.Seq),
		slog.String("generation_id", gen.ID))
	return nil
}

// Close finalizes and closes the channel. Idempotent.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	host := c.host
	c.host = nil
	c.mu.Unlock()

	if host == nil {
		return nil
	}
	if f, ok := host.(handle.Finalizer); ok {
		_ = f.Finalize(ctx)
	}
	return host.Close()
}

// Stats returns a snapshot.
func (c *Connection) Stats() Stats {
	c.mu.RLock()
	gen := c.gen
	connected := c.host != nil && !c.closed
	trigger := c.lastTrigger
	c.mu.RUnlock()

	return Stats{
		Generation:       gen,
		Connected:        connected,
		Calls:            c.calls.Load(),
		Reads:            c.reads.Load(),
		Age:              c.clock().Sub(gen.StartedAt),
		Resets:           c.resets.Load(),
		LastResetTrigger: trigger,
		CallTimeouts:     c.timeouts.Load(),
		Handles:          c.ledger.Stats(),
	}
}
