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
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/tether/services/tether/cache"
	"github.com/AleutianAI/tether/services/tether/conn"
	"github.com/AleutianAI/tether/services/tether/handle"
	"github.com/AleutianAI/tether/services/tether/telemetry"
	"github.com/AleutianAI/tether/services/tether/throttle"
)

const tracerName = "tether.engine"

// ErrClosed is returned by Tick after Close.
var ErrClosed = errors.New("engine closed")

// Payload is the text extracted by one tick.
type Payload struct {
	// Text is the content attribute of the document anchor.
	Text string `json:"text"`

	// Fresh is false when a throttled search returned the previous result.
	Fresh bool `json:"fresh"`

	// Generation is the connection generation the text was read in.
	Generation uint64 `json:"generation"`

	// Tick is the tick sequence number.
	Tick uint64 `json:"tick"`

	// At is when the tick started.
	At time.Time `json:"at"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock replaces time.Now for throttling and bookkeeping.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithMetrics sets the Prometheus collectors. Default: a private registry.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Engine is the per-tick scrape orchestrator.
//
// # Description
//
// Engine owns the anchor cache, the throttle and the discovery retry budget,
// and drives the Connection. Ticks are serialized. Everything the tick path
// mutates is owned by the tick in progress; the mutex only protects the
// bookkeeping read by Heartbeat and by configuration updates.
//
// # Thread Safety
//
// Tick, Close, Heartbeat, LastPayload, UpdateConfig and SignalIdentityChange
// are safe for concurrent use. Concurrent Tick calls run one after another.
type Engine struct {
	conn      *conn.Connection
	cache     *cache.AnchorCache
	throttle  *throttle.Throttle
	discovery *throttle.RetryBudget
	logger    *slog.Logger
	clock     func() time.Time
	metrics   *Metrics

	resetPending atomic.Bool

	// tickMu serializes ticks and Close.
	tickMu sync.Mutex
	closed bool

	mu            sync.Mutex
	cfg           Config
	pending       *Config
	ticks         uint64
	lastTickAt    time.Time
	lastDuration  time.Duration
	degraded      bool
	lastFatal     string
	lastPayload   *Payload
	contentMisses int64
	identity      string
	events        map[Kind]int64
}

// New creates an Engine driving c.
//
// # Inputs
//
//   - c: Open connection. The engine takes ownership and closes it in Close.
//   - cfg: Engine configuration. WindowLabel is required.
//   - opts: Functional options.
//
// # Outputs
//
//   - *Engine: Ready to tick.
//   - error: ErrInvalidConfig.
func New(c *conn.Connection, cfg Config, opts ...Option) (*Engine, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil connection", ErrInvalidConfig)
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		conn:     c,
		throttle: throttle.New(),
		logger:   slog.Default(),
		clock:    time.Now,
		cfg:      cfg,
		events:   make(map[Kind]int64),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}

	e.discovery = throttle.NewRetryBudget(throttle.ClassDiscovery, cfg.DiscoveryRetryLimit)
	e.cache = cache.New(observedReader{e},
		cache.WithValidateAttr(cfg.ValidateAttr),
		cache.WithLogger(e.logger),
		cache.WithClock(e.clock),
		cache.WithInvalidationHook(e.onInvalidate),
	)
	c.SetConfig(cfg.Connection)
	return e, nil
}

// observedReader routes cache validation reads through the engine so a
// channel failure during validation schedules a reset.
type observedReader struct {
	e *Engine
}

func (r observedReader) Attribute(ctx context.Context, h *handle.Handle, name string) (string, error) {
	return r.e.read(ctx, h, name)
}

// read performs one attribute read and watches for channel failures.
func (e *Engine) read(ctx context.Context, h *handle.Handle, name string) (string, error) {
	v, err := e.conn.Attribute(ctx, h, name)
	e.observe(err)
	return v, err
}

// observe schedules a reset when err is a channel-level failure.
func (e *Engine) observe(err error) {
	if err != nil && errors.Is(err, ErrHostUnavailable) {
		e.resetPending.Store(true)
	}
}

func (e *Engine) onInvalidate(t cache.Tier, reason cache.Reason) {
	e.metrics.InvalidationsTotal.WithLabelValues(string(t), string(reason)).Inc()
	switch reason {
	case cache.ReasonValidationFailed, cache.ReasonLabelMismatch, cache.ReasonStructural:
		e.countEvent(KindAnchorDead)
	}
	if t == cache.TierDocument && documentLost(reason) {
		// The remembered text belonged to a node that is gone. The search
		// stays throttled but has nothing to hand back.
		e.throttle.Forget(throttle.ClassContent)
	}
}

func documentLost(reason cache.Reason) bool {
	switch reason {
	case cache.ReasonValidationFailed, cache.ReasonLabelMismatch, cache.ReasonStructural, cache.ReasonCascade:
		return true
	}
	return false
}

func (e *Engine) countEvent(k Kind) {
	e.mu.Lock()
	e.events[k]++
	e.mu.Unlock()
}

// Cache returns the anchor cache, for inspection.
func (e *Engine) Cache() *cache.AnchorCache {
	return e.cache
}

// Connection returns the driven connection.
func (e *Engine) Connection() *conn.Connection {
	return e.conn
}

// Config returns the configuration in effect.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// UpdateConfig replaces the configuration at the next tick boundary.
//
// # Description
//
// Intervals, retry limits and connection thresholds change in place. A new
// window label or query drops the cached anchors, since they were found under
// the old ones. ValidateAttr is fixed for the engine's lifetime.
//
// # Outputs
//
//   - error: ErrInvalidConfig. The running configuration is untouched.
func (e *Engine) UpdateConfig(cfg Config) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.ValidateAttr != e.cfg.ValidateAttr {
		return fmt.Errorf("%w: validate attribute cannot change at runtime", ErrInvalidConfig)
	}
	e.pending = &cfg
	return nil
}

// applyPending installs a configuration queued by UpdateConfig.
func (e *Engine) applyPending(logger *slog.Logger) Config {
	e.mu.Lock()
	next := e.pending
	prev := e.cfg
	if next == nil {
		e.mu.Unlock()
		return prev
	}
	e.cfg = *next
	e.pending = nil
	e.mu.Unlock()

	e.discovery.SetMax(next.DiscoveryRetryLimit)
	e.conn.SetConfig(next.Connection)

	if next.WindowLabel != prev.WindowLabel || next.WindowQuery != prev.WindowQuery || next.DocumentQuery != prev.DocumentQuery {
		e.cache.Clear(cache.ReasonSuperseded)
		e.throttle.Reset(throttle.ClassContent)
		e.throttle.Reset(throttle.ClassDiscovery)
		e.discovery.Reset()
	}
	logger.Info("configuration applied",
		slog.String("window_label", next.WindowLabel),
		slog.Duration("content_interval", next.ContentInterval),
		slog.Int("discovery_retry_limit", next.DiscoveryRetryLimit))
	return *next
}

// Tick runs one scrape cycle.
//
// # Description
//
//  1. Reset the connection if its reset predicate holds or a channel failure
//     is pending.
//  2. Validate the cached window; on a miss, discover it within the retry
//     budget. While the budget is exhausted, a throttled metadata sweep
//     watches for an identity change.
//  3. Without a window the tick yields no payload.
//  4. Read the document content. Failures here are logged and swallowed and
//     never invalidate an anchor.
//  5. Reset at the end of the tick if a channel failure was observed.
//
// # Inputs
//
//   - ctx: Bounds host calls. Callers that must not interrupt a tick pass a
//     context without cancellation.
//
// # Outputs
//
//   - *Payload: The extracted text, or nil for "no result this tick".
//   - error: *TickError with KindHostUnavailable when a reset failed, or
//     ErrClosed. No other failure leaves Tick.
func (e *Engine) Tick(ctx context.Context) (*Payload, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	start := e.clock()
	e.mu.Lock()
	e.ticks++
	seq := e.ticks
	e.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, tracerName, "Engine.Tick",
		trace.WithAttributes(attribute.Int64("tether.tick", int64(seq))))
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, e.logger).With(slog.Uint64("tick", seq))

	cfg := e.applyPending(logger)
	payload, err := e.tick(ctx, logger, cfg, seq, start)

	elapsed := e.clock().Sub(start)
	e.finish(start, elapsed, payload, err)
	span.SetAttributes(attribute.Bool("tether.payload", payload != nil))
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}
	return payload, err
}

func (e *Engine) tick(ctx context.Context, logger *slog.Logger, cfg Config, seq uint64, now time.Time) (*Payload, error) {
	if due, trigger := e.resetDue(now); due {
		if err := e.reset(ctx, logger, seq, trigger); err != nil {
			return nil, err
		}
	}

	if cfg.IdentitySweep && e.discovery.State().Exhausted {
		e.sweep(ctx, logger, cfg, now)
	}

	window := e.cache.ValidWindow(ctx)
	if window == nil && !e.resetPending.Load() {
		window = e.discover(ctx, logger, cfg, now)
	}

	var payload *Payload
	if window != nil && !e.resetPending.Load() {
		payload = e.content(ctx, logger, cfg, window, seq, now)
	}

	if e.resetPending.Load() {
		if err := e.reset(ctx, logger, seq, conn.TriggerHostUnavailable); err != nil {
			return nil, err
		}
		// Text read before the reset is still valid output.
	}
	return payload, nil
}

func (e *Engine) resetDue(now time.Time) (bool, conn.ResetTrigger) {
	if e.resetPending.Load() {
		return true, conn.TriggerHostUnavailable
	}
	return e.conn.ResetDue(now)
}

// reset empties the cache and replaces the connection.
func (e *Engine) reset(ctx context.Context, logger *slog.Logger, seq uint64, trigger conn.ResetTrigger) error {
	e.cache.InvalidateDocument(cache.ReasonReset)
	e.cache.Clear(cache.ReasonReset)
	e.throttle.Reset(throttle.ClassContent)
	e.resetPending.Store(false)

	if trigger == conn.TriggerHostUnavailable {
		e.countEvent(KindHostUnavailable)
	}

	err := e.conn.Reset(ctx, trigger)
	telemetry.AddSpanEvent(trace.SpanFromContext(ctx), "connection.reset",
		attribute.String("tether.reset.trigger", string(trigger)),
		attribute.Bool("tether.reset.ok", err == nil))
	if err != nil {
		e.metrics.ResetsTotal.WithLabelValues(string(trigger), "failed").Inc()
		e.metrics.Degraded.Set(1)
		e.mu.Lock()
		e.degraded = true
		e.lastFatal = err.Error()
		e.mu.Unlock()

		logger.Error("connection reset failed",
			slog.String("kind", KindHostUnavailable.String()),
			slog.String("trigger", string(trigger)),
			slog.String("error", err.Error()))
		return &TickError{Kind: KindHostUnavailable, Stage: "reset", Tick: seq, Err: err}
	}

	e.metrics.ResetsTotal.WithLabelValues(string(trigger), "ok").Inc()
	e.metrics.Degraded.Set(0)
	e.mu.Lock()
	recovered := e.degraded
	e.degraded = false
	e.mu.Unlock()
	if recovered {
		logger.Info("connection recovered", slog.Uint64("generation", e.conn.Generation().Seq))
	}
	return nil
}

// discover searches the root's children for the tracked window.
func (e *Engine) discover(ctx context.Context, logger *slog.Logger, cfg Config, now time.Time) *handle.Handle {
	if !e.discovery.Allow() {
		return nil
	}
	if !e.throttle.TryRun(throttle.ClassDiscovery, cfg.DiscoveryInterval, now) {
		return nil
	}

	win, err := e.findWindow(ctx, cfg)
	if err == nil {
		e.cache.SetWindow(win, cfg.WindowLabel)
		e.discovery.Succeed()
		e.metrics.DiscoveryAttemptsTotal.WithLabelValues("found").Inc()
		logger.Debug("window discovered", slog.String("label", cfg.WindowLabel))
		return win
	}

	if errors.Is(err, ErrHostUnavailable) {
		// A channel failure says nothing about the window.
		e.metrics.DiscoveryAttemptsTotal.WithLabelValues("unavailable").Inc()
		return nil
	}

	e.metrics.DiscoveryAttemptsTotal.WithLabelValues("failed").Inc()
	exhausted := e.discovery.Fail()
	st := e.discovery.State()
	logger.Info("window discovery failed",
		slog.Int("attempt", st.Attempts),
		slog.Int("max", st.Max),
		slog.String("error", err.Error()))
	if exhausted {
		e.countEvent(KindDiscoveryExhausted)
		logger.Warn("window discovery exhausted, waiting for an identity change",
			slog.String("kind", KindDiscoveryExhausted.String()),
			slog.Int("attempts", st.Attempts))
	}
	return nil
}

func (e *Engine) findWindow(ctx context.Context, cfg Config) (*handle.Handle, error) {
	return handle.With(ctx, e.conn.Root, func(root *handle.Handle) (*handle.Handle, error) {
		children := func(ctx context.Context) ([]*handle.Handle, error) {
			return e.conn.Children(ctx, root)
		}
		return handle.WithAll(ctx, children, func(kids []*handle.Handle) (*handle.Handle, error) {
			for _, kid := range kids {
				ok, err := e.isWindow(ctx, cfg, kid)
				if err != nil {
					if channelFailure(err) {
						return nil, err
					}
					continue
				}
				if ok {
					return kid.Claim(), nil
				}
			}
			return nil, fmt.Errorf("window %q: %w", cfg.WindowLabel, conn.ErrNotFound)
		})
	})
}

func (e *Engine) isWindow(ctx context.Context, cfg Config, h *handle.Handle) (bool, error) {
	label, err := e.read(ctx, h, cfg.ValidateAttr)
	if err != nil {
		return false, err
	}
	if !strings.Contains(label, cfg.WindowLabel) {
		return false, nil
	}
	if cfg.WindowQuery.IsZero() {
		return true, nil
	}
	return cfg.WindowQuery.Matches(func(name string) (string, error) {
		return e.read(ctx, h, name)
	})
}

// sweep fingerprints the top-level windows and resets the discovery budget
// when the fingerprint changes.
func (e *Engine) sweep(ctx context.Context, logger *slog.Logger, cfg Config, now time.Time) {
	if !e.throttle.TryRun(throttle.ClassMetadata, cfg.MetadataInterval, now) {
		return
	}

	fp, err := e.fingerprint(ctx, cfg)
	if err != nil {
		logger.Debug("metadata sweep failed", slog.String("error", err.Error()))
		return
	}
	if e.discovery.Observe(fp) {
		e.throttle.Reset(throttle.ClassDiscovery)
		e.throttle.Reset(throttle.ClassContent)
		logger.Info("tracked identity changed, discovery budget reset")
	}
}

func (e *Engine) fingerprint(ctx context.Context, cfg Config) (string, error) {
	return handle.With(ctx, e.conn.Root, func(root *handle.Handle) (string, error) {
		children := func(ctx context.Context) ([]*handle.Handle, error) {
			return e.conn.Children(ctx, root)
		}
		return handle.WithAll(ctx, children, func(kids []*handle.Handle) (string, error) {
			labels := make([]string, 0, len(kids))
			for _, kid := range kids {
				label, err := e.read(ctx, kid, cfg.ValidateAttr)
				if err != nil {
					if channelFailure(err) {
						return "", err
					}
					continue
				}
				if label != "" {
					labels = append(labels, label)
				}
			}
			slices.Sort(labels)
			return strings.Join(labels, "\n"), nil
		})
	})
}

// content runs the isolated content stage.
func (e *Engine) content(ctx context.Context, logger *slog.Logger, cfg Config, window *handle.Handle, seq uint64, now time.Time) *Payload {
	// Document validation is structural and may invalidate.
	doc := e.cache.ValidDocument(ctx)
	if e.resetPending.Load() {
		return nil
	}
	if doc == nil && e.cache.Peek(cache.TierWindow) == nil {
		return nil
	}

	res, fresh, err := e.readContent(ctx, cfg, window, doc, now)
	if errors.Is(err, throttle.ErrThrottled) {
		logger.Debug("content search throttled")
		return nil
	}
	if err != nil {
		e.metrics.ContentMissesTotal.Inc()
		e.mu.Lock()
		e.contentMisses++
		e.events[KindTransientContentMiss]++
		e.mu.Unlock()
		logger.Debug("content miss",
			slog.String("kind", KindTransientContentMiss.String()),
			slog.String("error", err.Error()))
		return nil
	}

	return &Payload{
		Text:       res.text,
		Fresh:      fresh,
		Generation: res.generation,
		Tick:       seq,
		At:         now,
	}
}

// contentResult is one content read and the generation it was read in. The
// content throttle class remembers the last one.
type contentResult struct {
	text       string
	generation uint64
}

// readContent is the isolation boundary. Nothing in here touches the cache
// except to install a newly found document.
func (e *Engine) readContent(ctx context.Context, cfg Config, window, doc *handle.Handle, now time.Time) (res contentResult, fresh bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, fresh = contentResult{}, false
			err = fmt.Errorf("%w: panic: %v", ErrTransientContentMiss, r)
		}
	}()

	if doc != nil {
		text, err := e.read(ctx, doc, cfg.ContentAttr)
		if err != nil {
			return contentResult{}, false, fmt.Errorf("%w: read %s: %w", ErrTransientContentMiss, cfg.ContentAttr, err)
		}
		return contentResult{text: text, generation: doc.Generation()}, true, nil
	}

	res, ran, err := throttle.Run(e.throttle, throttle.ClassContent, cfg.ContentInterval, now, func() (contentResult, error) {
		return e.searchDocument(ctx, cfg, window)
	})
	if err != nil {
		if errors.Is(err, throttle.ErrThrottled) {
			return contentResult{}, false, err
		}
		return contentResult{}, false, fmt.Errorf("%w: %w", ErrTransientContentMiss, err)
	}
	return res, ran, nil
}

// searchDocument finds the document below window, caches it and reads it.
func (e *Engine) searchDocument(ctx context.Context, cfg Config, window *handle.Handle) (contentResult, error) {
	var found *handle.Handle
	var err error
	if cfg.SearchMode == SearchDescendants {
		found, err = e.queryDocument(ctx, cfg, window)
	} else {
		found, err = e.walkDocument(ctx, cfg, window)
	}
	if err != nil {
		e.observe(err)
		return contentResult{}, fmt.Errorf("search document: %w", err)
	}
	if err := e.cache.SetDocument(found, cfg.DocumentQuery.NameContains); err != nil {
		return contentResult{}, fmt.Errorf("cache document: %w", err)
	}
	text, err := e.read(ctx, found, cfg.ContentAttr)
	if err != nil {
		return contentResult{}, fmt.Errorf("read %s: %w", cfg.ContentAttr, err)
	}
	return contentResult{text: text, generation: found.Generation()}, nil
}

// walkDocument descends level by level, reading the query's attributes at
// each node and releasing every frame as it unwinds.
func (e *Engine) walkDocument(ctx context.Context, cfg Config, window *handle.Handle) (*handle.Handle, error) {
	match := func(ctx context.Context, h *handle.Handle) (bool, error) {
		return cfg.DocumentQuery.Matches(func(name string) (string, error) {
			return e.read(ctx, h, name)
		})
	}
	return conn.Walk(ctx, e.conn, window, cfg.WalkDepth, match)
}

// queryDocument lets the host match the whole subtree in one call and keeps
// the first hit. Every other match is released before returning.
func (e *Engine) queryDocument(ctx context.Context, cfg Config, window *handle.Handle) (*handle.Handle, error) {
	matches := func(ctx context.Context) ([]*handle.Handle, error) {
		return e.conn.Descendants(ctx, window, cfg.DocumentQuery)
	}
	return handle.WithAll(ctx, matches, func(hs []*handle.Handle) (*handle.Handle, error) {
		if len(hs) == 0 {
			return nil, fmt.Errorf("document below window: %w", conn.ErrNotFound)
		}
		return hs[0].Claim(), nil
	})
}

// finish records tick bookkeeping and metrics.
func (e *Engine) finish(start time.Time, elapsed time.Duration, p *Payload, err error) {
	result := "empty"
	switch {
	case err != nil:
		result = "error"
	case p != nil:
		result = "payload"
	}
	e.metrics.TicksTotal.WithLabelValues(result).Inc()
	e.metrics.TickDurationSeconds.Observe(elapsed.Seconds())
	e.metrics.OutstandingHandles.Set(float64(e.conn.Ledger().Outstanding()))
	e.metrics.CallCount.Set(float64(e.conn.CallCount()))

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTickAt = start
	e.lastDuration = elapsed
	if p != nil {
		e.lastPayload = p
	}
}

// LastPayload returns the most recent non-nil payload, or nil.
func (e *Engine) LastPayload() *Payload {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastPayload == nil {
		return nil
	}
	p := *e.lastPayload
	return &p
}

// SignalIdentityChange resets the discovery budget because the tracked
// study or document changed. The next content search runs immediately and
// never hands back text from before the change.
//
// # Inputs
//
//   - identity: Caller's name for the new identity. Recorded for the heartbeat.
func (e *Engine) SignalIdentityChange(identity string) {
	e.discovery.Reset()
	e.throttle.Reset(throttle.ClassDiscovery)
	e.throttle.Reset(throttle.ClassContent)

	e.mu.Lock()
	e.identity = identity
	e.mu.Unlock()

	e.logger.Info("identity change signalled, discovery budget reset",
		slog.String("identity", identity))
}

// Close releases every anchor and closes the connection.
//
// Waits for an in-flight tick to finish. Idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	e.cache.InvalidateDocument(cache.ReasonShutdown)
	e.cache.Clear(cache.ReasonShutdown)
	if err := e.conn.Close(ctx); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	e.metrics.OutstandingHandles.Set(float64(e.conn.Ledger().Outstanding()))
	return nil
}

// channelFailure reports errors that end a search early.
func channelFailure(err error) bool {
	return errors.Is(err, ErrHostUnavailable) ||
		errors.Is(err, conn.ErrStaleHandle) ||
		errors.Is(err, conn.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
