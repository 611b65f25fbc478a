// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache holds the two-tier anchor cache.
//
// # Description
//
// The AnchorCache owns at most one window handle and one document handle.
// Both are revalidated with a single attribute read before reuse; a failed
// read releases the anchor. The document lives inside the window, so losing
// the window always drops the document first, and the document is only
// served after the window was checked more recently than the document.
//
// # Ownership
//
// SetWindow and SetDocument take ownership of the handle they are given.
// Handles returned by ValidWindow and ValidDocument stay owned by the cache:
// callers may read through them but must not release or retain them.
//
// # Thread Safety
//
// Mutations are driven by the tick worker. A mutex lets Stats run
// concurrently; host reads happen outside it.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/tether/services/tether/handle"
)

// ErrNoWindow is returned by SetDocument when no window is cached.
var ErrNoWindow = errors.New("no window anchor cached")

// Tier names an anchor slot.
type Tier string

const (
	TierWindow   Tier = "window"
	TierDocument Tier = "document"
)

// Reason says why an anchor was invalidated.
type Reason string

const (
	// ReasonValidationFailed: the validation read errored.
	ReasonValidationFailed Reason = "validation_failed"

	// ReasonLabelMismatch: the validation read no longer matches the label.
	ReasonLabelMismatch Reason = "label_mismatch"

	// ReasonCascade: the owning window went away.
	ReasonCascade Reason = "cascade"

	// ReasonSuperseded: a newer anchor of the same tier (or a new window) replaced it.
	ReasonSuperseded Reason = "superseded"

	// ReasonStructural: the validation read reported the node is gone.
	ReasonStructural Reason = "structural"

	// ReasonReset: the connection is being reset.
	ReasonReset Reason = "reset"

	// ReasonShutdown: the engine is closing.
	ReasonShutdown Reason = "shutdown"
)

// Reader performs the single validation read.
type Reader interface {
	Attribute(ctx context.Context, h *handle.Handle, name string) (string, error)
}

// Options configures an AnchorCache.
type Options struct {
	// ValidateAttr is the attribute read to validate an anchor.
	// Default: handle.AttrName
	ValidateAttr string

	// Logger receives invalidation events. Default: slog.Default()
	Logger *slog.Logger

	// OnInvalidate observes every invalidation, cascades included.
	OnInvalidate func(tier Tier, reason Reason)

	// Clock stamps installs and validations. Default: time.Now
	Clock func() time.Time
}

// Option is a functional option for New.
type Option func(*Options)

// WithValidateAttr sets the validation attribute.
func WithValidateAttr(name string) Option {
	return func(o *Options) {
		if name != "" {
			o.ValidateAttr = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithInvalidationHook sets OnInvalidate.
func WithInvalidationHook(fn func(Tier, Reason)) Option {
	return func(o *Options) {
		o.OnInvalidate = fn
	}
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

type slot struct {
	h           *handle.Handle
	label       string
	installedAt time.Time
	validatedAt time.Time

	// seq orders validations across both tiers.
	seq uint64

	hits          int64
	misses        int64
	validations   int64
	invalidations map[Reason]int64
}

// TierStats is a snapshot of one slot.
type TierStats struct {
	Occupied      bool             `json:"occupied"`
	Label         string           `json:"label,omitempty"`
	InstalledAt   time.Time        `json:"installed_at,omitempty"`
	ValidatedAt   time.Time        `json:"validated_at,omitempty"`
	Hits          int64            `json:"hits"`
	Misses        int64            `json:"misses"`
	Validations   int64            `json:"validations"`
	Invalidations map[Reason]int64 `json:"invalidations"`
}

// TotalInvalidations sums invalidations over all reasons.
func (s TierStats) TotalInvalidations() int64 {
	var n int64
	for _, v := range s.Invalidations {
		n += v
	}
	return n
}

// Stats is a snapshot of both slots.
type Stats struct {
	Window   TierStats `json:"window"`
	Document TierStats `json:"document"`
}

// AnchorCache is the two-tier anchor cache.
type AnchorCache struct {
	reader Reader
	opts   Options

	mu       sync.Mutex
	window   slot
	document slot
	seq      uint64
}

// New creates an empty cache that validates through reader.
func New(reader Reader, opts ...Option) *AnchorCache {
	o := Options{
		ValidateAttr: handle.AttrName,
		Logger:       slog.Default(),
		Clock:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &AnchorCache{
		reader:   reader,
		opts:     o,
		window:   slot{invalidations: make(map[Reason]int64)},
		document: slot{invalidations: make(map[Reason]int64)},
	}
}

func (c *AnchorCache) slot(t Tier) *slot {
	if t == TierWindow {
		return &c.window
	}
	return &c.document
}

// ValidWindow returns the cached window if one validation read succeeds.
//
// # Description
//
// On a read error or a label mismatch the window is invalidated, which drops
// the document first, and nil is returned. An empty cache returns nil
// without touching the host.
func (c *AnchorCache) ValidWindow(ctx context.Context) *handle.Handle {
	return c.validate(ctx, TierWindow)
}

// ValidDocument returns the cached document if it is still valid.
//
// # Description
//
// When the window has not been validated since the document last was, the
// window is validated first; losing it drops the document. The document then
// gets its own validation read.
func (c *AnchorCache) ValidDocument(ctx context.Context) *handle.Handle {
	c.mu.Lock()
	if c.document.h == nil {
		c.document.misses++
		c.mu.Unlock()
		recordAnchorMiss(ctx, TierDocument)
		return nil
	}
	stale := c.window.h == nil || c.window.seq <= c.document.seq
	c.mu.Unlock()

	if stale && c.ValidWindow(ctx) == nil {
		c.mu.Lock()
		c.document.misses++
		c.mu.Unlock()
		recordAnchorMiss(ctx, TierDocument)
		return nil
	}
	return c.validate(ctx, TierDocument)
}

// validate performs the one-read check for tier t.
func (c *AnchorCache) validate(ctx context.Context, t Tier) *handle.Handle {
	c.mu.Lock()
	s := c.slot(t)
	h, label := s.h, s.label
	if h == nil {
		s.misses++
		c.mu.Unlock()
		recordAnchorMiss(ctx, t)
		return nil
	}
	c.mu.Unlock()

	start := c.opts.Clock()
	got, err := c.reader.Attribute(ctx, h, c.opts.ValidateAttr)
	recordValidationLatency(ctx, t, c.opts.Clock().Sub(start), err == nil)

	switch {
	case err != nil:
		reason := ReasonValidationFailed
		if errors.Is(err, handle.ErrNodeGone) {
			reason = ReasonStructural
		}
		c.opts.Logger.Info("anchor validation failed",
			slog.String("tier", string(t)),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()))
		c.invalidate(t, h, reason)
		return nil
	case label != "" && !strings.Contains(got, label):
		c.opts.Logger.Info("anchor label changed",
			slog.String("tier", string(t)),
			slog.String("label", label),
			slog.String("got", got))
		c.invalidate(t, h, ReasonLabelMismatch)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s.h != h {
		// Replaced while reading.
		s.misses++
		return nil
	}
	c.seq++
	s.seq = c.seq
	s.validatedAt = c.opts.Clock()
	s.validations++
	s.hits++
	recordAnchorHit(ctx, t)
	return h
}

// SetWindow caches h as the window anchor and takes ownership of it.
//
// # Description
//
// The new handle is installed before the old one is released. A different
// window makes the cached document meaningless, so the document is
// invalidated too. Setting the handle already cached only updates the label.
// An installed anchor counts as freshly validated.
func (c *AnchorCache) SetWindow(h *handle.Handle, label string) {
	if h == nil {
		return
	}

	c.mu.Lock()
	old := c.window.h
	if old == h {
		c.window.label = label
		c.mu.Unlock()
		return
	}
	c.install(&c.window, h, label)
	doc := c.document.h
	if doc != nil {
		c.clear(&c.document, ReasonSuperseded)
	}
	if old != nil {
		c.window.invalidations[ReasonSuperseded]++
	}
	c.mu.Unlock()

	if doc != nil {
		c.notify(TierDocument, ReasonSuperseded)
		doc.Release()
	}
	if old != nil {
		c.notify(TierWindow, ReasonSuperseded)
		old.Release()
	}
}

// SetDocument caches h as the document anchor and takes ownership of it.
//
// # Outputs
//
//   - error: ErrNoWindow when no window is cached; h is released.
func (c *AnchorCache) SetDocument(h *handle.Handle, label string) error {
	if h == nil {
		return handle.ErrNoHandle
	}

	c.mu.Lock()
	if c.window.h == nil {
		c.mu.Unlock()
		h.Release()
		return ErrNoWindow
	}
	old := c.document.h
	if old == h {
		c.document.label = label
		c.mu.Unlock()
		return nil
	}
	c.install(&c.document, h, label)
	if old != nil {
		c.document.invalidations[ReasonSuperseded]++
	}
	c.mu.Unlock()

	if old != nil {
		c.notify(TierDocument, ReasonSuperseded)
		old.Release()
	}
	return nil
}

// install puts h in s. Caller holds c.mu.
func (c *AnchorCache) install(s *slot, h *handle.Handle, label string) {
	now := c.opts.Clock()
	c.seq++
	s.h = h
	s.label = label
	s.installedAt = now
	s.validatedAt = now
	s.seq = c.seq
}

// clear empties s and counts the reason. Caller holds c.mu and releases the
// handle afterwards.
func (c *AnchorCache) clear(s *slot, reason Reason) {
	s.h = nil
	s.label = ""
	s.installedAt = time.Time{}
	s.validatedAt = time.Time{}
	s.invalidations[reason]++
}

// invalidate drops tier t if it still holds h.
func (c *AnchorCache) invalidate(t Tier, h *handle.Handle, reason Reason) {
	c.mu.Lock()
	if c.slot(t).h != h {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if t == TierWindow {
		c.InvalidateWindow(reason)
	} else {
		c.InvalidateDocument(reason)
	}
}

// InvalidateWindow releases the document (as a cascade) and then the window.
func (c *AnchorCache) InvalidateWindow(reason Reason) {
	c.InvalidateDocument(ReasonCascade)

	c.mu.Lock()
	h := c.window.h
	if h == nil {
		c.mu.Unlock()
		return
	}
	c.clear(&c.window, reason)
	c.mu.Unlock()

	c.notify(TierWindow, reason)
	h.Release()
	c.opts.Logger.Info("window anchor invalidated", slog.String("reason", string(reason)))
}

// InvalidateDocument releases the document only.
func (c *AnchorCache) InvalidateDocument(reason Reason) {
	c.mu.Lock()
	h := c.document.h
	if h == nil {
		c.mu.Unlock()
		return
	}
	c.clear(&c.document, reason)
	c.mu.Unlock()

	c.notify(TierDocument, reason)
	h.Release()
	c.opts.Logger.Info("document anchor invalidated", slog.String("reason", string(reason)))
}

// Clear drops both tiers.
func (c *AnchorCache) Clear(reason Reason) {
	c.InvalidateWindow(reason)
}

// Peek returns the handle cached in tier t without validating it.
func (c *AnchorCache) Peek(t Tier) *handle.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot(t).h
}

// Empty reports whether both tiers are empty.
func (c *AnchorCache) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.h == nil && c.document.h == nil
}

func (c *AnchorCache) notify(t Tier, reason Reason) {
	recordInvalidation(context.Background(), t, reason)
	if c.opts.OnInvalidate != nil {
		c.opts.OnInvalidate(t, reason)
	}
}

// Stats returns a snapshot of both tiers.
func (c *AnchorCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Window:   snapshot(&c.window),
		Document: snapshot(&c.document),
	}
}

func snapshot(s *slot) TierStats {
	inv := make(map[Reason]int64, len(s.invalidations))
	for k, v := range s.invalidations {
		inv[k] = v
	}
	return TierStats{
		Occupied:      s.h != nil,
		Label:         s.label,
		InstalledAt:   s.installedAt,
		ValidatedAt:   s.validatedAt,
		Hits:          s.hits,
		Misses:        s.misses,
		Validations:   s.validations,
		Invalidations: inv,
	}
}
