// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rodhost attaches the engine to a Chromium browser over the
// DevTools protocol.
//
// The tree is browser → pages → DOM elements. A page plays the window: its
// Name is the page title. Elements are remote objects and must be released,
// which is what makes this host leak-sensitive in the same way a desktop
// accessibility tree is.
package rodhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/AleutianAI/tether/services/tether/handle"
)

// ErrUnknownRef is returned for references this host did not issue.
var ErrUnknownRef = errors.New("unknown rod reference")

// Options configures Dial.
type Options struct {
	// ControlURL attaches to a running browser. Empty launches one.
	ControlURL string

	// Headless applies to a launched browser.
	Headless bool

	// StartURL is opened in a launched browser.
	StartURL string

	// Logger receives launch and teardown events.
	Logger *slog.Logger
}

type browserRef struct{}

type pageRef struct {
	page *rod.Page
}

type elementRef struct {
	el *rod.Element
}

// Host is one DevTools connection.
type Host struct {
	browser  *rod.Browser
	launched *launcher.Launcher
	cancel   context.CancelFunc
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

var (
	_ handle.Host      = (*Host)(nil)
	_ handle.Finalizer = (*Host)(nil)
)

// Dialer returns a dial function for conn.Open. Each call opens a new
// DevTools connection, launching a browser first when no ControlURL is set.
func Dialer(opts Options) func(ctx context.Context) (handle.Host, error) {
	return func(ctx context.Context) (handle.Host, error) {
		return Dial(ctx, opts)
	}
}

// Dial connects to the browser.
func Dial(ctx context.Context, opts Options) (*Host, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	controlURL := opts.ControlURL
	var l *launcher.Launcher
	if controlURL == "" {
		l = launcher.New().Headless(opts.Headless).Context(ctx)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w: %w", err, handle.ErrHostUnavailable)
		}
		controlURL = u
		logger.Info("browser launched", slog.String("control_url", controlURL))
	}

	// The connection lives until Close, not until the dial context ends.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	browser := rod.New().ControlURL(controlURL).Context(connCtx)
	if err := browser.Connect(); err != nil {
		cancel()
		killLauncher(l)
		return nil, fmt.Errorf("connect %s: %w: %w", controlURL, err, handle.ErrHostUnavailable)
	}

	h := &Host{browser: browser, launched: l, cancel: cancel, logger: logger}
	if l != nil && opts.StartURL != "" {
		if _, err := browser.Page(proto.TargetCreateTarget{URL: opts.StartURL}); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("open %s: %w", opts.StartURL, classify(err))
		}
	}
	return h, nil
}

func (h *Host) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("rod host closed: %w", handle.ErrHostUnavailable)
	}
	return nil
}

// Root returns the browser.
func (h *Host) Root(ctx context.Context) (handle.Ref, error) {
	if err := h.check(ctx); err != nil {
		return nil, err
	}
	return browserRef{}, nil
}

// Children returns the pages of the browser, the document element of a
// page, or the child elements of an element.
func (h *Host) Children(ctx context.Context, ref handle.Ref) ([]handle.Ref, error) {
	if err := h.check(ctx); err != nil {
		return nil, err
	}
	switch r := ref.(type) {
	case browserRef:
		pages, err := h.browser.Context(ctx).Pages()
		if err != nil {
			return nil, classify(err)
		}
		out := make([]handle.Ref, 0, len(pages))
		for _, p := range pages {
			out = append(out, pageRef{page: p})
		}
		return out, nil
	case pageRef:
		els, err := r.page.Context(ctx).Elements("html")
		if err != nil {
			return nil, classify(err)
		}
		return elementRefs(els), nil
	case elementRef:
		els, err := r.el.Context(ctx).Elements(":scope > *")
		if err != nil {
			return nil, classify(err)
		}
		return elementRefs(els), nil
	default:
		return nil, ErrUnknownRef
	}
}

// Descendants runs one querySelectorAll for q below ref.
func (h *Host) Descendants(ctx context.Context, ref handle.Ref, q handle.Query) ([]handle.Ref, error) {
	if err := h.check(ctx); err != nil {
		return nil, err
	}
	sel := Selector(q)
	switch r := ref.(type) {
	case browserRef:
		pages, err := h.browser.Context(ctx).Pages()
		if err != nil {
			return nil, classify(err)
		}
		var out []handle.Ref
		for _, p := range pages {
			els, err := p.Context(ctx).Elements(sel)
			if err != nil {
				for _, got := range out {
					_ = h.Release(got)
				}
				return nil, classify(err)
			}
			out = append(out, elementRefs(els)...)
		}
		return out, nil
	case pageRef:
		els, err := r.page.Context(ctx).Elements(sel)
		if err != nil {
			return nil, classify(err)
		}
		return elementRefs(els), nil
	case elementRef:
		els, err := r.el.Context(ctx).Elements(sel)
		if err != nil {
			return nil, classify(err)
		}
		return elementRefs(els), nil
	default:
		return nil, ErrUnknownRef
	}
}

// Attribute reads one property. Pages answer Name (title), Value (URL) and
// Role ("Window"). Elements answer Name from aria-label or title, Value from
// their text, Role and ClassName from the role and class attributes, and
// any other name as a DOM attribute.
func (h *Host) Attribute(ctx context.Context, ref handle.Ref, name string) (string, error) {
	if err := h.check(ctx); err != nil {
		return "", err
	}
	switch r := ref.(type) {
	case browserRef:
		if name != handle.AttrName {
			return "", nil
		}
		v, err := proto.BrowserGetVersion{}.Call(h.browser.Context(ctx))
		if err != nil {
			return "", classify(err)
		}
		return v.Product, nil
	case pageRef:
		return pageAttribute(ctx, r.page, name)
	case elementRef:
		return elementAttribute(ctx, r.el, name)
	default:
		return "", ErrUnknownRef
	}
}

func pageAttribute(ctx context.Context, p *rod.Page, name string) (string, error) {
	switch name {
	case handle.AttrRole:
		return "Window", nil
	case handle.AttrName, handle.AttrValue:
		info, err := p.Context(ctx).Info()
		if err != nil {
			return "", classify(err)
		}
		if name == handle.AttrName {
			return info.Title, nil
		}
		return info.URL, nil
	default:
		return "", nil
	}
}

func elementAttribute(ctx context.Context, el *rod.Element, name string) (string, error) {
	el = el.Context(ctx)
	switch name {
	case handle.AttrValue:
		text, err := el.Text()
		if err != nil {
			return "", classify(err)
		}
		return text, nil
	case handle.AttrName:
		for _, attr := range []string{"aria-label", "title"} {
			v, err := el.Attribute(attr)
			if err != nil {
				return "", classify(err)
			}
			if v != nil && *v != "" {
				return *v, nil
			}
		}
		return "", nil
	case handle.AttrRole:
		return domAttribute(el, "role")
	case handle.AttrClassName:
		return domAttribute(el, "class")
	default:
		return domAttribute(el, name)
	}
}

func domAttribute(el *rod.Element, name string) (string, error) {
	v, err := el.Attribute(name)
	if err != nil {
		return "", classify(err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

// Release frees an element's remote object. Browser and page references hold
// nothing remote.
func (h *Host) Release(ref handle.Ref) error {
	switch r := ref.(type) {
	case browserRef, pageRef:
		return nil
	case elementRef:
		h.mu.Lock()
		closed := h.closed
		h.mu.Unlock()
		if closed {
			return fmt.Errorf("release after close: %w", handle.ErrHostUnavailable)
		}
		if err := r.el.Release(); err != nil {
			return classify(err)
		}
		return nil
	default:
		return ErrUnknownRef
	}
}

// Finalize asks every page to collect garbage so released remote objects
// are reclaimed before the connection goes away.
func (h *Host) Finalize(ctx context.Context) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	pages, err := h.browser.Context(ctx).Pages()
	if err != nil {
		return classify(err)
	}
	var errs []error
	for _, p := range pages {
		if err := (proto.HeapProfilerCollectGarbage{}).Call(p.Context(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drops the connection. A browser launched by Dial is killed too; an
// attached browser is left running.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	var err error
	if h.launched != nil {
		err = h.browser.Close()
		killLauncher(h.launched)
	}
	h.cancel()
	h.logger.Debug("rod host closed")
	return err
}

func killLauncher(l *launcher.Launcher) {
	if l == nil {
		return
	}
	l.Kill()
	l.Cleanup()
}

func elementRefs(els rod.Elements) []handle.Ref {
	out := make([]handle.Ref, 0, len(els))
	for _, el := range els {
		out = append(out, elementRef{el: el})
	}
	return out
}

// classify maps a rod error onto the handle taxonomy. Protocol errors are
// about one node; anything else means the connection is in trouble.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var cdpErr *cdp.Error
	if errors.As(err, &cdpErr) {
		return fmt.Errorf("%w: %s", handle.ErrNodeGone, cdpErr.Message)
	}
	return fmt.Errorf("%v: %w", err, handle.ErrHostUnavailable)
}

// Selector builds a CSS selector for q. A zero query selects every element.
func Selector(q handle.Query) string {
	var b strings.Builder
	if q.Role != "" {
		b.WriteString(`[role="` + cssEscape(q.Role) + `"]`)
	}
	if q.ClassName != "" {
		for _, c := range strings.Fields(q.ClassName) {
			b.WriteString(`[class~="` + cssEscape(c) + `"]`)
		}
	}
	if q.NameContains != "" {
		b.WriteString(`[aria-label*="` + cssEscape(q.NameContains) + `"]`)
	}
	if b.Len() == 0 {
		return "*"
	}
	return b.String()
}

func cssEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\a `)
	return r.Replace(s)
}
