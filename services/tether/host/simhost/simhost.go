// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simhost is an in-memory host tree with reference accounting.
//
// # Description
//
// A Tree is the mutable node hierarchy. Dial opens a Host (one channel) on
// it; every Root, Children and Descendants call hands out fresh references
// that stay outstanding until released. Closing a Host kills its references
// and records how many were still outstanding, which is what a leak looks
// like on a real host.
//
// Failures are injected on the Tree so they survive a reconnect:
//
//	tree.FailAttribute("doc", handle.AttrValue, 3) // next 3 reads fail
//	tree.SetUnavailable(true)                     // every call fails
//	tree.Remove("win")                            // held refs go dead
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package simhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/tether/services/tether/handle"
)

var (
	// ErrUnknownRef is returned when releasing a reference this channel never issued.
	ErrUnknownRef = errors.New("unknown reference")

	// ErrInjected is wrapped by injected failures.
	ErrInjected = errors.New("injected failure")
)

// Node is one node of a simulated tree.
type Node struct {
	ID       string
	Attrs    map[string]string
	Children []*Node

	parent  *Node
	removed bool
}

// ref is the token handed out by a Host.
type ref struct {
	id      uint64
	channel uint64
}

type refEntry struct {
	node *Node
}

// Counters is a snapshot of a Host's activity.
type Counters struct {
	Acquired       int64 `json:"acquired"`
	Released       int64 `json:"released"`
	Outstanding    int   `json:"outstanding"`
	AttributeReads int64 `json:"attribute_reads"`
	ReleaseErrors  int64 `json:"release_errors"`
	LeakedOnClose  int   `json:"leaked_on_close"`
	Finalized      int64 `json:"finalized"`
	Closed         bool  `json:"closed"`
}

// Tree is a mutable simulated hierarchy shared by every channel dialed on it.
type Tree struct {
	mu   sync.Mutex
	root *Node
	byID map[string]*Node

	unavailable  bool
	delay        time.Duration
	attrFailures map[string]int
	kidsFailures map[string]int
	descFailures map[string]int
	dialFailures int

	nextChannel uint64
	hosts       []*Host
}

// NewTree indexes root and its descendants.
func NewTree(root *Node) *Tree {
	t := &Tree{
		root:         root,
		byID:         make(map[string]*Node),
		attrFailures: make(map[string]int),
		kidsFailures: make(map[string]int),
		descFailures: make(map[string]int),
	}
	t.index(root, nil)
	return t
}

func (t *Tree) index(n, parent *Node) {
	if n == nil {
		return
	}
	n.parent = parent
	if n.Attrs == nil {
		n.Attrs = make(map[string]string)
	}
	t.byID[n.ID] = n
	for _, c := range n.Children {
		t.index(c, n)
	}
}

// DemoTree builds a desktop with one application window titled windowLabel
// holding a report document, next to a taskbar.
func DemoTree(windowLabel string) *Tree {
	return NewTree(&Node{
		ID: "desktop",
		Children: []*Node{
			{ID: "taskbar", Attrs: map[string]string{handle.AttrName: "Taskbar", handle.AttrRole: "Pane"}},
			{
				ID:    "window",
				Attrs: map[string]string{handle.AttrName: windowLabel + " - Report", handle.AttrRole: "Window"},
				Children: []*Node{
					{ID: "toolbar", Attrs: map[string]string{handle.AttrName: "Toolbar", handle.AttrRole: "ToolBar"}},
					{
						ID:    "editor-pane",
						Attrs: map[string]string{handle.AttrRole: "Pane"},
						Children: []*Node{
							{
								ID: "document",
								Attrs: map[string]string{
									handle.AttrName:      "Report",
									handle.AttrRole:      "Document",
									handle.AttrClassName: "RichEdit",
									handle.AttrValue:     "FINDINGS: No acute abnormality.",
								},
							},
						},
					},
				},
			},
		},
	})
}

// Dial opens a new channel on the tree.
func (t *Tree) Dial(ctx context.Context) (handle.Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.unavailable {
		return nil, fmt.Errorf("sim dial: %w", handle.ErrHostUnavailable)
	}
	if t.dialFailures > 0 {
		t.dialFailures--
		return nil, fmt.Errorf("sim dial: %w: %w", ErrInjected, handle.ErrHostUnavailable)
	}

	t.nextChannel++
	h := &Host{
		tree:    t,
		channel: t.nextChannel,
		refs:    make(map[ref]refEntry),
	}
	t.hosts = append(t.hosts, h)
	return h, nil
}

// Hosts returns every channel dialed so far, oldest first.
func (t *Tree) Hosts() []*Host {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Host(nil), t.hosts...)
}

// Current returns the most recently dialed channel, or nil.
func (t *Tree) Current() *Host {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.hosts) == 0 {
		return nil
	}
	return t.hosts[len(t.hosts)-1]
}

// Outstanding sums outstanding references over all open channels.
func (t *Tree) Outstanding() int {
	total := 0
	for _, h := range t.Hosts() {
		total += h.Counters().Outstanding
	}
	return total
}

// SetUnavailable makes every call on every channel fail with ErrHostUnavailable.
func (t *Tree) SetUnavailable(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unavailable = v
}

// SetDelay makes every host call sleep for d before answering.
func (t *Tree) SetDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delay = d
}

// FailAttribute makes the next times reads of attribute name on node id fail.
// An empty name matches every attribute.
func (t *Tree) FailAttribute(id, name string, times int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attrFailures[id+"\x00"+name] += times
}

// FailChildren makes the next times Children calls on node id fail.
func (t *Tree) FailChildren(id string, times int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kidsFailures[id] += times
}

// FailDescendants makes the next times Descendants calls on node id fail.
func (t *Tree) FailDescendants(id string, times int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.descFailures[id] += times
}

// FailDial makes the next times Dial calls fail.
func (t *Tree) FailDial(times int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialFailures += times
}

// SetAttr sets one attribute of node id.
func (t *Tree) SetAttr(id, name, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byID[id]
	if !ok || n.removed {
		return fmt.Errorf("set %s on %s: %w", name, id, handle.ErrNodeGone)
	}
	n.Attrs[name] = value
	return nil
}

// Add appends child under node parentID.
func (t *Tree) Add(parentID string, child *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[parentID]
	if !ok || p.removed {
		return fmt.Errorf("add under %s: %w", parentID, handle.ErrNodeGone)
	}
	p.Children = append(p.Children, child)
	t.index(child, p)
	return nil
}

// Remove detaches node id and its subtree. References to them go dead.
func (t *Tree) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byID[id]
	if !ok || n.removed {
		return fmt.Errorf("remove %s: %w", id, handle.ErrNodeGone)
	}
	if p := n.parent; p != nil {
		kept := p.Children[:0]
		for _, c := range p.Children {
			if c != n {
				kept = append(kept, c)
			}
		}
		p.Children = kept
	}
	t.markRemoved(n)
	return nil
}

func (t *Tree) markRemoved(n *Node) {
	n.removed = true
	delete(t.byID, n.ID)
	for _, c := range n.Children {
		t.markRemoved(c)
	}
}

// consume decrements an injected failure counter. Caller holds t.mu.
func consume(m map[string]int, key string) bool {
	if m[key] > 0 {
		m[key]--
		return true
	}
	return false
}

// Host is one channel on a Tree. It implements handle.Host and handle.Finalizer.
type Host struct {
	tree    *Tree
	channel uint64

	mu            sync.Mutex
	refs          map[ref]refEntry
	nextRef       uint64
	closed        bool
	acquired      int64
	released      int64
	attrReads     int64
	releaseErrors int64
	leaked        int
	finalized     int64
}

var (
	_ handle.Host      = (*Host)(nil)
	_ handle.Finalizer = (*Host)(nil)
)

// enter applies the delay and channel checks common to every call.
func (h *Host) enter(ctx context.Context) error {
	h.tree.mu.Lock()
	delay := h.tree.delay
	unavailable := h.tree.unavailable
	h.tree.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if unavailable {
		return fmt.Errorf("sim channel %d: %w", h.channel, handle.ErrHostUnavailable)
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return fmt.Errorf("sim channel %d closed: %w", h.channel, handle.ErrHostUnavailable)
	}
	return nil
}

// issue hands out a fresh reference to n.
func (h *Host) issue(n *Node) ref {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextRef++
	r := ref{id: h.nextRef, channel: h.channel}
	h.refs[r] = refEntry{node: n}
	h.acquired++
	return r
}

// lookup resolves a reference issued by this channel.
func (h *Host) lookup(r handle.Ref) (*Node, error) {
	rr, ok := r.(ref)
	if !ok || rr.channel != h.channel {
		return nil, ErrUnknownRef
	}
	h.mu.Lock()
	e, ok := h.refs[rr]
	h.mu.Unlock()
	if !ok {
		return nil, ErrUnknownRef
	}

	h.tree.mu.Lock()
	removed := e.node.removed
	h.tree.mu.Unlock()
	if removed {
		return nil, fmt.Errorf("node %s: %w", e.node.ID, handle.ErrNodeGone)
	}
	return e.node, nil
}

// Root acquires the tree root.
func (h *Host) Root(ctx context.Context) (handle.Ref, error) {
	if err := h.enter(ctx); err != nil {
		return nil, err
	}
	h.tree.mu.Lock()
	root := h.tree.root
	h.tree.mu.Unlock()
	return h.issue(root), nil
}

// Children acquires the direct children of r.
func (h *Host) Children(ctx context.Context, r handle.Ref) ([]handle.Ref, error) {
	if err := h.enter(ctx); err != nil {
		return nil, err
	}
	n, err := h.lookup(r)
	if err != nil {
		return nil, err
	}

	h.tree.mu.Lock()
	if consume(h.tree.kidsFailures, n.ID) {
		h.tree.mu.Unlock()
		return nil, fmt.Errorf("children of %s: %w", n.ID, ErrInjected)
	}
	kids := append([]*Node(nil), n.Children...)
	h.tree.mu.Unlock()

	out := make([]handle.Ref, 0, len(kids))
	for _, c := range kids {
		out = append(out, h.issue(c))
	}
	return out, nil
}

// Descendants acquires every descendant of r matching q, depth first.
func (h *Host) Descendants(ctx context.Context, r handle.Ref, q handle.Query) ([]handle.Ref, error) {
	if err := h.enter(ctx); err != nil {
		return nil, err
	}
	n, err := h.lookup(r)
	if err != nil {
		return nil, err
	}

	h.tree.mu.Lock()
	if consume(h.tree.descFailures, n.ID) {
		h.tree.mu.Unlock()
		return nil, fmt.Errorf("descendants of %s: %w", n.ID, ErrInjected)
	}
	var matched []*Node
	var visit func(*Node)
	visit = func(p *Node) {
		for _, c := range p.Children {
			attrs := c.Attrs
			ok, _ := q.Matches(func(name string) (string, error) { return attrs[name], nil })
			if ok {
				matched = append(matched, c)
			}
			visit(c)
		}
	}
	visit(n)
	h.tree.mu.Unlock()

	out := make([]handle.Ref, 0, len(matched))
	for _, m := range matched {
		out = append(out, h.issue(m))
	}
	return out, nil
}

// Attribute reads one attribute of r. Unknown attributes read as "".
func (h *Host) Attribute(ctx context.Context, r handle.Ref, name string) (string, error) {
	if err := h.enter(ctx); err != nil {
		return "", err
	}

	h.mu.Lock()
	h.attrReads++
	h.mu.Unlock()

	n, err := h.lookup(r)
	if err != nil {
		return "", err
	}

	h.tree.mu.Lock()
	defer h.tree.mu.Unlock()
	if consume(h.tree.attrFailures, n.ID+"\x00"+name) || consume(h.tree.attrFailures, n.ID+"\x00") {
		return "", fmt.Errorf("read %s of %s: %w", name, n.ID, ErrInjected)
	}
	return n.Attrs[name], nil
}

// Release frees r. Dead and unknown references still report an error.
func (h *Host) Release(r handle.Ref) error {
	rr, ok := r.(ref)
	if !ok || rr.channel != h.channel {
		h.mu.Lock()
		h.releaseErrors++
		h.mu.Unlock()
		return ErrUnknownRef
	}

	h.mu.Lock()
	e, ok := h.refs[rr]
	if !ok {
		h.releaseErrors++
		h.mu.Unlock()
		return ErrUnknownRef
	}
	delete(h.refs, rr)
	h.released++
	h.mu.Unlock()

	h.tree.mu.Lock()
	removed := e.node.removed
	h.tree.mu.Unlock()
	if removed {
		h.mu.Lock()
		h.releaseErrors++
		h.mu.Unlock()
		return fmt.Errorf("release %s: %w", e.node.ID, handle.ErrNodeGone)
	}
	return nil
}

// Finalize counts the call. The simulated host has nothing pending.
func (h *Host) Finalize(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finalized++
	return ctx.Err()
}

// Close kills the channel. Outstanding references are recorded as leaked.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.leaked = len(h.refs)
	h.refs = make(map[ref]refEntry)
	return nil
}

// Counters returns a snapshot.
func (h *Host) Counters() Counters {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Counters{
		Acquired:       h.acquired,
		Released:       h.released,
		Outstanding:    len(h.refs),
		AttributeReads: h.attrReads,
		ReleaseErrors:  h.releaseErrors,
		LeakedOnClose:  h.leaked,
		Finalized:      h.finalized,
		Closed:         h.closed,
	}
}

// NodeID returns the node id behind a reference issued by h, for assertions.
func (h *Host) NodeID(r handle.Ref) (string, error) {
	n, err := h.lookup(r)
	if err != nil {
		return "", err
	}
	return n.ID, nil
}
