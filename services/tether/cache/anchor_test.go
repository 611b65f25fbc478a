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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tether/services/tether/conn"
	"github.com/AleutianAI/tether/services/tether/handle"
	"github.com/AleutianAI/tether/services/tether/host/simhost"
)

type fixture struct {
	tree *simhost.Tree
	conn *conn.Connection
	root *handle.Handle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tree := simhost.DemoTree("PowerScribe")
	c, err := conn.Open(context.Background(), tree.Dial, conn.DefaultConfig())
	require.NoError(t, err)
	root, err := c.Root(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		root.Release()
		_ = c.Close(context.Background())
	})
	return &fixture{tree: tree, conn: c, root: root}
}

// window acquires a fresh handle to the application window.
func (f *fixture) window(t *testing.T) *handle.Handle {
	t.Helper()
	hs, err := f.conn.Descendants(context.Background(), f.root, handle.Query{Role: "Window"})
	require.NoError(t, err)
	require.Len(t, hs, 1)
	return hs[0]
}

// document acquires a fresh handle to the report document.
func (f *fixture) document(t *testing.T) *handle.Handle {
	t.Helper()
	hs, err := f.conn.Descendants(context.Background(), f.root, handle.Query{Role: "Document"})
	require.NoError(t, err)
	require.Len(t, hs, 1)
	return hs[0]
}

type event struct {
	tier   Tier
	reason Reason
}

func TestAnchorCache_EmptyDoesNotTouchHost(t *testing.T) {
	f := newFixture(t)
	c := New(f.conn)

	assert.Nil(t, c.ValidWindow(context.Background()))
	assert.Nil(t, c.ValidDocument(context.Background()))
	assert.Zero(t, f.conn.Stats().Reads)
	assert.True(t, c.Empty())
}

func TestAnchorCache_ValidWindowOneRead(t *testing.T) {
	f := newFixture(t)
	c := New(f.conn)
	w := f.window(t)
	c.SetWindow(w, "PowerScribe")

	for i := 0; i < 3; i++ {
		assert.Same(t, w, c.ValidWindow(context.Background()))
	}
	assert.Equal(t, int64(3), f.conn.Stats().Reads)

	st := c.Stats().Window
	assert.True(t, st.Occupied)
	assert.Equal(t, int64(3), st.Hits)
	assert.Equal(t, "PowerScribe", st.Label)
}

func TestAnchorCache_WindowReadFailureCascades(t *testing.T) {
	f := newFixture(t)
	var events []event
	c := New(f.conn, WithInvalidationHook(func(tier Tier, r Reason) {
		events = append(events, event{tier, r})
	}))

	w := f.window(t)
	d := f.document(t)
	c.SetWindow(w, "PowerScribe")
	require.NoError(t, c.SetDocument(d, "Report"))

	f.tree.FailAttribute("window", handle.AttrName, 1)
	assert.Nil(t, c.ValidWindow(context.Background()))

	assert.Nil(t, c.Peek(TierWindow))
	assert.Nil(t, c.Peek(TierDocument))
	assert.True(t, w.Released())
	assert.True(t, d.Released())
	assert.Equal(t, []event{
		{TierDocument, ReasonCascade},
		{TierWindow, ReasonValidationFailed},
	}, events)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Window.Invalidations[ReasonValidationFailed])
	assert.Equal(t, int64(1), st.Document.Invalidations[ReasonCascade])
	assert.Equal(t, int64(1), f.conn.Ledger().Outstanding(), "only the fixture root remains")
}

func TestAnchorCache_LabelMismatchInvalidates(t *testing.T) {
	f := newFixture(t)
	c := New(f.conn)
	c.SetWindow(f.window(t), "PowerScribe")

	require.NoError(t, f.tree.SetAttr("window", handle.AttrName, "Login"))
	assert.Nil(t, c.ValidWindow(context.Background()))
	assert.Equal(t, int64(1), c.Stats().Window.Invalidations[ReasonLabelMismatch])
}

func TestAnchorCache_InvalidateDocumentLeavesWindow(t *testing.T) {
	f := newFixture(t)
	c := New(f.conn)
	w := f.window(t)
	d := f.document(t)
	c.SetWindow(w, "")
	require.NoError(t, c.SetDocument(d, ""))

	c.InvalidateDocument(ReasonStructural)

	assert.Same(t, w, c.Peek(TierWindow))
	assert.Nil(t, c.Peek(TierDocument))
	assert.False(t, w.Released())
	assert.True(t, d.Released())
	assert.Zero(t, c.Stats().Window.TotalInvalidations())
}

func TestAnchorCache_SetWindowInstallsBeforeRelease(t *testing.T) {
	f := newFixture(t)
	var c *AnchorCache
	var seenDuringRelease *handle.Handle
	var events []event
	c = New(f.conn, WithInvalidationHook(func(tier Tier, r Reason) {
		events = append(events, event{tier, r})
		if tier == TierWindow {
			seenDuringRelease = c.Peek(TierWindow)
		}
	}))

	first := f.window(t)
	doc := f.document(t)
	c.SetWindow(first, "PowerScribe")
	require.NoError(t, c.SetDocument(doc, ""))

	second := f.window(t)
	c.SetWindow(second, "PowerScribe")

	assert.Same(t, second, seenDuringRelease, "old window released only after the new one is installed")
	assert.True(t, first.Released())
	assert.True(t, doc.Released(), "document belonged to the old window")
	assert.False(t, second.Released())
	assert.Equal(t, []event{
		{TierDocument, ReasonSuperseded},
		{TierWindow, ReasonSuperseded},
	}, events)
}

func TestAnchorCache_SetSameWindowIsNoop(t *testing.T) {
	f := newFixture(t)
	c := New(f.conn)
	w := f.window(t)
	d := f.document(t)
	c.SetWindow(w, "Power")
	require.NoError(t, c.SetDocument(d, ""))

	c.SetWindow(w, "PowerScribe")

	assert.False(t, w.Released())
	assert.Same(t, d, c.Peek(TierDocument))
	assert.Equal(t, "PowerScribe", c.Stats().Window.Label)
	assert.Equal(t, int64(0), f.conn.Ledger().Stats().Released)
}

func TestAnchorCache_SetDocumentRequiresWindow(t *testing.T) {
	f := newFixture(t)
	c := New(f.conn)
	d := f.document(t)

	assert.ErrorIs(t, c.SetDocument(d, ""), ErrNoWindow)
	assert.True(t, d.Released())
	assert.ErrorIs(t, c.SetDocument(nil, ""), handle.ErrNoHandle)
}

func TestAnchorCache_SetDocumentSupersedes(t *testing.T) {
	f := newFixture(t)
	c := New(f.conn)
	c.SetWindow(f.window(t), "")

	first := f.document(t)
	require.NoError(t, c.SetDocument(first, ""))
	second := f.document(t)
	require.NoError(t, c.SetDocument(second, ""))

	assert.True(t, first.Released())
	assert.Same(t, second, c.Peek(TierDocument))
	assert.Equal(t, int64(1), c.Stats().Document.Invalidations[ReasonSuperseded])
}

func TestAnchorCache_ValidDocumentChecksWindowFirst(t *testing.T) {
	f := newFixture(t)
	c := New(f.conn)
	ctx := context.Background()
	w := f.window(t)
	d := f.document(t)
	c.SetWindow(w, "PowerScribe")
	require.NoError(t, c.SetDocument(d, "Report"))

	// The document was installed after the window was last checked.
	assert.Same(t, d, c.ValidDocument(ctx))
	assert.Equal(t, int64(2), f.conn.Stats().Reads)

	// Window checked this tick: the document needs only its own read.
	require.NotNil(t, c.ValidWindow(ctx))
	require.NotNil(t, c.ValidDocument(ctx))
	assert.Equal(t, int64(4), f.conn.Stats().Reads)

	// Document checked last: the window is checked again first.
	require.NotNil(t, c.ValidDocument(ctx))
	assert.Equal(t, int64(6), f.conn.Stats().Reads)
}

func TestAnchorCache_ValidDocumentLosesWindow(t *testing.T) {
	f := newFixture(t)
	c := New(f.conn)
	w := f.window(t)
	d := f.document(t)
	c.SetWindow(w, "PowerScribe")
	require.NoError(t, c.SetDocument(d, ""))

	f.tree.FailAttribute("window", "", 1)
	assert.Nil(t, c.ValidDocument(context.Background()))
	assert.True(t, c.Empty())
	assert.True(t, w.Released())
	assert.True(t, d.Released())
}

func TestAnchorCache_DeadDocumentInvalidatesOnlyDocument(t *testing.T) {
	f := newFixture(t)
	c := New(f.conn)
	ctx := context.Background()
	w := f.window(t)
	c.SetWindow(w, "PowerScribe")
	require.NoError(t, c.SetDocument(f.document(t), ""))
	require.NotNil(t, c.ValidWindow(ctx))

	require.NoError(t, f.tree.Remove("document"))
	assert.Nil(t, c.ValidDocument(ctx))
	assert.Same(t, w, c.Peek(TierWindow))
	assert.Equal(t, int64(1), c.Stats().Document.Invalidations[ReasonStructural])
}

func TestAnchorCache_ClearReleasesEverything(t *testing.T) {
	f := newFixture(t)
	c := New(f.conn)
	c.SetWindow(f.window(t), "")
	require.NoError(t, c.SetDocument(f.document(t), ""))

	c.Clear(ReasonReset)

	assert.True(t, c.Empty())
	st := c.Stats()
	assert.Equal(t, int64(1), st.Window.Invalidations[ReasonReset])
	assert.Equal(t, int64(1), st.Document.Invalidations[ReasonCascade])
	assert.Equal(t, int64(1), f.conn.Ledger().Outstanding())
	assert.Equal(t, 1, f.tree.Outstanding())
}
