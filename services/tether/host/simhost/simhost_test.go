// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simhost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tether/services/tether/handle"
)

func dial(t *testing.T, tree *Tree) *Host {
	t.Helper()
	h, err := tree.Dial(context.Background())
	require.NoError(t, err)
	return h.(*Host)
}

func TestHost_AcquireRelease(t *testing.T) {
	tree := DemoTree("PowerScribe")
	h := dial(t, tree)
	ctx := context.Background()

	root, err := h.Root(ctx)
	require.NoError(t, err)
	kids, err := h.Children(ctx, root)
	require.NoError(t, err)
	require.Len(t, kids, 2)

	name, err := h.Attribute(ctx, kids[1], handle.AttrName)
	require.NoError(t, err)
	assert.Equal(t, "PowerScribe - Report", name)

	assert.Equal(t, 3, h.Counters().Outstanding)

	require.NoError(t, h.Release(root))
	for _, k := range kids {
		require.NoError(t, h.Release(k))
	}

	c := h.Counters()
	assert.Equal(t, 0, c.Outstanding)
	assert.Equal(t, int64(3), c.Acquired)
	assert.Equal(t, int64(3), c.Released)
	assert.Equal(t, int64(1), c.AttributeReads)
}

func TestHost_DoubleReleaseIsAnError(t *testing.T) {
	h := dial(t, DemoTree("X"))
	root, err := h.Root(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.Release(root))
	assert.ErrorIs(t, h.Release(root), ErrUnknownRef)
	assert.Equal(t, int64(1), h.Counters().ReleaseErrors)
}

func TestHost_Descendants(t *testing.T) {
	h := dial(t, DemoTree("X"))
	ctx := context.Background()
	root, err := h.Root(ctx)
	require.NoError(t, err)

	docs, err := h.Descendants(ctx, root, handle.Query{Role: "Document", ClassName: "RichEdit"})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	id, err := h.NodeID(docs[0])
	require.NoError(t, err)
	assert.Equal(t, "document", id)

	none, err := h.Descendants(ctx, root, handle.Query{Role: "Spreadsheet"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestHost_RemovedNodeGoesDead(t *testing.T) {
	tree := DemoTree("X")
	h := dial(t, tree)
	ctx := context.Background()

	root, err := h.Root(ctx)
	require.NoError(t, err)
	docs, err := h.Descendants(ctx, root, handle.Query{Role: "Document"})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	require.NoError(t, tree.Remove("editor-pane"))

	_, err = h.Attribute(ctx, docs[0], handle.AttrValue)
	assert.ErrorIs(t, err, handle.ErrNodeGone)

	// Releasing a dead ref still frees the slot.
	assert.ErrorIs(t, h.Release(docs[0]), handle.ErrNodeGone)
	require.NoError(t, h.Release(root))
	assert.Equal(t, 0, h.Counters().Outstanding)
}

func TestHost_InjectedFailures(t *testing.T) {
	tree := DemoTree("X")
	h := dial(t, tree)
	ctx := context.Background()
	root, err := h.Root(ctx)
	require.NoError(t, err)

	tree.FailChildren("desktop", 1)
	_, err = h.Children(ctx, root)
	assert.ErrorIs(t, err, ErrInjected)
	_, err = h.Children(ctx, root)
	assert.NoError(t, err)

	tree.FailAttribute("desktop", handle.AttrName, 2)
	for i := 0; i < 2; i++ {
		_, err = h.Attribute(ctx, root, handle.AttrName)
		assert.ErrorIs(t, err, ErrInjected)
	}
	_, err = h.Attribute(ctx, root, handle.AttrName)
	assert.NoError(t, err)

	tree.FailAttribute("desktop", "", 1)
	_, err = h.Attribute(ctx, root, handle.AttrRole)
	assert.ErrorIs(t, err, ErrInjected)
}

func TestHost_Unavailable(t *testing.T) {
	tree := DemoTree("X")
	h := dial(t, tree)

	tree.SetUnavailable(true)
	_, err := h.Root(context.Background())
	assert.ErrorIs(t, err, handle.ErrHostUnavailable)

	_, err = tree.Dial(context.Background())
	assert.ErrorIs(t, err, handle.ErrHostUnavailable)
}

func TestHost_CloseRecordsLeaks(t *testing.T) {
	tree := DemoTree("X")
	h := dial(t, tree)
	ctx := context.Background()

	_, err := h.Root(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	c := h.Counters()
	assert.True(t, c.Closed)
	assert.Equal(t, 1, c.LeakedOnClose)
	assert.Equal(t, 0, c.Outstanding)

	_, err = h.Root(ctx)
	assert.ErrorIs(t, err, handle.ErrHostUnavailable)
}

func TestHost_RefsAreBoundToChannel(t *testing.T) {
	tree := DemoTree("X")
	first := dial(t, tree)
	second := dial(t, tree)

	root, err := first.Root(context.Background())
	require.NoError(t, err)

	_, err = second.Attribute(context.Background(), root, handle.AttrName)
	assert.ErrorIs(t, err, ErrUnknownRef)
	assert.Same(t, second, tree.Current())
	assert.Len(t, tree.Hosts(), 2)
}

func TestHost_DelayHonorsContext(t *testing.T) {
	tree := DemoTree("X")
	tree.SetDelay(time.Second)
	h := dial(t, tree)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.Root(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTree_Mutations(t *testing.T) {
	tree := DemoTree("X")
	require.NoError(t, tree.SetAttr("document", handle.AttrValue, "IMPRESSION: Normal."))
	require.NoError(t, tree.Add("window", &Node{ID: "status", Attrs: map[string]string{handle.AttrName: "Draft"}}))

	h := dial(t, tree)
	ctx := context.Background()
	root, err := h.Root(ctx)
	require.NoError(t, err)

	docs, err := h.Descendants(ctx, root, handle.Query{Role: "Document"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	v, err := h.Attribute(ctx, docs[0], handle.AttrValue)
	require.NoError(t, err)
	assert.Equal(t, "IMPRESSION: Normal.", v)

	status, err := h.Descendants(ctx, root, handle.Query{NameContains: "Draft"})
	require.NoError(t, err)
	assert.Len(t, status, 1)

	assert.ErrorIs(t, tree.Remove("nope"), handle.ErrNodeGone)
	assert.ErrorIs(t, tree.SetAttr("nope", "a", "b"), handle.ErrNodeGone)
}
