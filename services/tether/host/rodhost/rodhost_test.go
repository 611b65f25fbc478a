// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rodhost

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-rod/rod/lib/cdp"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/tether/services/tether/handle"
)

func TestSelector(t *testing.T) {
	tests := []struct {
		name string
		q    handle.Query
		want string
	}{
		{"zero", handle.Query{}, "*"},
		{"role", handle.Query{Role: "textbox"}, `[role="textbox"]`},
		{"classes", handle.Query{ClassName: "ql-editor report"}, `[class~="ql-editor"][class~="report"]`},
		{"name", handle.Query{NameContains: `Say "hi"`}, `[aria-label*="Say \"hi\""]`},
		{"all", handle.Query{Role: "document", ClassName: "rich", NameContains: "Report"},
			`[role="document"][class~="rich"][aria-label*="Report"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Selector(tt.q))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	err := classify(&cdp.Error{Code: -32000, Message: "Could not find node with given id"})
	assert.ErrorIs(t, err, handle.ErrNodeGone)
	assert.NotErrorIs(t, err, handle.ErrHostUnavailable)

	err = classify(fmt.Errorf("eval: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, handle.ErrHostUnavailable)

	err = classify(errors.New("websocket: close 1006"))
	assert.ErrorIs(t, err, handle.ErrHostUnavailable)
	assert.Contains(t, err.Error(), "websocket")
}

func TestHost_UnknownRefs(t *testing.T) {
	h := &Host{cancel: func() {}}
	ctx := context.Background()

	_, err := h.Children(ctx, "bogus")
	assert.ErrorIs(t, err, ErrUnknownRef)
	_, err = h.Attribute(ctx, 42, handle.AttrName)
	assert.ErrorIs(t, err, ErrUnknownRef)
	assert.ErrorIs(t, h.Release(struct{}{}), ErrUnknownRef)
	assert.NoError(t, h.Release(browserRef{}))
}

func TestHost_ClosedIsUnavailable(t *testing.T) {
	h := &Host{cancel: func() {}}
	h.closed = true

	_, err := h.Root(context.Background())
	assert.ErrorIs(t, err, handle.ErrHostUnavailable)
	_, err = h.Children(context.Background(), browserRef{})
	assert.ErrorIs(t, err, handle.ErrHostUnavailable)
	assert.NoError(t, h.Close(), "second close is a no-op")
}
