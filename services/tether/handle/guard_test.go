// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handle

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acquireOne(ledger *Ledger, ref Ref) AcquireFunc {
	return func(context.Context) (*Handle, error) {
		return New(ref, 1, nil, ledger), nil
	}
}

func acquireMany(ledger *Ledger, n int) AcquireAllFunc {
	return func(context.Context) ([]*Handle, error) {
		hs := make([]*Handle, n)
		for i := range hs {
			hs[i] = New(fmt.Sprintf("child-%d", i), 1, nil, ledger)
		}
		return hs, nil
	}
}

func TestWith_ReleasesOnReturn(t *testing.T) {
	var ledger Ledger
	var seen *Handle

	got, err := With(context.Background(), acquireOne(&ledger, "root"), func(h *Handle) (string, error) {
		seen = h
		assert.False(t, h.Released(), "handle must be live inside body")
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.True(t, seen.Released())
	assert.Equal(t, int64(0), ledger.Outstanding())
}

func TestWith_ReleasesOnError(t *testing.T) {
	var ledger Ledger
	boom := errors.New("boom")

	_, err := With(context.Background(), acquireOne(&ledger, "root"), func(*Handle) (int, error) {
		return 0, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), ledger.Outstanding())
}

func TestWith_ReleasesOnPanic(t *testing.T) {
	var ledger Ledger

	assert.Panics(t, func() {
		_, _ = With(context.Background(), acquireOne(&ledger, "root"), func(*Handle) (int, error) {
			panic("body exploded")
		})
	})
	assert.Equal(t, int64(0), ledger.Outstanding())
}

func TestWith_NilHandleSkipsBody(t *testing.T) {
	called := false
	_, err := With(context.Background(),
		func(context.Context) (*Handle, error) { return nil, nil },
		func(*Handle) (int, error) {
			called = true
			return 1, nil
		})

	assert.ErrorIs(t, err, ErrNoHandle)
	assert.False(t, called)
}

func TestWith_AcquireErrorReleasesPartial(t *testing.T) {
	var ledger Ledger
	boom := errors.New("acquire failed")

	_, err := With(context.Background(),
		func(context.Context) (*Handle, error) { return New("partial", 1, nil, &ledger), boom },
		func(*Handle) (int, error) { return 1, nil })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), ledger.Outstanding())
}

func TestWith_ClaimedHandleSurvives(t *testing.T) {
	var ledger Ledger

	kept, err := With(context.Background(), acquireOne(&ledger, "window"), func(h *Handle) (*Handle, error) {
		return h.Claim(), nil
	})

	require.NoError(t, err)
	assert.False(t, kept.Released(), "claimed handle belongs to the caller now")
	assert.Equal(t, int64(1), ledger.Outstanding())

	kept.Release()
	assert.Equal(t, int64(0), ledger.Outstanding())
}

func TestWithAll_ReleasesEveryElement(t *testing.T) {
	var ledger Ledger

	// Body looks at only the first element; all five must still be released.
	_, err := WithAll(context.Background(), acquireMany(&ledger, 5), func(hs []*Handle) (struct{}, error) {
		require.Len(t, hs, 5)
		_, _ = hs[0].Ref()
		return struct{}{}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, int64(0), ledger.Outstanding())
	assert.Equal(t, int64(5), ledger.Stats().Released)
}

func TestWithAll_ClaimOneReleaseRest(t *testing.T) {
	var ledger Ledger

	picked, err := WithAll(context.Background(), acquireMany(&ledger, 4), func(hs []*Handle) (*Handle, error) {
		return hs[2].Claim(), nil
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), ledger.Outstanding())
	ref, err := picked.Ref()
	require.NoError(t, err)
	assert.Equal(t, "child-2", ref)
	picked.Release()
	assert.Equal(t, int64(0), ledger.Outstanding())
}

func TestWithAll_EmptyRunsBody(t *testing.T) {
	var ledger Ledger
	n, err := WithAll(context.Background(), acquireMany(&ledger, 0), func(hs []*Handle) (int, error) {
		return len(hs), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestWithAll_RecursiveWalkReleasesPerFrame checks that a depth-first walk
// which guards each frame never holds more than one frame's children per level.
func TestWithAll_RecursiveWalkReleasesPerFrame(t *testing.T) {
	var ledger Ledger
	const depth, fanout = 4, 3
	var peak int64

	var visit func(level int) error
	visit = func(level int) error {
		if level == depth {
			return nil
		}
		_, err := WithAll(context.Background(), acquireMany(&ledger, fanout), func(hs []*Handle) (struct{}, error) {
			if o := ledger.Outstanding(); o > peak {
				peak = o
			}
			for range hs {
				if err := visit(level + 1); err != nil {
					return struct{}{}, err
				}
			}
			return struct{}{}, nil
		})
		return err
	}

	require.NoError(t, visit(0))
	assert.Equal(t, int64(0), ledger.Outstanding())
	assert.Equal(t, int64(depth*fanout), peak, "at most one frame of children per level may be alive")
}
