// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package throttle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestTryRun_Spacing(t *testing.T) {
	tests := []struct {
		name  string
		gap   time.Duration
		first bool
		next  bool
	}{
		{"500ms apart", 500 * time.Millisecond, true, false},
		{"1500ms apart", 1500 * time.Millisecond, true, true},
		{"exactly the interval", time.Second, true, false},
		{"just past the interval", time.Second + time.Nanosecond, true, true},
		{"same instant", 0, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := New()
			got1 := th.TryRun(ClassContent, time.Second, t0)
			got2 := th.TryRun(ClassContent, time.Second, t0.Add(tt.gap))
			assert.Equal(t, tt.first, got1)
			assert.Equal(t, tt.next, got2)
		})
	}
}

func TestTryRun_SkippedCallDoesNotRecord(t *testing.T) {
	th := New()
	require.True(t, th.TryRun(ClassMetadata, time.Second, t0))
	require.False(t, th.TryRun(ClassMetadata, time.Second, t0.Add(900*time.Millisecond)))

	// Measured from the last run, not the skipped call.
	assert.True(t, th.TryRun(ClassMetadata, time.Second, t0.Add(1100*time.Millisecond)))
	assert.Equal(t, t0.Add(1100*time.Millisecond), th.LastRun(ClassMetadata))
}

func TestTryRun_ClassesAreIndependent(t *testing.T) {
	th := New()
	require.True(t, th.TryRun(ClassContent, 10*time.Second, t0))

	assert.True(t, th.TryRun(ClassMetadata, 5*time.Second, t0))
	assert.False(t, th.TryRun(ClassContent, 10*time.Second, t0.Add(time.Second)))
	assert.False(t, th.TryRun(ClassMetadata, 5*time.Second, t0.Add(time.Second)))
}

func TestTryRun_ZeroIntervalNeverThrottles(t *testing.T) {
	th := New()
	for i := 0; i < 5; i++ {
		assert.True(t, th.TryRun(ClassDiscovery, 0, t0))
	}
}

func TestTryRun_IntervalChange(t *testing.T) {
	th := New()
	require.True(t, th.TryRun(ClassContent, 10*time.Second, t0))
	require.False(t, th.TryRun(ClassContent, 10*time.Second, t0.Add(2*time.Second)))

	// Shortening the interval takes effect from the next call.
	assert.True(t, th.TryRun(ClassContent, time.Second, t0.Add(3*time.Second)))
}

func TestRun_ReturnsPreviousResultWhenThrottled(t *testing.T) {
	th := New()
	calls := 0
	search := func() (string, error) {
		calls++
		return "payload", nil
	}

	v, ran, err := Run(th, ClassContent, time.Second, t0, search)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "payload", v)

	v, ran, err = Run(th, ClassContent, time.Second, t0.Add(500*time.Millisecond), search)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, "payload", v)
	assert.Equal(t, 1, calls)
}

func TestRun_ThrottledWithoutPreviousResult(t *testing.T) {
	th := New()
	boom := errors.New("search failed")

	_, ran, err := Run(th, ClassContent, time.Second, t0, func() (int, error) { return 0, boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	_, ran, err = Run(th, ClassContent, time.Second, t0.Add(100*time.Millisecond), func() (int, error) { return 1, nil })
	assert.False(t, ran)
	assert.ErrorIs(t, err, ErrThrottled)
}

func TestRun_Forget(t *testing.T) {
	th := New()
	_, _, err := Run(th, ClassContent, time.Second, t0, func() (int, error) { return 7, nil })
	require.NoError(t, err)

	th.Forget(ClassContent)
	_, ran, err := Run(th, ClassContent, time.Second, t0.Add(time.Millisecond), func() (int, error) { return 8, nil })
	assert.False(t, ran)
	assert.ErrorIs(t, err, ErrThrottled)
}

func TestThrottle_ResetAndStats(t *testing.T) {
	th := New()
	require.True(t, th.TryRun(ClassContent, time.Minute, t0))
	require.False(t, th.TryRun(ClassContent, time.Minute, t0.Add(time.Second)))

	stats := th.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, ClassContent, stats[0].Class)
	assert.Equal(t, int64(1), stats[0].Runs)
	assert.Equal(t, int64(1), stats[0].Skipped)

	th.Reset(ClassContent)
	assert.True(t, th.LastRun(ClassContent).IsZero())
	assert.True(t, th.TryRun(ClassContent, time.Minute, t0.Add(2*time.Second)))
}

func TestDefaultInterval(t *testing.T) {
	assert.Equal(t, 5*time.Second, DefaultInterval(ClassMetadata))
	assert.Equal(t, 10*time.Second, DefaultInterval(ClassContent))
	assert.Zero(t, DefaultInterval(ClassDiscovery))
}

func TestRetryBudget_ExhaustsOnce(t *testing.T) {
	b := NewRetryBudget(ClassDiscovery, 5)

	exhaustedCalls := 0
	for i := 0; i < 8; i++ {
		if !b.Allow() {
			continue
		}
		if b.Fail() {
			exhaustedCalls++
		}
	}

	st := b.State()
	assert.Equal(t, 1, exhaustedCalls)
	assert.Equal(t, 5, st.Attempts)
	assert.True(t, st.Exhausted)
	assert.False(t, b.Allow())
	assert.False(t, b.Fail(), "failing an exhausted budget does not count")
	assert.Equal(t, 5, b.State().Attempts)
}

func TestRetryBudget_SucceedResets(t *testing.T) {
	b := NewRetryBudget(ClassDiscovery, 3)
	b.Fail()
	b.Fail()
	b.Succeed()
	assert.Zero(t, b.State().Attempts)
	assert.True(t, b.Allow())
}

func TestRetryBudget_ObserveIdentityChange(t *testing.T) {
	b := NewRetryBudget(ClassDiscovery, 2)
	assert.False(t, b.Observe("study-1"))
	b.Fail()
	b.Fail()
	require.False(t, b.Allow())

	assert.False(t, b.Observe("study-1"))
	assert.False(t, b.Observe(""))
	assert.False(t, b.Allow())

	assert.True(t, b.Observe("study-2"))
	assert.True(t, b.Allow())
	assert.Equal(t, "study-2", b.State().Identity)
}

func TestRetryBudget_SetMaxClamps(t *testing.T) {
	b := NewRetryBudget(ClassDiscovery, 0)
	assert.Equal(t, DefaultRetryLimit, b.State().Max)

	for i := 0; i < 4; i++ {
		b.Fail()
	}
	b.SetMax(2)
	st := b.State()
	assert.Equal(t, 2, st.Attempts)
	assert.True(t, st.Exhausted)
}
