// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeGo_RecoversPanic(t *testing.T) {
	got := make(chan PanicInfo, 1)

	SafeGo(func() {
		panic("consumer exploded")
	}, func(p PanicInfo) {
		got <- p
	})

	select {
	case p := <-got:
		assert.Equal(t, "consumer exploded", p.Value)
		assert.Contains(t, p.Stack, "goroutine")
	case <-time.After(2 * time.Second):
		t.Fatal("panic handler was not called")
	}
}

func TestSafeGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	SafeGo(func() { close(done) }, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("function did not run")
	}
}

func TestRecoverPanic_NilHandler(t *testing.T) {
	require.NotPanics(t, func() {
		defer RecoverPanic(nil)()
		panic("ignored")
	})
}

func TestEnforceMinTimeout(t *testing.T) {
	tests := []struct {
		name      string
		requested time.Duration
		want      time.Duration
	}{
		{"zero", 0, MinTickPeriod},
		{"negative", -time.Second, MinTickPeriod},
		{"below minimum", 10 * time.Millisecond, MinTickPeriod},
		{"above minimum", time.Second, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EnforceMinTimeout(tt.requested, MinTickPeriod))
		})
	}
}

func TestEnforceDefaultTimeout(t *testing.T) {
	assert.Equal(t, DefaultTickPeriod, EnforceDefaultTimeout(0, DefaultTickPeriod))
	assert.Equal(t, time.Millisecond, EnforceDefaultTimeout(time.Millisecond, DefaultTickPeriod))
}
