// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake() and advance time explicitly.
//
// Everything in mulemesh that depends on the current time — TTL
// expiry, the background sweep, eviction age ordering, sync outcome
// durations — takes a Clock instead of calling the time package
// directly. This is what makes the expiry and sweep tests
// deterministic.
package clock

import "time"

// Clock provides the current time and timer primitives.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks at the given
	// interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop to
// release resources. Stop does not close C.
type Ticker struct {
	// C delivers ticks. Buffered with capacity 1; ticks are dropped
	// if the consumer falls behind, matching time.Ticker.
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No ticks are delivered after Stop
// returns.
func (t *Ticker) Stop() { t.stopFunc() }
