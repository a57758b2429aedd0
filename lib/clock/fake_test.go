// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"runtime"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func TestFakeNowStandsStill(t *testing.T) {
	fake := Fake(testEpoch)
	if !fake.Now().Equal(testEpoch) {
		t.Fatalf("Now() = %v, want %v", fake.Now(), testEpoch)
	}
	if !fake.Now().Equal(testEpoch) {
		t.Fatal("Now() moved without Advance")
	}
}

func TestFakeAdvanceMovesNow(t *testing.T) {
	fake := Fake(testEpoch)
	fake.Advance(90 * time.Second)
	want := testEpoch.Add(90 * time.Second)
	if !fake.Now().Equal(want) {
		t.Fatalf("Now() = %v, want %v", fake.Now(), want)
	}
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(testEpoch)
	ch := fake.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(time.Minute)
	select {
	case fired := <-ch:
		if !fired.Equal(testEpoch.Add(time.Minute)) {
			t.Errorf("fired at %v, want %v", fired, testEpoch.Add(time.Minute))
		}
	default:
		t.Fatal("After did not fire after Advance")
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	fake := Fake(testEpoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeAfterDoesNotDoubleFire(t *testing.T) {
	fake := Fake(testEpoch)
	ch := fake.After(time.Second)
	fake.Advance(time.Second)
	<-ch
	fake.Advance(time.Hour)
	select {
	case <-ch:
		t.Fatal("one-shot waiter fired twice")
	default:
	}
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	fake := Fake(testEpoch)
	ticker := fake.NewTicker(time.Minute)
	defer ticker.Stop()

	fake.Advance(time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after one interval")
	}

	// The channel has capacity 1: advancing several intervals while
	// the consumer is idle delivers at most one buffered tick.
	fake.Advance(5 * time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after multiple intervals")
	}
}

func TestFakeTickerStop(t *testing.T) {
	fake := Fake(testEpoch)
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()
	fake.Advance(10 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}

func TestFakeSleepBlocksUntilAdvance(t *testing.T) {
	fake := Fake(testEpoch)
	done := make(chan struct{})
	go func() {
		fake.Sleep(time.Second)
		close(done)
	}()

	// The goroutine may not have registered its waiter yet, so keep
	// advancing until the sleep returns. Each Advance moves time past
	// any waiter registered before it.
	deadline := time.After(5 * time.Second)
	for {
		fake.Advance(time.Second)
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("Sleep did not return after Advance")
		default:
			runtime.Gosched()
		}
	}
}
