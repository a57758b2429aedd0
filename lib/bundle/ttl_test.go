// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"testing"
	"time"
)

func TestDefaultPolicyWindowsOrdered(t *testing.T) {
	policy := DefaultTTLPolicy()
	for priority := PriorityLow; priority <= PriorityEmergency; priority++ {
		window := policy.Window(priority)
		if window.Min <= 0 || window.Default < window.Min || window.Max < window.Default {
			t.Errorf("tier %s: window not ordered: %+v", priority, window)
		}
	}
}

func TestEmergencyCeilingBelowArchival(t *testing.T) {
	policy := DefaultTTLPolicy()
	if policy.Window(PriorityEmergency).Max >= policy.Window(PriorityLow).Max {
		t.Error("emergency ceiling should be far below the archival ceiling")
	}
}

func TestClassifyDefault(t *testing.T) {
	policy := DefaultTTLPolicy()
	createdAt := int64(1_000_000)

	expiry := policy.Classify(PriorityNormal, createdAt, 0)
	want := createdAt + policy.Window(PriorityNormal).Default.Milliseconds()
	if expiry != want {
		t.Errorf("Classify default: got %d, want %d", expiry, want)
	}
}

func TestClassifyClampsToCeiling(t *testing.T) {
	policy := DefaultTTLPolicy()
	createdAt := int64(0)

	// Emergency bundles cannot be requested to live for a year.
	expiry := policy.Classify(PriorityEmergency, createdAt, 365*24*time.Hour)
	ceiling := policy.Window(PriorityEmergency).Max.Milliseconds()
	if expiry != ceiling {
		t.Errorf("Classify over-request: got %d, want ceiling %d", expiry, ceiling)
	}
}

func TestClassifyClampsToFloor(t *testing.T) {
	policy := DefaultTTLPolicy()
	expiry := policy.Classify(PriorityLow, 0, time.Second)
	floor := policy.Window(PriorityLow).Min.Milliseconds()
	if expiry != floor {
		t.Errorf("Classify under-request: got %d, want floor %d", expiry, floor)
	}
}

func TestClassifyHonorsInWindowRequest(t *testing.T) {
	policy := DefaultTTLPolicy()
	requested := 48 * time.Hour
	expiry := policy.Classify(PriorityNormal, 0, requested)
	if expiry != requested.Milliseconds() {
		t.Errorf("Classify in-window request: got %d, want %d", expiry, requested.Milliseconds())
	}
}

func TestClassifyExpiryNeverBeforeCreation(t *testing.T) {
	policy := DefaultTTLPolicy()
	for priority := PriorityLow; priority <= PriorityEmergency; priority++ {
		for _, requested := range []time.Duration{0, time.Nanosecond, time.Hour, 10_000 * time.Hour} {
			createdAt := int64(42)
			if expiry := policy.Classify(priority, createdAt, requested); expiry < createdAt {
				t.Errorf("tier %s requested %v: expiry %d precedes created_at %d",
					priority, requested, expiry, createdAt)
			}
		}
	}
}

func TestNewTTLPolicyRejectsUnorderedWindow(t *testing.T) {
	windows := map[Priority]TierWindow{
		PriorityLow:       {Default: time.Hour, Min: time.Hour, Max: time.Hour},
		PriorityNormal:    {Default: time.Hour, Min: time.Hour, Max: time.Hour},
		PriorityHigh:      {Default: time.Minute, Min: time.Hour, Max: time.Hour}, // default < min
		PriorityEmergency: {Default: time.Hour, Min: time.Hour, Max: time.Hour},
	}
	if _, err := NewTTLPolicy(windows); err == nil {
		t.Fatal("NewTTLPolicy accepted an unordered window")
	}
}

func TestNewTTLPolicyRejectsMissingTier(t *testing.T) {
	windows := map[Priority]TierWindow{
		PriorityLow: {Default: time.Hour, Min: time.Hour, Max: time.Hour},
	}
	if _, err := NewTTLPolicy(windows); err == nil {
		t.Fatal("NewTTLPolicy accepted a missing tier")
	}
}
