// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
)

//go:embed tiers.jsonc
var tierFile []byte

// TierWindow is the allowed TTL range for one priority tier. A
// caller-requested TTL is clamped into [Min, Max]; zero selects
// Default.
type TierWindow struct {
	Default time.Duration
	Min     time.Duration
	Max     time.Duration
}

// TTLPolicy maps priority tiers to TTL windows and computes bundle
// expiry. Stateless; safe for concurrent use.
type TTLPolicy struct {
	windows [PriorityEmergency + 1]TierWindow
}

// tierSpec is the JSONC file representation of one tier's window.
type tierSpec struct {
	Default string `json:"default"`
	Min     string `json:"min"`
	Max     string `json:"max"`
}

// DefaultTTLPolicy returns the policy from the embedded tier table.
// Panics if the embedded file is invalid — that is a build defect,
// not a runtime condition.
func DefaultTTLPolicy() *TTLPolicy {
	policy, err := parseTierFile(tierFile)
	if err != nil {
		panic("bundle: embedded tier table invalid: " + err.Error())
	}
	return policy
}

// NewTTLPolicy builds a policy from explicit windows, for daemon
// configuration overrides. Every tier must satisfy
// 0 < Min <= Default <= Max.
func NewTTLPolicy(windows map[Priority]TierWindow) (*TTLPolicy, error) {
	policy := &TTLPolicy{}
	for priority := PriorityLow; priority <= PriorityEmergency; priority++ {
		window, ok := windows[priority]
		if !ok {
			return nil, fmt.Errorf("ttl policy: missing tier %s", priority)
		}
		if window.Min <= 0 || window.Default < window.Min || window.Max < window.Default {
			return nil, fmt.Errorf("ttl policy: tier %s window not ordered: min=%v default=%v max=%v",
				priority, window.Min, window.Default, window.Max)
		}
		policy.windows[priority] = window
	}
	return policy, nil
}

// LoadTTLPolicy reads a JSONC tier table from disk, for daemon
// configuration overrides of the embedded defaults.
func LoadTTLPolicy(path string) (*TTLPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tier table: %w", err)
	}
	policy, err := parseTierFile(data)
	if err != nil {
		return nil, fmt.Errorf("tier table %s: %w", path, err)
	}
	return policy, nil
}

// parseTierFile parses the JSONC tier table.
func parseTierFile(data []byte) (*TTLPolicy, error) {
	var specs map[string]tierSpec
	if err := json.Unmarshal(jsonc.ToJSON(data), &specs); err != nil {
		return nil, fmt.Errorf("parsing tier table: %w", err)
	}

	windows := make(map[Priority]TierWindow, len(specs))
	for name, spec := range specs {
		priority, err := ParsePriority(name)
		if err != nil {
			return nil, err
		}
		window, err := parseWindow(spec)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", name, err)
		}
		windows[priority] = window
	}
	return NewTTLPolicy(windows)
}

// parseWindow converts duration strings to a TierWindow.
func parseWindow(spec tierSpec) (TierWindow, error) {
	var window TierWindow
	var err error
	if window.Default, err = time.ParseDuration(spec.Default); err != nil {
		return window, fmt.Errorf("default: %w", err)
	}
	if window.Min, err = time.ParseDuration(spec.Min); err != nil {
		return window, fmt.Errorf("min: %w", err)
	}
	if window.Max, err = time.ParseDuration(spec.Max); err != nil {
		return window, fmt.Errorf("max: %w", err)
	}
	return window, nil
}

// Window returns the tier window for a priority.
func (p *TTLPolicy) Window(priority Priority) TierWindow {
	if !priority.valid() {
		return p.windows[PriorityNormal]
	}
	return p.windows[priority]
}

// Classify computes a bundle's absolute expiry (unix milliseconds)
// from its priority tier and an optional requested TTL. A zero
// request selects the tier default; anything else is clamped into
// the tier's [Min, Max] window. The result is always >= createdAt.
func (p *TTLPolicy) Classify(priority Priority, createdAt int64, requested time.Duration) int64 {
	window := p.Window(priority)

	ttl := requested
	if ttl == 0 {
		ttl = window.Default
	}
	if ttl < window.Min {
		ttl = window.Min
	}
	if ttl > window.Max {
		ttl = window.Max
	}
	return createdAt + ttl.Milliseconds()
}
