// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for mulemesh daemons.
//
// Configuration is loaded from a single YAML file specified by:
//   - MULEMESH_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. Environment variables
// never override file values; the only expansion performed is ${HOME}
// in path fields for portability.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// Node identifies this mesh participant.
	Node NodeConfig `yaml:"node"`

	// Store configures the durable bundle store.
	Store StoreConfig `yaml:"store"`

	// Sync configures peer reconciliation.
	Sync SyncConfig `yaml:"sync"`

	// Trust configures audience authorization for peers.
	Trust TrustConfig `yaml:"trust"`

	// Listen configures inbound transports.
	Listen ListenConfig `yaml:"listen"`

	// Telemetry configures the metrics endpoint.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// NodeConfig identifies the local node and its signing key.
type NodeConfig struct {
	// Name is the stable node name recorded in seen_by sets. Must be
	// unique within the mesh. Default: the machine hostname.
	Name string `yaml:"name"`

	// KeyDir is the directory holding the node's Ed25519 signing
	// keypair. A keypair is generated on first start if absent.
	KeyDir string `yaml:"key_dir"`

	// KeyPassphraseFile optionally names a file whose contents
	// (trailing newline stripped) decrypt an age-sealed private key.
	// When set, the private key is stored encrypted at rest.
	KeyPassphraseFile string `yaml:"key_passphrase_file"`
}

// StoreConfig configures the durable bundle store.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// Budget is the storage budget for active bundles, in a
	// human-readable byte quantity ("512MiB", "2GB").
	Budget string `yaml:"budget"`

	// SweepInterval is how often expired bundles are transitioned
	// out of active states. Default: 1m.
	SweepInterval string `yaml:"sweep_interval"`

	// PurgeGrace is how long expired rows are retained for
	// inspection before physical deletion. Default: 24h.
	PurgeGrace string `yaml:"purge_grace"`

	// TiersFile optionally overrides the built-in TTL tier table
	// with a JSONC file of the same shape.
	TiersFile string `yaml:"tiers_file"`
}

// SyncConfig configures outbound peer reconciliation.
type SyncConfig struct {
	// Peers lists the addresses dialed every sync round.
	Peers []string `yaml:"peers"`

	// Interval is the delay between sync rounds. Default: 5m.
	Interval string `yaml:"interval"`

	// MaxHops caps propagation distance; bundles at or past the cap
	// are held but not re-offered. Zero means unlimited.
	MaxHops int `yaml:"max_hops"`

	// PreferLZ4 selects LZ4 over zstd for wire compression. LZ4
	// trades ratio for speed on CPU-constrained nodes.
	PreferLZ4 bool `yaml:"prefer_lz4"`

	// Dial selects the outbound transport: "tcp" or "quic".
	Dial string `yaml:"dial"`
}

// TrustConfig is the static audience authorization table. Audiences
// absent from the table flow to every peer; listed audiences flow
// only to the nodes named for them.
type TrustConfig struct {
	// Open authorizes every peer for every audience, ignoring the
	// table. For closed meshes where membership itself is the trust
	// boundary.
	Open bool `yaml:"open"`

	// Audiences maps an audience tag to authorized node names.
	Audiences map[string][]string `yaml:"audiences"`
}

// ListenConfig configures inbound transports. Empty addresses disable
// the corresponding listener.
type ListenConfig struct {
	TCP  string `yaml:"tcp"`
	QUIC string `yaml:"quic"`
}

// TelemetryConfig configures observability.
type TelemetryConfig struct {
	// MetricsAddress serves Prometheus metrics over HTTP when set
	// (e.g. "127.0.0.1:9464"). Empty disables the endpoint.
	MetricsAddress string `yaml:"metrics_address"`
}

// Default returns the default configuration. These defaults make a
// single-node development daemon work with an empty config file; real
// deployments set node.name, store.budget, and peers explicitly.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "mulemesh")
	hostname, _ := os.Hostname()

	return &Config{
		Node: NodeConfig{
			Name:   hostname,
			KeyDir: filepath.Join(defaultRoot, "keys"),
		},
		Store: StoreConfig{
			Path:          filepath.Join(defaultRoot, "bundles.db"),
			Budget:        "1GiB",
			SweepInterval: "1m",
			PurgeGrace:    "24h",
		},
		Sync: SyncConfig{
			Interval: "5m",
			MaxHops:  8,
			Dial:     "tcp",
		},
		Listen: ListenConfig{
			TCP: ":7645",
		},
	}
}

// Load loads configuration from the MULEMESH_CONFIG environment
// variable. There are no fallbacks: if MULEMESH_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("MULEMESH_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("MULEMESH_CONFIG environment variable not set; " +
			"set it to the path of your mulemesh.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging the
// file over the defaults, expanding ${HOME} in path fields, and
// validating the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file %s: %w", path, err)
	}
	return cfg, nil
}

// expandVariables expands ${HOME} in path-valued fields.
func (c *Config) expandVariables() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(path string) string {
		return os.Expand(path, func(name string) string {
			if name == "HOME" {
				return homeDir
			}
			return "${" + name + "}"
		})
	}
	c.Node.KeyDir = expand(c.Node.KeyDir)
	c.Node.KeyPassphraseFile = expand(c.Node.KeyPassphraseFile)
	c.Store.Path = expand(c.Store.Path)
	c.Store.TiersFile = expand(c.Store.TiersFile)
}

// Validate checks the configuration for errors that would otherwise
// surface only at first use.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if c.Node.KeyDir == "" {
		return fmt.Errorf("node.key_dir is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if _, err := c.Store.BudgetBytes(); err != nil {
		return err
	}
	if _, err := c.Store.SweepEvery(); err != nil {
		return err
	}
	if _, err := c.Store.PurgeAfter(); err != nil {
		return err
	}
	if _, err := c.Sync.SyncEvery(); err != nil {
		return err
	}
	if c.Sync.MaxHops < 0 {
		return fmt.Errorf("sync.max_hops must be >= 0, got %d", c.Sync.MaxHops)
	}
	if c.Sync.Dial != "tcp" && c.Sync.Dial != "quic" {
		return fmt.Errorf("sync.dial must be %q or %q, got %q", "tcp", "quic", c.Sync.Dial)
	}
	return nil
}

// BudgetBytes parses the store budget into bytes.
func (s *StoreConfig) BudgetBytes() (int64, error) {
	n, err := humanize.ParseBytes(s.Budget)
	if err != nil {
		return 0, fmt.Errorf("store.budget: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("store.budget must be positive")
	}
	if n > uint64(1)<<62 {
		return 0, fmt.Errorf("store.budget %s is out of range", s.Budget)
	}
	return int64(n), nil
}

// SweepEvery parses the sweep interval.
func (s *StoreConfig) SweepEvery() (time.Duration, error) {
	d, err := time.ParseDuration(s.SweepInterval)
	if err != nil {
		return 0, fmt.Errorf("store.sweep_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("store.sweep_interval must be positive, got %s", d)
	}
	return d, nil
}

// PurgeAfter parses the expired-row retention grace.
func (s *StoreConfig) PurgeAfter() (time.Duration, error) {
	d, err := time.ParseDuration(s.PurgeGrace)
	if err != nil {
		return 0, fmt.Errorf("store.purge_grace: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("store.purge_grace must be >= 0, got %s", d)
	}
	return d, nil
}

// SyncEvery parses the sync round interval.
func (s *SyncConfig) SyncEvery() (time.Duration, error) {
	d, err := time.ParseDuration(s.Interval)
	if err != nil {
		return 0, fmt.Errorf("sync.interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("sync.interval must be positive, got %s", d)
	}
	return d, nil
}
