// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/mulemesh/mulemesh/lib/clock"
	"github.com/mulemesh/mulemesh/lib/config"
	"github.com/mulemesh/mulemesh/lib/store"
)

// newFlagSet returns a flag set that prints its own usage on --help.
func newFlagSet(usage string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(usage, pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s\n\nFlags:\n%s", usage, flags.FlagUsages())
	}
	return flags
}

// parseFlags parses args, turning --help into a clean exit.
func parseFlags(flags *pflag.FlagSet, args []string) (help bool, err error) {
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// storeFlags are the flags shared by every command that touches the
// local store.
type storeFlags struct {
	configPath string
	storePath  string
}

func (f *storeFlags) bind(flags *pflag.FlagSet) {
	flags.StringVar(&f.configPath, "config", "", "path to mulemesh.yaml (default: MULEMESH_CONFIG, then built-in defaults)")
	flags.StringVar(&f.storePath, "store", "", "override the store database path")
}

// loadConfig resolves configuration: the --config flag, then the
// MULEMESH_CONFIG environment variable, then built-in defaults. A CLI
// run on a fresh machine works without any config file.
func (f *storeFlags) loadConfig() (*config.Config, error) {
	switch {
	case f.configPath != "":
		return config.LoadFile(f.configPath)
	case os.Getenv("MULEMESH_CONFIG") != "":
		return config.Load()
	default:
		cfg := config.Default()
		if cfg.Node.Name == "" {
			cfg.Node.Name = "local"
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
}

// openStore opens the bundle store named by the flags and config.
// The caller must Close it.
func (f *storeFlags) openStore() (*store.Store, *config.Config, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	path := cfg.Store.Path
	if f.storePath != "" {
		path = f.storePath
	}
	budget, err := cfg.Store.BudgetBytes()
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(store.Config{
		Path:   path,
		Budget: budget,
		Clock:  clock.Real(),
	})
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}
