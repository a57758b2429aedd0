// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
)

func sweepCommand() *command {
	return &command{
		name:    "sweep",
		summary: "expire overdue bundles and purge old expired rows",
		run:     runSweep,
	}
}

func runSweep(args []string) error {
	flags := newFlagSet("mulemesh sweep [flags]")
	var sf storeFlags
	sf.bind(flags)

	help, err := parseFlags(flags, args)
	if err != nil || help {
		return err
	}

	st, cfg, err := sf.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	grace, err := cfg.Store.PurgeAfter()
	if err != nil {
		return err
	}

	ctx := context.Background()
	swept, err := st.Sweep(ctx)
	if err != nil {
		return err
	}
	purged, err := st.PurgeExpired(ctx, grace)
	if err != nil {
		return err
	}
	fmt.Printf("expired %d, purged %d\n", swept, purged)
	return nil
}
