// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/mulemesh/mulemesh/lib/bundle"
)

func statusCommand() *command {
	return &command{
		name:    "status",
		summary: "show store occupancy and per-state bundle counts",
		run:     runStatus,
	}
}

func runStatus(args []string) error {
	flags := newFlagSet("mulemesh status [flags]")
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

	ctx := context.Background()
	occupancy, err := st.Occupancy(ctx)
	if err != nil {
		return err
	}
	counts, err := st.Counts(ctx)
	if err != nil {
		return err
	}

	budget := st.Budget()
	fmt.Printf("node:      %s\n", cfg.Node.Name)
	fmt.Printf("store:     %s\n", cfg.Store.Path)
	fmt.Printf("occupancy: %s of %s (%.1f%%)\n",
		humanize.IBytes(uint64(occupancy)),
		humanize.IBytes(uint64(budget)),
		100*float64(occupancy)/float64(budget))

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, state := range []bundle.State{
		bundle.StateQueued,
		bundle.StateDelivered,
		bundle.StateQuarantined,
		bundle.StateExpired,
	} {
		fmt.Fprintf(tw, "%s\t%d\n", state, counts[state])
	}
	return tw.Flush()
}
