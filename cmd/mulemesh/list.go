// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mulemesh/mulemesh/lib/bundle"
)

func listCommand() *command {
	return &command{
		name:    "list",
		summary: "list stored bundles by lifecycle state",
		run:     runList,
	}
}

func runList(args []string) error {
	flags := newFlagSet("mulemesh list [flags]")
	var sf storeFlags
	sf.bind(flags)
	stateName := flags.String("state", "queued", "lifecycle state: queued, delivered, expired, quarantined")

	help, err := parseFlags(flags, args)
	if err != nil || help {
		return err
	}

	st, _, err := sf.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.ListByState(context.Background(), bundle.State(*stateName))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("no %s bundles\n", *stateName)
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIORITY\tAUDIENCE\tSIZE\tHOPS\tEXPIRES\tREASON")
	for _, record := range records {
		b := record.Bundle
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			truncate(bundle.FormatID(b.ID), 16),
			b.Priority,
			b.Audience,
			record.Size,
			b.HopCount,
			time.UnixMilli(b.TTLExpiry).UTC().Format(time.RFC3339),
			record.QuarantineReason)
	}
	return tw.Flush()
}
