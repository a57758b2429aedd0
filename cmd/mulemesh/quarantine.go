// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/mulemesh/mulemesh/lib/bundle"
)

func quarantineCommand() *command {
	return &command{
		name:    "quarantine",
		summary: "hold a queued bundle for review",
		run:     runQuarantine,
	}
}

func runQuarantine(args []string) error {
	flags := newFlagSet("mulemesh quarantine [flags] <bundle-id>")
	var sf storeFlags
	sf.bind(flags)
	reason := flags.String("reason", "", "why the bundle is being held (required)")

	help, err := parseFlags(flags, args)
	if err != nil || help {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("exactly one bundle id required")
	}
	if *reason == "" {
		return fmt.Errorf("--reason is required")
	}
	id, err := bundle.ParseID(flags.Arg(0))
	if err != nil {
		return err
	}

	st, _, err := sf.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Quarantine(context.Background(), id, *reason); err != nil {
		return err
	}
	fmt.Printf("%s quarantined\n", bundle.FormatID(id))
	return nil
}

func releaseCommand() *command {
	return &command{
		name:    "release",
		summary: "return a quarantined bundle to the queue",
		run:     runRelease,
	}
}

func runRelease(args []string) error {
	flags := newFlagSet("mulemesh release [flags] <bundle-id>")
	var sf storeFlags
	sf.bind(flags)

	help, err := parseFlags(flags, args)
	if err != nil || help {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("exactly one bundle id required")
	}
	id, err := bundle.ParseID(flags.Arg(0))
	if err != nil {
		return err
	}

	st, _, err := sf.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	state, err := st.Release(context.Background(), id)
	if err != nil {
		return err
	}
	if state == bundle.StateExpired {
		fmt.Printf("%s expired during quarantine; moved to expired\n", bundle.FormatID(id))
		return nil
	}
	fmt.Printf("%s released to queue\n", bundle.FormatID(id))
	return nil
}
