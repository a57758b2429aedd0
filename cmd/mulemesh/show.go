// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mulemesh/mulemesh/lib/bundle"
)

func showCommand() *command {
	return &command{
		name:    "show",
		summary: "show one bundle's metadata and provenance",
		run:     runShow,
	}
}

func runShow(args []string) error {
	flags := newFlagSet("mulemesh show [flags] <bundle-id>")
	var sf storeFlags
	sf.bind(flags)
	writePayload := flags.String("payload-out", "", "write the payload to this file ('-' for stdout)")

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

	record, err := st.Get(context.Background(), id)
	if err != nil {
		return err
	}
	b := record.Bundle

	fmt.Printf("id:           %s\n", bundle.FormatID(b.ID))
	fmt.Printf("state:        %s\n", record.State)
	if record.QuarantineReason != "" {
		fmt.Printf("quarantine:   %s\n", record.QuarantineReason)
	}
	fmt.Printf("priority:     %s\n", b.Priority)
	fmt.Printf("audience:     %s\n", b.Audience)
	if b.Topic != "" {
		fmt.Printf("topic:        %s\n", b.Topic)
	}
	if len(b.Tags) > 0 {
		fmt.Printf("tags:         %s\n", joinOrDash(b.Tags))
	}
	fmt.Printf("payload type: %s\n", b.PayloadType)
	fmt.Printf("payload size: %d bytes (%d stored)\n", len(b.Payload), record.Size)
	fmt.Printf("created:      %s\n", time.UnixMilli(b.CreatedAt).UTC().Format(time.RFC3339))
	fmt.Printf("expires:      %s\n", time.UnixMilli(b.TTLExpiry).UTC().Format(time.RFC3339))
	fmt.Printf("creator:      %x\n", b.Creator)
	fmt.Printf("hops:         %d\n", b.HopCount)
	fmt.Printf("seen by:      %s\n", joinOrDash(b.SeenBy))

	if *writePayload == "" {
		return nil
	}
	if *writePayload == "-" {
		_, err := os.Stdout.Write(b.Payload)
		return err
	}
	if err := os.WriteFile(*writePayload, b.Payload, 0644); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	return nil
}
