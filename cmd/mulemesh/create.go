// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mulemesh/mulemesh/lib/bundle"
	"github.com/mulemesh/mulemesh/lib/identity"
)

func createCommand() *command {
	return &command{
		name:    "create",
		summary: "create a signed bundle and admit it to the local store",
		run:     runCreate,
	}
}

func runCreate(args []string) error {
	flags := newFlagSet("mulemesh create [flags] [payload-file]")
	var sf storeFlags
	sf.bind(flags)
	priorityName := flags.String("priority", "normal", "priority tier: low, normal, high, emergency")
	audience := flags.String("audience", "public", "audience tag controlling which peers may receive the bundle")
	topic := flags.String("topic", "", "topic label (uninterpreted)")
	tags := flags.StringSlice("tag", nil, "classification tag (repeatable)")
	payloadType := flags.String("type", "application/octet-stream", "payload media type")
	ttl := flags.Duration("ttl", 0, "requested lifetime; zero selects the tier default, other values are clamped to the tier window")
	nonce := flags.String("nonce", "", "distinguishes intentional duplicates of identical content")

	help, err := parseFlags(flags, args)
	if err != nil || help {
		return err
	}

	payload, err := readPayload(flags.Args())
	if err != nil {
		return err
	}

	priority, err := bundle.ParsePriority(*priorityName)
	if err != nil {
		return err
	}

	st, cfg, err := sf.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	policy := bundle.DefaultTTLPolicy()
	if cfg.Store.TiersFile != "" {
		if policy, err = bundle.LoadTTLPolicy(cfg.Store.TiersFile); err != nil {
			return err
		}
	}

	passphrase, err := identity.LoadPassphrase(cfg.Node.KeyPassphraseFile)
	if err != nil {
		return err
	}
	_, private, _, err := identity.LoadOrGenerate(cfg.Node.KeyDir, passphrase)
	if err != nil {
		return err
	}

	b, err := bundle.New(bundle.CreateParams{
		Payload:      payload,
		PayloadType:  *payloadType,
		Priority:     priority,
		Audience:     *audience,
		Topic:        *topic,
		Tags:         *tags,
		Nonce:        []byte(*nonce),
		RequestedTTL: *ttl,
	}, policy, time.Now(), private)
	if err != nil {
		return err
	}

	outcome, err := st.Admit(context.Background(), b)
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s  expires %s\n",
		bundle.FormatID(b.ID),
		outcome,
		time.UnixMilli(b.TTLExpiry).UTC().Format(time.RFC3339))
	return nil
}

// readPayload reads the bundle payload from the positional file
// argument, or stdin when absent or "-".
func readPayload(args []string) ([]byte, error) {
	if len(args) > 1 {
		return nil, fmt.Errorf("at most one payload file, got %d arguments", len(args))
	}
	if len(args) == 0 || args[0] == "-" {
		payload, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}
		return payload, nil
	}
	payload, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return payload, nil
}
