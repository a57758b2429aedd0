// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Mulemesh is the operator CLI for a mesh node's local bundle store:
// create and inspect bundles, review quarantine, and check budget
// occupancy. It operates on the store directly and is intended for
// use while the daemon is stopped, or against a separate store file.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/mulemesh/mulemesh/lib/process"
	"github.com/mulemesh/mulemesh/lib/version"
)

// command is one CLI verb. Flags are defined inside run so each
// command owns its flag set.
type command struct {
	name    string
	summary string
	usage   string
	run     func(args []string) error
}

func commands() []*command {
	return []*command{
		createCommand(),
		listCommand(),
		showCommand(),
		quarantineCommand(),
		releaseCommand(),
		statusCommand(),
		sweepCommand(),
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return fmt.Errorf("subcommand required")
	}

	switch args[0] {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return nil
	case "version", "--version":
		version.Print("mulemesh")
		return nil
	}

	for _, cmd := range commands() {
		if cmd.name == args[0] {
			return cmd.run(args[1:])
		}
	}

	printUsage(os.Stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, "Usage: mulemesh <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	all := commands()
	sort.Slice(all, func(i, j int) bool { return all[i].name < all[j].name })
	for _, cmd := range all {
		fmt.Fprintf(tw, "  %s\t%s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(tw, "  %s\t%s\n", "version", "print version information")
	tw.Flush()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'mulemesh <command> --help' for command flags.")
}

// truncate shortens s for table display.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

// joinOrDash renders a string list for table display.
func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
