// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/cowork/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}
	switch args[0] {
	case "host":
		return runHost(args[1:])
	case "join":
		return runJoin(args[1:])
	case "version":
		fmt.Printf("cowork %s\n", version.Full())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", args[0])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: cowork <subcommand> [flags]

Subcommands:
  host     Open a room and share a directory
  join     Join a room and follow a document
  version  Print version information

Run 'cowork <subcommand> --help' for subcommand flags.
`)
}
