// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

// Command nros formats and inspects NROS object stores.
//
//	nros make --config store.yaml
//	nros dump --device a.img [--device b.img] [--objects] [--fingerprint]
//
// make creates a store from a YAML description of its chains and
// format parameters. dump prints the header, allocator and object
// table state of an existing store; --fingerprint additionally hashes
// every chain so mirrors can be compared byte-for-byte.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: nros <make|dump> [flags]")
	}

	level := slog.LevelInfo
	if os.Getenv("NROS_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	switch os.Args[1] {
	case "make":
		return runMake(os.Args[2:])
	case "dump":
		return runDump(os.Args[2:])
	default:
		return fmt.Errorf("unknown subcommand %q (want make or dump)", os.Args[1])
	}
}

func newFlagSet(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SortFlags = false
	return flags
}
