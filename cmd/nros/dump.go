// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/zeebo/blake3"

	"github.com/norafs/nros/lib/blockdev"
	"github.com/norafs/nros/lib/nros"
)

func runDump(args []string) error {
	flags := newFlagSet("nros dump")
	devicePaths := flags.StringArray("device", nil, "device path; repeat per mirror chain (members comma-free, one device per chain)")
	passphraseEnv := flags.String("passphrase-env", "", "environment variable holding the passphrase for encrypted stores")
	showObjects := flags.Bool("objects", false, "list live objects")
	fingerprint := flags.Bool("fingerprint", false, "print a BLAKE3 fingerprint of each chain for mirror comparison")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if len(*devicePaths) == 0 {
		return fmt.Errorf("at least one --device is required")
	}

	var chains []blockdev.Device
	for _, path := range *devicePaths {
		device, err := blockdev.OpenFileDevice(path, 0)
		if err != nil {
			return err
		}
		chains = append(chains, device)
	}

	if *fingerprint {
		if err := printFingerprints(*devicePaths, chains); err != nil {
			return err
		}
	}

	set, err := blockdev.NewSet(slog.Default(), chains...)
	if err != nil {
		return err
	}
	config := nros.Config{}
	if *passphraseEnv != "" {
		config.Passphrase = []byte(os.Getenv(*passphraseEnv))
	}
	store, err := nros.Mount(set, config)
	if err != nil {
		return err
	}
	defer store.Unmount()

	stats := store.Statistics()
	fmt.Printf("generation:   %d\n", stats.Generation)
	fmt.Printf("blocks:       %d total, %d used, %d free\n",
		stats.TotalBlocks, stats.UsedBlocks, stats.FreeBlocks)
	fmt.Printf("log entries:  %d\n", stats.LogEntries)

	if *showObjects {
		if err := printObjects(store); err != nil {
			return err
		}
	}
	return nil
}

// printObjects walks the object ID space and lists live objects with
// their length and tree root.
func printObjects(store *nros.Store) error {
	live := 0
	misses := 0
	for id := uint64(0); misses < 4096; id++ {
		root, length, err := store.GetRoot(id)
		if err != nil {
			// Free slot or past the populated region; stop after a
			// long run of them.
			misses++
			continue
		}
		misses = 0
		live++
		fmt.Printf("object %d: %d bytes, root depth %d, lba %d, refs %d\n",
			id, length, root.Depth, root.LBA, root.References)
	}
	fmt.Printf("live objects: %d\n", live)
	return nil
}

// printFingerprints hashes each chain in full so mirrors can be
// compared: after a clean commit every chain must print the same
// fingerprint.
func printFingerprints(paths []string, chains []blockdev.Device) error {
	for i, chain := range chains {
		hasher := blake3.New()
		buffer := make([]byte, 1<<20)
		var off int64
		for off < chain.Size() {
			n := int64(len(buffer))
			if chain.Size()-off < n {
				n = chain.Size() - off
			}
			if _, err := chain.ReadAt(buffer[:n], off); err != nil {
				return fmt.Errorf("reading %s at %d: %w", paths[i], off, err)
			}
			if _, err := hasher.Write(buffer[:n]); err != nil {
				return err
			}
			off += n
		}
		fmt.Printf("chain %d (%s): blake3 %s\n", i, paths[i], hex.EncodeToString(hasher.Sum(nil)))
	}
	return nil
}
