// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/norafs/nros/lib/blockdev"
	"github.com/norafs/nros/lib/cipher"
	"github.com/norafs/nros/lib/nros"
	"github.com/norafs/nros/lib/record"
)

// makeConfig is the YAML description consumed by "nros make". Every
// chain lists its member devices in LBA order; all chains mirror each
// other and must add up to the same size.
type makeConfig struct {
	Chains []struct {
		Devices []struct {
			Path string `yaml:"path"`
			Size int64  `yaml:"size"`
		} `yaml:"devices"`
	} `yaml:"chains"`

	BlockSize     int    `yaml:"block_size"`
	MaxRecordSize int    `yaml:"max_record_size"`
	Compression   string `yaml:"compression"`
	Cipher        string `yaml:"cipher"`

	// PassphraseEnv names the environment variable holding the
	// passphrase for encrypted stores, keeping secrets out of the
	// config file and the process argument list.
	PassphraseEnv string `yaml:"passphrase_env"`
}

func runMake(args []string) error {
	flags := newFlagSet("nros make")
	configPath := flags.String("config", "", "path to the store description (required)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("--config is required")
	}

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	var config makeConfig
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if len(config.Chains) == 0 {
		return fmt.Errorf("config describes no chains")
	}

	compression, err := record.ParseCompressionTag(config.Compression)
	if err != nil {
		return err
	}
	cipherKind, err := cipher.ParseKind(config.Cipher)
	if err != nil {
		return err
	}

	storeConfig := nros.Config{
		BlockSize:     config.BlockSize,
		MaxRecordSize: config.MaxRecordSize,
		Compression:   compression,
		Cipher:        cipherKind,
	}
	if cipherKind == cipher.XChaCha20Poly1305 {
		if config.PassphraseEnv == "" {
			return fmt.Errorf("encrypted store needs passphrase_env in the config")
		}
		passphrase := os.Getenv(config.PassphraseEnv)
		if passphrase == "" {
			return fmt.Errorf("environment variable %s is empty", config.PassphraseEnv)
		}
		storeConfig.KDF = cipher.KDFArgon2id
		storeConfig.Passphrase = []byte(passphrase)
	}

	var chains []blockdev.Device
	for chainIndex, chainConfig := range config.Chains {
		var members []blockdev.Device
		for _, deviceConfig := range chainConfig.Devices {
			device, err := blockdev.OpenFileDevice(deviceConfig.Path, deviceConfig.Size)
			if err != nil {
				return fmt.Errorf("chain %d: %w", chainIndex, err)
			}
			members = append(members, device)
		}
		chain, err := blockdev.NewChain(members...)
		if err != nil {
			return fmt.Errorf("chain %d: %w", chainIndex, err)
		}
		chains = append(chains, chain)
	}
	set, err := blockdev.NewSet(slog.Default(), chains...)
	if err != nil {
		return err
	}

	store, err := nros.Create(set, storeConfig)
	if err != nil {
		return err
	}
	if err := store.Commit(); err != nil {
		return err
	}
	stats := store.Statistics()
	if err := store.Unmount(); err != nil {
		return err
	}

	fmt.Printf("created store: %d blocks of %d bytes, %d mirrors, generation %d\n",
		stats.TotalBlocks, config.BlockSize, len(config.Chains), stats.Generation)
	return nil
}
