// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package nros

import (
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/norafs/nros/lib/cipher"
	"github.com/norafs/nros/lib/record"
)

// Limits of the on-disk format. Block and record sizes are powers of
// two fixed at format time.
const (
	MinBlockSizeShift = 9  // 512 B
	MaxBlockSizeShift = 24 // 16 MiB
	MaxRecordShift    = 24 // 16 MiB
	// MaxDepth is the deepest record tree. With 4 KiB records the
	// fan-out is 128, so depth 3 addresses 2^33 bytes; with the
	// minimum 512-byte records the fan-out is 16 and depth 3 addresses
	// 2^21 bytes; larger record sizes go far beyond.
	MaxDepth = 3
)

// Config describes a store at format time and tunes the runtime.
// Format-affecting fields (sizes, compression, cipher, KDF) are
// persisted in the header; the rest are per-mount.
type Config struct {
	// BlockSize is the device block size in bytes. Power of two in
	// [512, 16 MiB].
	BlockSize int

	// MaxRecordSize is the maximum unpacked record size in bytes.
	// Power of two, >= BlockSize and <= 16 MiB.
	MaxRecordSize int

	// Compression is the default compression for new records.
	Compression record.CompressionTag

	// Cipher selects content protection. XChaCha20Poly1305 requires
	// a passphrase and a KDF.
	Cipher cipher.Kind

	// KDF selects the passphrase key derivation. Required (non-None)
	// when Cipher is XChaCha20Poly1305.
	KDF cipher.KDFKind

	// KDFParams are the Argon2id costs. Zero value selects
	// cipher.DefaultKDFParams when the KDF is Argon2id.
	KDFParams cipher.KDFParams

	// Passphrase is the user secret for encrypted stores. Never
	// persisted.
	Passphrase []byte

	// MirrorCount is the number of chains the store spans. Filled in
	// from the device set by Create; must match at Mount.
	MirrorCount int

	// SoftLimit and HardLimit bound the cache in bytes. Usage above
	// SoftLimit triggers eviction; admissions block at HardLimit.
	// Zero selects defaults (64 MiB soft, 96 MiB hard).
	SoftLimit int64
	HardLimit int64

	// PackWorkers fans record packing onto a worker pool during
	// commit. Zero or one keeps packing on the committing goroutine.
	PackWorkers int

	// NeverOverwriteInTransaction forbids reusing, within one
	// transaction, blocks freed in that same transaction. Intended
	// for use-after-free fuzzing.
	NeverOverwriteInTransaction bool

	// Trace enables debug-level operation tracing through Logger.
	Trace bool

	// TraceAlloc additionally traces every allocator operation.
	TraceAlloc bool

	// Logger receives store diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.SoftLimit == 0 {
		c.SoftLimit = 64 << 20
	}
	if c.HardLimit == 0 {
		c.HardLimit = 96 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.KDF == cipher.KDFArgon2id && c.KDFParams == (cipher.KDFParams{}) {
		c.KDFParams = cipher.DefaultKDFParams()
	}
}

func (c *Config) validate() error {
	if c.BlockSize < 1<<MinBlockSizeShift || c.BlockSize > 1<<MaxBlockSizeShift || bits.OnesCount(uint(c.BlockSize)) != 1 {
		return fmt.Errorf("%w: block size %d must be a power of two in [%d, %d]",
			ErrInvalidArgument, c.BlockSize, 1<<MinBlockSizeShift, 1<<MaxBlockSizeShift)
	}
	if c.MaxRecordSize < c.BlockSize || c.MaxRecordSize > 1<<MaxRecordShift || bits.OnesCount(uint(c.MaxRecordSize)) != 1 {
		return fmt.Errorf("%w: max record size %d must be a power of two in [%d, %d]",
			ErrInvalidArgument, c.MaxRecordSize, c.BlockSize, 1<<MaxRecordShift)
	}
	if c.MaxRecordSize < 2*record.RefSize {
		return fmt.Errorf("%w: max record size %d leaves no room for interior records", ErrInvalidArgument, c.MaxRecordSize)
	}
	switch c.Compression {
	case record.CompressionNone, record.CompressionLZ4, record.CompressionZstd:
	default:
		return fmt.Errorf("%w: unknown compression tag %d", ErrInvalidArgument, c.Compression)
	}
	if c.Cipher == cipher.XChaCha20Poly1305 {
		if c.KDF == cipher.KDFNone {
			return fmt.Errorf("%w: encrypted stores need a KDF", ErrInvalidArgument)
		}
		if len(c.Passphrase) == 0 {
			return fmt.Errorf("%w: encrypted stores need a passphrase", ErrInvalidArgument)
		}
	}
	if c.SoftLimit >= c.HardLimit {
		return fmt.Errorf("%w: soft limit %d must be below hard limit %d", ErrInvalidArgument, c.SoftLimit, c.HardLimit)
	}
	return nil
}
