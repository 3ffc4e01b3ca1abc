// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package cipher

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KDFKind identifies how the header key is derived from the user
// passphrase. Stored in the filesystem header (1 byte).
type KDFKind uint8

const (
	// KDFNone means no passphrase: the header key is all zeros and
	// the header is stored in the clear. Only valid with NoneXXH3.
	KDFNone KDFKind = 0

	// KDFArgon2id derives the header key with Argon2id.
	KDFArgon2id KDFKind = 1
)

// String returns the human-readable name of a KDF kind.
func (kind KDFKind) String() string {
	switch kind {
	case KDFNone:
		return "none"
	case KDFArgon2id:
		return "argon2id"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(kind))
	}
}

// KDFParamsSize is the size of the serialized KDF parameter region in
// the filesystem header.
const KDFParamsSize = 24

// KDFParams holds Argon2id cost parameters. The zero value is invalid
// for KDFArgon2id; use DefaultKDFParams for sensible costs.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams returns moderate Argon2id costs: 64 MiB, 3 passes,
// 4 lanes.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}
}

// EncodeKDFParams serializes params into the header's 24-byte KDF
// parameter region: time (4), memory (4), threads (1), rest zero.
func EncodeKDFParams(params KDFParams) [KDFParamsSize]byte {
	var raw [KDFParamsSize]byte
	binary.LittleEndian.PutUint32(raw[0:], params.Time)
	binary.LittleEndian.PutUint32(raw[4:], params.Memory)
	raw[8] = params.Threads
	return raw
}

// DecodeKDFParams parses the header's KDF parameter region for the
// given kind. For KDFNone the region is not inspected and zero
// parameters are returned.
func DecodeKDFParams(kind KDFKind, raw [KDFParamsSize]byte) (KDFParams, error) {
	switch kind {
	case KDFNone:
		return KDFParams{}, nil
	case KDFArgon2id:
		params := KDFParams{
			Time:    binary.LittleEndian.Uint32(raw[0:]),
			Memory:  binary.LittleEndian.Uint32(raw[4:]),
			Threads: raw[8],
		}
		if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
			return KDFParams{}, fmt.Errorf("invalid argon2id parameters: time=%d memory=%d threads=%d",
				params.Time, params.Memory, params.Threads)
		}
		return params, nil
	default:
		return KDFParams{}, fmt.Errorf("unknown KDF kind %d", kind)
	}
}

// DeriveHeaderKey derives the header key from a passphrase. The
// filesystem UID is the salt, so the same passphrase yields different
// keys on different filesystems. For KDFNone the key is all zeros.
func DeriveHeaderKey(kind KDFKind, passphrase []byte, uid [16]byte, params KDFParams) ([KeySize]byte, error) {
	var key [KeySize]byte
	switch kind {
	case KDFNone:
		return key, nil
	case KDFArgon2id:
		derived := argon2.IDKey(passphrase, uid[:], params.Time, params.Memory, params.Threads, KeySize)
		copy(key[:], derived)
		return key, nil
	default:
		return key, fmt.Errorf("unknown KDF kind %d", kind)
	}
}

// hkdfInfoDataKey is the HKDF info string for the data key
// derivation path. Changing it invalidates every encrypted record.
var hkdfInfoDataKey = []byte("nros.datakey.v1")

// DeriveDataKey derives the per-filesystem data key from the header
// key and UID via HKDF-SHA256. The header layout has no field for a
// stored data key, so the key is recomputed at mount instead.
func DeriveDataKey(headerKey [KeySize]byte, uid [16]byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	reader := hkdf.New(sha256.New, headerKey[:], uid[:], hkdfInfoDataKey)
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("HKDF data key derivation failed: %w", err)
	}
	return key, nil
}
