// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package cipher

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/chacha20poly1305"
)

// Kind identifies the content protection mode of a filesystem. The
// value is stored in the filesystem header (1 byte) and is a format
// constant — changing a value breaks on-disk compatibility.
type Kind uint8

const (
	// NoneXXH3 stores payloads in the clear and protects their
	// integrity with an XXH3-128 hash.
	NoneXXH3 Kind = 0

	// XChaCha20Poly1305 encrypts payloads with XChaCha20 and
	// authenticates them with a Poly1305 tag. The 24-byte nonce is
	// the filesystem UID followed by a per-record 64-bit value.
	XChaCha20Poly1305 Kind = 1
)

// String returns the human-readable name of a cipher kind.
func (kind Kind) String() string {
	switch kind {
	case NoneXXH3:
		return "none-xxh3"
	case XChaCha20Poly1305:
		return "xchacha20-poly1305"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(kind))
	}
}

// ParseKind parses a cipher kind from its string representation.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "none-xxh3", "none", "":
		return NoneXXH3, nil
	case "xchacha20-poly1305":
		return XChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("unknown cipher kind: %q", name)
	}
}

// TagSize is the size of the hash or authentication tag attached to
// every protected payload: a full XXH3-128 digest or a Poly1305 tag.
const TagSize = 16

// KeySize is the size of the data and header keys.
const KeySize = 32

// ErrAuth is returned when a payload fails hash comparison or AEAD
// authentication. The payload bytes are never revealed on failure.
var ErrAuth = errors.New("cipher: authentication failed")

// Cipher protects record payloads under one filesystem's key
// material. The zero value is unusable; build one with New.
type Cipher struct {
	kind Kind
	uid  [16]byte
	key  [KeySize]byte
}

// New builds a cipher for the given mode. The key is ignored in
// NoneXXH3 mode. The uid becomes the fixed prefix of every nonce in
// encrypted mode, making nonces unique across filesystems even when
// per-record values collide.
func New(kind Kind, uid [16]byte, key [KeySize]byte) (Cipher, error) {
	switch kind {
	case NoneXXH3, XChaCha20Poly1305:
		return Cipher{kind: kind, uid: uid, key: key}, nil
	default:
		return Cipher{}, fmt.Errorf("unknown cipher kind %d", kind)
	}
}

// Kind returns the cipher mode.
func (c Cipher) Kind() Kind { return c.kind }

// nonce builds the 24-byte nonce: filesystem UID (16) followed by the
// little-endian per-record value (8).
func (c Cipher) nonce(value uint64) [chacha20poly1305.NonceSizeX]byte {
	var nonce [chacha20poly1305.NonceSizeX]byte
	copy(nonce[:16], c.uid[:])
	binary.LittleEndian.PutUint64(nonce[16:], value)
	return nonce
}

// Seal protects plaintext and returns the stored form and its tag.
// In NoneXXH3 mode the stored form is the plaintext itself and the
// tag is its XXH3-128 digest; in encrypted mode the stored form is
// the XChaCha20 ciphertext and the tag is the Poly1305 tag.
func (c Cipher) Seal(nonceValue uint64, plaintext []byte) ([]byte, [TagSize]byte, error) {
	switch c.kind {
	case NoneXXH3:
		return plaintext, sumXXH3(plaintext), nil

	case XChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(c.key[:])
		if err != nil {
			return nil, [TagSize]byte{}, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
		}
		nonce := c.nonce(nonceValue)
		sealed := aead.Seal(nil, nonce[:], plaintext, nil)
		ciphertext := sealed[:len(sealed)-TagSize]
		var tag [TagSize]byte
		copy(tag[:], sealed[len(sealed)-TagSize:])
		return ciphertext, tag, nil

	default:
		return nil, [TagSize]byte{}, fmt.Errorf("unknown cipher kind %d", c.kind)
	}
}

// Open verifies stored bytes against their tag and returns the
// plaintext. Verification happens before any plaintext is produced;
// on failure the result is nil and ErrAuth.
func (c Cipher) Open(nonceValue uint64, tag [TagSize]byte, stored []byte) ([]byte, error) {
	switch c.kind {
	case NoneXXH3:
		want := sumXXH3(stored)
		if subtle.ConstantTimeCompare(want[:], tag[:]) != 1 {
			return nil, ErrAuth
		}
		return stored, nil

	case XChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(c.key[:])
		if err != nil {
			return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
		}
		nonce := c.nonce(nonceValue)
		sealed := make([]byte, 0, len(stored)+TagSize)
		sealed = append(sealed, stored...)
		sealed = append(sealed, tag[:]...)
		plaintext, err := aead.Open(nil, nonce[:], sealed, nil)
		if err != nil {
			return nil, ErrAuth
		}
		return plaintext, nil

	default:
		return nil, fmt.Errorf("unknown cipher kind %d", c.kind)
	}
}

// sumXXH3 computes the XXH3-128 digest of data as a 16-byte
// little-endian tag (low word first).
func sumXXH3(data []byte) [TagSize]byte {
	digest := xxh3.Hash128(data)
	var tag [TagSize]byte
	binary.LittleEndian.PutUint64(tag[:8], digest.Lo)
	binary.LittleEndian.PutUint64(tag[8:], digest.Hi)
	return tag
}

// Sum computes the integrity hash used for unkeyed structures (the
// filesystem header in plaintext mode): an XXH3-128 digest in the
// same byte layout as payload tags.
func Sum(data []byte) [TagSize]byte {
	return sumXXH3(data)
}
