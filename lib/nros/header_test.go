// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package nros

import (
	"testing"

	"github.com/norafs/nros/lib/cipher"
	"github.com/norafs/nros/lib/record"
)

func testHeader() *header {
	h := &header{
		blockShift:  9,
		recordShift: 12,
		compression: record.CompressionLZ4,
		mirrorCount: 2,
		totalBlocks: 32768,
		localBlocks: 32768,
		objectTableRoot: record.Ref{
			LBA:          100,
			PackedLength: 1234,
			Compression:  record.CompressionLZ4,
			Depth:        1,
			Hash:         0xabcdef,
		},
		allocLogHead: record.Ref{LBA: 200, PackedLength: 64, Hash: 0x1234},
		generation:   7,
	}
	copy(h.uid[:], "header-test-uid!")
	return h
}

func TestHeaderCodecRoundTrip(t *testing.T) {
	h := testHeader()
	raw, err := encodeHeader(h, [cipher.KeySize]byte{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(raw) != h.blockSize() {
		t.Fatalf("encoded header is %d bytes, want %d", len(raw), h.blockSize())
	}

	decoded, err := decodeHeader(raw, [cipher.KeySize]byte{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.generation != h.generation {
		t.Errorf("generation = %d, want %d", decoded.generation, h.generation)
	}
	if decoded.objectTableRoot != h.objectTableRoot {
		t.Errorf("object-table root = %+v, want %+v", decoded.objectTableRoot, h.objectTableRoot)
	}
	if decoded.allocLogHead != h.allocLogHead {
		t.Errorf("allocation-log head = %+v, want %+v", decoded.allocLogHead, h.allocLogHead)
	}
	if decoded.totalBlocks != h.totalBlocks {
		t.Errorf("total blocks = %d, want %d", decoded.totalBlocks, h.totalBlocks)
	}
}

func TestHeaderRejectsCorruption(t *testing.T) {
	h := testHeader()
	raw, err := encodeHeader(h, [cipher.KeySize]byte{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw[200] ^= 1
	if _, err := decodeHeader(raw, [cipher.KeySize]byte{}); err == nil {
		t.Fatal("corrupted header must not decode")
	}
}

func TestHeaderRejectsBadMagic(t *testing.T) {
	h := testHeader()
	raw, err := encodeHeader(h, [cipher.KeySize]byte{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw[0] = 'X'
	if _, err := decodeHeader(raw, [cipher.KeySize]byte{}); err == nil {
		t.Fatal("bad magic must not decode")
	}
}

func TestHeaderEncryptedRoundTrip(t *testing.T) {
	h := testHeader()
	h.cipherKind = cipher.XChaCha20Poly1305
	h.kdfKind = cipher.KDFArgon2id
	h.kdfParams = cipher.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}

	var key [cipher.KeySize]byte
	copy(key[:], "thirty-two byte header test key!")

	raw, err := encodeHeader(h, key)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// The nonce is bumped on every encode.
	if h.nonce != 1 {
		t.Errorf("nonce = %d after first encode, want 1", h.nonce)
	}

	decoded, err := decodeHeader(raw, key)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.objectTableRoot != h.objectTableRoot || decoded.generation != h.generation {
		t.Error("encrypted round trip lost fields")
	}

	var wrongKey [cipher.KeySize]byte
	if _, err := decodeHeader(raw, wrongKey); err == nil {
		t.Fatal("wrong header key must not decode")
	}
}
