// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"encoding/binary"
	"fmt"
)

// RefSize is the on-disk size of a record reference. Interior tree
// records are packed arrays of references, so this also fixes the
// tree fan-out at maxRecordSize / RefSize.
const RefSize = 32

// Ref is a reference to a stored record. The zero Ref is the "zero
// record": it points at no data and reads as all zeros of the
// implied extent.
//
// On-disk layout (little-endian, 32 bytes):
//
//	0	8	starting LBA
//	8	4	packed payload length in bytes (excluding record header)
//	12	1	compression algorithm
//	13	1	tree depth
//	14	2	reserved
//	16	4	reference count (tree roots only)
//	20	8	content hash (truncated record tag)
//	28	4	reserved
type Ref struct {
	LBA          uint64
	PackedLength uint32
	Compression  CompressionTag
	Depth        uint8
	References   uint32
	Hash         uint64
}

// IsZero reports whether the reference is the zero record.
func (r Ref) IsZero() bool {
	return r.PackedLength == 0
}

// Blocks returns the number of blocks the record occupies on disk:
// the record header plus the packed payload, rounded up. Zero for the
// zero record.
func (r Ref) Blocks(blockSize int) uint64 {
	if r.IsZero() {
		return 0
	}
	total := uint64(HeaderSize) + uint64(r.PackedLength)
	return (total + uint64(blockSize) - 1) / uint64(blockSize)
}

// EncodeRef serializes a reference into a 32-byte slice.
func EncodeRef(ref Ref) [RefSize]byte {
	var raw [RefSize]byte
	binary.LittleEndian.PutUint64(raw[0:], ref.LBA)
	binary.LittleEndian.PutUint32(raw[8:], ref.PackedLength)
	raw[12] = uint8(ref.Compression)
	raw[13] = ref.Depth
	binary.LittleEndian.PutUint32(raw[16:], ref.References)
	binary.LittleEndian.PutUint64(raw[20:], ref.Hash)
	return raw
}

// DecodeRef parses a 32-byte reference.
func DecodeRef(raw []byte) (Ref, error) {
	if len(raw) < RefSize {
		return Ref{}, fmt.Errorf("record reference needs %d bytes, got %d", RefSize, len(raw))
	}
	ref := Ref{
		LBA:          binary.LittleEndian.Uint64(raw[0:]),
		PackedLength: binary.LittleEndian.Uint32(raw[8:]),
		Compression:  CompressionTag(raw[12]),
		Depth:        raw[13],
		References:   binary.LittleEndian.Uint32(raw[16:]),
		Hash:         binary.LittleEndian.Uint64(raw[20:]),
	}
	if ref.IsZero() && ref.Hash != 0 {
		return Ref{}, fmt.Errorf("zero record reference has nonzero hash %#x", ref.Hash)
	}
	return ref, nil
}
