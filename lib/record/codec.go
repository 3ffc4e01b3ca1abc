// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/norafs/nros/lib/cipher"
)

// HeaderSize is the on-disk size of the record header prepended to
// every packed payload.
const HeaderSize = 52

// Header is the framing attached to every stored record.
//
// On-disk layout (little-endian, 52 bytes):
//
//	0	24	nonce (filesystem UID ∥ per-record value)
//	24	4	packed payload length
//	28	4	unpacked payload length
//	32	1	compression algorithm
//	33	3	reserved
//	36	16	hash or authentication tag
type Header struct {
	Nonce          [24]byte
	PackedLength   uint32
	UnpackedLength uint32
	Compression    CompressionTag
	Tag            [cipher.TagSize]byte
}

// NonceValue returns the per-record 64-bit component of the nonce.
func (h Header) NonceValue() uint64 {
	return binary.LittleEndian.Uint64(h.Nonce[16:])
}

// RefHash returns the truncated tag stored in record references for
// cross-checking.
func (h Header) RefHash() uint64 {
	return binary.LittleEndian.Uint64(h.Tag[:8])
}

// EncodeHeader serializes a record header into 52 bytes.
func EncodeHeader(header Header) [HeaderSize]byte {
	var raw [HeaderSize]byte
	copy(raw[0:24], header.Nonce[:])
	binary.LittleEndian.PutUint32(raw[24:], header.PackedLength)
	binary.LittleEndian.PutUint32(raw[28:], header.UnpackedLength)
	raw[32] = uint8(header.Compression)
	copy(raw[36:], header.Tag[:])
	return raw
}

// DecodeHeader parses a record header.
func DecodeHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderSize {
		return Header{}, fmt.Errorf("record header needs %d bytes, got %d", HeaderSize, len(raw))
	}
	var header Header
	copy(header.Nonce[:], raw[0:24])
	header.PackedLength = binary.LittleEndian.Uint32(raw[24:])
	header.UnpackedLength = binary.LittleEndian.Uint32(raw[28:])
	header.Compression = CompressionTag(raw[32])
	copy(header.Tag[:], raw[36:HeaderSize])
	return header, nil
}

// ErrIntegrity is returned by Unpack when a record fails hash or tag
// verification, or when its framing is inconsistent. No payload bytes
// are revealed on failure.
var ErrIntegrity = errors.New("record: integrity check failed")

// Pack compresses, protects and frames data into its stored form:
// the record header followed by the packed payload. The nonceValue
// must be unique per record under one data key in encrypted mode; in
// plaintext mode it is stored but unused. Data must be non-empty —
// empty extents are represented by the zero Ref, never by a packed
// record.
//
// If the compressor cannot shrink the payload the record falls back
// to CompressionNone; the returned header carries the tag actually
// used.
func Pack(data []byte, tag CompressionTag, c cipher.Cipher, uid [16]byte, nonceValue uint64) ([]byte, Header, error) {
	if len(data) == 0 {
		return nil, Header{}, fmt.Errorf("pack called with empty data")
	}

	compressed, err := compress(data, tag)
	if errors.Is(err, errIncompressible) {
		compressed, tag = data, CompressionNone
	} else if err != nil {
		return nil, Header{}, err
	}

	stored, sealTag, err := c.Seal(nonceValue, compressed)
	if err != nil {
		return nil, Header{}, err
	}

	header := Header{
		PackedLength:   uint32(len(stored)),
		UnpackedLength: uint32(len(data)),
		Compression:    tag,
		Tag:            sealTag,
	}
	copy(header.Nonce[:16], uid[:])
	binary.LittleEndian.PutUint64(header.Nonce[16:], nonceValue)

	raw := make([]byte, HeaderSize+len(stored))
	encoded := EncodeHeader(header)
	copy(raw, encoded[:])
	copy(raw[HeaderSize:], stored)
	return raw, header, nil
}

// Unpack verifies and decodes a stored record. The raw slice is the
// record header plus payload, possibly padded to a block boundary.
// The refHash from the record reference is cross-checked against the
// header tag before verification, catching references that point at
// the wrong (but internally consistent) record.
func Unpack(raw []byte, refHash uint64, c cipher.Cipher, maxRecordSize int) ([]byte, error) {
	header, err := DecodeHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if int(header.PackedLength) > len(raw)-HeaderSize {
		return nil, fmt.Errorf("%w: packed length %d exceeds record of %d bytes",
			ErrIntegrity, header.PackedLength, len(raw))
	}
	if int(header.UnpackedLength) > maxRecordSize {
		return nil, fmt.Errorf("%w: unpacked length %d exceeds record size limit %d",
			ErrIntegrity, header.UnpackedLength, maxRecordSize)
	}
	if header.RefHash() != refHash {
		return nil, fmt.Errorf("%w: reference hash %#x does not match record tag %#x",
			ErrIntegrity, refHash, header.RefHash())
	}

	stored := raw[HeaderSize : HeaderSize+int(header.PackedLength)]
	compressed, err := c.Open(header.NonceValue(), header.Tag, stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	data, err := decompress(compressed, header.Compression, int(header.UnpackedLength))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return data, nil
}
