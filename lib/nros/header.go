// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package nros

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/norafs/nros/lib/cipher"
	"github.com/norafs/nros/lib/record"
)

// magic identifies an NROS filesystem. Exactly 16 bytes.
var magic = [16]byte{'N', 'o', 'r', 'a', ' ', 'R', 'e', 'l', 'i', 'a', 'b', 'l', 'e', ' ', 'F', 'S'}

// formatVersion is the on-disk format version.
const formatVersion = 1

// headerFixedSize is the size of the fixed header region; the rest of
// the header block is opaque to the store and reserved for the upper
// filesystem layer.
const headerFixedSize = 184

// Header block layout (little-endian). The hash field covers the
// whole block with itself zeroed in plaintext mode; in encrypted mode
// it holds the AEAD tag over the confidential spans.
//
//	0	16	magic
//	16	2	version
//	18	1	block size exponent
//	19	1	max record size exponent
//	20	1	default compression algorithm
//	21	1	cipher id
//	22	1	KDF id
//	23	1	mirror count
//	24	1	mirror index
//	25	7	reserved
//	32	16	filesystem UID
//	48	16	KDF parameters
//	64	8	header nonce
//	72	24	per-device extent: total blocks, LBA offset, local blocks
//	96	32	object-table root reference
//	128	32	allocation-log head reference
//	160	8	generation counter
//	168	16	header hash / tag
//	184	—	opaque for the upper filesystem layer
//
// The confidential spans in encrypted mode are [72, 168) and
// [184, blockSize), sealed as one AEAD message under the header key
// with the header nonce; everything before 72 stays readable so that
// mount can derive the header key.
type header struct {
	blockShift  uint8
	recordShift uint8
	compression record.CompressionTag
	cipherKind  cipher.Kind
	kdfKind     cipher.KDFKind
	mirrorCount uint8
	mirrorIndex uint8
	uid         [16]byte
	kdfParams   cipher.KDFParams
	nonce       uint64

	totalBlocks uint64
	lbaOffset   uint64
	localBlocks uint64

	objectTableRoot record.Ref
	allocLogHead    record.Ref
	generation      uint64

	opaque []byte
}

func (h *header) blockSize() int     { return 1 << h.blockShift }
func (h *header) maxRecordSize() int { return 1 << h.recordShift }

// encodeHeader serializes and protects a header block. In encrypted
// mode the header nonce is bumped first so every published header
// uses a fresh nonce under the header key.
func encodeHeader(h *header, headerKey [cipher.KeySize]byte) ([]byte, error) {
	blockSize := h.blockSize()
	raw := make([]byte, blockSize)
	copy(raw[0:16], magic[:])
	binary.LittleEndian.PutUint16(raw[16:], formatVersion)
	raw[18] = h.blockShift
	raw[19] = h.recordShift
	raw[20] = uint8(h.compression)
	raw[21] = uint8(h.cipherKind)
	raw[22] = uint8(h.kdfKind)
	raw[23] = h.mirrorCount
	raw[24] = h.mirrorIndex
	copy(raw[32:48], h.uid[:])
	params := cipher.EncodeKDFParams(h.kdfParams)
	copy(raw[48:64], params[:16])
	binary.LittleEndian.PutUint64(raw[72:], h.totalBlocks)
	binary.LittleEndian.PutUint64(raw[80:], h.lbaOffset)
	binary.LittleEndian.PutUint64(raw[88:], h.localBlocks)
	tableRoot := record.EncodeRef(h.objectTableRoot)
	copy(raw[96:128], tableRoot[:])
	logHead := record.EncodeRef(h.allocLogHead)
	copy(raw[128:160], logHead[:])
	binary.LittleEndian.PutUint64(raw[160:], h.generation)
	if len(h.opaque) > blockSize-headerFixedSize {
		return nil, fmt.Errorf("%w: opaque header region of %d bytes exceeds %d",
			ErrInvalidArgument, len(h.opaque), blockSize-headerFixedSize)
	}
	copy(raw[headerFixedSize:], h.opaque)

	switch h.cipherKind {
	case cipher.NoneXXH3:
		sum := cipher.Sum(raw)
		copy(raw[168:184], sum[:])
		return raw, nil

	case cipher.XChaCha20Poly1305:
		h.nonce++
		binary.LittleEndian.PutUint64(raw[64:], h.nonce)
		headerCipher, err := cipher.New(cipher.XChaCha20Poly1305, h.uid, headerKey)
		if err != nil {
			return nil, err
		}
		plaintext := make([]byte, 0, blockSize-96-16)
		plaintext = append(plaintext, raw[72:168]...)
		plaintext = append(plaintext, raw[headerFixedSize:]...)
		sealed, tag, err := headerCipher.Seal(h.nonce, plaintext)
		if err != nil {
			return nil, fmt.Errorf("sealing header: %w", err)
		}
		copy(raw[72:168], sealed[:96])
		copy(raw[headerFixedSize:], sealed[96:])
		copy(raw[168:184], tag[:])
		return raw, nil

	default:
		return nil, fmt.Errorf("%w: unknown cipher kind %d", ErrInvalidArgument, h.cipherKind)
	}
}

// headerPrelude is the plaintext-readable part of a header block,
// parsed before any key material is available.
type headerPrelude struct {
	blockShift  uint8
	recordShift uint8
	compression record.CompressionTag
	cipherKind  cipher.Kind
	kdfKind     cipher.KDFKind
	mirrorCount uint8
	mirrorIndex uint8
	uid         [16]byte
	kdfParams   cipher.KDFParams
	nonce       uint64
}

// decodePrelude parses the unencrypted head of a header block and
// validates magic and version. raw may be just the first 72 bytes.
func decodePrelude(raw []byte) (headerPrelude, error) {
	if len(raw) < 72 {
		return headerPrelude{}, fmt.Errorf("%w: header prelude needs 72 bytes, got %d", ErrIntegrity, len(raw))
	}
	if !bytes.Equal(raw[0:16], magic[:]) {
		return headerPrelude{}, fmt.Errorf("%w: bad magic", ErrIntegrity)
	}
	if version := binary.LittleEndian.Uint16(raw[16:]); version != formatVersion {
		return headerPrelude{}, fmt.Errorf("%w: unsupported format version %d", ErrIntegrity, version)
	}
	prelude := headerPrelude{
		blockShift:  raw[18],
		recordShift: raw[19],
		compression: record.CompressionTag(raw[20]),
		cipherKind:  cipher.Kind(raw[21]),
		kdfKind:     cipher.KDFKind(raw[22]),
		mirrorCount: raw[23],
		mirrorIndex: raw[24],
		nonce:       binary.LittleEndian.Uint64(raw[64:]),
	}
	copy(prelude.uid[:], raw[32:48])
	if prelude.blockShift < MinBlockSizeShift || prelude.blockShift > MaxBlockSizeShift {
		return headerPrelude{}, fmt.Errorf("%w: block size exponent %d out of range", ErrIntegrity, prelude.blockShift)
	}
	if prelude.recordShift < prelude.blockShift || prelude.recordShift > MaxRecordShift {
		return headerPrelude{}, fmt.Errorf("%w: record size exponent %d out of range", ErrIntegrity, prelude.recordShift)
	}
	var raw24 [cipher.KDFParamsSize]byte
	copy(raw24[:16], raw[48:64])
	params, err := cipher.DecodeKDFParams(prelude.kdfKind, raw24)
	if err != nil {
		return headerPrelude{}, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	prelude.kdfParams = params
	return prelude, nil
}

// decodeHeader verifies and decrypts a full header block using the
// header key derived for its prelude. Returns ErrIntegrity when the
// hash or tag does not verify.
func decodeHeader(raw []byte, headerKey [cipher.KeySize]byte) (*header, error) {
	prelude, err := decodePrelude(raw)
	if err != nil {
		return nil, err
	}
	blockSize := 1 << prelude.blockShift
	if len(raw) != blockSize {
		return nil, fmt.Errorf("%w: header block is %d bytes, expected %d", ErrIntegrity, len(raw), blockSize)
	}

	var tag [cipher.TagSize]byte
	copy(tag[:], raw[168:184])
	body := make([]byte, blockSize)
	copy(body, raw)

	switch prelude.cipherKind {
	case cipher.NoneXXH3:
		for i := 168; i < 184; i++ {
			body[i] = 0
		}
		sum := cipher.Sum(body)
		if sum != tag {
			return nil, fmt.Errorf("%w: header hash mismatch", ErrIntegrity)
		}

	case cipher.XChaCha20Poly1305:
		headerCipher, err := cipher.New(cipher.XChaCha20Poly1305, prelude.uid, headerKey)
		if err != nil {
			return nil, err
		}
		sealed := make([]byte, 0, blockSize-96-16)
		sealed = append(sealed, raw[72:168]...)
		sealed = append(sealed, raw[headerFixedSize:]...)
		plaintext, err := headerCipher.Open(prelude.nonce, tag, sealed)
		if err != nil {
			return nil, fmt.Errorf("%w: header does not decrypt (wrong passphrase or corrupt)", ErrIntegrity)
		}
		copy(body[72:168], plaintext[:96])
		copy(body[headerFixedSize:], plaintext[96:])

	default:
		return nil, fmt.Errorf("%w: unknown cipher kind %d", ErrIntegrity, prelude.cipherKind)
	}

	tableRoot, err := record.DecodeRef(body[96:128])
	if err != nil {
		return nil, fmt.Errorf("%w: object-table root: %v", ErrIntegrity, err)
	}
	logHead, err := record.DecodeRef(body[128:160])
	if err != nil {
		return nil, fmt.Errorf("%w: allocation-log head: %v", ErrIntegrity, err)
	}

	h := &header{
		blockShift:      prelude.blockShift,
		recordShift:     prelude.recordShift,
		compression:     prelude.compression,
		cipherKind:      prelude.cipherKind,
		kdfKind:         prelude.kdfKind,
		mirrorCount:     prelude.mirrorCount,
		mirrorIndex:     prelude.mirrorIndex,
		uid:             prelude.uid,
		kdfParams:       prelude.kdfParams,
		nonce:           prelude.nonce,
		totalBlocks:     binary.LittleEndian.Uint64(body[72:]),
		lbaOffset:       binary.LittleEndian.Uint64(body[80:]),
		localBlocks:     binary.LittleEndian.Uint64(body[88:]),
		objectTableRoot: tableRoot,
		allocLogHead:    logHead,
		generation:      binary.LittleEndian.Uint64(body[160:]),
		opaque:          append([]byte(nil), body[headerFixedSize:]...),
	}
	return h, nil
}
