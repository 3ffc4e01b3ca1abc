// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package nros

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/norafs/nros/lib/alloc"
	"github.com/norafs/nros/lib/blockdev"
	"github.com/norafs/nros/lib/cipher"
	"github.com/norafs/nros/lib/record"
)

// objectTableID is the in-memory pseudo object ID of the object
// table's own record tree. Object IDs handed to callers are far below
// it (the table tops out at 2^58 entries).
const objectTableID = ^uint64(0)

// objectEntrySize is the on-disk size of one object entry in the
// object table: a 32-byte root reference, the 8-byte object length,
// and reserved space.
const objectEntrySize = 64

// Store is a mounted object store. All methods are safe for
// concurrent use; mutations on one object are serialized against
// each other, and Commit quiesces every in-flight operation.
type Store struct {
	cfg    Config
	logger *slog.Logger
	set    *blockdev.Set

	hdr        *header
	headerKey  [cipher.KeySize]byte
	dataCipher cipher.Cipher

	// opGate admits mutators and readers shared; Commit and Unmount
	// take it exclusively to quiesce the store.
	opGate sync.RWMutex
	closed bool

	// allocMu guards the allocator and the log chain bookkeeping.
	allocMu       sync.Mutex
	alloc         *alloc.Allocator
	logChain      []record.Ref // head first
	logEntryCount int

	cache *cache

	// hdrMu guards the in-memory header fields that writeback paths
	// update mid-transaction (the object-table root).
	hdrMu sync.Mutex

	// objMu guards object ID bookkeeping.
	objMu   sync.Mutex
	scanPos uint64
	freeIDs []uint64

	// lockMu guards the per-object mutator locks.
	lockMu   sync.Mutex
	objLocks map[uint64]*sync.RWMutex

	poisonMu  sync.Mutex
	poisonErr error
}

func (s *Store) blockSize() int     { return s.hdr.blockSize() }
func (s *Store) maxRecordSize() int { return s.hdr.maxRecordSize() }

// fanout is the number of child references per interior record.
func (s *Store) fanout() uint64 { return uint64(s.maxRecordSize() / record.RefSize) }

// Create formats the device set and returns a mounted store. The
// initial header is written with generation zero; the first Commit
// publishes generation one.
func Create(set *blockdev.Set, cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	blockCount := uint64(set.Size()) / uint64(cfg.BlockSize)
	if blockCount < 4 {
		return nil, fmt.Errorf("%w: device of %d bytes holds fewer than 4 blocks of %d bytes",
			ErrInvalidArgument, set.Size(), cfg.BlockSize)
	}

	var uid [16]byte
	if _, err := rand.Read(uid[:]); err != nil {
		return nil, fmt.Errorf("generating filesystem UID: %w", err)
	}

	h := &header{
		blockShift:  uint8(log2(cfg.BlockSize)),
		recordShift: uint8(log2(cfg.MaxRecordSize)),
		compression: cfg.Compression,
		cipherKind:  cfg.Cipher,
		kdfKind:     cfg.KDF,
		mirrorCount: uint8(set.Chains()),
		uid:         uid,
		kdfParams:   cfg.KDFParams,
		totalBlocks: blockCount,
		localBlocks: blockCount,
	}

	headerKey, err := cipher.DeriveHeaderKey(cfg.KDF, cfg.Passphrase, uid, cfg.KDFParams)
	if err != nil {
		return nil, err
	}
	s, err := newStore(set, cfg, h, headerKey)
	if err != nil {
		return nil, err
	}

	s.alloc = alloc.New(blockCount, cfg.NeverOverwriteInTransaction)
	if err := s.alloc.Reserve(0, 1); err != nil {
		return nil, err
	}
	if err := s.alloc.Reserve(blockCount-1, 1); err != nil {
		return nil, err
	}

	if err := s.writeHeaders(); err != nil {
		return nil, fmt.Errorf("writing initial headers: %w", err)
	}
	s.logger.Info("store created",
		"blocks", blockCount, "block_size", cfg.BlockSize,
		"max_record_size", cfg.MaxRecordSize, "mirrors", set.Chains(),
		"compression", cfg.Compression, "cipher", cfg.Cipher)
	return s, nil
}

// Mount opens an existing store. Format parameters come from the
// on-disk header; cfg supplies the passphrase and runtime tuning
// (cache limits, workers, feature flags). Mount picks, across all
// chains and both header copies, the verifying header with the
// highest generation.
func Mount(set *blockdev.Set, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	prelude, err := probePrelude(set)
	if err != nil {
		return nil, err
	}
	headerKey, err := cipher.DeriveHeaderKey(prelude.kdfKind, cfg.Passphrase, prelude.uid, prelude.kdfParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	blockSize := 1 << prelude.blockShift
	best, err := pickHeader(set, blockSize, headerKey)
	if err != nil {
		return nil, err
	}

	cfg.BlockSize = blockSize
	cfg.MaxRecordSize = 1 << best.recordShift
	cfg.Compression = best.compression
	cfg.Cipher = best.cipherKind
	cfg.KDF = best.kdfKind
	cfg.KDFParams = best.kdfParams
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if int(best.mirrorCount) != set.Chains() {
		return nil, fmt.Errorf("%w: header expects %d mirrors, device set has %d",
			ErrIntegrity, best.mirrorCount, set.Chains())
	}

	s, err := newStore(set, cfg, best, headerKey)
	if err != nil {
		return nil, err
	}

	if err := s.replayAllocationLog(); err != nil {
		return nil, err
	}
	s.logger.Info("store mounted",
		"generation", best.generation, "blocks", best.totalBlocks,
		"free_blocks", s.alloc.FreeBlocks(), "log_entries", s.logEntryCount)
	return s, nil
}

// newStore wires the in-memory store around a decoded header.
func newStore(set *blockdev.Set, cfg Config, h *header, headerKey [cipher.KeySize]byte) (*Store, error) {
	dataKey, err := cipher.DeriveDataKey(headerKey, h.uid)
	if err != nil {
		return nil, err
	}
	dataCipher, err := cipher.New(h.cipherKind, h.uid, dataKey)
	if err != nil {
		return nil, err
	}
	s := &Store{
		cfg:        cfg,
		logger:     cfg.Logger,
		set:        set,
		hdr:        h,
		headerKey:  headerKey,
		dataCipher: dataCipher,
		objLocks:   make(map[uint64]*sync.RWMutex),
	}
	s.cache = newCache(int64(cfg.MaxRecordSize), cfg.SoftLimit, cfg.HardLimit)
	return s, nil
}

// probePrelude finds a readable header prelude: offset zero of each
// chain first, then the trailing block for every plausible block
// size.
func probePrelude(set *blockdev.Set) (headerPrelude, error) {
	var lastErr error
	for chain := 0; chain < set.Chains(); chain++ {
		raw, err := set.ReadChain(chain, 0, 72)
		if err != nil {
			lastErr = err
			continue
		}
		prelude, err := decodePrelude(raw)
		if err == nil {
			return prelude, nil
		}
		lastErr = err
	}
	for shift := MinBlockSizeShift; shift <= MaxBlockSizeShift; shift++ {
		off := (set.Size()>>shift - 1) << shift
		if off <= 0 {
			break
		}
		for chain := 0; chain < set.Chains(); chain++ {
			raw, err := set.ReadChain(chain, off, 72)
			if err != nil {
				continue
			}
			prelude, err := decodePrelude(raw)
			if err == nil && int(prelude.blockShift) == shift {
				return prelude, nil
			}
		}
	}
	return headerPrelude{}, fmt.Errorf("%w: no readable header prelude (last error: %v)", ErrIntegrity, lastErr)
}

// pickHeader decodes every header copy and returns the verifying one
// with the highest generation.
func pickHeader(set *blockdev.Set, blockSize int, headerKey [cipher.KeySize]byte) (*header, error) {
	var best *header
	var lastErr error
	endOff := (set.Size()/int64(blockSize) - 1) * int64(blockSize)
	offsets := []int64{0, endOff}
	for chain := 0; chain < set.Chains(); chain++ {
		for _, off := range offsets {
			raw, err := set.ReadChain(chain, off, blockSize)
			if err != nil {
				lastErr = err
				continue
			}
			h, err := decodeHeader(raw, headerKey)
			if err != nil {
				lastErr = err
				continue
			}
			if best == nil || h.generation > best.generation {
				best = h
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no verifying header on any mirror (last error: %v)", ErrIntegrity, lastErr)
	}
	return best, nil
}

// writeHeaders publishes the current header: the same block to every
// chain's start, barrier, then to every chain's end, barrier. All
// copies are byte-identical, which keeps mirrors comparable
// byte-for-byte; a chain's index is positional, not stored.
func (s *Store) writeHeaders() error {
	blockSize := s.blockSize()
	endOff := int64(s.hdr.totalBlocks-1) * int64(blockSize)
	raw, err := encodeHeader(s.hdr, s.headerKey)
	if err != nil {
		return err
	}
	if err := s.set.WriteAll(0, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceIO, err)
	}
	if err := s.set.Barrier(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceIO, err)
	}
	if err := s.set.WriteAll(endOff, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceIO, err)
	}
	if err := s.set.Barrier(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceIO, err)
	}
	return nil
}

// replayAllocationLog walks the log chain and rebuilds the free set.
func (s *Store) replayAllocationLog() error {
	blockSize := s.blockSize()
	s.alloc = alloc.New(s.hdr.totalBlocks, s.cfg.NeverOverwriteInTransaction)
	if err := s.alloc.Reserve(0, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if err := s.alloc.Reserve(s.hdr.totalBlocks-1, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	var fold alloc.Map
	var chain []record.Ref
	ref := s.hdr.allocLogHead
	for !ref.IsZero() {
		if uint64(len(chain)) > s.hdr.totalBlocks {
			return fmt.Errorf("%w: allocation log chain does not terminate", ErrIntegrity)
		}
		if err := s.alloc.Reserve(ref.LBA, ref.Blocks(blockSize)); err != nil {
			return fmt.Errorf("%w: allocation log record overlaps: %v", ErrIntegrity, err)
		}
		payload, err := s.readRecord(ref)
		if err != nil {
			return fmt.Errorf("reading allocation log record at LBA %d: %w", ref.LBA, err)
		}
		if len(payload) < record.RefSize || (len(payload)-record.RefSize)%alloc.EntrySize != 0 {
			return fmt.Errorf("%w: allocation log record at LBA %d has bad size %d",
				ErrIntegrity, ref.LBA, len(payload))
		}
		next, err := record.DecodeRef(payload[:record.RefSize])
		if err != nil {
			return fmt.Errorf("%w: allocation log next reference: %v", ErrIntegrity, err)
		}
		for off := record.RefSize; off < len(payload); off += alloc.EntrySize {
			entry, err := alloc.DecodeEntry(payload[off:])
			if err != nil {
				return fmt.Errorf("%w: %v", ErrIntegrity, err)
			}
			fold.Apply(entry)
			s.logEntryCount++
		}
		chain = append(chain, ref)
		ref = next
	}
	s.logChain = chain

	ranges, err := fold.Ranges()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	for _, r := range ranges {
		if err := s.alloc.ReserveLogged(r.Start, r.Blocks); err != nil {
			return fmt.Errorf("%w: allocation log covers overlapping ranges: %v", ErrIntegrity, err)
		}
	}
	return nil
}

// --- record store -----------------------------------------------------

// newNonce returns the per-record nonce value: random in encrypted
// mode, zero otherwise (where it is stored but unused).
func (s *Store) newNonce() (uint64, error) {
	if s.dataCipher.Kind() != cipher.XChaCha20Poly1305 {
		return 0, nil
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return 0, fmt.Errorf("generating record nonce: %w", err)
	}
	return binary.LittleEndian.Uint64(raw[:]), nil
}

// packRecord packs data into its stored form and the reference
// describing it (LBA not yet assigned). Safe for concurrent use.
func (s *Store) packRecord(data []byte, depth uint8) ([]byte, record.Ref, error) {
	nonce, err := s.newNonce()
	if err != nil {
		return nil, record.Ref{}, err
	}
	raw, hdr, err := record.Pack(data, s.hdr.compression, s.dataCipher, s.hdr.uid, nonce)
	if err != nil {
		return nil, record.Ref{}, err
	}
	ref := record.Ref{
		PackedLength: hdr.PackedLength,
		Compression:  hdr.Compression,
		Depth:        depth,
		Hash:         hdr.RefHash(),
	}
	return raw, ref, nil
}

// placeRecord allocates blocks for a packed record and writes it to
// every chain. With implicit set, the blocks are claimed outside the
// allocation log (log chain records only).
func (s *Store) placeRecord(raw []byte, ref record.Ref, implicit bool) (record.Ref, error) {
	blockSize := s.blockSize()
	blocks := ref.Blocks(blockSize)

	s.allocMu.Lock()
	var lba uint64
	var err error
	if implicit {
		lba, err = s.alloc.AllocateImplicit(blocks)
	} else {
		lba, err = s.alloc.Allocate(blocks)
	}
	s.allocMu.Unlock()
	if err != nil {
		if errors.Is(err, alloc.ErrOutOfSpace) {
			return record.Ref{}, fmt.Errorf("%w: %v", ErrOutOfSpace, err)
		}
		return record.Ref{}, err
	}
	if s.cfg.TraceAlloc {
		s.logger.Debug("allocated blocks", "lba", lba, "blocks", blocks, "implicit", implicit)
	}

	padded := raw
	if rem := len(raw) % blockSize; rem != 0 {
		padded = make([]byte, (len(raw)/blockSize+1)*blockSize)
		copy(padded, raw)
	}
	if err := s.set.WriteAll(int64(lba)*int64(blockSize), padded); err != nil {
		s.setPoison(fmt.Errorf("%w: %v", ErrDeviceIO, err))
		return record.Ref{}, fmt.Errorf("%w: %v", ErrDeviceIO, err)
	}
	ref.LBA = lba
	return ref, nil
}

// writeRecord packs and stores data, returning its reference.
func (s *Store) writeRecord(data []byte, depth uint8) (record.Ref, error) {
	raw, ref, err := s.packRecord(data, depth)
	if err != nil {
		return record.Ref{}, err
	}
	return s.placeRecord(raw, ref, false)
}

// readRecord fetches, verifies and unpacks a record. Mirrors that
// fail verification are repaired from the first verifying copy.
func (s *Store) readRecord(ref record.Ref) ([]byte, error) {
	if ref.IsZero() {
		return nil, nil
	}
	blockSize := s.blockSize()
	length := int(ref.Blocks(blockSize)) * blockSize

	var decoded []byte
	_, err := s.set.ReadVerified(int64(ref.LBA)*int64(blockSize), length, func(raw []byte) bool {
		data, unpackErr := record.Unpack(raw, ref.Hash, s.dataCipher, s.maxRecordSize())
		if unpackErr != nil {
			return false
		}
		decoded = data
		return true
	})
	if err != nil {
		if errors.Is(err, blockdev.ErrCorrupt) {
			err = fmt.Errorf("%w: record at LBA %d: %v", ErrCorruptData, ref.LBA, err)
		} else {
			err = fmt.Errorf("%w: record at LBA %d: %v", ErrDeviceIO, ref.LBA, err)
		}
		s.setPoison(err)
		return nil, err
	}
	return decoded, nil
}

// destroyRecord releases a record's blocks. The free is logged and,
// if the blocks were live at the last commit, deferred until the
// header swap makes the free durable.
func (s *Store) destroyRecord(ref record.Ref) {
	if ref.IsZero() {
		return
	}
	blocks := ref.Blocks(s.blockSize())
	s.allocMu.Lock()
	s.alloc.Free(ref.LBA, blocks)
	s.allocMu.Unlock()
	if s.cfg.TraceAlloc {
		s.logger.Debug("freed blocks", "lba", ref.LBA, "blocks", blocks)
	}
}

// --- poisoning --------------------------------------------------------

func (s *Store) setPoison(err error) {
	s.poisonMu.Lock()
	if s.poisonErr == nil {
		s.poisonErr = err
		s.logger.Error("transaction poisoned", "error", err)
	}
	s.poisonMu.Unlock()
}

func (s *Store) poisoned() error {
	s.poisonMu.Lock()
	defer s.poisonMu.Unlock()
	return s.poisonErr
}

// --- per-object locks -------------------------------------------------

func (s *Store) objLock(id uint64) *sync.RWMutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock := s.objLocks[id]
	if lock == nil {
		lock = new(sync.RWMutex)
		s.objLocks[id] = lock
	}
	return lock
}

func log2(v int) int {
	shift := 0
	for v > 1 {
		v >>= 1
		shift++
	}
	return shift
}
