// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package nros

import (
	"fmt"
	"slices"
	"sync"

	"github.com/norafs/nros/lib/alloc"
	"github.com/norafs/nros/lib/record"
)

// Commit publishes every buffered mutation atomically. New operations
// block and in-flight ones drain; dirty records are written back
// bottom-up until the tree is flat; the allocation log delta is
// persisted (or the log rewritten when it has grown past its
// compaction threshold); queued mirror repairs are applied; and the
// new header — bumped generation, new object-table root, new log
// head — is written to every chain's start, then every chain's end,
// with barriers between. A crash before the header barrier leaves the
// previous state in force.
func (s *Store) Commit() error {
	s.opGate.Lock()
	defer s.opGate.Unlock()
	return s.commitLocked()
}

func (s *Store) commitLocked() error {
	if s.closed {
		return ErrClosed
	}
	if err := s.poisoned(); err != nil {
		return fmt.Errorf("%w: %v", ErrPoisoned, err)
	}

	if err := s.flushAllDirty(); err != nil {
		return err
	}
	if err := s.flushAllocationLog(); err != nil {
		return err
	}
	if err := s.poisoned(); err != nil {
		return fmt.Errorf("%w: %v", ErrPoisoned, err)
	}

	if err := s.set.FlushRepairs(); err != nil {
		err = fmt.Errorf("%w: %v", ErrDeviceIO, err)
		s.setPoison(err)
		return err
	}
	if err := s.set.Barrier(); err != nil {
		err = fmt.Errorf("%w: %v", ErrDeviceIO, err)
		s.setPoison(err)
		return err
	}

	s.hdrMu.Lock()
	s.hdr.generation++
	generation := s.hdr.generation
	s.hdrMu.Unlock()
	if err := s.writeHeaders(); err != nil {
		s.setPoison(err)
		return err
	}

	s.allocMu.Lock()
	s.alloc.EndTransaction()
	freeBlocks := s.alloc.FreeBlocks()
	s.allocMu.Unlock()

	s.evictToSoft()
	if s.cfg.Trace {
		s.logger.Debug("committed transaction",
			"generation", generation,
			"free_blocks", freeBlocks,
			"log_entries", s.logEntryCount)
	}
	return nil
}

// dirtyKeys snapshots the keys of dirty entries, object trees or the
// object table per the table flag, sorted by ascending depth (leaves
// are depth 0) so leaves flush before the interiors they dirty.
func (s *Store) dirtyKeys(table bool) []entryKey {
	c := s.cache
	c.mu.Lock()
	var keys []entryKey
	for key, e := range c.entries {
		if e.dirty && (key.object == objectTableID) == table {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()
	slices.SortFunc(keys, func(x, y entryKey) int {
		switch {
		case x.depth != y.depth:
			return int(x.depth) - int(y.depth)
		case x.object != y.object:
			if x.object < y.object {
				return -1
			}
			return 1
		case x.index < y.index:
			return -1
		case x.index > y.index:
			return 1
		default:
			return 0
		}
	})
	return keys
}

// flushKey writes back the entry at key if it is still dirty. During
// commit and GetRoot the caller owns the object exclusively, so the
// entry is never busy here.
func (s *Store) flushKey(key entryKey) error {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.dirty || e.state != statePresent {
		return nil
	}
	return s.flushEntryLocked(e)
}

// flushGroup writes back one depth level of dirty entries, fanning
// the CPU-bound packing across PackWorkers goroutines when
// configured.
func (s *Store) flushGroup(keys []entryKey) error {
	workers := s.cfg.PackWorkers
	if workers <= 1 || len(keys) < 2 {
		for _, key := range keys {
			if err := s.flushKey(key); err != nil {
				return err
			}
		}
		return nil
	}

	work := make(chan entryKey)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < min(workers, len(keys)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var firstErr error
			for key := range work {
				if firstErr != nil {
					continue
				}
				firstErr = s.flushKey(key)
			}
			errs <- firstErr
		}()
	}
	for _, key := range keys {
		work <- key
	}
	close(work)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// flushAllDirty forces the whole cache flat: first every object tree
// bottom-up (leaf flushes dirty interiors, interior flushes dirty
// object entries), then the object table itself, whose root flush
// lands in the in-memory header.
func (s *Store) flushAllDirty() error {
	for _, table := range []bool{false, true} {
		for pass := 0; ; pass++ {
			if pass > 2*(MaxDepth+1) {
				return fmt.Errorf("%w: writeback did not converge", ErrIntegrity)
			}
			keys := s.dirtyKeys(table)
			if len(keys) == 0 {
				break
			}
			for start := 0; start < len(keys); {
				end := start
				for end < len(keys) && keys[end].depth == keys[start].depth {
					end++
				}
				if err := s.flushGroup(keys[start:end]); err != nil {
					return err
				}
				start = end
			}
		}
	}
	return nil
}

// flushObject writes back one object's dirty records bottom-up.
// Caller holds the object's mutator lock. Table entries dirtied by
// root updates stay buffered until commit.
func (s *Store) flushObject(id uint64) error {
	for pass := 0; ; pass++ {
		if pass > 2*(MaxDepth+1) {
			return fmt.Errorf("%w: writeback did not converge", ErrIntegrity)
		}
		var keys []entryKey
		for _, key := range s.dirtyKeys(false) {
			if key.object == id {
				keys = append(keys, key)
			}
		}
		if len(keys) == 0 {
			return nil
		}
		for _, key := range keys {
			if err := s.flushKey(key); err != nil {
				return err
			}
		}
	}
}

// flushAllocationLog persists the transaction's allocation delta.
// Normally the pending entries are appended as a fresh head record
// chained onto the existing log. When the log's entry count would
// exceed twice its minimal representation plus one log record's worth
// of entries, the whole log is rewritten as a fresh chain describing
// the currently allocated ranges.
func (s *Store) flushAllocationLog() error {
	s.allocMu.Lock()
	pending := s.alloc.TakePending()
	minimal := len(s.alloc.LoggedRanges())
	existing := s.logEntryCount
	s.allocMu.Unlock()

	entriesPerRecord := (s.maxRecordSize() - record.RefSize) / alloc.EntrySize
	compact := existing+len(pending) > 2*minimal+entriesPerRecord

	if compact {
		// Drop the old chain first so its blocks leave the implicit
		// set; they stay quarantined until the header swap because
		// the previous header still references them.
		s.allocMu.Lock()
		oldChain := s.logChain
		for _, ref := range oldChain {
			s.alloc.FreeImplicit(ref.LBA, ref.Blocks(s.blockSize()))
		}
		ranges := s.alloc.LoggedRanges()
		s.allocMu.Unlock()

		entries := make([]alloc.Entry, len(ranges))
		for i, r := range ranges {
			entries[i] = alloc.Entry{LBA: r.Start, Blocks: r.Blocks}
		}
		chain, head, err := s.writeLogChain(entries, record.Ref{})
		if err != nil {
			return err
		}
		s.logChain = chain
		s.logEntryCount = len(entries)
		s.hdr.allocLogHead = head
		s.logger.Info("compacted allocation log",
			"entries", len(entries), "replaced_entries", existing+len(pending))
		return nil
	}

	if len(pending) == 0 {
		return nil
	}
	chain, head, err := s.writeLogChain(pending, s.hdr.allocLogHead)
	if err != nil {
		return err
	}
	s.logChain = append(chain, s.logChain...)
	s.logEntryCount += len(pending)
	s.hdr.allocLogHead = head
	return nil
}

// writeLogChain stores entries as a chain of log records whose last
// record links to tailNext. Returns the new records head-first and
// the new head reference. The records' own blocks are allocated
// implicitly — replay derives them by walking the chain.
func (s *Store) writeLogChain(entries []alloc.Entry, tailNext record.Ref) ([]record.Ref, record.Ref, error) {
	if len(entries) == 0 {
		return nil, tailNext, nil
	}
	perRecord := (s.maxRecordSize() - record.RefSize) / alloc.EntrySize
	next := tailNext
	var chain []record.Ref
	for start := 0; start < len(entries); start += perRecord {
		end := min(start+perRecord, len(entries))
		payload := make([]byte, record.RefSize+(end-start)*alloc.EntrySize)
		nextRaw := record.EncodeRef(next)
		copy(payload, nextRaw[:])
		for i, entry := range entries[start:end] {
			raw := alloc.EncodeEntry(entry)
			copy(payload[record.RefSize+i*alloc.EntrySize:], raw[:])
		}
		raw, ref, err := s.packRecord(payload, 0)
		if err != nil {
			return nil, record.Ref{}, err
		}
		ref, err = s.placeRecord(raw, ref, true)
		if err != nil {
			return nil, record.Ref{}, err
		}
		next = ref
		chain = append([]record.Ref{ref}, chain...)
	}
	return chain, next, nil
}

// Unmount commits any buffered state (unless the transaction is
// poisoned, in which case buffered changes are dropped) and closes
// the device set. The store is unusable afterwards.
func (s *Store) Unmount() error {
	var commitErr error
	if s.poisoned() == nil {
		commitErr = s.Commit()
	}

	s.opGate.Lock()
	defer s.opGate.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	closeErr := s.set.Close()
	s.logger.Info("store unmounted", "generation", s.hdr.generation)
	if commitErr != nil {
		return commitErr
	}
	if closeErr != nil {
		return fmt.Errorf("%w: %v", ErrDeviceIO, closeErr)
	}
	return nil
}

// Stats is a point-in-time snapshot of store utilization.
type Stats struct {
	TotalBlocks uint64
	FreeBlocks  uint64
	UsedBlocks  uint64
	Generation  uint64
	LogEntries  int
	CacheUsage  int64
	CacheSoft   int64
	CacheHard   int64
}

// Statistics returns current utilization counters.
func (s *Store) Statistics() Stats {
	s.opGate.RLock()
	defer s.opGate.RUnlock()
	s.allocMu.Lock()
	stats := Stats{
		TotalBlocks: s.alloc.TotalBlocks(),
		FreeBlocks:  s.alloc.FreeBlocks(),
		UsedBlocks:  s.alloc.UsedBlocks(),
		LogEntries:  s.logEntryCount,
	}
	s.allocMu.Unlock()
	s.hdrMu.Lock()
	stats.Generation = s.hdr.generation
	s.hdrMu.Unlock()
	stats.CacheUsage, stats.CacheSoft, stats.CacheHard = s.CacheUsage()
	return stats
}
