// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package nros

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/norafs/nros/lib/record"
)

// entryKey addresses one decoded record in the cache: the owning
// object, the tree depth, and the record index at that depth.
type entryKey struct {
	object uint64
	depth  uint8
	index  uint64
}

// entryState is the lifecycle of a cache entry. Fetching and
// Flushing are both "busy": any other access waits for the state to
// settle. Entries that are not tracked simply do not exist in the
// map, and admission waiting happens before an entry is created.
type entryState uint8

const (
	stateFetching entryState = iota
	statePresent
	stateFlushing
)

// entry is one decoded record. The data buffer is always exactly the
// maximum record size; the logical content is clipped by the owning
// object's length. Buffer access happens under the cache mutex except
// while the entry is busy, when the transitioning goroutine owns it
// exclusively.
type entry struct {
	key     entryKey
	state   entryState
	data    []byte
	dirty   bool
	diskRef record.Ref // record this entry was fetched from or last flushed to
	elem    *list.Element
}

// cache is the memory manager for decoded records. Usage is counted
// in whole reservations of one maximum record size per entry. Above
// soft, clean entries are evicted and dirty ones written back; at
// hard, admissions block until memory is released.
type cache struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[entryKey]*entry
	lru     *list.List // present entries, least recently used first
	usage   int64
	soft    int64
	hard    int64

	entrySize int64
}

func newCache(entrySize, soft, hard int64) *cache {
	c := &cache{
		entries:   make(map[entryKey]*entry),
		lru:       list.New(),
		soft:      soft,
		hard:      hard,
		entrySize: entrySize,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *cache) touchLocked(e *entry) {
	if e.elem != nil {
		c.lru.MoveToBack(e.elem)
	}
}

func (c *cache) removeLocked(e *entry) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	delete(c.entries, e.key)
	c.usage -= c.entrySize
	c.cond.Broadcast()
}

// withEntry runs fn on the decoded buffer of the record at key,
// fetching it from ref on a miss. Concurrent fetches for the same key
// coalesce: the first miss fetches, later ones wait. With mutate set
// the entry is marked dirty. Internal accesses (writeback bubbling,
// tree descent during a flush) bypass the hard admission limit so a
// flush can always reach its parent.
func (s *Store) withEntry(key entryKey, ref record.Ref, internal, mutate bool, fn func(data []byte)) error {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if e, ok := c.entries[key]; ok {
			if e.state != statePresent {
				c.cond.Wait()
				continue
			}
			fn(e.data)
			if mutate {
				e.dirty = true
			}
			c.touchLocked(e)
			return nil
		}

		if !internal && c.usage+c.entrySize > c.hard {
			// Admission: reserve a full record worth of memory. Evict
			// to make room; when nothing is evictable right now but
			// busy entries exist, wait for them to settle. When the
			// whole overage is this operation's own working set there
			// is nothing to wait for, and the reservation proceeds —
			// the overshoot is bounded by one operation's footprint.
			if s.tryEvictOneLocked() {
				continue
			}
			if c.hasBusyLocked() {
				c.cond.Wait()
				continue
			}
		}

		// Miss: create the entry in Fetching state and load it.
		e := &entry{key: key, state: stateFetching, diskRef: ref}
		c.entries[key] = e
		c.usage += c.entrySize

		c.mu.Unlock()
		data, err := s.fetchData(ref)
		c.mu.Lock()

		if err != nil {
			c.removeLocked(e)
			return err
		}
		e.data = data
		e.state = statePresent
		e.elem = c.lru.PushBack(e)
		c.cond.Broadcast()

		fn(e.data)
		if mutate {
			e.dirty = true
		}
		c.touchLocked(e)
		return nil
	}
}

// fetchData loads and decodes a record into a full-size buffer. A
// zero reference yields an all-zero buffer without touching storage.
func (s *Store) fetchData(ref record.Ref) ([]byte, error) {
	buffer := make([]byte, s.maxRecordSize())
	if ref.IsZero() {
		return buffer, nil
	}
	data, err := s.readRecord(ref)
	if err != nil {
		return nil, err
	}
	if len(data) > len(buffer) {
		return nil, fmt.Errorf("%w: record of %d bytes exceeds maximum %d", ErrCorruptData, len(data), len(buffer))
	}
	copy(buffer, data)
	return buffer, nil
}

// hasEntry reports whether any entry (busy or present) exists at key.
func (s *Store) hasEntry(key entryKey) bool {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// captureEntry waits out any busy state, removes the entry at key
// and returns its buffer and backing reference. Subtree destruction
// uses this to discard cached content while learning which on-disk
// record backed it.
func (s *Store) captureEntry(key entryKey) (data []byte, diskRef record.Ref, existed bool) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		e, ok := c.entries[key]
		if !ok {
			return nil, record.Ref{}, false
		}
		if e.state != statePresent {
			c.cond.Wait()
			continue
		}
		c.removeLocked(e)
		return e.data, e.diskRef, true
	}
}

// tryEvictOneLocked evicts one present entry, preferring clean ones,
// flushing the least recently used dirty entry when no clean supply
// exists. Returns false when no entry could be claimed. Caller holds
// c.mu; the lock may be released and reacquired for writeback I/O.
func (s *Store) tryEvictOneLocked() bool {
	c := s.cache

	// Clean entries drop without coordination: their disk record
	// matches their content, so any in-flight descent that resolved a
	// reference to them simply refetches the same bytes.
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if e.key.object == objectTableID || e.dirty {
			continue
		}
		c.removeLocked(e)
		return true
	}

	// No clean supply: write back the least recently used dirty entry
	// whose object is not under an in-flight mutation, then drop it.
	// Object-table records are only written back during commit.
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if e.key.object == objectTableID || !e.dirty {
			continue
		}
		lock := s.objLock(e.key.object)
		if !lock.TryLock() {
			continue
		}
		if e.state != statePresent || !e.dirty {
			lock.Unlock()
			continue
		}
		err := s.flushEntryLocked(e)
		if err == nil {
			c.removeLocked(e)
		}
		lock.Unlock()
		return err == nil
	}
	return false
}

// hasBusyLocked reports whether any entry is mid-fetch or mid-flush;
// their completion is a wake-up event admission can wait for.
func (c *cache) hasBusyLocked() bool {
	for _, e := range c.entries {
		if e.state != statePresent {
			return true
		}
	}
	return false
}

// evictToSoft brings usage back under the soft limit. Called after
// public operations release their locks, and at the end of commit.
func (s *Store) evictToSoft() {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.usage > c.soft {
		if !s.tryEvictOneLocked() {
			return
		}
	}
}

// flushEntryLocked writes a dirty entry back to storage: pack, write
// a fresh record, release the old one, and update the parent record
// (or the object root) with the new reference. Caller holds c.mu and
// has exclusive claim on the entry's object; the lock is released
// during I/O with the entry in Flushing state.
func (s *Store) flushEntryLocked(e *entry) error {
	c := s.cache
	e.state = stateFlushing
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}

	c.mu.Unlock()
	newRef, err := s.flushData(e)
	c.mu.Lock()

	e.state = statePresent
	e.elem = c.lru.PushBack(e)
	c.cond.Broadcast()
	if err != nil {
		return err
	}
	e.diskRef = newRef
	e.dirty = false
	return nil
}

// flushData performs the I/O half of a writeback: an all-zero buffer
// becomes the zero reference (sparsification); anything else is
// packed and written copy-on-write. The old record is released and
// the new reference bubbles up to the parent.
func (s *Store) flushData(e *entry) (record.Ref, error) {
	content := trimTrailingZeros(e.data)
	newRef := record.Ref{Depth: e.key.depth}
	if len(content) > 0 {
		var err error
		newRef, err = s.writeRecord(content, e.key.depth)
		if err != nil {
			return record.Ref{}, err
		}
	}
	s.destroyRecord(e.diskRef)
	if err := s.propagateRef(e.key, newRef); err != nil {
		return record.Ref{}, err
	}
	if s.cfg.Trace {
		s.logger.Debug("flushed record",
			"object", e.key.object, "depth", e.key.depth, "index", e.key.index,
			"lba", newRef.LBA, "packed", newRef.PackedLength)
	}
	return newRef, nil
}

// trimTrailingZeros returns data up to and including its last nonzero
// byte.
func trimTrailingZeros(data []byte) []byte {
	end := len(data)
	for end > 0 && data[end-1] == 0 {
		end--
	}
	return data[:end]
}

// CacheUsage returns the current and limit byte counts of the cache.
func (s *Store) CacheUsage() (usage, soft, hard int64) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage, c.soft, c.hard
}
