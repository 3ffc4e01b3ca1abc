// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package nros

import (
	"encoding/binary"
	"fmt"

	"github.com/norafs/nros/lib/record"
)

// MaxObjectID bounds the object ID space. The object table addresses
// at most 2^58 entries.
const MaxObjectID = uint64(1)<<58 - 1

// objectEntry is one slot of the object table: the object's tree root
// and logical length. An entry whose root carries a zero reference
// count is free.
type objectEntry struct {
	Root   record.Ref
	Length uint64
}

func encodeObjectEntry(entry objectEntry) [objectEntrySize]byte {
	var raw [objectEntrySize]byte
	ref := record.EncodeRef(entry.Root)
	copy(raw[:record.RefSize], ref[:])
	binary.LittleEndian.PutUint64(raw[record.RefSize:], entry.Length)
	return raw
}

func decodeObjectEntry(raw []byte) (objectEntry, error) {
	ref, err := record.DecodeRef(raw[:record.RefSize])
	if err != nil {
		return objectEntry{}, err
	}
	return objectEntry{
		Root:   ref,
		Length: binary.LittleEndian.Uint64(raw[record.RefSize:]),
	}, nil
}

// tableCapacity returns how many object entries the table addresses
// at its current depth. Missing leaves read as free entries, so the
// table is always logically full-size for its depth.
func (s *Store) tableCapacity() uint64 {
	s.hdrMu.Lock()
	depth := s.hdr.objectTableRoot.Depth
	s.hdrMu.Unlock()
	entriesPerLeaf := uint64(s.maxRecordSize() / objectEntrySize)
	return entriesPerLeaf * s.leafSpan(depth)
}

// getObjectEntry reads the table slot for id. Slots in fully sparse
// table extents are served as free entries without touching the
// cache.
func (s *Store) getObjectEntry(id uint64) (objectEntry, error) {
	recordSize := uint64(s.maxRecordSize())
	offset := id * objectEntrySize
	leafIndex := offset / recordSize
	within := offset % recordSize

	ref, err := s.refFor(objectTableID, 0, leafIndex)
	if err != nil {
		return objectEntry{}, err
	}
	key := entryKey{object: objectTableID, depth: 0, index: leafIndex}
	if ref.IsZero() && !s.hasEntry(key) {
		return objectEntry{}, nil
	}

	var entry objectEntry
	var decodeErr error
	err = s.withEntry(key, ref, true, false, func(data []byte) {
		entry, decodeErr = decodeObjectEntry(data[within : within+objectEntrySize])
	})
	if err != nil {
		return objectEntry{}, err
	}
	if decodeErr != nil {
		return objectEntry{}, fmt.Errorf("%w: object entry %d: %v", ErrCorruptData, id, decodeErr)
	}
	return entry, nil
}

// setObjectEntry writes the table slot for id.
func (s *Store) setObjectEntry(id uint64, entry objectEntry) error {
	recordSize := uint64(s.maxRecordSize())
	offset := id * objectEntrySize
	leafIndex := offset / recordSize
	within := offset % recordSize

	ref, err := s.refFor(objectTableID, 0, leafIndex)
	if err != nil {
		return err
	}
	key := entryKey{object: objectTableID, depth: 0, index: leafIndex}
	encoded := encodeObjectEntry(entry)
	return s.withEntry(key, ref, true, true, func(data []byte) {
		copy(data[within:within+objectEntrySize], encoded[:])
	})
}

// growTable raises the object table's depth by one.
func (s *Store) growTable() error {
	s.hdrMu.Lock()
	root := s.hdr.objectTableRoot
	s.hdrMu.Unlock()
	newRoot, err := s.growDepth(objectTableID, root)
	if err != nil {
		return err
	}
	s.hdrMu.Lock()
	s.hdr.objectTableRoot = newRoot
	s.hdrMu.Unlock()
	return nil
}

// loadObject fetches and validates a live object's entry.
func (s *Store) loadObject(id uint64) (objectEntry, error) {
	if id > MaxObjectID || id >= s.tableCapacity() {
		return objectEntry{}, fmt.Errorf("%w: object %d does not exist", ErrInvalidArgument, id)
	}
	entry, err := s.getObjectEntry(id)
	if err != nil {
		return objectEntry{}, err
	}
	if entry.Root.References == 0 {
		return objectEntry{}, fmt.Errorf("%w: object %d does not exist", ErrInvalidArgument, id)
	}
	return entry, nil
}

// --- public API -------------------------------------------------------

// beginOp admits an operation: the store must be open, and Commit
// must not be quiescing.
func (s *Store) beginOp() error {
	s.opGate.RLock()
	if s.closed {
		s.opGate.RUnlock()
		return ErrClosed
	}
	return nil
}

// endOp releases the admission taken by beginOp and performs the
// deferred cache maintenance: wake admission waiters (locks they
// needed may have been released) and shed memory down to the soft
// limit.
func (s *Store) endOp() {
	s.cache.cond.Broadcast()
	s.evictToSoft()
	s.opGate.RUnlock()
}

// AllocateObject allocates a fresh object ID with reference count
// one and zero length.
func (s *Store) AllocateObject() (uint64, error) {
	if err := s.beginOp(); err != nil {
		return 0, err
	}
	defer s.endOp()

	s.objMu.Lock()
	defer s.objMu.Unlock()
	id, err := s.claimObjectID()
	if err != nil {
		return 0, err
	}
	if err := s.setObjectEntry(id, objectEntry{Root: record.Ref{References: 1}}); err != nil {
		return 0, err
	}
	if s.cfg.Trace {
		s.logger.Debug("allocated object", "id", id)
	}
	return id, nil
}

// AllocateObjectPair allocates two adjacent object IDs, id and id+1,
// each with reference count one. Upper layers pair IDs to bind two
// structures without storing a second reference.
func (s *Store) AllocateObjectPair() (uint64, error) {
	if err := s.beginOp(); err != nil {
		return 0, err
	}
	defer s.endOp()

	s.objMu.Lock()
	defer s.objMu.Unlock()
	id, err := s.claimObjectIDPair()
	if err != nil {
		return 0, err
	}
	entry := objectEntry{Root: record.Ref{References: 1}}
	if err := s.setObjectEntry(id, entry); err != nil {
		return 0, err
	}
	if err := s.setObjectEntry(id+1, entry); err != nil {
		return 0, err
	}
	return id, nil
}

// claimObjectID finds a free slot: the in-memory free list first,
// then a lazy scan that resumes where the last one stopped. Caller
// holds objMu.
func (s *Store) claimObjectID() (uint64, error) {
	if n := len(s.freeIDs); n > 0 {
		id := s.freeIDs[n-1]
		s.freeIDs = s.freeIDs[:n-1]
		return id, nil
	}
	for {
		if s.scanPos >= s.tableCapacity() {
			if err := s.growTable(); err != nil {
				return 0, err
			}
		}
		entry, err := s.getObjectEntry(s.scanPos)
		if err != nil {
			return 0, err
		}
		id := s.scanPos
		s.scanPos++
		if entry.Root.References == 0 {
			return id, nil
		}
	}
}

// claimObjectIDPair finds two adjacent free slots. Caller holds
// objMu. The free list is not consulted: adjacency is only known for
// freshly scanned slots.
func (s *Store) claimObjectIDPair() (uint64, error) {
	for {
		if s.scanPos+1 >= s.tableCapacity() {
			if err := s.growTable(); err != nil {
				return 0, err
			}
		}
		first, err := s.getObjectEntry(s.scanPos)
		if err != nil {
			return 0, err
		}
		if first.Root.References != 0 {
			s.scanPos++
			continue
		}
		second, err := s.getObjectEntry(s.scanPos + 1)
		if err != nil {
			return 0, err
		}
		if second.Root.References != 0 {
			// The free slot cannot pair; keep it for single
			// allocations.
			s.freeIDs = append(s.freeIDs, s.scanPos)
			s.scanPos += 2
			continue
		}
		id := s.scanPos
		s.scanPos += 2
		return id, nil
	}
}

// Read copies up to len(buf) bytes from the object at off. Reads past
// the object's length are truncated; sparse extents read as zeros.
// Returns the number of bytes read.
func (s *Store) Read(id uint64, off uint64, buf []byte) (int, error) {
	if err := s.beginOp(); err != nil {
		return 0, err
	}
	defer s.endOp()
	lock := s.objLock(id)
	lock.RLock()
	defer lock.RUnlock()

	entry, err := s.loadObject(id)
	if err != nil {
		return 0, err
	}
	if off >= entry.Length || len(buf) == 0 {
		return 0, nil
	}
	n := min(uint64(len(buf)), entry.Length-off)
	if err := s.treeRead(id, off, buf[:n]); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Write copies data into the object at off, extending the object's
// length to cover the write.
func (s *Store) Write(id uint64, off uint64, data []byte) (int, error) {
	if err := s.beginOp(); err != nil {
		return 0, err
	}
	defer s.endOp()
	lock := s.objLock(id)
	lock.Lock()
	defer lock.Unlock()

	entry, err := s.loadObject(id)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	end := off + uint64(len(data))
	if end < off {
		return 0, fmt.Errorf("%w: write wraps the offset space", ErrInvalidArgument)
	}
	if end > entry.Length {
		if err := s.extendObject(id, &entry, end); err != nil {
			return 0, err
		}
	}
	if err := s.treeWrite(id, off, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// extendObject grows an object's stored length (and tree depth when
// the new length needs it) and writes the updated entry back. Caller
// holds the object's mutator lock.
func (s *Store) extendObject(id uint64, entry *objectEntry, newLength uint64) error {
	for entry.Root.Depth < s.depthFor(newLength) {
		grown, err := s.growDepth(id, entry.Root)
		if err != nil {
			return err
		}
		entry.Root = grown
	}
	entry.Length = newLength
	return s.setObjectEntry(id, *entry)
}

// Resize sets the object's logical length. Growth exposes zeros;
// shrinking frees the records that fall out of range.
func (s *Store) Resize(id uint64, length uint64) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()
	lock := s.objLock(id)
	lock.Lock()
	defer lock.Unlock()

	entry, err := s.loadObject(id)
	if err != nil {
		return err
	}
	switch {
	case length == entry.Length:
		return nil
	case length > entry.Length:
		return s.extendObject(id, &entry, length)
	default:
		return s.shrinkObject(id, &entry, length)
	}
}

// shrinkObject truncates an object. The partial boundary leaf is
// zeroed past the new length so a later extension exposes zeros; the
// leaves wholly past the boundary are destroyed and their interior
// slots zeroed. Caller holds the object's mutator lock.
func (s *Store) shrinkObject(id uint64, entry *objectEntry, newLength uint64) error {
	if newLength == 0 {
		if err := s.destroyTree(id, entry.Root); err != nil {
			return err
		}
		entry.Root = record.Ref{References: entry.Root.References}
		entry.Length = 0
		return s.setObjectEntry(id, *entry)
	}

	recordSize := uint64(s.maxRecordSize())
	within := newLength % recordSize
	if within != 0 {
		boundaryLeaf := newLength / recordSize
		key := entryKey{object: id, depth: 0, index: boundaryLeaf}
		ref, err := s.refFor(id, 0, boundaryLeaf)
		if err != nil {
			return err
		}
		if !ref.IsZero() || s.hasEntry(key) {
			err = s.withEntry(key, ref, true, true, func(data []byte) {
				clear(data[within:])
			})
			if err != nil {
				return err
			}
		}
	}

	firstDeadLeaf := (newLength + recordSize - 1) / recordSize
	marks := s.collectSubtreeMarks(id, entry.Root.Depth)
	if err := s.pruneBeyond(id, entry.Root.Depth, 0, entry.Root, marks, firstDeadLeaf); err != nil {
		return err
	}
	entry.Length = newLength
	return s.setObjectEntry(id, *entry)
}

// ObjectLen returns the object's logical length.
func (s *Store) ObjectLen(id uint64) (uint64, error) {
	if err := s.beginOp(); err != nil {
		return 0, err
	}
	defer s.endOp()
	lock := s.objLock(id)
	lock.RLock()
	defer lock.RUnlock()

	entry, err := s.loadObject(id)
	if err != nil {
		return 0, err
	}
	return entry.Length, nil
}

// IncreaseReferenceCount adds an owner to the object.
func (s *Store) IncreaseReferenceCount(id uint64) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()
	lock := s.objLock(id)
	lock.Lock()
	defer lock.Unlock()

	entry, err := s.loadObject(id)
	if err != nil {
		return err
	}
	entry.Root.References++
	return s.setObjectEntry(id, entry)
}

// DecreaseReferenceCount removes an owner. When the count reaches
// zero the object is destroyed: its records are freed and its ID
// becomes available again. The freed blocks become reusable in the
// commit that publishes the state.
func (s *Store) DecreaseReferenceCount(id uint64) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()
	lock := s.objLock(id)
	lock.Lock()
	defer lock.Unlock()

	entry, err := s.loadObject(id)
	if err != nil {
		return err
	}
	entry.Root.References--
	if entry.Root.References > 0 {
		return s.setObjectEntry(id, entry)
	}

	if err := s.destroyTree(id, entry.Root); err != nil {
		return err
	}
	if err := s.setObjectEntry(id, objectEntry{}); err != nil {
		return err
	}
	s.objMu.Lock()
	s.freeIDs = append(s.freeIDs, id)
	s.objMu.Unlock()
	if s.cfg.Trace {
		s.logger.Debug("freed object", "id", id)
	}
	return nil
}

// MoveObject atomically replaces object to with object from: to
// receives from's tree, length and reference count, to's previous
// content is destroyed, and from's ID is freed. Upper layers use this
// for rename-style replacement.
func (s *Store) MoveObject(to, from uint64) error {
	if to == from {
		return fmt.Errorf("%w: cannot move object %d onto itself", ErrInvalidArgument, to)
	}
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	// Lock both objects in ID order to avoid deadlock with a
	// concurrent move in the opposite direction.
	first, second := min(to, from), max(to, from)
	firstLock, secondLock := s.objLock(first), s.objLock(second)
	firstLock.Lock()
	defer firstLock.Unlock()
	secondLock.Lock()
	defer secondLock.Unlock()

	toEntry, err := s.loadObject(to)
	if err != nil {
		return err
	}
	fromEntry, err := s.loadObject(from)
	if err != nil {
		return err
	}

	if err := s.destroyTree(to, toEntry.Root); err != nil {
		return err
	}
	// Re-key from's cached entries so unflushed content follows the
	// move.
	s.rekeyObject(from, to)
	if err := s.setObjectEntry(to, fromEntry); err != nil {
		return err
	}
	if err := s.setObjectEntry(from, objectEntry{}); err != nil {
		return err
	}
	s.objMu.Lock()
	s.freeIDs = append(s.freeIDs, from)
	s.objMu.Unlock()
	return nil
}

// rekeyObject moves every cached entry of object from to object to.
// Caller holds both objects' mutator locks; the destination has no
// cached entries (its tree was just destroyed).
func (s *Store) rekeyObject(from, to uint64) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if key.object != from {
			continue
		}
		delete(c.entries, key)
		e.key.object = to
		c.entries[e.key] = e
	}
}

// GetRoot returns the object's tree root reference and length after
// flushing its dirty records, so the reference describes the full
// current content. The filesystem layer uses root references to build
// copy-on-write clones.
func (s *Store) GetRoot(id uint64) (record.Ref, uint64, error) {
	if err := s.beginOp(); err != nil {
		return record.Ref{}, 0, err
	}
	defer s.endOp()
	lock := s.objLock(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.loadObject(id); err != nil {
		return record.Ref{}, 0, err
	}
	if err := s.flushObject(id); err != nil {
		return record.Ref{}, 0, err
	}
	entry, err := s.getObjectEntry(id)
	if err != nil {
		return record.Ref{}, 0, err
	}
	return entry.Root, entry.Length, nil
}

// SetRoot points the object at a different tree root, discarding any
// cached content of the previous tree without freeing its records —
// shared ownership of trees is managed by the caller through
// reference counts. The reference count of the entry is preserved.
func (s *Store) SetRoot(id uint64, root record.Ref, length uint64) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()
	lock := s.objLock(id)
	lock.Lock()
	defer lock.Unlock()

	entry, err := s.loadObject(id)
	if err != nil {
		return err
	}
	s.discardObjectEntries(id)
	references := entry.Root.References
	entry.Root = root
	entry.Root.References = references
	entry.Length = length
	return s.setObjectEntry(id, entry)
}

// discardObjectEntries drops every cached record of an object without
// writeback and without freeing disk records.
func (s *Store) discardObjectEntries(id uint64) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		busy := false
		for key, e := range c.entries {
			if key.object != id {
				continue
			}
			if e.state != statePresent {
				busy = true
				continue
			}
			c.removeLocked(e)
		}
		if !busy {
			return
		}
		c.cond.Wait()
	}
}
