// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package nros

import (
	"fmt"

	"github.com/norafs/nros/lib/record"
)

// A record tree stores one object's bytes. Leaves (depth 0) are
// opaque slabs of at most maxRecordSize bytes; interior records are
// packed arrays of child references. A zero reference at any level
// means "all zeros below here", which makes objects sparse by
// construction.
//
// Writes dirty only leaf entries in the cache. When a dirty entry is
// written back — at eviction or commit — its fresh reference replaces
// the slot in the parent, dirtying the parent in turn. The invariant
// that keeps descent correct mid-transaction: a parent entry's slot
// always equals the child's current on-disk reference, because every
// child writeback updates the parent in the same step.

// depthFor returns the tree depth implied by a logical length.
func (s *Store) depthFor(length uint64) uint8 {
	recordSize := uint64(s.maxRecordSize())
	leaves := (max(length, 1) + recordSize - 1) / recordSize
	depth := uint8(0)
	span := uint64(1)
	for span < leaves {
		span *= s.fanout()
		depth++
	}
	return depth
}

// leafSpan returns how many leaves a subtree rooted at depth covers.
func (s *Store) leafSpan(depth uint8) uint64 {
	span := uint64(1)
	for d := uint8(0); d < depth; d++ {
		span *= s.fanout()
	}
	return span
}

// objectRoot returns the current root reference of an object's tree.
// For the object table the root lives in the header; for everything
// else it lives in the object's table entry.
func (s *Store) objectRoot(obj uint64) (record.Ref, error) {
	if obj == objectTableID {
		s.hdrMu.Lock()
		defer s.hdrMu.Unlock()
		return s.hdr.objectTableRoot, nil
	}
	entry, err := s.getObjectEntry(obj)
	if err != nil {
		return record.Ref{}, err
	}
	return entry.Root, nil
}

// refFor resolves the reference of the record at (depth, index) by
// descending from the root through cached interior entries. A zero
// reference on the path short-circuits: everything below it is zero.
func (s *Store) refFor(obj uint64, depth uint8, index uint64) (record.Ref, error) {
	root, err := s.objectRoot(obj)
	if err != nil {
		return record.Ref{}, err
	}
	if depth > root.Depth {
		return record.Ref{}, fmt.Errorf("%w: depth %d above root depth %d", ErrInvalidArgument, depth, root.Depth)
	}
	if depth == root.Depth {
		return root, nil
	}

	parentIndex := index / s.fanout()
	parentRef, err := s.refFor(obj, depth+1, parentIndex)
	if err != nil {
		return record.Ref{}, err
	}
	parentKey := entryKey{object: obj, depth: depth + 1, index: parentIndex}
	if parentRef.IsZero() && !s.hasEntry(parentKey) {
		return record.Ref{}, nil
	}

	var ref record.Ref
	var decodeErr error
	err = s.withEntry(parentKey, parentRef, true, false, func(data []byte) {
		slot := (index % s.fanout()) * record.RefSize
		ref, decodeErr = record.DecodeRef(data[slot : slot+record.RefSize])
	})
	if err != nil {
		return record.Ref{}, err
	}
	if decodeErr != nil {
		return record.Ref{}, fmt.Errorf("%w: %v", ErrCorruptData, decodeErr)
	}
	return ref, nil
}

// propagateRef installs a freshly written record's reference into its
// parent — or, for a root record, into the object entry or the
// header. Called from writeback with the entry in Flushing state.
func (s *Store) propagateRef(key entryKey, newRef record.Ref) error {
	root, err := s.objectRoot(key.object)
	if err != nil {
		return err
	}

	if key.depth == root.Depth {
		if key.object == objectTableID {
			s.hdrMu.Lock()
			s.hdr.objectTableRoot = newRef
			s.hdrMu.Unlock()
			return nil
		}
		entry, err := s.getObjectEntry(key.object)
		if err != nil {
			return err
		}
		references := entry.Root.References
		entry.Root = newRef
		entry.Root.References = references
		return s.setObjectEntry(key.object, entry)
	}

	parentIndex := key.index / s.fanout()
	parentRef, err := s.refFor(key.object, key.depth+1, parentIndex)
	if err != nil {
		return err
	}
	parentKey := entryKey{object: key.object, depth: key.depth + 1, index: parentIndex}
	encoded := record.EncodeRef(newRef)
	return s.withEntry(parentKey, parentRef, true, true, func(data []byte) {
		slot := (key.index % s.fanout()) * record.RefSize
		copy(data[slot:slot+record.RefSize], encoded[:])
	})
}

// treeRead copies bytes from the tree into buf. The caller has
// clipped the range to the object's length. Fully sparse extents are
// served as zeros without instantiating cache entries.
func (s *Store) treeRead(obj uint64, off uint64, buf []byte) error {
	recordSize := uint64(s.maxRecordSize())
	covered := uint64(0)
	for covered < uint64(len(buf)) {
		position := off + covered
		leafIndex := position / recordSize
		within := position % recordSize
		n := min(recordSize-within, uint64(len(buf))-covered)

		key := entryKey{object: obj, depth: 0, index: leafIndex}
		ref, err := s.refFor(obj, 0, leafIndex)
		if err != nil {
			return err
		}
		chunk := buf[covered : covered+n]
		if ref.IsZero() && !s.hasEntry(key) {
			clear(chunk)
		} else {
			err = s.withEntry(key, ref, false, false, func(data []byte) {
				copy(chunk, data[within:within+n])
			})
			if err != nil {
				return err
			}
		}
		covered += n
	}
	return nil
}

// treeWrite copies data into the tree at off. The caller has already
// extended the object's length and depth to cover the write.
func (s *Store) treeWrite(obj uint64, off uint64, data []byte) error {
	recordSize := uint64(s.maxRecordSize())
	covered := uint64(0)
	for covered < uint64(len(data)) {
		position := off + covered
		leafIndex := position / recordSize
		within := position % recordSize
		n := min(recordSize-within, uint64(len(data))-covered)

		key := entryKey{object: obj, depth: 0, index: leafIndex}
		ref, err := s.refFor(obj, 0, leafIndex)
		if err != nil {
			return err
		}
		chunk := data[covered : covered+n]
		err = s.withEntry(key, ref, false, true, func(buffer []byte) {
			copy(buffer[within:within+n], chunk)
		})
		if err != nil {
			return err
		}
		covered += n
	}
	return nil
}

// growDepth raises a tree's depth by one, inserting a new interior
// root whose first slot references the old root. The new root exists
// only in the cache until it is written back; the stored root
// reference becomes a zero reference carrying the new depth.
func (s *Store) growDepth(obj uint64, root record.Ref) (record.Ref, error) {
	if root.Depth >= MaxDepth {
		return record.Ref{}, fmt.Errorf("%w: tree already at maximum depth", ErrInvalidArgument)
	}
	newDepth := root.Depth + 1
	oldKey := entryKey{object: obj, depth: root.Depth, index: 0}

	if root.IsZero() && !s.hasEntry(oldKey) {
		// Empty tree: just deepen the stored reference.
		return record.Ref{Depth: newDepth, References: root.References}, nil
	}

	child := root
	child.References = 0
	encoded := record.EncodeRef(child)
	rootKey := entryKey{object: obj, depth: newDepth, index: 0}
	err := s.withEntry(rootKey, record.Ref{}, true, true, func(data []byte) {
		copy(data[:record.RefSize], encoded[:])
	})
	if err != nil {
		return record.Ref{}, err
	}
	return record.Ref{Depth: newDepth, References: root.References}, nil
}

// collectSubtreeMarks records, for every cached entry of obj, the
// entry itself and all of its ancestors. Subtree destruction uses the
// marks to find cached records that no on-disk reference points at
// yet (sparse writes whose interiors were never instantiated).
func (s *Store) collectSubtreeMarks(obj uint64, rootDepth uint8) map[entryKey]bool {
	marks := make(map[entryKey]bool)
	c := s.cache
	c.mu.Lock()
	for key := range c.entries {
		if key.object != obj {
			continue
		}
		index := key.index
		for depth := key.depth; depth <= rootDepth; depth++ {
			marks[entryKey{object: obj, depth: depth, index: index}] = true
			index /= s.fanout()
		}
	}
	c.mu.Unlock()
	return marks
}

// destroySubtree releases every record in the subtree at
// (depth, index), cached or on disk. Cached entries are discarded
// without writeback; their disk records (which parent slots also
// reference) are freed exactly once because a captured entry takes
// precedence over the reference passed by the parent.
func (s *Store) destroySubtree(obj uint64, depth uint8, index uint64, ref record.Ref, marks map[entryKey]bool) error {
	key := entryKey{object: obj, depth: depth, index: index}
	data, diskRef, cached := s.captureEntry(key)

	selfRef := ref
	var interior []byte
	if cached {
		selfRef = diskRef
		interior = data
	} else if depth > 0 && !selfRef.IsZero() {
		payload, err := s.readRecord(selfRef)
		if err != nil {
			return err
		}
		interior = make([]byte, s.maxRecordSize())
		copy(interior, payload)
	}

	if depth > 0 {
		fanout := s.fanout()
		for child := uint64(0); child < fanout; child++ {
			var childRef record.Ref
			if interior != nil {
				slot := child * record.RefSize
				decoded, err := record.DecodeRef(interior[slot : slot+record.RefSize])
				if err != nil {
					return fmt.Errorf("%w: %v", ErrCorruptData, err)
				}
				childRef = decoded
			}
			childKey := entryKey{object: obj, depth: depth - 1, index: index*fanout + child}
			if childRef.IsZero() && !marks[childKey] {
				continue
			}
			if err := s.destroySubtree(obj, depth-1, childKey.index, childRef, marks); err != nil {
				return err
			}
		}
	}

	s.destroyRecord(selfRef)
	return nil
}

// destroyTree releases an object's whole tree.
func (s *Store) destroyTree(obj uint64, root record.Ref) error {
	marks := s.collectSubtreeMarks(obj, root.Depth)
	return s.destroySubtree(obj, root.Depth, 0, root, marks)
}

// pruneBeyond releases every leaf at or past firstDeadLeaf and zeroes
// the freed slots in the interior records along the boundary. The
// subtree at (depth, index) covers leaves [index*span, (index+1)*span).
func (s *Store) pruneBeyond(obj uint64, depth uint8, index uint64, ref record.Ref, marks map[entryKey]bool, firstDeadLeaf uint64) error {
	span := s.leafSpan(depth)
	first := index * span
	if first >= firstDeadLeaf {
		return s.destroySubtree(obj, depth, index, ref, marks)
	}
	if first+span <= firstDeadLeaf || depth == 0 {
		return nil
	}

	// The subtree straddles the boundary. Snapshot the child slots,
	// destroy the dead ones, then zero their slots.
	key := entryKey{object: obj, depth: depth, index: index}
	if ref.IsZero() && !s.hasEntry(key) && !marks[key] {
		return nil
	}
	fanout := s.fanout()
	childRefs := make([]record.Ref, fanout)
	var decodeErr error
	err := s.withEntry(key, ref, true, false, func(data []byte) {
		for child := uint64(0); child < fanout; child++ {
			slot := child * record.RefSize
			childRefs[child], decodeErr = record.DecodeRef(data[slot : slot+record.RefSize])
			if decodeErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: %v", ErrCorruptData, decodeErr)
	}

	childSpan := span / fanout
	zeroed := false
	for child := uint64(0); child < fanout; child++ {
		childIndex := index*fanout + child
		childFirst := childIndex * childSpan
		childKey := entryKey{object: obj, depth: depth - 1, index: childIndex}
		switch {
		case childFirst >= firstDeadLeaf:
			if childRefs[child].IsZero() && !marks[childKey] && !s.hasEntry(childKey) {
				continue
			}
			if err := s.destroySubtree(obj, depth-1, childIndex, childRefs[child], marks); err != nil {
				return err
			}
			childRefs[child] = record.Ref{}
			zeroed = true
		case childFirst+childSpan > firstDeadLeaf:
			if err := s.pruneBeyond(obj, depth-1, childIndex, childRefs[child], marks, firstDeadLeaf); err != nil {
				return err
			}
		}
	}
	if !zeroed {
		return nil
	}
	return s.withEntry(key, ref, true, true, func(data []byte) {
		for child := uint64(0); child < fanout; child++ {
			slot := child * record.RefSize
			encoded := record.EncodeRef(childRefs[child])
			copy(data[slot:slot+record.RefSize], encoded[:])
		}
	})
}
