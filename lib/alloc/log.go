// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// EntrySize is the on-disk size of one allocation log entry.
const EntrySize = 16

// deallocBit marks an entry as a deallocation. The remaining 63 bits
// of the size word hold the block count.
const deallocBit = uint64(1) << 63

// Entry is one allocation log operation: a range of blocks that was
// allocated or deallocated. Replaying the log XORs each entry's range
// into the allocation map; parity of occurrences gives the status.
type Entry struct {
	LBA     uint64
	Blocks  uint64
	Dealloc bool
}

// EncodeEntry serializes an entry: LBA (8) then block count with the
// high bit set for deallocations (8).
func EncodeEntry(entry Entry) [EntrySize]byte {
	var raw [EntrySize]byte
	binary.LittleEndian.PutUint64(raw[0:], entry.LBA)
	size := entry.Blocks
	if entry.Dealloc {
		size |= deallocBit
	}
	binary.LittleEndian.PutUint64(raw[8:], size)
	return raw
}

// DecodeEntry parses a 16-byte log entry.
func DecodeEntry(raw []byte) (Entry, error) {
	if len(raw) < EntrySize {
		return Entry{}, fmt.Errorf("allocation log entry needs %d bytes, got %d", EntrySize, len(raw))
	}
	size := binary.LittleEndian.Uint64(raw[8:])
	entry := Entry{
		LBA:     binary.LittleEndian.Uint64(raw[0:]),
		Blocks:  size &^ deallocBit,
		Dealloc: size&deallocBit != 0,
	}
	if entry.Blocks == 0 {
		return Entry{}, fmt.Errorf("allocation log entry at LBA %d has zero size", entry.LBA)
	}
	return entry, nil
}

// Map is the XOR fold of allocation log entries. It is a sorted list
// of boundary points: allocation status at an LBA is the parity of
// boundary points at or below it. Toggling a range inserts or removes
// its two boundaries, which is exactly the XOR semantics of the log.
type Map struct {
	points []uint64
}

// Toggle XORs the range [lba, lba+blocks) into the map.
func (m *Map) Toggle(lba, blocks uint64) {
	m.togglePoint(lba)
	m.togglePoint(lba + blocks)
}

func (m *Map) togglePoint(point uint64) {
	index, found := slices.BinarySearch(m.points, point)
	if found {
		m.points = slices.Delete(m.points, index, index+1)
	} else {
		m.points = slices.Insert(m.points, index, point)
	}
}

// Apply toggles an entry's range. Allocation and deallocation fold
// identically; the direction only matters to a consistency checker.
func (m *Map) Apply(entry Entry) {
	m.Toggle(entry.LBA, entry.Blocks)
}

// Allocated reports whether the given LBA is allocated.
func (m *Map) Allocated(lba uint64) bool {
	index, found := slices.BinarySearch(m.points, lba)
	if found {
		index++
	}
	return index%2 == 1
}

// Ranges returns the allocated ranges in ascending LBA order. The
// fold must be balanced (an even number of boundary points); an
// unbalanced fold means a corrupt log.
func (m *Map) Ranges() ([]Range, error) {
	if len(m.points)%2 != 0 {
		return nil, fmt.Errorf("allocation map has unbalanced boundary at %d", m.points[len(m.points)-1])
	}
	ranges := make([]Range, 0, len(m.points)/2)
	for i := 0; i < len(m.points); i += 2 {
		ranges = append(ranges, Range{Start: m.points[i], Blocks: m.points[i+1] - m.points[i]})
	}
	return ranges, nil
}
