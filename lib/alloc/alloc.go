// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"errors"
	"fmt"
	"slices"
)

// ErrOutOfSpace is returned when no free range can satisfy an
// allocation request.
var ErrOutOfSpace = errors.New("alloc: out of space")

// Range is a contiguous run of blocks.
type Range struct {
	Start  uint64
	Blocks uint64
}

// End returns the first LBA past the range.
func (r Range) End() uint64 { return r.Start + r.Blocks }

// Allocator tracks the free block ranges of one pool and accumulates
// the allocation-log delta of the current transaction.
//
// Blocks fall into three allocated classes:
//
//   - logged: record blocks whose status is recorded by log entries
//   - implicit: the log chain's own records and the header blocks,
//     derived during replay rather than recorded in the log
//   - quarantined: freed in the current transaction but live under
//     the committed header; allocatable again only after the commit
//     that publishes the free, because overwriting them earlier would
//     corrupt the state a crash rolls back to
//
// Blocks both allocated and freed within one transaction were never
// part of committed state, so they return to the free list at once —
// unless never-overwrite is enabled, which quarantines every free to
// aid use-after-free fuzzing.
//
// A compacted log must describe exactly the logged class, so the
// allocator keeps the implicit set separately.
type Allocator struct {
	free           []Range // sorted by Start, coalesced
	implicit       []Range // sorted by Start, coalesced
	quarantine     []Range
	txAllocated    []Range // allocated since the last commit
	pending        []Entry
	neverOverwrite bool
	totalBlocks    uint64
	freeBlocks     uint64
}

// New builds an allocator for a pool of totalBlocks blocks, all free.
// The store reserves the header extents and replayed ranges before
// first use.
func New(totalBlocks uint64, neverOverwrite bool) *Allocator {
	return &Allocator{
		free:           []Range{{Start: 0, Blocks: totalBlocks}},
		neverOverwrite: neverOverwrite,
		totalBlocks:    totalBlocks,
		freeBlocks:     totalBlocks,
	}
}

// Allocate claims blocks contiguous blocks, first-fit at the lowest
// LBA, and records an allocation log entry.
func (a *Allocator) Allocate(blocks uint64) (uint64, error) {
	lba, err := a.claim(blocks)
	if err != nil {
		return 0, err
	}
	a.pending = append(a.pending, Entry{LBA: lba, Blocks: blocks})
	return lba, nil
}

// AllocateImplicit claims blocks without a log entry and tracks them
// in the implicit set. Used for the allocation log's own records.
func (a *Allocator) AllocateImplicit(blocks uint64) (uint64, error) {
	lba, err := a.claim(blocks)
	if err != nil {
		return 0, err
	}
	insertRange(&a.implicit, Range{Start: lba, Blocks: blocks})
	return lba, nil
}

// Reserve marks a specific range as implicitly allocated: header
// extents at format time, and the replayed log chain's records at
// mount. Fails if any block in the range is not free.
func (a *Allocator) Reserve(lba, blocks uint64) error {
	if err := a.claimAt(lba, blocks); err != nil {
		return err
	}
	insertRange(&a.implicit, Range{Start: lba, Blocks: blocks})
	return nil
}

// ReserveLogged marks a specific range as allocated per the replayed
// log, without touching the implicit set. Fails if any block in the
// range is not free — overlap here means the log is inconsistent.
func (a *Allocator) ReserveLogged(lba, blocks uint64) error {
	return a.claimAt(lba, blocks)
}

func (a *Allocator) claim(blocks uint64) (uint64, error) {
	if blocks == 0 {
		return 0, fmt.Errorf("allocate of zero blocks")
	}
	for i, r := range a.free {
		if r.Blocks < blocks {
			continue
		}
		lba := r.Start
		if r.Blocks == blocks {
			a.free = slices.Delete(a.free, i, i+1)
		} else {
			a.free[i] = Range{Start: r.Start + blocks, Blocks: r.Blocks - blocks}
		}
		a.freeBlocks -= blocks
		insertRange(&a.txAllocated, Range{Start: lba, Blocks: blocks})
		return lba, nil
	}
	return 0, fmt.Errorf("%w: no free range of %d blocks", ErrOutOfSpace, blocks)
}

// claimAt removes the exact range [lba, lba+blocks) from the free
// list, splitting a containing range as needed.
func (a *Allocator) claimAt(lba, blocks uint64) error {
	if blocks == 0 {
		return fmt.Errorf("reserve of zero blocks at LBA %d", lba)
	}
	for i, r := range a.free {
		if lba < r.Start || lba+blocks > r.End() {
			continue
		}
		before := Range{Start: r.Start, Blocks: lba - r.Start}
		after := Range{Start: lba + blocks, Blocks: r.End() - (lba + blocks)}
		a.free = slices.Delete(a.free, i, i+1)
		if after.Blocks > 0 {
			a.free = slices.Insert(a.free, i, after)
		}
		if before.Blocks > 0 {
			a.free = slices.Insert(a.free, i, before)
		}
		a.freeBlocks -= blocks
		return nil
	}
	return fmt.Errorf("range [%d, %d) is not entirely free", lba, lba+blocks)
}

// Free releases a logged range and records a deallocation log entry.
// A range allocated in the current transaction returns to the free
// list at once; otherwise, or with never-overwrite, it is quarantined
// until EndTransaction.
func (a *Allocator) Free(lba, blocks uint64) {
	a.pending = append(a.pending, Entry{LBA: lba, Blocks: blocks, Dealloc: true})
	a.release(lba, blocks)
}

// FreeImplicit releases a range from the implicit set without a log
// entry. Used when old allocation-log records are dropped.
func (a *Allocator) FreeImplicit(lba, blocks uint64) {
	removeRange(&a.implicit, Range{Start: lba, Blocks: blocks})
	a.release(lba, blocks)
}

func (a *Allocator) release(lba, blocks uint64) {
	if a.neverOverwrite || !coveredBy(a.txAllocated, Range{Start: lba, Blocks: blocks}) {
		a.quarantine = append(a.quarantine, Range{Start: lba, Blocks: blocks})
		return
	}
	a.insertFree(Range{Start: lba, Blocks: blocks})
}

// coveredBy reports whether r lies entirely within the union of the
// sorted, coalesced ranges in list.
func coveredBy(list []Range, r Range) bool {
	for _, candidate := range list {
		if r.Start >= candidate.Start && r.End() <= candidate.End() {
			return true
		}
	}
	return false
}

func (a *Allocator) insertFree(r Range) {
	insertRange(&a.free, r)
	a.freeBlocks += r.Blocks
}

// EndTransaction returns every quarantined range to the free list
// and resets the transaction-local allocation set. The commit engine
// calls this after the header swap is durable.
func (a *Allocator) EndTransaction() {
	for _, r := range a.quarantine {
		a.insertFree(r)
	}
	a.quarantine = nil
	a.txAllocated = nil
}

// TakePending returns the accumulated log delta and resets it.
func (a *Allocator) TakePending() []Entry {
	pending := a.pending
	a.pending = nil
	return pending
}

// PendingCount returns the number of unflushed log entries.
func (a *Allocator) PendingCount() int { return len(a.pending) }

// FreeBlocks returns the number of free blocks, excluding quarantine.
func (a *Allocator) FreeBlocks() uint64 { return a.freeBlocks }

// TotalBlocks returns the pool size in blocks.
func (a *Allocator) TotalBlocks() uint64 { return a.totalBlocks }

// UsedBlocks returns totalBlocks minus free, counting quarantined and
// implicit blocks as used.
func (a *Allocator) UsedBlocks() uint64 { return a.totalBlocks - a.freeBlocks }

// LoggedRanges returns the allocated ranges that a compacted log must
// describe: everything that is neither free, implicit, nor
// quarantined, in ascending LBA order.
func (a *Allocator) LoggedRanges() []Range {
	excluded := make([]Range, 0, len(a.free)+len(a.implicit)+len(a.quarantine))
	excluded = append(excluded, a.free...)
	excluded = append(excluded, a.implicit...)
	excluded = append(excluded, a.quarantine...)
	slices.SortFunc(excluded, func(x, y Range) int {
		switch {
		case x.Start < y.Start:
			return -1
		case x.Start > y.Start:
			return 1
		default:
			return 0
		}
	})

	var out []Range
	cursor := uint64(0)
	for _, r := range excluded {
		if r.Start > cursor {
			out = append(out, Range{Start: cursor, Blocks: r.Start - cursor})
		}
		if r.End() > cursor {
			cursor = r.End()
		}
	}
	if cursor < a.totalBlocks {
		out = append(out, Range{Start: cursor, Blocks: a.totalBlocks - cursor})
	}
	return out
}

// insertRange adds r to a sorted, coalesced range list.
func insertRange(list *[]Range, r Range) {
	ranges := *list
	index, _ := slices.BinarySearchFunc(ranges, r, func(x, y Range) int {
		switch {
		case x.Start < y.Start:
			return -1
		case x.Start > y.Start:
			return 1
		default:
			return 0
		}
	})
	ranges = slices.Insert(ranges, index, r)
	if index+1 < len(ranges) && ranges[index].End() == ranges[index+1].Start {
		ranges[index].Blocks += ranges[index+1].Blocks
		ranges = slices.Delete(ranges, index+1, index+2)
	}
	if index > 0 && ranges[index-1].End() == ranges[index].Start {
		ranges[index-1].Blocks += ranges[index].Blocks
		ranges = slices.Delete(ranges, index, index+1)
	}
	*list = ranges
}

// removeRange removes the exact range r from a sorted range list,
// splitting a containing range as needed. Removing a range that is
// not fully present is a programming error and panics.
func removeRange(list *[]Range, r Range) {
	ranges := *list
	for i, candidate := range ranges {
		if r.Start < candidate.Start || r.End() > candidate.End() {
			continue
		}
		before := Range{Start: candidate.Start, Blocks: r.Start - candidate.Start}
		after := Range{Start: r.End(), Blocks: candidate.End() - r.End()}
		ranges = slices.Delete(ranges, i, i+1)
		if after.Blocks > 0 {
			ranges = slices.Insert(ranges, i, after)
		}
		if before.Blocks > 0 {
			ranges = slices.Insert(ranges, i, before)
		}
		*list = ranges
		return
	}
	panic(fmt.Sprintf("alloc: range [%d, %d) not present", r.Start, r.End()))
}
