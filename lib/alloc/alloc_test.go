// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"testing"
)

func TestAllocateFirstFit(t *testing.T) {
	a := New(100, false)

	lba, err := a.Allocate(10)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if lba != 0 {
		t.Errorf("first allocation at LBA %d, want 0", lba)
	}

	lba, err = a.Allocate(5)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if lba != 10 {
		t.Errorf("second allocation at LBA %d, want 10", lba)
	}

	if got := a.FreeBlocks(); got != 85 {
		t.Errorf("free blocks = %d, want 85", got)
	}
}

func TestAllocateOutOfSpace(t *testing.T) {
	a := New(10, false)
	if _, err := a.Allocate(11); err == nil {
		t.Fatal("expected out-of-space error")
	}
	if _, err := a.Allocate(10); err != nil {
		t.Fatalf("allocate full pool: %v", err)
	}
	if _, err := a.Allocate(1); err == nil {
		t.Fatal("expected out-of-space error on exhausted pool")
	}
}

func TestFreeWithinTransactionReuses(t *testing.T) {
	a := New(100, false)
	lba, err := a.Allocate(10)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.Free(lba, 10)

	// Allocated and freed in the same transaction: the blocks were
	// never part of committed state, so they are reusable at once.
	again, err := a.Allocate(10)
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if again != lba {
		t.Errorf("reallocation at LBA %d, want %d", again, lba)
	}
}

func TestFreeCommittedBlocksQuarantines(t *testing.T) {
	a := New(100, false)
	lba, err := a.Allocate(10)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.EndTransaction() // simulate a commit: lba is now committed state

	a.Free(lba, 10)
	again, err := a.Allocate(10)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if again == lba {
		t.Error("committed blocks were reused before the next commit")
	}

	a.EndTransaction()
	third, err := a.Allocate(5)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if third != lba {
		t.Errorf("post-commit allocation at LBA %d, want quarantine-released %d", third, lba)
	}
}

func TestNeverOverwriteQuarantinesEverything(t *testing.T) {
	a := New(100, true)
	lba, err := a.Allocate(10)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.Free(lba, 10)
	again, err := a.Allocate(10)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if again == lba {
		t.Error("never-overwrite mode reused blocks freed in the same transaction")
	}
}

func TestPendingEntries(t *testing.T) {
	a := New(100, false)
	lba, _ := a.Allocate(4)
	a.Free(lba, 4)

	pending := a.TakePending()
	if len(pending) != 2 {
		t.Fatalf("pending entries = %d, want 2", len(pending))
	}
	if pending[0].Dealloc || !pending[1].Dealloc {
		t.Error("entry order or direction wrong")
	}
	if a.PendingCount() != 0 {
		t.Error("TakePending did not reset the delta")
	}
}

func TestReserveAndLoggedRanges(t *testing.T) {
	a := New(100, false)
	if err := a.Reserve(0, 1); err != nil {
		t.Fatalf("reserve header: %v", err)
	}
	if err := a.Reserve(99, 1); err != nil {
		t.Fatalf("reserve trailer: %v", err)
	}
	if err := a.ReserveLogged(10, 5); err != nil {
		t.Fatalf("reserve logged: %v", err)
	}
	if err := a.ReserveLogged(12, 2); err == nil {
		t.Fatal("overlapping logged reservation must fail")
	}

	ranges := a.LoggedRanges()
	if len(ranges) != 1 || ranges[0].Start != 10 || ranges[0].Blocks != 5 {
		t.Errorf("logged ranges = %+v, want [{10 5}]", ranges)
	}
}

func TestLoggedRangesExcludeImplicit(t *testing.T) {
	a := New(100, false)
	if _, err := a.AllocateImplicit(3); err != nil {
		t.Fatalf("allocate implicit: %v", err)
	}
	lba, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	ranges := a.LoggedRanges()
	if len(ranges) != 1 || ranges[0].Start != lba || ranges[0].Blocks != 4 {
		t.Errorf("logged ranges = %+v, want only the logged allocation at %d", ranges, lba)
	}
}

func TestFreeCoalesces(t *testing.T) {
	a := New(100, false)
	first, _ := a.Allocate(10)
	second, _ := a.Allocate(10)
	third, _ := a.Allocate(10)
	a.Free(first, 10)
	a.Free(third, 10)
	a.Free(second, 10)

	// All three ranges merged back: a 30-block allocation must fit at
	// the start again.
	lba, err := a.Allocate(30)
	if err != nil {
		t.Fatalf("allocate after coalescing frees: %v", err)
	}
	if lba != 0 {
		t.Errorf("allocation at LBA %d, want 0", lba)
	}
}

func TestEntryCodecRoundTrip(t *testing.T) {
	cases := []Entry{
		{LBA: 0, Blocks: 1},
		{LBA: 42, Blocks: 7, Dealloc: true},
		{LBA: 1 << 40, Blocks: 1 << 30},
	}
	for _, want := range cases {
		raw := EncodeEntry(want)
		got, err := DecodeEntry(raw[:])
		if err != nil {
			t.Fatalf("decode %+v: %v", want, err)
		}
		if got != want {
			t.Errorf("round trip: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeEntryRejectsZeroSize(t *testing.T) {
	raw := EncodeEntry(Entry{LBA: 5, Blocks: 1})
	for i := 8; i < 16; i++ {
		raw[i] = 0
	}
	if _, err := DecodeEntry(raw[:]); err == nil {
		t.Fatal("zero-size entry must be rejected")
	}
}

func TestMapXORSemantics(t *testing.T) {
	var m Map

	// Allocate, free, allocate again: odd number of toggles leaves
	// the range allocated.
	m.Apply(Entry{LBA: 10, Blocks: 5})
	m.Apply(Entry{LBA: 10, Blocks: 5, Dealloc: true})
	m.Apply(Entry{LBA: 10, Blocks: 5})

	if !m.Allocated(10) || !m.Allocated(14) {
		t.Error("range [10,15) should be allocated after three toggles")
	}
	if m.Allocated(9) || m.Allocated(15) {
		t.Error("blocks outside the range should be free")
	}

	ranges, err := m.Ranges()
	if err != nil {
		t.Fatalf("ranges: %v", err)
	}
	if len(ranges) != 1 || ranges[0].Start != 10 || ranges[0].Blocks != 5 {
		t.Errorf("ranges = %+v, want [{10 5}]", ranges)
	}
}

func TestMapAdjacentRangesMerge(t *testing.T) {
	var m Map
	m.Toggle(0, 4)
	m.Toggle(4, 4)

	// The shared boundary at 4 cancels, leaving one range.
	ranges, err := m.Ranges()
	if err != nil {
		t.Fatalf("ranges: %v", err)
	}
	if len(ranges) != 1 || ranges[0].Start != 0 || ranges[0].Blocks != 8 {
		t.Errorf("ranges = %+v, want [{0 8}]", ranges)
	}
}

func TestMapPartialOverlapToggle(t *testing.T) {
	var m Map
	m.Toggle(0, 10)
	m.Toggle(5, 10)

	// XOR of [0,10) and [5,15): [0,5) and [10,15) allocated.
	for lba := uint64(0); lba < 5; lba++ {
		if !m.Allocated(lba) {
			t.Fatalf("LBA %d should be allocated", lba)
		}
	}
	for lba := uint64(5); lba < 10; lba++ {
		if m.Allocated(lba) {
			t.Fatalf("LBA %d should be free", lba)
		}
	}
	for lba := uint64(10); lba < 15; lba++ {
		if !m.Allocated(lba) {
			t.Fatalf("LBA %d should be allocated", lba)
		}
	}
}
