// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package nros

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/norafs/nros/lib/blockdev"
	"github.com/norafs/nros/lib/cipher"
	"github.com/norafs/nros/lib/record"
)

const (
	testDeviceSize = 16 << 20
	testBlockSize  = 512
	testRecordSize = 4096
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		BlockSize:     testBlockSize,
		MaxRecordSize: testRecordSize,
		Compression:   record.CompressionLZ4,
		Logger:        quietLogger(),
	}
}

func newTestSet(t *testing.T, chains int, size int64) (*blockdev.Set, []*blockdev.MemDevice) {
	t.Helper()
	devices := make([]*blockdev.MemDevice, chains)
	members := make([]blockdev.Device, chains)
	for i := range devices {
		devices[i] = blockdev.NewMemDevice(size)
		members[i] = devices[i]
	}
	set, err := blockdev.NewSet(quietLogger(), members...)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	return set, devices
}

func newTestStore(t *testing.T, chains int) (*Store, []*blockdev.MemDevice) {
	t.Helper()
	set, devices := newTestSet(t, chains, testDeviceSize)
	store, err := Create(set, testConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return store, devices
}

func remount(t *testing.T, devices []*blockdev.MemDevice, cfg Config) *Store {
	t.Helper()
	members := make([]blockdev.Device, len(devices))
	for i, device := range devices {
		members[i] = device
	}
	set, err := blockdev.NewSet(quietLogger(), members...)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	store, err := Mount(set, cfg)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	return store
}

func TestCreateCommitRemountEmpty(t *testing.T) {
	store, devices := newTestStore(t, 1)
	if got := store.Statistics().Generation; got != 0 {
		t.Errorf("generation after create = %d, want 0", got)
	}
	if err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := store.Statistics().Generation; got != 1 {
		t.Errorf("generation after commit = %d, want 1", got)
	}

	mounted := remount(t, devices, Config{Logger: quietLogger()})
	if got := mounted.Statistics().Generation; got != 1 {
		t.Errorf("generation after remount = %d, want 1", got)
	}
	if _, _, err := mounted.GetRoot(0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty store object 0: %v, want ErrInvalidArgument", err)
	}
}

func TestSmallObjectRoundTrip(t *testing.T) {
	store, devices := newTestStore(t, 1)
	id, err := store.AllocateObject()
	if err != nil {
		t.Fatalf("allocate object: %v", err)
	}
	if id != 0 {
		t.Errorf("first object ID = %d, want 0", id)
	}

	if _, err := store.Write(id, 0, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	mounted := remount(t, devices, Config{Logger: quietLogger()})
	buf := make([]byte, 5)
	n, err := mounted.Read(id, 0, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Errorf("read %d bytes %q, want 5 bytes %q", n, buf, "hello")
	}
	length, err := mounted.ObjectLen(id)
	if err != nil {
		t.Fatalf("object len: %v", err)
	}
	if length != 5 {
		t.Errorf("length = %d, want 5", length)
	}

	root, _, err := mounted.GetRoot(id)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if root.Blocks(testBlockSize) != 1 {
		t.Errorf("object occupies %d blocks, want 1", root.Blocks(testBlockSize))
	}
}

func TestLargeSparseObject(t *testing.T) {
	const length = 1 << 20
	tail := []byte("TAIL8!!!")

	store, devices := newTestStore(t, 1)
	id, err := store.AllocateObject()
	if err != nil {
		t.Fatalf("allocate object: %v", err)
	}
	if err := store.Resize(id, length); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if _, err := store.Write(id, length-8, tail); err != nil {
		t.Fatalf("write tail: %v", err)
	}
	if err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	mounted := remount(t, devices, Config{Logger: quietLogger()})
	head := make([]byte, 8)
	if _, err := mounted.Read(id, 0, head); err != nil {
		t.Fatalf("read head: %v", err)
	}
	if !bytes.Equal(head, make([]byte, 8)) {
		t.Errorf("head = %q, want zeros", head)
	}
	got := make([]byte, 8)
	if _, err := mounted.Read(id, length-8, got); err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if !bytes.Equal(got, tail) {
		t.Errorf("tail = %q, want %q", got, tail)
	}

	// One leaf plus the interior records down from the root: the
	// sparse megabyte costs a handful of packed blocks, not 256.
	stats := mounted.Statistics()
	if used := stats.UsedBlocks; used > 16 {
		t.Errorf("used blocks = %d, want a small constant", used)
	}
}

func TestSparseResizeAllocatesNothing(t *testing.T) {
	const length = 1 << 20
	store, devices := newTestStore(t, 1)
	id, err := store.AllocateObject()
	if err != nil {
		t.Fatalf("allocate object: %v", err)
	}
	if err := store.Resize(id, length); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	mounted := remount(t, devices, Config{Logger: quietLogger()})
	buf := make([]byte, length)
	n, err := mounted.Read(id, 0, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != length {
		t.Fatalf("read %d bytes, want %d", n, length)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want zero", i, b)
		}
	}

	root, rootLength, err := mounted.GetRoot(id)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if rootLength != length {
		t.Errorf("root length = %d, want %d", rootLength, length)
	}
	if !root.IsZero() {
		t.Errorf("sparse object has a materialized root: %+v", root)
	}
}

func TestOverwriteFreesOldRecord(t *testing.T) {
	store, devices := newTestStore(t, 1)
	id, err := store.AllocateObject()
	if err != nil {
		t.Fatalf("allocate object: %v", err)
	}
	if _, err := store.Write(id, 0, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	before := store.Statistics()

	if _, err := store.Write(id, 0, []byte("HELLO")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	after := store.Statistics()

	// The object's record was replaced copy-on-write: one freed, one
	// allocated. The only growth is the appended allocation-log
	// record.
	if delta := int64(after.UsedBlocks) - int64(before.UsedBlocks); delta > 1 {
		t.Errorf("used block delta across overwrite commit = %d, want <= 1", delta)
	}

	mounted := remount(t, devices, Config{Logger: quietLogger()})
	buf := make([]byte, 5)
	if _, err := mounted.Read(id, 0, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "HELLO" {
		t.Errorf("read %q, want %q", buf, "HELLO")
	}
}

func TestZeroOverwriteSparsifies(t *testing.T) {
	store, _ := newTestStore(t, 1)
	id, err := store.AllocateObject()
	if err != nil {
		t.Fatalf("allocate object: %v", err)
	}
	payload := bytes.Repeat([]byte("x"), testRecordSize)
	if _, err := store.Write(id, 0, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := store.Write(id, 0, make([]byte, testRecordSize)); err != nil {
		t.Fatalf("zero write: %v", err)
	}
	if err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	root, length, err := store.GetRoot(id)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if !root.IsZero() {
		t.Errorf("zeroed leaf still references a record: %+v", root)
	}
	if length != testRecordSize {
		t.Errorf("length = %d, want %d", length, testRecordSize)
	}

	buf := make([]byte, testRecordSize)
	if _, err := store.Read(id, 0, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, testRecordSize)) {
		t.Error("zeroed object reads nonzero bytes")
	}
}

func TestReferenceCounts(t *testing.T) {
	store, _ := newTestStore(t, 1)
	id, err := store.AllocateObject()
	if err != nil {
		t.Fatalf("allocate object: %v", err)
	}
	if _, err := store.Write(id, 0, []byte("shared")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.IncreaseReferenceCount(id); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if err := store.DecreaseReferenceCount(id); err != nil {
		t.Fatalf("decrease: %v", err)
	}

	// One owner remains: still readable.
	buf := make([]byte, 6)
	if _, err := store.Read(id, 0, buf); err != nil {
		t.Fatalf("read with one owner: %v", err)
	}

	if err := store.DecreaseReferenceCount(id); err != nil {
		t.Fatalf("final decrease: %v", err)
	}
	if _, err := store.Read(id, 0, buf); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("read of freed object: %v, want ErrInvalidArgument", err)
	}

	// The freed ID is reissued.
	again, err := store.AllocateObject()
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if again != id {
		t.Errorf("reallocated ID = %d, want %d", again, id)
	}
	length, err := store.ObjectLen(again)
	if err != nil {
		t.Fatalf("object len: %v", err)
	}
	if length != 0 {
		t.Errorf("recycled object length = %d, want 0", length)
	}
}

func TestFreedObjectReleasesBlocksAfterCommit(t *testing.T) {
	store, _ := newTestStore(t, 1)
	if err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	baseline := store.Statistics().FreeBlocks

	id, err := store.AllocateObject()
	if err != nil {
		t.Fatalf("allocate object: %v", err)
	}
	if _, err := store.Write(id, 0, bytes.Repeat([]byte("y"), 8*testRecordSize)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if free := store.Statistics().FreeBlocks; free >= baseline {
		t.Fatalf("free blocks = %d, expected below baseline %d", free, baseline)
	}

	if err := store.DecreaseReferenceCount(id); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// All object records released; only log-chain growth remains.
	free := store.Statistics().FreeBlocks
	if free+8 < baseline {
		t.Errorf("free blocks = %d, want within a few of baseline %d", free, baseline)
	}
}

func TestMoveObject(t *testing.T) {
	store, _ := newTestStore(t, 1)
	to, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}
	from, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Write(to, 0, []byte("old content")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Write(from, 0, []byte("new content")); err != nil {
		t.Fatal(err)
	}

	if err := store.MoveObject(to, from); err != nil {
		t.Fatalf("move: %v", err)
	}

	buf := make([]byte, 11)
	if _, err := store.Read(to, 0, buf); err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if string(buf) != "new content" {
		t.Errorf("destination = %q, want %q", buf, "new content")
	}
	if _, err := store.Read(from, 0, buf); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("source after move: %v, want ErrInvalidArgument", err)
	}

	if err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := store.Read(to, 0, buf); err != nil {
		t.Fatalf("read after commit: %v", err)
	}
	if string(buf) != "new content" {
		t.Errorf("destination after commit = %q, want %q", buf, "new content")
	}
}

func TestAllocateObjectPair(t *testing.T) {
	store, _ := newTestStore(t, 1)
	first, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}
	pair, err := store.AllocateObjectPair()
	if err != nil {
		t.Fatalf("allocate pair: %v", err)
	}
	if pair == first {
		t.Errorf("pair ID %d collides with existing object", pair)
	}
	for _, id := range []uint64{pair, pair + 1} {
		if _, err := store.ObjectLen(id); err != nil {
			t.Errorf("pair member %d not allocated: %v", id, err)
		}
	}
}

func TestResizeShrinkTruncatesAndFrees(t *testing.T) {
	store, _ := newTestStore(t, 1)
	id, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}
	content := bytes.Repeat([]byte("abcd"), 3*testRecordSize/4) // three leaves
	if _, err := store.Write(id, 0, content); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(); err != nil {
		t.Fatal(err)
	}

	const newLength = testRecordSize + testRecordSize/2
	if err := store.Resize(id, newLength); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	length, err := store.ObjectLen(id)
	if err != nil {
		t.Fatal(err)
	}
	if length != newLength {
		t.Errorf("length = %d, want %d", length, newLength)
	}

	// Growing again must expose zeros, not the old bytes.
	if err := store.Resize(id, uint64(len(content))); err != nil {
		t.Fatalf("regrow: %v", err)
	}
	if err := store.Commit(); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len(content))
	if _, err := store.Read(id, 0, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:newLength], content[:newLength]) {
		t.Error("kept prefix changed across shrink")
	}
	for i := newLength; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d = %#x after shrink+grow, want zero", i, buf[i])
		}
	}
}

func TestRandomWritesRoundTrip(t *testing.T) {
	const length = 100_000
	rng := rand.New(rand.NewSource(1))

	store, devices := newTestStore(t, 1)
	id, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}

	want := make([]byte, length)
	rng.Read(want)

	// Write the content as a shuffled set of slices whose union is
	// the whole buffer.
	const pieces = 64
	order := rng.Perm(pieces)
	for _, piece := range order {
		start := piece * length / pieces
		end := (piece + 1) * length / pieces
		if _, err := store.Write(id, uint64(start), want[start:end]); err != nil {
			t.Fatalf("write piece [%d, %d): %v", start, end, err)
		}
	}
	if err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	mounted := remount(t, devices, Config{Logger: quietLogger()})
	got := make([]byte, length)
	n, err := mounted.Read(id, 0, got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != length {
		t.Fatalf("read %d bytes, want %d", n, length)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("content mismatch after commit and remount")
	}
}

func TestCrashAtomicity(t *testing.T) {
	set, devices := newTestSet(t, 1, testDeviceSize)
	devices[0].JournalWrites(true)

	store, err := Create(set, testConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Write(id, 0, []byte("state A")); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(); err != nil {
		t.Fatal(err)
	}
	journalA := len(devices[0].Journal())

	if _, err := store.Write(id, 0, []byte("state B")); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(); err != nil {
		t.Fatal(err)
	}
	journal := devices[0].Journal()

	// The first header write of the second commit is the first write
	// at offset zero past the first commit's journal.
	firstHeader := -1
	for i := journalA; i < len(journal); i++ {
		if journal[i].Data != nil && journal[i].Off == 0 {
			firstHeader = i
			break
		}
	}
	if firstHeader < 0 {
		t.Fatal("second commit issued no header write")
	}

	replayAndRead := func(prefix int) string {
		t.Helper()
		replayed := blockdev.NewMemDevice(testDeviceSize)
		for _, op := range journal[:prefix] {
			if op.Data == nil {
				continue
			}
			if _, err := replayed.WriteAt(op.Data, op.Off); err != nil {
				t.Fatal(err)
			}
		}
		mounted := remount(t, []*blockdev.MemDevice{replayed}, Config{Logger: quietLogger()})
		buf := make([]byte, 7)
		if _, err := mounted.Read(id, 0, buf); err != nil {
			t.Fatalf("read after replay of %d writes: %v", prefix, err)
		}
		return string(buf)
	}

	// Truncated before the new header: the previous commit's state.
	if got := replayAndRead(firstHeader); got != "state A" {
		t.Errorf("pre-header crash state = %q, want %q", got, "state A")
	}
	// Full journal: the new state.
	if got := replayAndRead(len(journal)); got != "state B" {
		t.Errorf("complete journal state = %q, want %q", got, "state B")
	}
	// Every intermediate prefix must mount to one of the two states.
	for prefix := firstHeader; prefix <= len(journal); prefix++ {
		if got := replayAndRead(prefix); got != "state A" && got != "state B" {
			t.Fatalf("prefix %d yields torn state %q", prefix, got)
		}
	}
}

func TestMirrorRecovery(t *testing.T) {
	store, devices := newTestStore(t, 2)
	id, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("mirror me "), 100)
	if _, err := store.Write(id, 0, payload); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(); err != nil {
		t.Fatal(err)
	}

	// Damage every data block of chain A, sparing the header copies.
	devices[0].Corrupt(testBlockSize, testDeviceSize-2*testBlockSize)

	mounted := remount(t, devices, Config{Logger: quietLogger()})
	got := make([]byte, len(payload))
	if _, err := mounted.Read(id, 0, got); err != nil {
		t.Fatalf("read with damaged mirror: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("read returned wrong bytes despite intact mirror")
	}

	if err := mounted.Commit(); err != nil {
		t.Fatalf("repair commit: %v", err)
	}
	if !bytes.Equal(devices[0].Snapshot(), devices[1].Snapshot()) {
		t.Error("mirrors differ after repair commit")
	}
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Cipher = cipher.XChaCha20Poly1305
	cfg.KDF = cipher.KDFArgon2id
	cfg.KDFParams = cipher.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}
	cfg.Passphrase = []byte("correct horse battery staple")

	set, devices := newTestSet(t, 1, testDeviceSize)
	store, err := Create(set, cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}
	secret := []byte("confidential payload")
	if _, err := store.Write(id, 0, secret); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(); err != nil {
		t.Fatal(err)
	}

	// The plaintext must not appear anywhere on the device.
	if bytes.Contains(devices[0].Snapshot(), secret) {
		t.Fatal("plaintext leaked to the device")
	}

	mounted := remount(t, devices, Config{Logger: quietLogger(), Passphrase: cfg.Passphrase})
	got := make([]byte, len(secret))
	if _, err := mounted.Read(id, 0, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Error("decrypted content mismatch")
	}

	// A wrong passphrase must fail verification, not return garbage.
	members := []blockdev.Device{devices[0]}
	wrongSet, err := blockdev.NewSet(quietLogger(), members...)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Mount(wrongSet, Config{Logger: quietLogger(), Passphrase: []byte("wrong")}); !errors.Is(err, ErrIntegrity) {
		t.Errorf("mount with wrong passphrase: %v, want ErrIntegrity", err)
	}
}

func TestCacheStaysUnderLimits(t *testing.T) {
	cfg := testConfig()
	cfg.SoftLimit = 8 * testRecordSize
	cfg.HardLimit = 16 * testRecordSize

	set, _ := newTestSet(t, 1, testDeviceSize)
	store, err := Create(set, cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	id, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("z"), testRecordSize)
	for leaf := 0; leaf < 64; leaf++ {
		if _, err := store.Write(id, uint64(leaf)*testRecordSize, payload); err != nil {
			t.Fatalf("write leaf %d: %v", leaf, err)
		}
	}
	if err := store.Commit(); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, testRecordSize)
	for leaf := 0; leaf < 64; leaf++ {
		if _, err := store.Read(id, uint64(leaf)*testRecordSize, buf); err != nil {
			t.Fatalf("read leaf %d: %v", leaf, err)
		}
	}

	usage, soft, _ := store.CacheUsage()
	if usage > soft {
		t.Errorf("cache usage %d above soft limit %d after operations settled", usage, soft)
	}
}

func TestLogCompaction(t *testing.T) {
	store, devices := newTestStore(t, 1)
	id, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}
	// Many overwrite commits accumulate allocate/free entry pairs
	// until the log exceeds twice its minimal representation plus one
	// record's worth of entries and is rewritten.
	payload := bytes.Repeat([]byte("w"), testRecordSize)
	for round := 0; round < 128; round++ {
		payload[0] = byte(round)
		if _, err := store.Write(id, 0, payload); err != nil {
			t.Fatal(err)
		}
		if err := store.Commit(); err != nil {
			t.Fatalf("commit %d: %v", round, err)
		}
	}

	stats := store.Statistics()
	if stats.LogEntries > 300 {
		t.Errorf("log holds %d entries after compaction, want a compact set", stats.LogEntries)
	}

	mounted := remount(t, devices, Config{Logger: quietLogger()})
	buf := make([]byte, 1)
	if _, err := mounted.Read(id, 0, buf); err != nil {
		t.Fatalf("read after compaction: %v", err)
	}
	if buf[0] != 127 {
		t.Errorf("content = %d, want 127", buf[0])
	}
}

func TestConcurrentWritersDistinctObjects(t *testing.T) {
	store, devices := newTestStore(t, 1)
	const writers = 8
	ids := make([]uint64, writers)
	for i := range ids {
		id, err := store.AllocateObject()
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('a' + i)}, 2*testRecordSize)
			if _, err := store.Write(ids[i], 0, payload); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write: %v", err)
	}
	if err := store.Commit(); err != nil {
		t.Fatal(err)
	}

	mounted := remount(t, devices, Config{Logger: quietLogger()})
	buf := make([]byte, 2*testRecordSize)
	for i := 0; i < writers; i++ {
		if _, err := mounted.Read(ids[i], 0, buf); err != nil {
			t.Fatalf("read object %d: %v", ids[i], err)
		}
		want := bytes.Repeat([]byte{byte('a' + i)}, 2*testRecordSize)
		if !bytes.Equal(buf, want) {
			t.Errorf("object %d content mismatch", ids[i])
		}
	}
}

func TestGetRootSetRootClone(t *testing.T) {
	store, _ := newTestStore(t, 1)
	source, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("cloneable content")
	if _, err := store.Write(source, 0, content); err != nil {
		t.Fatal(err)
	}

	root, length, err := store.GetRoot(source)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if length != uint64(len(content)) {
		t.Errorf("root length = %d, want %d", length, len(content))
	}

	clone, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetRoot(clone, root, length); err != nil {
		t.Fatalf("set root: %v", err)
	}

	buf := make([]byte, len(content))
	if _, err := store.Read(clone, 0, buf); err != nil {
		t.Fatalf("read clone: %v", err)
	}
	if !bytes.Equal(buf, content) {
		t.Errorf("clone = %q, want %q", buf, content)
	}
}

func TestPoisonedTransactionRefusesCommit(t *testing.T) {
	store, devices := newTestStore(t, 1)
	id, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Write(id, 0, bytes.Repeat([]byte("p"), testRecordSize)); err != nil {
		t.Fatal(err)
	}

	devices[0].FailWrites(true)
	if err := store.Commit(); err == nil {
		t.Fatal("commit with failing device must error")
	}
	devices[0].FailWrites(false)

	if err := store.Commit(); !errors.Is(err, ErrPoisoned) {
		t.Errorf("commit after poison: %v, want ErrPoisoned", err)
	}
}

func TestOperationsAfterUnmountFail(t *testing.T) {
	store, _ := newTestStore(t, 1)
	if err := store.Unmount(); err != nil {
		t.Fatalf("unmount: %v", err)
	}
	if _, err := store.AllocateObject(); !errors.Is(err, ErrClosed) {
		t.Errorf("allocate after unmount: %v, want ErrClosed", err)
	}
	if err := store.Commit(); !errors.Is(err, ErrClosed) {
		t.Errorf("commit after unmount: %v, want ErrClosed", err)
	}
}

func TestInvalidArguments(t *testing.T) {
	store, _ := newTestStore(t, 1)
	buf := make([]byte, 8)
	if _, err := store.Read(12345, 0, buf); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("read of unallocated object: %v, want ErrInvalidArgument", err)
	}
	if err := store.Resize(12345, 10); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("resize of unallocated object: %v, want ErrInvalidArgument", err)
	}

	id, err := store.AllocateObject()
	if err != nil {
		t.Fatal(err)
	}
	// Reads past the end truncate rather than erroring.
	n, err := store.Read(id, 100, buf)
	if err != nil {
		t.Fatalf("read past end: %v", err)
	}
	if n != 0 {
		t.Errorf("read past end returned %d bytes, want 0", n)
	}
}
