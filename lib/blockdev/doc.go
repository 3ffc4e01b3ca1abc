// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockdev provides the block device abstraction underneath the
// object store: a byte-addressed Device interface with durability
// barriers, a file-backed implementation, an in-memory implementation
// for tests, LBA concatenation of devices into chains, and a mirrored
// device set that reads from the first chain whose data verifies and
// writes to every chain.
package blockdev
