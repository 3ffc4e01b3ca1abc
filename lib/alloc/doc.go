// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

// Package alloc implements the free-space accounting of the object
// store: a first-fit free-range allocator, the 16-byte allocation-log
// entry codec, and the XOR fold that reconstructs the allocated set
// from a replayed log. The log itself is persisted as a chain of
// records by the store's commit engine; this package only deals in
// entries and ranges.
package alloc
