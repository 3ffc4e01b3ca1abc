// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

// Package nros implements the object store core: a flat namespace of
// variable-length, sparse byte objects persisted on mirrored block
// devices with copy-on-write record trees, a log-structured free
// space map, per-record integrity protection, optional compression
// and authenticated encryption, an admission-controlled cache of
// decoded records, and atomic multi-object transactions published by
// a header swap.
//
// A Store is obtained with Create (format) or Mount (open existing).
// All mutations are buffered in the cache until Commit, which flushes
// dirty records bottom-up, persists the allocation log, and swaps the
// on-disk header under barrier discipline. A crash at any point
// leaves the store mountable at either the previous or the new
// header.
package nros
