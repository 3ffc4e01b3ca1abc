// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package nros

import "errors"

// Error taxonomy of the store. Callers classify failures with
// errors.Is; every error returned by the public API wraps exactly one
// of these sentinels (or a blockdev/record sentinel that one of them
// wraps in turn).
var (
	// ErrCorruptData is a hash or tag mismatch that survived every
	// mirror. The transaction is poisoned.
	ErrCorruptData = errors.New("nros: corrupt data")

	// ErrDeviceIO is a read or write failure not attributable to
	// corruption. The transaction is poisoned.
	ErrDeviceIO = errors.New("nros: device I/O failure")

	// ErrOutOfSpace means the allocator cannot satisfy a request.
	// The originating write fails; the transaction stays usable and
	// can be aborted cleanly.
	ErrOutOfSpace = errors.New("nros: out of space")

	// ErrIntegrity is an inconsistency found during mount replay:
	// overlapping allocation ranges, a missing required record, a
	// header that does not verify.
	ErrIntegrity = errors.New("nros: integrity violation")

	// ErrInvalidArgument is caller-side misuse: a nonexistent object
	// ID, an offset past the supported maximum, an invalid resize.
	ErrInvalidArgument = errors.New("nros: invalid argument")

	// ErrPoisoned means an earlier codec or device failure left the
	// transaction unable to commit. Drop or unmount to recover.
	ErrPoisoned = errors.New("nros: transaction poisoned")

	// ErrClosed is returned by operations on an unmounted store.
	ErrClosed = errors.New("nros: store is closed")
)
