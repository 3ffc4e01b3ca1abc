// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrCorrupt is returned by Set.ReadVerified when no mirror produced
// data that passes verification.
var ErrCorrupt = errors.New("blockdev: data corrupt on all mirrors")

// Repair is a deferred write that restores a mirror which failed
// verification. Repairs are queued by ReadVerified and written back
// by FlushRepairs during commit, before the commit barrier.
type Repair struct {
	Chain int
	Off   int64
	Data  []byte
}

// Set is a fixed set of mirrored chains. Every chain holds a
// byte-identical copy of the store. Reads try chains in order and
// return the first copy that passes the caller's verification; writes
// go to every chain and succeed only when all chains acknowledge.
type Set struct {
	chains []Device
	size   int64
	logger *slog.Logger

	mu      sync.Mutex
	repairs []Repair
}

// NewSet builds a mirrored set from one or more chains. All chains
// must have the same capacity.
func NewSet(logger *slog.Logger, chains ...Device) (*Set, error) {
	if len(chains) == 0 {
		return nil, fmt.Errorf("device set needs at least one chain")
	}
	if logger == nil {
		logger = slog.Default()
	}
	size := chains[0].Size()
	for i, chain := range chains {
		if chain.Size() != size {
			return nil, fmt.Errorf("chain %d is %d bytes, chain 0 is %d bytes: mirrors must match",
				i, chain.Size(), size)
		}
	}
	return &Set{chains: chains, size: size, logger: logger}, nil
}

// Chains returns the number of mirrored chains.
func (s *Set) Chains() int { return len(s.chains) }

// Size returns the capacity of one chain in bytes.
func (s *Set) Size() int64 { return s.size }

// ReadVerified reads length bytes at byte offset off from the first
// chain whose data passes verify. When an earlier chain fails
// verification and a later one succeeds, a repair write restoring the
// failed chain is queued for the next commit. If every chain fails,
// ErrCorrupt is returned.
//
// A verify of nil accepts any successfully read data.
func (s *Set) ReadVerified(off int64, length int, verify func([]byte) bool) ([]byte, error) {
	var failed []int
	for i, chain := range s.chains {
		buffer := make([]byte, length)
		if _, err := chain.ReadAt(buffer, off); err != nil {
			s.logger.Warn("mirror read failed", "chain", i, "offset", off, "error", err)
			failed = append(failed, i)
			continue
		}
		if verify != nil && !verify(buffer) {
			s.logger.Warn("mirror verification failed", "chain", i, "offset", off, "length", length)
			failed = append(failed, i)
			continue
		}
		for _, chainIndex := range failed {
			s.queueRepair(chainIndex, off, buffer)
		}
		return buffer, nil
	}
	return nil, fmt.Errorf("reading %d bytes at offset %d: %w", length, off, ErrCorrupt)
}

// WriteAll writes data at byte offset off to every chain. A failure
// on any chain fails the whole write; nothing is retried.
func (s *Set) WriteAll(off int64, data []byte) error {
	for i, chain := range s.chains {
		if _, err := chain.WriteAt(data, off); err != nil {
			return fmt.Errorf("writing %d bytes at offset %d to chain %d: %w", len(data), off, i, err)
		}
	}
	return nil
}

// WriteChain writes data at byte offset off to a single chain. Used
// by repair flushing.
func (s *Set) WriteChain(chainIndex int, off int64, data []byte) error {
	if chainIndex < 0 || chainIndex >= len(s.chains) {
		return fmt.Errorf("chain index %d out of range [0, %d)", chainIndex, len(s.chains))
	}
	if _, err := s.chains[chainIndex].WriteAt(data, off); err != nil {
		return fmt.Errorf("writing %d bytes at offset %d to chain %d: %w", len(data), off, chainIndex, err)
	}
	return nil
}

// ReadChain reads length bytes at byte offset off from a single
// chain, without verification or fallback. Header probing at mount
// uses this to inspect each mirror individually.
func (s *Set) ReadChain(chainIndex int, off int64, length int) ([]byte, error) {
	if chainIndex < 0 || chainIndex >= len(s.chains) {
		return nil, fmt.Errorf("chain index %d out of range [0, %d)", chainIndex, len(s.chains))
	}
	buffer := make([]byte, length)
	if _, err := s.chains[chainIndex].ReadAt(buffer, off); err != nil {
		return nil, err
	}
	return buffer, nil
}

// Barrier issues a durability barrier on every chain.
func (s *Set) Barrier() error {
	for i, chain := range s.chains {
		if err := chain.Barrier(); err != nil {
			return fmt.Errorf("barrier on chain %d: %w", i, err)
		}
	}
	return nil
}

// Close closes every chain, returning the first error.
func (s *Set) Close() error {
	var firstErr error
	for i, chain := range s.chains {
		if err := chain.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing chain %d: %w", i, err)
		}
	}
	return firstErr
}

func (s *Set) queueRepair(chainIndex int, off int64, data []byte) {
	copied := make([]byte, len(data))
	copy(copied, data)
	s.mu.Lock()
	s.repairs = append(s.repairs, Repair{Chain: chainIndex, Off: off, Data: copied})
	s.mu.Unlock()
}

// PendingRepairs returns the number of queued repair writes.
func (s *Set) PendingRepairs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.repairs)
}

// FlushRepairs writes every queued repair back to its failed chain
// and clears the queue. Called by the commit engine before the commit
// barrier so repaired mirrors become durable with the transaction.
func (s *Set) FlushRepairs() error {
	s.mu.Lock()
	repairs := s.repairs
	s.repairs = nil
	s.mu.Unlock()

	for _, repair := range repairs {
		if err := s.WriteChain(repair.Chain, repair.Off, repair.Data); err != nil {
			return fmt.Errorf("repairing chain %d at offset %d: %w", repair.Chain, repair.Off, err)
		}
		s.logger.Info("repaired mirror extent", "chain", repair.Chain, "offset", repair.Off, "length", len(repair.Data))
	}
	return nil
}
