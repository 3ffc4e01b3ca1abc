// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

package blockdev

import "fmt"

// Chain concatenates the LBA spaces of an ordered list of devices
// into one logical device. A read or write that spans a device
// boundary is split across the members.
type Chain struct {
	devices []Device
	offsets []int64 // starting byte offset of each member
	size    int64
}

// NewChain builds a chain from one or more devices.
func NewChain(devices ...Device) (*Chain, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("chain needs at least one device")
	}
	chain := &Chain{devices: devices, offsets: make([]int64, len(devices))}
	for i, device := range devices {
		chain.offsets[i] = chain.size
		chain.size += device.Size()
	}
	return chain, nil
}

// locate returns the index of the member containing byte offset off.
func (c *Chain) locate(off int64) int {
	// Linear scan: chains hold a handful of devices.
	for i := len(c.devices) - 1; i > 0; i-- {
		if off >= c.offsets[i] {
			return i
		}
	}
	return 0
}

// ReadAt reads len(p) bytes at byte offset off, splitting across
// member boundaries as needed.
func (c *Chain) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > c.size {
		return 0, ErrOutOfRange
	}
	total := 0
	for total < len(p) {
		i := c.locate(off + int64(total))
		local := off + int64(total) - c.offsets[i]
		span := c.devices[i].Size() - local
		if span > int64(len(p)-total) {
			span = int64(len(p) - total)
		}
		n, err := c.devices[i].ReadAt(p[total:total+int(span)], local)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteAt writes len(p) bytes at byte offset off, splitting across
// member boundaries as needed.
func (c *Chain) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > c.size {
		return 0, ErrOutOfRange
	}
	total := 0
	for total < len(p) {
		i := c.locate(off + int64(total))
		local := off + int64(total) - c.offsets[i]
		span := c.devices[i].Size() - local
		if span > int64(len(p)-total) {
			span = int64(len(p) - total)
		}
		n, err := c.devices[i].WriteAt(p[total:total+int(span)], local)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Size returns the combined capacity of the chain in bytes.
func (c *Chain) Size() int64 { return c.size }

// Barrier issues a barrier on every member.
func (c *Chain) Barrier() error {
	for i, device := range c.devices {
		if err := device.Barrier(); err != nil {
			return fmt.Errorf("barrier on chain member %d: %w", i, err)
		}
	}
	return nil
}

// Close closes every member, returning the first error.
func (c *Chain) Close() error {
	var firstErr error
	for i, device := range c.devices {
		if err := device.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing chain member %d: %w", i, err)
		}
	}
	return firstErr
}
