// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package blockdev

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FileDevice is a block device backed by a regular file or a raw block
// device node. Reads use pread and writes use pwrite, so no file
// offset is shared between goroutines. Barrier maps to fsync.
type FileDevice struct {
	fd   int
	path string
	size int64
}

// OpenFileDevice opens path as a device. If size is positive and the
// file is smaller (or newly created), it is extended to size bytes.
// If size is zero the current file size is used.
func OpenFileDevice(path string, size int64) (*FileDevice, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening device %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stating device %s: %w", path, err)
	}

	current := stat.Size
	if size == 0 {
		size = current
	}
	if size <= 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("device %s has no size and none was requested", path)
	}
	if current < size {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("extending device %s to %d bytes: %w", path, size, err)
		}
	}

	return &FileDevice{fd: fd, path: path, size: size}, nil
}

// ReadAt reads len(p) bytes at byte offset off via pread.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, ErrOutOfRange
	}
	total := 0
	for total < len(p) {
		n, err := unix.Pread(d.fd, p[total:], off+int64(total))
		if err != nil {
			return total, fmt.Errorf("pread %s at offset %d: %w", d.path, off+int64(total), err)
		}
		if n == 0 {
			return total, fmt.Errorf("pread %s at offset %d: unexpected EOF", d.path, off+int64(total))
		}
		total += n
	}
	return total, nil
}

// WriteAt writes len(p) bytes at byte offset off via pwrite.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, ErrOutOfRange
	}
	total := 0
	for total < len(p) {
		n, err := unix.Pwrite(d.fd, p[total:], off+int64(total))
		if err != nil {
			return total, fmt.Errorf("pwrite %s at offset %d: %w", d.path, off+int64(total), err)
		}
		total += n
	}
	return total, nil
}

// Size returns the device capacity in bytes.
func (d *FileDevice) Size() int64 { return d.size }

// Barrier fsyncs the backing file.
func (d *FileDevice) Barrier() error {
	if err := unix.Fsync(d.fd); err != nil {
		return fmt.Errorf("fsync %s: %w", d.path, err)
	}
	return nil
}

// Close closes the backing file descriptor.
func (d *FileDevice) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	if err != nil {
		return fmt.Errorf("closing %s: %w", d.path, err)
	}
	return nil
}
