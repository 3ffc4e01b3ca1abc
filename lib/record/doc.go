// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

// Package record implements the unit of packed storage: compression,
// content protection and framing of record payloads, and the on-disk
// codecs for record references and record headers. A record is at
// most the filesystem's maximum record size when unpacked and is
// stored as a 52-byte header followed by the packed payload, rounded
// up to whole blocks.
package record
