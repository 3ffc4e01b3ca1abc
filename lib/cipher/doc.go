// Copyright 2026 The NROS Authors
// SPDX-License-Identifier: Apache-2.0

// Package cipher implements the per-record content protection of the
// object store: a plaintext mode that hashes record payloads with
// XXH3-128, and an authenticated mode that encrypts them with
// XChaCha20-Poly1305 under a per-filesystem data key. It also holds
// the key derivation paths: Argon2id from a user passphrase to the
// header key, and HKDF-SHA256 from the header key to the data key.
//
// The cipher choice is a per-filesystem format constant, so it is
// modeled as a closed enum rather than an interface: every switch is
// exhaustive and exhaustively tested.
package cipher
