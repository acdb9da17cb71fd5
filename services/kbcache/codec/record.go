// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec serializes knowledge base snapshots to and from the on-disk
// manifest format.
//
// A manifest is a protobuf wire-format envelope. The version tag is always
// the first field so a reader can reject a file written by another format
// version before looking at anything else. The body is optionally zstd
// compressed and guarded by an xxhash64 checksum.
package codec

import (
	"time"

	"github.com/AleutianAI/kbcache/services/kbcache/facts"
)

// FormatVersion is the tag written by Encode. Decode rejects any other tag
// with ErrStaleFormat. Bump it whenever the body layout or the meaning of
// any table changes.
const FormatVersion = "kb.v2"

// ManifestRecord is the persisted form of a knowledge base.
//
// Thread Safety: Not safe for concurrent mutation. Decoded records are
// treated as immutable by the store.
type ManifestRecord struct {
	// FormatVersion is the version tag. Empty means FormatVersion when
	// encoding.
	FormatVersion string

	// DependencyGraph maps a module to the modules it imports.
	DependencyGraph map[string][]string

	// FileHashes maps source file path to its content hash.
	FileHashes map[string]string

	// Warnings are non-fatal analyzer diagnostics.
	Warnings []string

	// Tables is the knowledge base content.
	Tables facts.Snapshot

	// LastWrite is the logical build timestamp.
	LastWrite time.Time
}

// FactCount returns the total number of facts in the record.
func (r *ManifestRecord) FactCount() int {
	return r.Tables.Len()
}
