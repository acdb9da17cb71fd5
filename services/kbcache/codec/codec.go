// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codec

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/AleutianAI/kbcache/services/kbcache/facts"
)

// Envelope field numbers.
const (
	fieldVersion     protowire.Number = 1
	fieldCompression protowire.Number = 2
	fieldChecksum    protowire.Number = 3
	fieldBody        protowire.Number = 4
)

// Body field numbers.
const (
	fieldDependency protowire.Number = 1
	fieldFileHash   protowire.Number = 2
	fieldWarning    protowire.Number = 3
	fieldTable      protowire.Number = 4
	fieldLastWrite  protowire.Number = 5
)

// Nested message field numbers. Dependency, file hash and pair messages
// share the (1 = key, 2 = value) layout.
const (
	fieldKey     protowire.Number = 1
	fieldValue   protowire.Number = 2
	fieldTableID protowire.Number = 1
	fieldPair    protowire.Number = 2
)

// Compression identifies how the body is stored.
type Compression uint64

const (
	// CompressionNone stores the body as-is.
	CompressionNone Compression = 0

	// CompressionZstd stores the body zstd compressed.
	CompressionZstd Compression = 1
)

// maxDecodedBody bounds zstd output so a corrupt frame header cannot make
// the decoder allocate without limit.
const maxDecodedBody = 1 << 31

// Options controls encoding.
type Options struct {
	// Compression selects body compression. The zero value stores the body
	// uncompressed; DefaultOptions selects CompressionZstd.
	Compression Compression
}

// DefaultOptions returns production encoding options.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// loadCoders is swapped in tests to simulate a zstd that fails to start.
var loadCoders = coders

// coders returns the shared zstd encoder and decoder. EncodeAll and
// DecodeAll are safe for concurrent use.
func coders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBody))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Encode serializes a record.
//
// Description:
//
//	Maps are emitted in key order and table lists in wire order, so equal
//	records always produce identical bytes.
//
// Inputs:
//
//	rec - The record to encode. Must not be nil.
//	opts - Encoding options.
//
// Outputs:
//
//	[]byte - The manifest bytes.
//	error - Non-nil on invalid input or compression failure.
func Encode(rec *ManifestRecord, opts Options) ([]byte, error) {
	if rec == nil {
		return nil, ErrNilRecord
	}
	body, err := encodeBody(rec)
	if err != nil {
		return nil, err
	}
	sum := xxhash.Sum64(body)

	switch opts.Compression {
	case CompressionNone:
	case CompressionZstd:
		enc, _, err := loadCoders()
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		body = enc.EncodeAll(body, nil)
	default:
		return nil, fmt.Errorf("unknown compression %d", opts.Compression)
	}

	version := rec.FormatVersion
	if version == "" {
		version = FormatVersion
	}

	out := make([]byte, 0, len(body)+len(version)+32)
	out = protowire.AppendTag(out, fieldVersion, protowire.BytesType)
	out = protowire.AppendString(out, version)
	out = protowire.AppendTag(out, fieldCompression, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(opts.Compression))
	out = protowire.AppendTag(out, fieldChecksum, protowire.Fixed64Type)
	out = protowire.AppendFixed64(out, sum)
	out = protowire.AppendTag(out, fieldBody, protowire.BytesType)
	out = protowire.AppendBytes(out, body)
	return out, nil
}

func encodeBody(rec *ManifestRecord) ([]byte, error) {
	var b []byte

	for _, mod := range sortedKeys(rec.DependencyGraph) {
		deps := append([]string(nil), rec.DependencyGraph[mod]...)
		sort.Strings(deps)
		var m []byte
		m = protowire.AppendTag(m, fieldKey, protowire.BytesType)
		m = protowire.AppendString(m, mod)
		for _, d := range deps {
			m = protowire.AppendTag(m, fieldValue, protowire.BytesType)
			m = protowire.AppendString(m, d)
		}
		b = protowire.AppendTag(b, fieldDependency, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	for _, path := range sortedKeys(rec.FileHashes) {
		var m []byte
		m = protowire.AppendTag(m, fieldKey, protowire.BytesType)
		m = protowire.AppendString(m, path)
		m = protowire.AppendTag(m, fieldValue, protowire.BytesType)
		m = protowire.AppendString(m, rec.FileHashes[path])
		b = protowire.AppendTag(b, fieldFileHash, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	for _, w := range rec.Warnings {
		b = protowire.AppendTag(b, fieldWarning, protowire.BytesType)
		b = protowire.AppendString(b, w)
	}

	for t := range rec.Tables {
		if !t.Valid() {
			return nil, fmt.Errorf("encode: %w: %d", facts.ErrUnknownTable, uint8(t))
		}
	}
	for _, t := range facts.AllTables {
		list := append([]facts.Fact(nil), rec.Tables[t]...)
		sort.SliceStable(list, func(i, j int) bool { return list[i].Key < list[j].Key })

		var m []byte
		m = protowire.AppendTag(m, fieldTableID, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(t))
		for _, f := range list {
			var p []byte
			p = protowire.AppendTag(p, fieldKey, protowire.BytesType)
			p = protowire.AppendString(p, f.Key)
			p = protowire.AppendTag(p, fieldValue, protowire.BytesType)
			p = protowire.AppendBytes(p, f.Value)
			m = protowire.AppendTag(m, fieldPair, protowire.BytesType)
			m = protowire.AppendBytes(m, p)
		}
		b = protowire.AppendTag(b, fieldTable, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	var nanos int64
	if !rec.LastWrite.IsZero() {
		nanos = rec.LastWrite.UnixNano()
	}
	b = protowire.AppendTag(b, fieldLastWrite, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(nanos))
	return b, nil
}

// Decode parses manifest bytes.
//
// Description:
//
//	Reads the version tag first and returns ErrStaleFormat if it differs
//	from FormatVersion without looking at the rest. Everything else that
//	goes wrong is ErrCorruptData. Both are wrapped in *DecodeError.
//
// Outputs:
//
//	*ManifestRecord - The record. Tables always contains every table.
//	error - *DecodeError on failure.
func Decode(data []byte) (*ManifestRecord, error) {
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 || num != fieldVersion || typ != protowire.BytesType {
		return nil, corrupt("missing version tag")
	}
	rest := data[n:]
	tag, n := protowire.ConsumeBytes(rest)
	if n < 0 {
		return nil, corrupt("truncated version tag")
	}
	if string(tag) != FormatVersion {
		return nil, &DecodeError{Found: string(tag), Err: ErrStaleFormat}
	}
	rest = rest[n:]

	var (
		compression Compression
		checksum    uint64
		body        []byte
		haveSum     bool
		haveBody    bool
	)
	err := walk(rest, func(f field) error {
		switch f.num {
		case fieldCompression:
			if f.typ != protowire.VarintType {
				return corrupt("compression field has wire type %d", f.typ)
			}
			compression = Compression(f.v)
		case fieldChecksum:
			if f.typ != protowire.Fixed64Type {
				return corrupt("checksum field has wire type %d", f.typ)
			}
			checksum, haveSum = f.v, true
		case fieldBody:
			if f.typ != protowire.BytesType {
				return corrupt("body field has wire type %d", f.typ)
			}
			body, haveBody = f.b, true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !haveBody || !haveSum {
		return nil, corrupt("missing body or checksum")
	}

	switch compression {
	case CompressionNone:
	case CompressionZstd:
		_, dec, err := loadCoders()
		if err != nil {
			return nil, corrupt("init zstd: %v", err)
		}
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return nil, corrupt("decompress: %v", err)
		}
	default:
		return nil, corrupt("unknown compression %d", compression)
	}

	if got := xxhash.Sum64(body); got != checksum {
		return nil, corrupt("checksum mismatch: got %016x, want %016x", got, checksum)
	}

	rec, err := decodeBody(body)
	if err != nil {
		return nil, err
	}
	rec.FormatVersion = string(tag)
	return rec, nil
}

func decodeBody(body []byte) (*ManifestRecord, error) {
	rec := &ManifestRecord{
		DependencyGraph: make(map[string][]string),
		FileHashes:      make(map[string]string),
		Tables:          make(facts.Snapshot, len(facts.AllTables)),
	}

	err := walk(body, func(f field) error {
		switch f.num {
		case fieldDependency:
			mod, deps, err := decodeKeyValues(f, "dependency")
			if err != nil {
				return err
			}
			rec.DependencyGraph[mod] = deps
		case fieldFileHash:
			path, vals, err := decodeKeyValues(f, "file hash")
			if err != nil {
				return err
			}
			if len(vals) != 1 {
				return corrupt("file hash %q has %d values", path, len(vals))
			}
			rec.FileHashes[path] = vals[0]
		case fieldWarning:
			if f.typ != protowire.BytesType {
				return corrupt("warning has wire type %d", f.typ)
			}
			rec.Warnings = append(rec.Warnings, string(f.b))
		case fieldTable:
			t, list, err := decodeTable(f)
			if err != nil {
				return err
			}
			if _, dup := rec.Tables[t]; dup {
				return corrupt("duplicate table %s", t)
			}
			rec.Tables[t] = list
		case fieldLastWrite:
			if f.typ != protowire.VarintType {
				return corrupt("last write has wire type %d", f.typ)
			}
			if nanos := protowire.DecodeZigZag(f.v); nanos != 0 {
				rec.LastWrite = time.Unix(0, nanos)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, t := range facts.AllTables {
		if _, ok := rec.Tables[t]; !ok {
			return nil, corrupt("missing table %s", t)
		}
	}
	return rec, nil
}

// decodeKeyValues parses a (1 = key, repeated 2 = value) message.
func decodeKeyValues(f field, what string) (string, []string, error) {
	if f.typ != protowire.BytesType {
		return "", nil, corrupt("%s has wire type %d", what, f.typ)
	}
	var (
		key  string
		vals = []string{}
	)
	err := walk(f.b, func(inner field) error {
		if inner.typ != protowire.BytesType {
			return corrupt("%s entry has wire type %d", what, inner.typ)
		}
		switch inner.num {
		case fieldKey:
			key = string(inner.b)
		case fieldValue:
			vals = append(vals, string(inner.b))
		}
		return nil
	})
	return key, vals, err
}

func decodeTable(f field) (facts.Table, []facts.Fact, error) {
	if f.typ != protowire.BytesType {
		return 0, nil, corrupt("table has wire type %d", f.typ)
	}
	var (
		t    facts.Table
		list = []facts.Fact{}
	)
	err := walk(f.b, func(inner field) error {
		switch inner.num {
		case fieldTableID:
			if inner.typ != protowire.VarintType {
				return corrupt("table id has wire type %d", inner.typ)
			}
			t = facts.Table(inner.v)
			if !t.Valid() || inner.v > 255 {
				return corrupt("unknown table id %d", inner.v)
			}
		case fieldPair:
			if inner.typ != protowire.BytesType {
				return corrupt("pair has wire type %d", inner.typ)
			}
			var fact facts.Fact
			err := walk(inner.b, func(kv field) error {
				if kv.typ != protowire.BytesType {
					return corrupt("pair field has wire type %d", kv.typ)
				}
				switch kv.num {
				case fieldKey:
					fact.Key = string(kv.b)
				case fieldValue:
					fact.Value = append([]byte(nil), kv.b...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if fact.Value == nil {
				fact.Value = []byte{}
			}
			list = append(list, fact)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	if t == 0 {
		return 0, nil, corrupt("table without id")
	}
	return t, list, nil
}

// field is one decoded protobuf wire field.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	b   []byte
}

// walk calls fn for each top-level field of b. Unknown wire types are
// skipped; malformed input yields ErrCorruptData.
func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return corrupt("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return corrupt("field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
