// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package facts

import (
	"fmt"

	"github.com/google/uuid"
)

// Table identifies one of the knowledge base tables.
//
// The numeric values are part of the cache file format and must not be
// renumbered.
type Table uint8

const (
	// TableInfo holds per-module summary facts.
	TableInfo Table = iota + 1

	// TableTypes holds function signature facts.
	TableTypes

	// TableContracts holds interface/contract facts.
	TableContracts

	// TableCallbacks holds callback (function type) facts.
	TableCallbacks

	// TableExportedTypes holds exported type facts.
	TableExportedTypes
)

// tableCount is the number of tables in a knowledge base.
const tableCount = 5

// AllTables lists every table in wire order.
var AllTables = []Table{
	TableInfo,
	TableTypes,
	TableContracts,
	TableCallbacks,
	TableExportedTypes,
}

// String returns the table name used in logs, the CLI and HTTP paths.
func (t Table) String() string {
	switch t {
	case TableInfo:
		return "info"
	case TableTypes:
		return "types"
	case TableContracts:
		return "contracts"
	case TableCallbacks:
		return "callbacks"
	case TableExportedTypes:
		return "exportedTypes"
	default:
		return fmt.Sprintf("table(%d)", uint8(t))
	}
}

// Valid reports whether t is one of AllTables.
func (t Table) Valid() bool {
	return t >= TableInfo && t <= TableExportedTypes
}

// index maps a valid table to its slot.
func (t Table) index() int {
	return int(t) - 1
}

// ParseTable converts a table name back to a Table.
func ParseTable(name string) (Table, error) {
	for _, t := range AllTables {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTable, name)
}

// Fact is a single key/value pair of a table.
type Fact struct {
	Key   string
	Value []byte
}

// Snapshot holds every table as a key-ordered list of facts.
//
// A snapshot produced by SnapshotAsLists always contains all tables, with
// empty (non-nil) lists for empty tables.
type Snapshot map[Table][]Fact

// Len returns the total number of facts across all tables.
func (s Snapshot) Len() int {
	n := 0
	for _, facts := range s {
		n += len(facts)
	}
	return n
}

// Owner is an execution context that can hold mutation rights over a
// knowledge base. Owners are compared by identity.
type Owner struct {
	name string
	id   uuid.UUID
}

// NewOwner creates a uniquely identified owner.
func NewOwner(name string) *Owner {
	return &Owner{name: name, id: uuid.New()}
}

// Name returns the human-readable owner name.
func (o *Owner) Name() string {
	if o == nil {
		return "<nil>"
	}
	return o.name
}

// ID returns the owner's unique id.
func (o *Owner) ID() uuid.UUID {
	if o == nil {
		return uuid.Nil
	}
	return o.id
}

// String implements fmt.Stringer.
func (o *Owner) String() string {
	if o == nil {
		return "<nil>"
	}
	return o.name + "/" + o.id.String()[:8]
}
