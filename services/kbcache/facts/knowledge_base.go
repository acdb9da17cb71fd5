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
	"sort"
	"sync/atomic"
)

// ownership is the immutable ownership record swapped atomically on
// Release and Transfer.
type ownership struct {
	owner    *Owner
	released bool
}

// KnowledgeBase is the in-memory fact store.
//
// Description:
//
//	Holds the five analysis tables. Every read and write names the calling
//	Owner; calls from anyone but the current owner fail with an
//	*OwnershipError instead of touching the maps.
//
// Thread Safety:
//
//	Tables are unsynchronized. Only the goroutine acting for the current
//	owner may call InsertFact, BulkLoad, Lookup or Counts. SnapshotAsLists
//	needs no ownership but must not race a writer.
type KnowledgeBase struct {
	state  atomic.Pointer[ownership]
	tables [tableCount]map[string][]byte
}

// New creates an empty knowledge base with all tables allocated and owned
// by owner.
func New(owner *Owner) *KnowledgeBase {
	kb := &KnowledgeBase{}
	for i := range kb.tables {
		kb.tables[i] = make(map[string][]byte)
	}
	kb.state.Store(&ownership{owner: owner})
	return kb
}

// Owner returns the context currently holding rights.
func (kb *KnowledgeBase) Owner() *Owner {
	return kb.state.Load().owner
}

// Released reports whether the current owner has declared writes complete.
func (kb *KnowledgeBase) Released() bool {
	return kb.state.Load().released
}

// checkOwner verifies o holds rights; write additionally requires the
// owner not to have released.
func (kb *KnowledgeBase) checkOwner(op string, o *Owner, write bool) error {
	st := kb.state.Load()
	if o == nil || st.owner != o {
		return &OwnershipError{Op: op, Caller: o.String(), Holder: st.owner.String(), Err: ErrNotOwner}
	}
	if write && st.released {
		return &OwnershipError{Op: op, Caller: o.String(), Holder: st.owner.String(), Err: ErrWritesReleased}
	}
	return nil
}

func (kb *KnowledgeBase) table(t Table) (map[string][]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTable, uint8(t))
	}
	return kb.tables[t.index()], nil
}

// InsertFact upserts a fact.
//
// Inputs:
//
//	o - The calling owner. Must hold rights and not have released.
//	t - Target table.
//	key - Fact key. Replaces any existing value.
//	value - Opaque fact record. Stored without copying.
//
// Outputs:
//
//	error - *OwnershipError or ErrUnknownTable.
func (kb *KnowledgeBase) InsertFact(o *Owner, t Table, key string, value []byte) error {
	if err := kb.checkOwner("insert", o, true); err != nil {
		return err
	}
	tbl, err := kb.table(t)
	if err != nil {
		return err
	}
	tbl[key] = value
	return nil
}

// BulkLoad inserts many facts into one table. Used when rebuilding a
// knowledge base from a decoded cache record.
func (kb *KnowledgeBase) BulkLoad(o *Owner, t Table, facts []Fact) error {
	if err := kb.checkOwner("bulk_load", o, true); err != nil {
		return err
	}
	tbl, err := kb.table(t)
	if err != nil {
		return err
	}
	for _, f := range facts {
		tbl[f.Key] = f.Value
	}
	return nil
}

// Lookup returns the value stored under key.
func (kb *KnowledgeBase) Lookup(o *Owner, t Table, key string) ([]byte, bool, error) {
	if err := kb.checkOwner("lookup", o, false); err != nil {
		return nil, false, err
	}
	tbl, err := kb.table(t)
	if err != nil {
		return nil, false, err
	}
	v, ok := tbl[key]
	return v, ok, nil
}

// Counts returns the number of facts per table.
func (kb *KnowledgeBase) Counts(o *Owner) (map[Table]int, error) {
	if err := kb.checkOwner("counts", o, false); err != nil {
		return nil, err
	}
	counts := make(map[Table]int, tableCount)
	for _, t := range AllTables {
		counts[t] = len(kb.tables[t.index()])
	}
	return counts, nil
}

// SnapshotAsLists copies every table into a key-ordered list.
//
// Description:
//
//	Produces the flat representation used by the persistence codec. Keys
//	are sorted so the same contents always yield the same snapshot. Values
//	are shared with the tables, not copied.
//
// Thread Safety:
//
//	Requires no ownership, but the caller must ensure no writer is active,
//	typically by snapshotting after Release.
func (kb *KnowledgeBase) SnapshotAsLists() Snapshot {
	snap := make(Snapshot, tableCount)
	for _, t := range AllTables {
		tbl := kb.tables[t.index()]
		keys := make([]string, 0, len(tbl))
		for k := range tbl {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		list := make([]Fact, 0, len(keys))
		for _, k := range keys {
			list = append(list, Fact{Key: k, Value: tbl[k]})
		}
		snap[t] = list
	}
	return snap
}

// FromSnapshot creates a knowledge base owned by owner and bulk loads every
// table of snap into it.
func FromSnapshot(owner *Owner, snap Snapshot) (*KnowledgeBase, error) {
	kb := New(owner)
	for _, t := range AllTables {
		if err := kb.BulkLoad(owner, t, snap[t]); err != nil {
			return nil, fmt.Errorf("load %s: %w", t, err)
		}
	}
	return kb, nil
}
