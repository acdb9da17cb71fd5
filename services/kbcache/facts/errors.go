// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package facts provides the in-memory knowledge base consumed by the
// type/contract analyzer.
//
// A KnowledgeBase is a fixed set of five independently keyed tables. The
// tables are not locked: exactly one Owner may read or mutate them at any
// time, and rights move between execution contexts only through Release
// followed by Transfer.
//
// # Thread Safety
//
// Ownership checks are atomic and safe from any goroutine. Table access is
// only safe from the goroutine acting for the current owner.
package facts

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOwner is returned when a context without mutation rights touches
	// the tables.
	ErrNotOwner = errors.New("caller does not own the knowledge base")

	// ErrWritesReleased is returned for writes after the owner declared
	// its writes complete.
	ErrWritesReleased = errors.New("knowledge base writes already released")

	// ErrWritesOpen is returned by Transfer when the source owner has not
	// released its writes.
	ErrWritesOpen = errors.New("knowledge base writes not released")

	// ErrUnknownTable is returned for a table id outside AllTables.
	ErrUnknownTable = errors.New("unknown knowledge base table")

	// ErrNilOwner is returned when an operation is given a nil owner.
	ErrNilOwner = errors.New("owner must not be nil")
)

// OwnershipError describes an access by a context that does not hold rights.
type OwnershipError struct {
	// Op is the attempted operation ("insert", "lookup", "transfer", ...).
	Op string

	// Caller is the context that attempted the operation.
	Caller string

	// Holder is the context that currently owns the knowledge base.
	Holder string

	// Err is ErrNotOwner, ErrWritesReleased or ErrWritesOpen.
	Err error
}

// Error implements the error interface.
func (e *OwnershipError) Error() string {
	return fmt.Sprintf("%s by %q (holder %q): %v", e.Op, e.Caller, e.Holder, e.Err)
}

// Unwrap returns the underlying sentinel for errors.Is support.
func (e *OwnershipError) Unwrap() error {
	return e.Err
}
