// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no cache file exists at the path.
	ErrNotFound = errors.New("cache file not found")

	// ErrInvalidConfig indicates the store configuration is unusable.
	ErrInvalidConfig = errors.New("invalid store config")
)

// ReadError wraps any failure to read or decode an existing cache file.
// Callers treat it the same way as ErrNotFound: the file must be rebuilt.
type ReadError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

// Unwrap returns the cause, typically a *codec.DecodeError or I/O error.
func (e *ReadError) Unwrap() error {
	return e.Err
}
