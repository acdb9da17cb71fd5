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
	"errors"
	"fmt"
)

var (
	// ErrStaleFormat indicates the file was written by a different format
	// version. The file is structurally fine but must be rebuilt.
	ErrStaleFormat = errors.New("manifest format version mismatch")

	// ErrCorruptData indicates the bytes are not a valid manifest.
	ErrCorruptData = errors.New("manifest data corrupt")

	// ErrNilRecord is returned by Encode for a nil record.
	ErrNilRecord = errors.New("manifest record must not be nil")
)

// DecodeError describes why a manifest could not be decoded.
type DecodeError struct {
	// Found is the version tag read from the file, when one was readable.
	Found string

	// Detail is a short description of the failure.
	Detail string

	// Err is ErrStaleFormat or ErrCorruptData.
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err == ErrStaleFormat {
		return fmt.Sprintf("decode manifest: %v: found %q, want %q", e.Err, e.Found, FormatVersion)
	}
	return fmt.Sprintf("decode manifest: %v: %s", e.Err, e.Detail)
}

// Unwrap returns the sentinel for errors.Is support.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

func corrupt(format string, args ...any) error {
	return &DecodeError{Detail: fmt.Sprintf(format, args...), Err: ErrCorruptData}
}
