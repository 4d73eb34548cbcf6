// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no checkpoint exists for the query.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrNilCheckpoint is returned when saving a nil checkpoint.
	ErrNilCheckpoint = errors.New("checkpoint must not be nil")

	// ErrChecksumMismatch is returned when a loaded checkpoint fails its
	// integrity check.
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")

	// ErrUnsupportedFormat is returned for a checkpoint written by an
	// incompatible format version.
	ErrUnsupportedFormat = errors.New("unsupported checkpoint format version")

	// ErrStoreIO is the sentinel for storage failures. The scheduler
	// treats it as fatal: better to crash than continue unpersisted.
	ErrStoreIO = errors.New("checkpoint store I/O failure")
)

// IOError wraps a storage failure with the operation that hit it.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *IOError) Unwrap() []error {
	return []error{ErrStoreIO, e.Err}
}
