// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import (
	"errors"
	"fmt"
)

// Sentinel errors for the budget package.
var (
	// ErrNilSampler is returned when a monitor is created without a sampler.
	ErrNilSampler = errors.New("sampler must not be nil")

	// ErrInvalidBudget is returned for inconsistent threshold configuration.
	ErrInvalidBudget = errors.New("invalid budget configuration")

	// ErrResourceUnavailable marks a failed resource query. Admission
	// fails closed on it: transient, causes deferral, never task failure.
	ErrResourceUnavailable = errors.New("resource levels unavailable")
)

// ResourceUnavailableError wraps the underlying OS query failure.
type ResourceUnavailableError struct {
	Err error
}

// Error returns the error message.
func (e *ResourceUnavailableError) Error() string {
	return fmt.Sprintf("%v: %v", ErrResourceUnavailable, e.Err)
}

// Unwrap lets errors.Is match both ErrResourceUnavailable and the cause.
func (e *ResourceUnavailableError) Unwrap() []error {
	return []error{ErrResourceUnavailable, e.Err}
}
