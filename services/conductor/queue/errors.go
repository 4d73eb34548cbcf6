// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import "errors"

// Sentinel errors for the queue package.
var (
	// ErrTaskNotFound is returned when the referenced task id is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when enqueueing an id already present.
	ErrDuplicateTask = errors.New("task with this id already enqueued")

	// ErrTaskExpired marks a task whose deadline passed before it ran.
	// Terminal: expiry never consumes a retry.
	ErrTaskExpired = errors.New("task deadline expired")

	// ErrNotClaimable is returned when Claim targets a task that is not
	// pending.
	ErrNotClaimable = errors.New("task is not claimable")

	// ErrInvalidPolicy is returned for inconsistent retry configuration.
	ErrInvalidPolicy = errors.New("invalid retry policy")

	// ErrNilTask is returned when a nil task is enqueued.
	ErrNilTask = errors.New("task must not be nil")
)
