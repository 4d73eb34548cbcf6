// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package task

import "errors"

// Sentinel errors for the task package.
var (
	// ErrInvalidTransition is returned for a state move the lifecycle
	// machine does not allow (including any mutation of a terminal task).
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrAttemptsExhausted is returned when an execution is requested for
	// a task whose attempt budget is spent.
	ErrAttemptsExhausted = errors.New("task attempts exhausted")
)
