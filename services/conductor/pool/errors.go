// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is returned when dispatching to a quiescing pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolSaturated is returned when all worker slots are occupied.
	ErrPoolSaturated = errors.New("all worker slots occupied")

	// ErrAlreadyInFlight is returned when a task id is already executing.
	ErrAlreadyInFlight = errors.New("task already in flight")

	// ErrTaskTimeout is returned as the outcome error when an executor
	// exceeds the task's timeout.
	ErrTaskTimeout = errors.New("task execution timed out")

	// ErrNilExecutor is returned when dispatching without an executor.
	ErrNilExecutor = errors.New("executor must not be nil")

	// ErrNilTask is returned when dispatching a nil task.
	ErrNilTask = errors.New("task must not be nil")
)

// PanicError is the outcome error for an executor that panicked.
//
// The worker slot is reclaimed and the panic is contained; the task
// outcome carries the recovered value.
type PanicError struct {
	TaskID string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s: executor panicked: %v", e.TaskID, e.Value)
}
