// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrNilGraph is returned when submitting without a graph.
	ErrNilGraph = errors.New("graph must not be nil")

	// ErrRunNotFound is returned when a run handle is unknown.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotActive is returned when cancelling a finished run.
	ErrRunNotActive = errors.New("run is not active")

	// ErrSchedulerClosed is returned when submitting after Shutdown.
	ErrSchedulerClosed = errors.New("scheduler is shut down")

	// ErrGraphMismatch is returned when resuming with a graph whose name
	// does not match the checkpoint's.
	ErrGraphMismatch = errors.New("graph does not match checkpoint")

	// ErrRunFailed is the sentinel for runs that aborted on node failure.
	ErrRunFailed = errors.New("run failed")

	// ErrRunCancelled is the sentinel for runs stopped by Cancel.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrRunCrashed is the sentinel for runs halted by an unrecoverable
	// error (checkpoint I/O being the canonical one).
	ErrRunCrashed = errors.New("run crashed")
)

// NodeFailureError reports the node whose terminal failure aborted a run.
type NodeFailureError struct {
	// Node is the failed node's name.
	Node string

	// Reason is the task's last recorded error.
	Reason string
}

func (e *NodeFailureError) Error() string {
	return fmt.Sprintf("node %s failed terminally: %s", e.Node, e.Reason)
}

func (e *NodeFailureError) Unwrap() error {
	return ErrRunFailed
}
