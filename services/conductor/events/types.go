// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events broadcasts run and task lifecycle events.
//
// Events let hosts (the HTTP event stream, loggers, metrics) observe a run
// without coupling to scheduler internals.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeRunSubmitted is emitted when a run is accepted.
	TypeRunSubmitted Type = "run_submitted"

	// TypeLevelStarted is emitted when a super-step's tasks are enqueued.
	TypeLevelStarted Type = "level_started"

	// TypeLevelCompleted is emitted after a super-step's merge.
	TypeLevelCompleted Type = "level_completed"

	// TypeTaskTransition is emitted on every task state change.
	TypeTaskTransition Type = "task_transition"

	// TypeTaskRetry is emitted when a task is scheduled for retry.
	TypeTaskRetry Type = "task_retry"

	// TypeDispatchDeferred is emitted when budget admission defers a task.
	TypeDispatchDeferred Type = "dispatch_deferred"

	// TypeCheckpointSaved is emitted after a durable checkpoint.
	TypeCheckpointSaved Type = "checkpoint_saved"

	// TypeRunCompleted is emitted when a run finishes successfully.
	TypeRunCompleted Type = "run_completed"

	// TypeRunFailed is emitted when a run aborts.
	TypeRunFailed Type = "run_failed"

	// TypeRunCancelled is emitted when a run drains on request.
	TypeRunCancelled Type = "run_cancelled"
)

// Event is one observation of a run.
//
// Thread Safety:
//
//	Event structs should be treated as immutable after creation.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// RunID links the event to a run.
	RunID string `json:"run_id"`

	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Data contains event-specific data: one of RunData, LevelData,
	// TaskTransitionData, TaskRetryData, DispatchDeferredData, or
	// CheckpointData.
	Data any `json:"data,omitempty"`
}

// RunData is the data for run lifecycle events.
type RunData struct {
	// GraphName is the graph the run executes.
	GraphName string `json:"graph_name"`

	// State is the scheduler state at emission time.
	State string `json:"state,omitempty"`

	// Error describes why a run failed, for TypeRunFailed.
	Error string `json:"error,omitempty"`
}

// LevelData is the data for super-step events.
type LevelData struct {
	// Level is the super-step index.
	Level int `json:"level"`

	// Nodes are the node names in the super-step.
	Nodes []string `json:"nodes"`

	// StateVersion is the merge counter after the level, for
	// TypeLevelCompleted.
	StateVersion uint64 `json:"state_version,omitempty"`
}

// TaskTransitionData is the data for task state changes.
type TaskTransitionData struct {
	// TaskID identifies the task.
	TaskID string `json:"task_id"`

	// Node is the graph node the task executes, if any.
	Node string `json:"node,omitempty"`

	// From is the previous state.
	From string `json:"from"`

	// To is the new state.
	To string `json:"to"`

	// Attempt is the attempt count at transition time.
	Attempt int `json:"attempt"`
}

// TaskRetryData is the data for retry scheduling events.
type TaskRetryData struct {
	// TaskID identifies the task.
	TaskID string `json:"task_id"`

	// Node is the graph node the task executes, if any.
	Node string `json:"node,omitempty"`

	// Attempt is the attempt that just failed.
	Attempt int `json:"attempt"`

	// NotBefore is when the retry becomes dispatchable.
	NotBefore time.Time `json:"not_before"`

	// Error is the failure that triggered the retry.
	Error string `json:"error,omitempty"`
}

// DispatchDeferredData is the data for budget deferral events.
type DispatchDeferredData struct {
	// TaskID identifies the deferred task.
	TaskID string `json:"task_id"`

	// Reason is the budget monitor's refusal reason.
	Reason string `json:"reason"`
}

// CheckpointData is the data for checkpoint events.
type CheckpointData struct {
	// Version is the checkpoint's version.
	Version uint64 `json:"version"`

	// CompletedLevels is how many super-steps the checkpoint covers.
	CompletedLevels int `json:"completed_levels"`
}
